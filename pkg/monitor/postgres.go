package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4/pgxpool"
	xe "github.com/opst/chiltepin/pkg/errors"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS "chiltepin_task" (
		"run"       text        NOT NULL,
		"id"        text        NOT NULL,
		"seq"       bigserial,
		"name"      text        NOT NULL,
		"kind"      text        NOT NULL,
		"state"     text        NOT NULL,
		"exit_code" integer     NOT NULL,
		"error"     text        NOT NULL DEFAULT '',
		"submitted" timestamptz NOT NULL,
		"started"   timestamptz,
		"finished"  timestamptz,
		PRIMARY KEY ("run", "id")
	)`,
	`CREATE TABLE IF NOT EXISTS "chiltepin_block" (
		"run"       text        NOT NULL,
		"id"        text        NOT NULL,
		"seq"       bigserial,
		"pool"      text        NOT NULL,
		"job_id"    text        NOT NULL,
		"state"     text        NOT NULL,
		"requested" timestamptz NOT NULL,
		"started"   timestamptz,
		"updated"   timestamptz NOT NULL,
		PRIMARY KEY ("run", "id")
	)`,
}

// Postgres is a Recorder on PostgreSQL.
//
// Records of each run of orchestrators are kept apart by run id.
type Postgres struct {
	pool *pgxpool.Pool
	run  string
}

var _ Recorder = &Postgres{}

type PostgresOption func(*Postgres)

// WithRun sets the run id. By default, a new one is generated.
func WithRun(run string) PostgresOption {
	return func(p *Postgres) { p.run = run }
}

// NewPostgres connects to the database at url, and creates tables if they
// do not exist.
func NewPostgres(ctx context.Context, url string, options ...PostgresOption) (*Postgres, error) {
	pool, err := pgxpool.Connect(ctx, url)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	p := &Postgres{pool: pool, run: uuid.NewString()}
	for _, opt := range options {
		opt(p)
	}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Run() string {
	return p.run
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) migrate(ctx context.Context) error {
	for _, ddl := range schema {
		if _, err := p.pool.Exec(ctx, ddl); err != nil {
			// another process has created it concurrently.
			if pgerr := new(pgconn.PgError); errors.As(err, &pgerr) {
				if pgerr.Code == pgerrcode.UniqueViolation || pgerr.Code == pgerrcode.DuplicateTable {
					continue
				}
			}
			return xe.WrapWithNote("creating tables", err)
		}
	}
	return nil
}

func nullable(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func (p *Postgres) Record(ctx context.Context, e Event) error {
	switch rec := e.(type) {
	case TaskRecord:
		_, err := p.pool.Exec(
			ctx,
			`INSERT INTO "chiltepin_task"
				("run", "id", "name", "kind", "state", "exit_code", "error", "submitted", "started", "finished")
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT ("run", "id") DO UPDATE SET
				"state" = EXCLUDED."state",
				"exit_code" = EXCLUDED."exit_code",
				"error" = EXCLUDED."error",
				"started" = EXCLUDED."started",
				"finished" = EXCLUDED."finished"`,
			p.run, rec.ID, rec.Name, rec.Kind, rec.State, rec.ExitCode, rec.Error,
			rec.Submitted, nullable(rec.Started), nullable(rec.Finished),
		)
		return xe.Wrap(err)
	case BlockRecord:
		_, err := p.pool.Exec(
			ctx,
			`INSERT INTO "chiltepin_block"
				("run", "id", "pool", "job_id", "state", "requested", "started", "updated")
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT ("run", "id") DO UPDATE SET
				"job_id" = EXCLUDED."job_id",
				"state" = EXCLUDED."state",
				"started" = EXCLUDED."started",
				"updated" = EXCLUDED."updated"`,
			p.run, rec.ID, rec.Pool, rec.JobID, rec.State, rec.Requested, nullable(rec.Started), rec.Updated,
		)
		return xe.Wrap(err)
	}
	return nil
}

func (p *Postgres) Tasks(ctx context.Context) ([]TaskRecord, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT "id", "name", "kind", "state", "exit_code", "error", "submitted", "started", "finished"
		FROM "chiltepin_task" WHERE "run" = $1 ORDER BY "seq"`,
		p.run,
	)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	defer rows.Close()

	recs := []TaskRecord{}
	for rows.Next() {
		rec := TaskRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.Name, &rec.Kind, &rec.State, &rec.ExitCode, &rec.Error,
			&rec.Submitted, &rec.Started, &rec.Finished,
		); err != nil {
			return nil, xe.Wrap(err)
		}
		recs = append(recs, rec)
	}
	return recs, xe.Wrap(rows.Err())
}

func (p *Postgres) Blocks(ctx context.Context) ([]BlockRecord, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT "id", "pool", "job_id", "state", "requested", "started", "updated"
		FROM "chiltepin_block" WHERE "run" = $1 ORDER BY "seq"`,
		p.run,
	)
	if err != nil {
		return nil, xe.Wrap(err)
	}
	defer rows.Close()

	recs := []BlockRecord{}
	for rows.Next() {
		rec := BlockRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.Pool, &rec.JobID, &rec.State, &rec.Requested, &rec.Started, &rec.Updated,
		); err != nil {
			return nil, xe.Wrap(err)
		}
		recs = append(recs, rec)
	}
	return recs, xe.Wrap(rows.Err())
}
