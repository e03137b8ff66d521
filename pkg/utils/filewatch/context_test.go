package filewatch_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	ctxutil "github.com/opst/chiltepin/internal/testutils/context"
	"github.com/opst/chiltepin/pkg/utils/filewatch"
)

func TestUntilModified(t *testing.T) {
	theory := func(prepare func(t *testing.T, path string), modify func(t *testing.T, path string)) func(*testing.T) {
		return func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "env")
			prepare(t, path)

			ctx, cancel, err := filewatch.UntilModified(context.Background(), path)
			if err != nil {
				t.Fatal(err)
			}
			defer cancel()
			if err := ctx.Err(); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			modify(t, path)

			bounded := ctxutil.Bounded(t, 10*time.Second)
			select {
			case <-ctx.Done():
			case <-bounded.Done():
				t.Fatal("context is not cancelled")
			}
			if cause := context.Cause(ctx); !errors.Is(cause, filewatch.ErrModified) {
				t.Errorf("cause: %v", cause)
			}
		}
	}

	nothing := func(*testing.T, string) {}
	create := func(t *testing.T, path string) {
		if err := os.WriteFile(path, []byte("A=1\n"), os.FileMode(0o644)); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("creating the file ends the context", theory(nothing, create))
	t.Run("writing the file ends the context", theory(create, func(t *testing.T, path string) {
		if err := os.WriteFile(path, []byte("A=2\n"), os.FileMode(0o644)); err != nil {
			t.Fatal(err)
		}
	}))
	t.Run("removing the file ends the context", theory(create, func(t *testing.T, path string) {
		if err := os.Remove(path); err != nil {
			t.Fatal(err)
		}
	}))
	t.Run("replacing the file by rename ends the context", theory(create, func(t *testing.T, path string) {
		tmp := path + ".new"
		if err := os.WriteFile(tmp, []byte("A=3\n"), os.FileMode(0o644)); err != nil {
			t.Fatal(err)
		}
		if err := os.Rename(tmp, path); err != nil {
			t.Fatal(err)
		}
	}))
}

func TestUntilModified_OtherFiles(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel, err := filewatch.UntilModified(context.Background(), filepath.Join(dir, "env"))
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if err := os.WriteFile(filepath.Join(dir, "tokens.json"), []byte("{}"), os.FileMode(0o600)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ctx.Done():
		t.Fatalf("cancelled by another file: %v", context.Cause(ctx))
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	if !errors.Is(context.Cause(ctx), context.Canceled) {
		t.Errorf("cause: %v", context.Cause(ctx))
	}
}

func TestUntilModified_MissingDirectory(t *testing.T) {
	_, _, err := filewatch.UntilModified(
		context.Background(), filepath.Join(t.TempDir(), "nowhere", "env"),
	)
	if err == nil {
		t.Error("no error for a missing directory")
	}
}
