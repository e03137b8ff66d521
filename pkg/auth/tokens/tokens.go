// Package tokens stores tokens of services the user has logged in to.
//
// Tokens are kept in a JSON file (<home>/.chiltepin/tokens.json) keyed by
// service name, readable only by the user.
package tokens

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	xe "github.com/opst/chiltepin/pkg/errors"
)

// Services
const (
	Compute  = "compute"
	Transfer = "transfer"
)

const (
	DirName  = ".chiltepin"
	FileName = "tokens.json"
)

type Token struct {
	RefreshToken     string `json:"refresh_token,omitempty"`
	AccessToken      string `json:"access_token,omitempty"`
	ExpiresAtSeconds int64  `json:"expires_at_seconds,omitempty"`
}

// Expired tells whether the access token is expired at now.
//
// A token without expiry never expires.
func (t Token) Expired(now time.Time) bool {
	return t.ExpiresAtSeconds != 0 && t.ExpiresAtSeconds <= now.Unix()
}

// Expiry reads the "exp" claim of a JWT access token.
//
// The signature is not verified: it is the service which verifies tokens.
func Expiry(accessToken string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &claims); err != nil {
		return time.Time{}, xe.Wrap(err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("token has no exp claim")
	}
	return claims.ExpiresAt.Time, nil
}

// DefaultPath returns <home>/.chiltepin/tokens.json . If home is empty, the
// home directory of the user is used.
func DefaultPath(home string) (string, error) {
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return "", xe.Wrap(err)
		}
		home = h
	}
	return filepath.Join(home, DirName, FileName), nil
}

type Store struct {
	path string
	now  func() time.Time

	mu sync.Mutex
}

type Option func(*Store)

// WithClock replaces the clock used to check expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(path string, options ...Option) *Store {
	s := &Store{path: path, now: time.Now}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *Store) Path() string {
	return s.path
}

// Load reads all tokens. A missing file is an empty store.
func (s *Store) Load() (map[string]Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (map[string]Token, error) {
	buf, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Token{}, nil
	} else if err != nil {
		return nil, xe.Wrap(err)
	}
	toks := map[string]Token{}
	if len(buf) == 0 {
		return toks, nil
	}
	if err := json.Unmarshal(buf, &toks); err != nil {
		return nil, xe.Kinded(xe.ErrConfigParse, "%s: %s", s.path, err)
	}
	return toks, nil
}

// Save replaces all tokens.
func (s *Store) Save(toks map[string]Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(toks)
}

func (s *Store) save(toks map[string]Token) error {
	if err := os.MkdirAll(filepath.Dir(s.path), os.FileMode(0o700)); err != nil {
		return xe.Wrap(err)
	}
	buf, err := json.MarshalIndent(toks, "", "  ")
	if err != nil {
		return xe.Wrap(err)
	}

	f, err := os.CreateTemp(filepath.Dir(s.path), "."+FileName+".*")
	if err != nil {
		return xe.Wrap(err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)
	if err := f.Chmod(os.FileMode(0o600)); err != nil {
		f.Close()
		return xe.Wrap(err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return xe.Wrap(err)
	}
	if err := f.Close(); err != nil {
		return xe.Wrap(err)
	}
	return xe.Wrap(os.Rename(tmp, s.path))
}

// Put stores the token of service.
//
// When the expiry is not given, it is read from the access token if that
// is a JWT.
func (s *Store) Put(service string, tok Token) error {
	if tok.ExpiresAtSeconds == 0 && tok.AccessToken != "" {
		if exp, err := Expiry(tok.AccessToken); err == nil {
			tok.ExpiresAtSeconds = exp.Unix()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	toks, err := s.load()
	if err != nil {
		return err
	}
	toks[service] = tok
	return s.save(toks)
}

// Remove drops tokens of services. Without services, all tokens are removed.
func (s *Store) Remove(services ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(services) == 0 {
		err := os.Remove(s.path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return xe.Wrap(err)
	}
	toks, err := s.load()
	if err != nil {
		return err
	}
	for _, svc := range services {
		delete(toks, svc)
	}
	return s.save(toks)
}

// Valid tells whether the store has a usable token for service: a refresh
// token, or an access token not expired.
func (s *Store) Valid(service string) bool {
	toks, err := s.Load()
	if err != nil {
		return false
	}
	tok, ok := toks[service]
	if !ok {
		return false
	}
	if tok.RefreshToken != "" {
		return true
	}
	return tok.AccessToken != "" && !tok.Expired(s.now())
}
