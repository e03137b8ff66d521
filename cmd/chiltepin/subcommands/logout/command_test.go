package logout_test

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/opst/chiltepin/cmd/chiltepin/env"
	"github.com/opst/chiltepin/cmd/chiltepin/subcommands/logout"
	"github.com/opst/chiltepin/internal/testutils/commandline"
	"github.com/opst/chiltepin/pkg/auth/tokens"
	"github.com/opst/chiltepin/pkg/utils/try"
	"github.com/youta-t/flarc"
)

func TestLogout(t *testing.T) {
	type Then struct {
		remains []string
		err     error
	}
	theory := func(services []string, then Then) func(*testing.T) {
		return func(t *testing.T) {
			e := env.Env{Home: t.TempDir()}
			store := e.TokenStore()
			for _, svc := range []string{tokens.Compute, tokens.Transfer} {
				if err := store.Put(svc, tokens.Token{AccessToken: "token-of-" + svc}); err != nil {
					t.Fatal(err)
				}
			}

			err := logout.Task()(
				context.Background(),
				log.New(io.Discard, "", 0),
				e,
				commandline.MockCommandline[logout.Flag]{
					Fullname_: "chiltepin logout",
					Stdout_:   io.Discard,
					Stderr_:   io.Discard,
					Flags_:    logout.Flag{Service: services},
				},
				nil,
			)
			if then.err != nil {
				if !errors.Is(err, then.err) {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}

			actual := try.To(store.Load()).OrFatal(t)
			if len(actual) != len(then.remains) {
				t.Errorf("remaining tokens: %v", actual)
			}
			for _, svc := range then.remains {
				if _, ok := actual[svc]; !ok {
					t.Errorf("token of %s is removed", svc)
				}
			}
		}
	}

	t.Run("without services, all tokens are removed", theory(nil, Then{}))
	t.Run("tokens of given services are removed", theory(
		[]string{tokens.Compute}, Then{remains: []string{tokens.Transfer}},
	))
	t.Run("an unknown service is a usage error", theory(
		[]string{"storage"}, Then{err: flarc.ErrUsage},
	))
}
