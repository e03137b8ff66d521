package cmdexec_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opst/chiltepin/pkg/cmdexec"
	xe "github.com/opst/chiltepin/pkg/errors"
)

func TestExec(t *testing.T) {
	t.Run("it returns stdout of a successful command", func(t *testing.T) {
		res, err := cmdexec.Exec{}.Run(context.Background(), "sh", "-c", "echo hello; echo oops >&2")
		if err != nil {
			t.Fatal(err)
		}
		if res.Stdout != "hello\n" || res.Stderr != "oops\n" || res.ExitCode != 0 {
			t.Errorf("unexpected result: %+v", res)
		}
	})

	t.Run("non-zero exit is an ExitError of the configured kind, keeping output", func(t *testing.T) {
		_, err := cmdexec.Exec{Kind: xe.ErrAgent}.Run(
			context.Background(), "sh", "-c", "echo out; echo err >&2; exit 3",
		)
		if !errors.Is(err, xe.ErrAgent) {
			t.Errorf("kind is lost: %v", err)
		}
		ee := new(cmdexec.ExitError)
		if !errors.As(err, &ee) {
			t.Fatalf("not an ExitError: %v", err)
		}
		if ee.ExitCode != 3 || ee.Stdout != "out\n" || ee.Stderr != "err\n" {
			t.Errorf("unexpected: %+v", ee)
		}
		for _, s := range []string{"out", "err", "exited with 3"} {
			if !strings.Contains(err.Error(), s) {
				t.Errorf("message does not contain %q: %s", s, err)
			}
		}
	})

	t.Run("a command exceeding the timeout is killed and reported as timeout", func(t *testing.T) {
		before := time.Now()
		_, err := cmdexec.Exec{Timeout: 100 * time.Millisecond, Kind: xe.ErrAgent}.Run(
			context.Background(), "sh", "-c", "sleep 10",
		)
		if !errors.Is(err, xe.ErrTimeout) || !errors.Is(err, xe.ErrAgent) {
			t.Errorf("unexpected error: %v", err)
		}
		if 5*time.Second < time.Since(before) {
			t.Errorf("command is not killed in time")
		}
	})

	t.Run("a missing command is an ExitError", func(t *testing.T) {
		_, err := cmdexec.Exec{Kind: xe.ErrBatchSubmitFailed}.Run(
			context.Background(), "/nonexistent/command/for/test",
		)
		if !errors.Is(err, xe.ErrBatchSubmitFailed) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}
