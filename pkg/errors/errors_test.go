package errors_test

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"testing"

	xe "github.com/opst/chiltepin/pkg/errors"
)

type MyErr struct{}

func (MyErr) Error() string {
	return "error type for test"
}

func createError(message string) error {
	return xe.New(message)
}

func TestNewError(t *testing.T) {
	t.Run("it knows location where it is created.", func(t *testing.T) {
		testee := createError("test error")
		errMessage := testee.Error()

		_, thisFile, _, _ := runtime.Caller(0)

		if !strings.Contains(errMessage, "createError") {
			t.Errorf("it does not know function name: %s", errMessage)
		}

		if !strings.Contains(errMessage, thisFile) {
			t.Errorf("it does not know file (%s): %s", thisFile, errMessage)
		}
	})

	t.Run("it supports errors protocol", func(t *testing.T) {
		rootError := MyErr{}

		err := xe.Wrap(fmt.Errorf("%w", fmt.Errorf("%w", rootError)))

		if !errors.Is(err, rootError) {
			t.Error("it does not support unwrapping.")
		}
	})

	t.Run("wrapping nil is nil", func(t *testing.T) {
		if err := xe.Wrap(nil); err != nil {
			t.Errorf("unexpected: %v", err)
		}
		if err := xe.WrapWithNote("note", nil); err != nil {
			t.Errorf("unexpected: %v", err)
		}
	})
}

func TestKinds(t *testing.T) {
	t.Run("Kinded error is its kind and keeps the message", func(t *testing.T) {
		err := xe.Kinded(xe.ErrUnknownCapability, "no pool named %q", "gpu")
		if !errors.Is(err, xe.ErrUnknownCapability) {
			t.Errorf("kind is lost: %v", err)
		}
		if !strings.Contains(err.Error(), `no pool named "gpu"`) {
			t.Errorf("message is lost: %v", err)
		}
		if !strings.Contains(err.Error(), "unknown-capability") {
			t.Errorf("kind name is not in message: %v", err)
		}
	})

	t.Run("KindOf finds the kind through wrappers", func(t *testing.T) {
		err := xe.WrapWithNote("outer", fmt.Errorf("middle: %w", xe.ErrTimeout))
		if got := xe.KindOf(err); got != xe.ErrTimeout {
			t.Errorf("got %v", got)
		}
	})

	t.Run("KindOf of unrelated error is nil", func(t *testing.T) {
		if got := xe.KindOf(errors.New("plain")); got != nil {
			t.Errorf("got %v", got)
		}
		if got := xe.KindOf(nil); got != nil {
			t.Errorf("got %v", got)
		}
	})
}
