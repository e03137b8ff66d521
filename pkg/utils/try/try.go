// Package try turns (value, error) pairs into a single value for places
// where an error can only be fatal: tests and the top of main.
package try

// Fataler is something with method `Fatal`, like *testing.T or *log.Logger.
type Fataler interface {
	Fatal(...any)
}

// Either wraps a pair of (T, error).
//
// It is "ok" when error is nil, and "no good" otherwise.
type Either[T any] interface {
	// Get returns (value, nil) if ok, (zero-value, error) otherwise.
	Get() (T, error)

	// OrFatal returns the value if ok.
	//
	// Otherwise, it calls ftl.Fatal(err).
	// If ftl has "Helper()" (like *testing.T), that is called before Fatal.
	OrFatal(ftl Fataler) T

	// OrDefault returns the value if ok, and d otherwise.
	OrDefault(d T) T
}

func To[T any](value T, err error) Either[T] {
	if err == nil {
		return ok[T]{value}
	}
	return ng[T]{err}
}

// Map converts the value if ok. Errors pass through.
func Map[T any, R any](e Either[T], mapper func(T) R) Either[R] {
	v, err := e.Get()
	if err != nil {
		return ng[R]{err}
	}
	return ok[R]{mapper(v)}
}

type ok[T any] struct {
	value T
}

type ng[T any] struct {
	err error
}

func (o ok[T]) Get() (T, error) {
	return o.value, nil
}

func (o ok[T]) OrDefault(T) T {
	return o.value
}

func (o ok[T]) OrFatal(Fataler) T {
	return o.value
}

func (n ng[T]) Get() (T, error) {
	return *new(T), n.err
}

func (n ng[T]) OrDefault(d T) T {
	return d
}

func (n ng[T]) OrFatal(ftl Fataler) T {
	if hlp, ok := ftl.(interface{ Helper() }); ok {
		hlp.Helper()
	}
	ftl.Fatal(n.err)
	return *new(T)
}
