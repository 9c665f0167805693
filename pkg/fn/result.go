// Package fn provides Result-based error handling, composable pipeline
// stages, and small slice and concurrency helpers used across the engine.
package fn

import "fmt"

// Result holds either a value or an error. The zero value is an ok Result
// of the zero value of T.
type Result[T any] struct {
	val T
	err error
}

// Ok wraps a value.
func Ok[T any](v T) Result[T] {
	return Result[T]{val: v}
}

// Err wraps an error.
func Err[T any](err error) Result[T] {
	return Result[T]{err: err}
}

// Errf wraps a formatted error.
func Errf[T any](format string, args ...any) Result[T] {
	return Result[T]{err: fmt.Errorf(format, args...)}
}

// FromPair lifts a conventional (value, error) return into a Result.
func FromPair[T any](v T, err error) Result[T] {
	if err != nil {
		return Err[T](err)
	}
	return Ok(v)
}

func (r Result[T]) IsOk() bool  { return r.err == nil }
func (r Result[T]) IsErr() bool { return r.err != nil }

// Unwrap returns the conventional (value, error) pair.
func (r Result[T]) Unwrap() (T, error) { return r.val, r.err }

// Must returns the value, panicking on error. For tests and init paths.
func (r Result[T]) Must() T {
	if r.err != nil {
		panic(r.err)
	}
	return r.val
}

// UnwrapOr returns the value, or fallback on error.
func (r Result[T]) UnwrapOr(fallback T) T {
	if r.err != nil {
		return fallback
	}
	return r.val
}

// Map transforms an ok value; errors pass through.
func (r Result[T]) Map(f func(T) T) Result[T] {
	if r.err != nil {
		return r
	}
	return Ok(f(r.val))
}

// AndThen chains a fallible step onto an ok value.
func (r Result[T]) AndThen(f func(T) Result[T]) Result[T] {
	if r.err != nil {
		return r
	}
	return f(r.val)
}

// MapResult converts Result[T] to Result[U] through f.
func MapResult[T, U any](r Result[T], f func(T) U) Result[U] {
	if r.err != nil {
		return Err[U](r.err)
	}
	return Ok(f(r.val))
}

// Collect turns a slice of Results into a Result of a slice, failing on
// the first error encountered.
func Collect[T any](results []Result[T]) Result[[]T] {
	out := make([]T, len(results))
	for i, r := range results {
		if r.err != nil {
			return Err[[]T](r.err)
		}
		out[i] = r.val
	}
	return Ok(out)
}
