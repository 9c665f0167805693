package fn

import "sync"

// each runs f(i) for every index with at most workers goroutines.
// workers <= 0 means one goroutine per index.
func each(n, workers int, f func(i int)) {
	if n == 0 {
		return
	}
	if workers <= 0 || workers > n {
		workers = n
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		sem <- struct{}{}
		go func(i int) {
			defer func() { <-sem; wg.Done() }()
			f(i)
		}(i)
	}
	wg.Wait()
}

// ParMap applies f to every item with bounded concurrency. Output order
// matches input order.
func ParMap[T, U any](items []T, workers int, f func(T) U) []U {
	out := make([]U, len(items))
	each(len(items), workers, func(i int) {
		out[i] = f(items[i])
	})
	return out
}

// ParMapResult is ParMap for fallible functions.
func ParMapResult[T, U any](items []T, workers int, f func(T) Result[U]) []Result[U] {
	out := make([]Result[U], len(items))
	each(len(items), workers, func(i int) {
		out[i] = f(items[i])
	})
	return out
}

// FanOut runs every function concurrently and returns their results in
// argument order.
func FanOut[T any](fns ...func() T) []T {
	return ParMap(fns, 0, func(f func() T) T { return f() })
}

// FanOutResult is FanOut collapsed to a single Result: all values, or the
// first error.
func FanOutResult[T any](fns ...func() Result[T]) Result[[]T] {
	return Collect(FanOut(fns...))
}
