package schedule

import (
	"fmt"
	"runtime"
	"sync"
)

// Pool runs independent work items on a bounded number of goroutines.
type Pool struct {
	// Workers is the number of goroutines; zero or less means one per CPU
	Workers int
}

// NewPool returns a pool with the given number of workers.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{Workers: workers}
}

// Run calls fn for every item and returns once all calls have completed.
// Failed items do not stop the others; the error of the lowest failing item
// is returned.
func (p *Pool) Run(items []int, fn func(item int) error) error {
	if len(items) == 0 {
		return nil
	}
	workers := p.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	workers = min(workers, len(items))

	type result struct {
		item int
		err  error
	}
	jobs := make(chan int)
	results := make(chan result, len(items))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				results <- result{item: item, err: fn(item)}
			}
		}()
	}
	for _, item := range items {
		jobs <- item
	}
	close(jobs)
	wg.Wait()
	close(results)

	var first *result
	for res := range results {
		if res.err != nil && (first == nil || res.item < first.item) {
			r := res
			first = &r
		}
	}
	if first != nil {
		return fmt.Errorf("item %d: %w", first.item, first.err)
	}
	return nil
}

// Chunks splits [0, n) into contiguous ranges of at most size elements.
func Chunks(n, size int) [][2]int {
	if size <= 0 {
		size = n
	}
	var out [][2]int
	for start := 0; start < n; start += size {
		out = append(out, [2]int{start, min(start+size, n)})
	}
	return out
}
