package loader

import (
	"context"
	"sync"
)

// ChunkFunc fetches and appends one chunk of a paginated load.
type ChunkFunc func(ctx context.Context) error

// RunChunks executes chunks with at most maxWorkers running concurrently,
// joining at a barrier after each batch. The first error wins and stops
// further batches from being spawned; chunks already in flight run to
// completion (or their own retry budget) so previously appended data is
// never corrupted mid-write.
func RunChunks(ctx context.Context, maxWorkers int, chunks []ChunkFunc) error {
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	var (
		mu       sync.Mutex
		firstErr error
	)

	for start := 0; start < len(chunks); start += maxWorkers {
		end := start + maxWorkers
		if end > len(chunks) {
			end = len(chunks)
		}

		var wg sync.WaitGroup
		for _, chunk := range chunks[start:end] {
			wg.Add(1)
			go func(fn ChunkFunc) {
				defer wg.Done()
				if err := fn(ctx); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}(chunk)
		}
		wg.Wait()

		if firstErr != nil {
			return firstErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	return nil
}
