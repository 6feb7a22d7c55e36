package loader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunChunksRunsEverything(t *testing.T) {
	var done int64

	chunks := make([]ChunkFunc, 10)
	for i := range chunks {
		chunks[i] = func(ctx context.Context) error {
			atomic.AddInt64(&done, 1)
			return nil
		}
	}

	require.NoError(t, RunChunks(context.Background(), 3, chunks))
	assert.Equal(t, int64(10), done)
}

func TestRunChunksBoundsConcurrency(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0

	chunks := make([]ChunkFunc, 12)
	for i := range chunks {
		chunks[i] = func(ctx context.Context) error {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			return nil
		}
	}

	require.NoError(t, RunChunks(context.Background(), 4, chunks))
	assert.LessOrEqual(t, peak, 4)
}

func TestRunChunksFirstErrorStopsLaterBatches(t *testing.T) {
	sentinel := errors.New("chunk failed")
	var ran int64

	chunks := make([]ChunkFunc, 6)
	for i := range chunks {
		i := i
		chunks[i] = func(ctx context.Context) error {
			atomic.AddInt64(&ran, 1)
			if i == 0 {
				return sentinel
			}
			return nil
		}
	}

	err := RunChunks(context.Background(), 2, chunks)
	require.ErrorIs(t, err, sentinel)
	// The failing batch runs to completion, later batches never start.
	assert.Equal(t, int64(2), ran)
}

func TestRunChunksEmptyInput(t *testing.T) {
	assert.NoError(t, RunChunks(context.Background(), 4, nil))
}

func TestRunChunksCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var ran int64
	chunks := []ChunkFunc{
		func(ctx context.Context) error {
			atomic.AddInt64(&ran, 1)
			cancel()
			return nil
		},
		func(ctx context.Context) error {
			atomic.AddInt64(&ran, 1)
			return nil
		},
	}

	err := RunChunks(ctx, 1, chunks)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(1), ran)
}
