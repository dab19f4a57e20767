package libp2poplog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsInOrder(t *testing.T) {
	q := newQueue()
	defer q.close()

	var mu sync.Mutex
	var order []int
	var dones []<-chan error
	for i := 0; i < 50; i++ {
		i := i
		done, err := q.push(context.Background(), func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		dones = append(dones, done)
	}
	for _, done := range dones {
		require.NoError(t, <-done)
	}

	require.Len(t, order, 50)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestQueueOneAtATime(t *testing.T) {
	q := newQueue()
	defer q.close()

	var mu sync.Mutex
	running, most := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.do(context.Background(), func(context.Context) error {
				mu.Lock()
				running++
				if running > most {
					most = running
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, most)
}

func TestQueueReturnsTaskError(t *testing.T) {
	q := newQueue()
	defer q.close()

	boom := errors.New("boom")
	err := q.do(context.Background(), func(context.Context) error { return boom })
	assert.Equal(t, boom, err)
}

func TestQueueSkipsCanceledTasks(t *testing.T) {
	q := newQueue()
	defer q.close()

	release := make(chan struct{})
	blocker, err := q.push(context.Background(), func(context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	skipped, err := q.push(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	cancel()
	close(release)

	require.NoError(t, <-blocker)
	assert.True(t, errors.Is(<-skipped, context.Canceled))
	assert.False(t, ran)
}

func TestQueueOnIdle(t *testing.T) {
	q := newQueue()
	defer q.close()

	require.NoError(t, q.onIdle(context.Background()))

	release := make(chan struct{})
	_, err := q.push(context.Background(), func(context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	_, err = q.push(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.True(t, errors.Is(q.onIdle(ctx), context.DeadlineExceeded))

	close(release)
	require.NoError(t, q.onIdle(context.Background()))
	assert.Zero(t, q.Len())
}

func TestQueueCloseDrains(t *testing.T) {
	q := newQueue()

	var mu sync.Mutex
	count := 0
	for i := 0; i < 10; i++ {
		_, err := q.push(context.Background(), func(context.Context) error {
			time.Sleep(time.Millisecond)
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}
	q.close()
	q.close()
	assert.Equal(t, 10, count)

	_, err := q.push(context.Background(), func(context.Context) error { return nil })
	assert.Equal(t, ErrClosed, err)
	assert.Equal(t, ErrClosed, q.do(context.Background(), func(context.Context) error { return nil }))
}
