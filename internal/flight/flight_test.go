package flight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/singleflight"
)

func TestDo_CollapsesConcurrentCalls(t *testing.T) {
	var g singleflight.Group
	var calls int32
	release := make(chan struct{})

	const callers = 10
	var wg sync.WaitGroup
	results := make([]string, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := Do(context.Background(), &g, "key", time.Second, func(ctx context.Context) (string, error) {
				atomic.AddInt32(&calls, 1)
				<-release
				return "value", nil
			})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	// Give every goroutine time to attach to the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, "value", r)
	}
}

func TestDo_CallerCancellationDoesNotCancelSharedCall(t *testing.T) {
	var g singleflight.Group
	release := make(chan struct{})
	sharedCtxErr := make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := Do(ctx, &g, "key", 0, func(callCtx context.Context) (int, error) {
			<-release
			sharedCtxErr <- callCtx.Err()
			return 1, nil
		})
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	// A second caller still gets the shared result.
	resCh := make(chan int, 1)
	go func() {
		v, _, err := Do(context.Background(), &g, "key", 0, func(context.Context) (int, error) {
			return 2, nil
		})
		assert.NoError(t, err)
		resCh <- v
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	assert.NoError(t, <-sharedCtxErr)
	assert.Equal(t, 1, <-resCh)
}

func TestDo_PropagatesError(t *testing.T) {
	var g singleflight.Group
	boom := errors.New("boom")

	_, _, err := Do(context.Background(), &g, "key", 0, func(context.Context) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestDo_Timeout(t *testing.T) {
	var g singleflight.Group

	_, _, err := Do(context.Background(), &g, "key", 10*time.Millisecond, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
