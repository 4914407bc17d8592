package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"momentumd/internal/exchange"
)

func TestSerializerRunsCallsInOrderWithSpacing(t *testing.T) {
	s := NewSerializer("krw", 10*time.Millisecond, time.Second, zap.NewNop())

	var order int32
	first := make(chan int32, 1)
	second := make(chan int32, 1)
	firstAt := make(chan time.Time, 1)
	secondAt := make(chan time.Time, 1)

	go func() {
		_ = s.Submit(context.Background(), func(ctx context.Context) error {
			first <- atomic.AddInt32(&order, 1)
			firstAt <- time.Now()
			return nil
		})
	}()
	go func() {
		_ = s.Submit(context.Background(), func(ctx context.Context) error {
			second <- atomic.AddInt32(&order, 1)
			secondAt <- time.Now()
			return nil
		})
	}()

	a := <-first
	b := <-second
	require.NotEqual(t, a, b)

	gap := (<-secondAt).Sub(<-firstAt)
	if gap < 0 {
		gap = -gap
	}
	require.GreaterOrEqual(t, gap, 10*time.Millisecond)
}

func TestSerializerPausesOnRateLimit(t *testing.T) {
	s := NewSerializer("krw", time.Millisecond, 50*time.Millisecond, zap.NewNop())

	err := s.Submit(context.Background(), func(ctx context.Context) error {
		return &exchange.Error{Class: exchange.ClassRateLimited}
	})
	require.Error(t, err)

	time.Sleep(5 * time.Millisecond)
	require.Equal(t, Paused, s.State())

	start := time.Now()
	err = s.Submit(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestSerializerClearQueueCancelsPending(t *testing.T) {
	s := NewSerializer("krw", time.Second, time.Second, zap.NewNop())

	block := make(chan struct{})
	go s.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	})
	time.Sleep(5 * time.Millisecond)

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- s.Submit(context.Background(), func(ctx context.Context) error { return nil })
	}()
	time.Sleep(5 * time.Millisecond)

	s.ClearQueue()
	err := <-resultCh
	require.Error(t, err)
	require.Equal(t, exchange.ClassCancelled, exchange.ClassOf(err))
	close(block)
}

func TestChunkedRunsUpToChunkSizeConcurrently(t *testing.T) {
	c := NewChunked("binance", 3, 5*time.Millisecond, time.Second, zap.NewNop())

	var inFlight int32
	var maxSeen int32
	results := make(chan error, 6)

	for i := 0; i < 6; i++ {
		go func() {
			results <- c.Submit(context.Background(), func(ctx context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					cur := atomic.LoadInt32(&maxSeen)
					if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
		}()
	}

	for i := 0; i < 6; i++ {
		require.NoError(t, <-results)
	}
	require.LessOrEqual(t, atomic.LoadInt32(&maxSeen), int32(3))
}

func TestWithRetryRetriesTransientOnly(t *testing.T) {
	var calls int32
	fn := WithRetry(func(ctx context.Context) error {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return &exchange.Error{Class: exchange.ClassNetworkTransient}
		}
		return nil
	})
	require.NoError(t, fn(context.Background()))
	require.Equal(t, int32(3), calls)
}

func TestWithRetryFailsFastOnPermanent(t *testing.T) {
	var calls int32
	fn := WithRetry(func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return &exchange.Error{Class: exchange.ClassNetworkPermanent}
	})
	require.Error(t, fn(context.Background()))
	require.Equal(t, int32(1), calls)
}
