package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"momentumd/internal/exchange"
)

// Chunked is the parallel-but-spaced family used for global venues
// (spec.md §4.2): up to chunkSize calls run concurrently, then the
// scheduler waits interChunkDelay before admitting the next chunk. A 429
// observed anywhere in a chunk pauses admission of further chunks for
// pauseWindow; calls already in flight when the pause starts are allowed
// to finish.
type Chunked struct {
	name            string
	chunkSize       int
	interChunkDelay time.Duration
	pauseWindow     time.Duration
	logger          *zap.Logger

	mu    sync.Mutex
	state State
	queue []request
	wake  chan struct{}
}

// NewChunked creates a global-venue scheduler. Binance family: chunkSize=3,
// interChunkDelay=500ms. OKX family: chunkSize=5, interChunkDelay=1000ms
// (spec.md §4.2).
func NewChunked(name string, chunkSize int, interChunkDelay, pauseWindow time.Duration, logger *zap.Logger) *Chunked {
	c := &Chunked{
		name:            name,
		chunkSize:       chunkSize,
		interChunkDelay: interChunkDelay,
		pauseWindow:     pauseWindow,
		logger:          logger.Named("scheduler").With(zap.String("family", name)),
		wake:            make(chan struct{}, 1),
	}
	go c.loop(context.Background())
	return c
}

func (c *Chunked) Submit(ctx context.Context, fn Call) error {
	req := request{fn: fn, done: make(chan error, 1)}

	c.mu.Lock()
	c.queue = append(c.queue, req)
	c.mu.Unlock()
	c.signal()

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Chunked) ClearQueue() {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, r := range pending {
		r.done <- cancelledErr(c.name)
	}
}

func (c *Chunked) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Chunked) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Chunked) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}

		for {
			c.mu.Lock()
			if c.state == Paused || len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			n := c.chunkSize
			if n > len(c.queue) {
				n = len(c.queue)
			}
			batch := c.queue[:n]
			c.queue = c.queue[n:]
			c.state = Processing
			c.mu.Unlock()

			rateLimited := c.runChunk(ctx, batch)
			if rateLimited {
				c.enterPause()
				continue
			}

			time.Sleep(c.interChunkDelay)
		}

		c.mu.Lock()
		if c.state != Paused {
			c.state = Idle
		}
		c.mu.Unlock()
	}
}

func (c *Chunked) runChunk(ctx context.Context, batch []request) bool {
	var wg sync.WaitGroup
	var mu sync.Mutex
	rateLimited := false

	for _, req := range batch {
		wg.Add(1)
		go func(req request) {
			defer wg.Done()
			err := req.fn(ctx)
			req.done <- err
			if err != nil && exchange.ClassOf(err) == exchange.ClassRateLimited {
				mu.Lock()
				rateLimited = true
				mu.Unlock()
			}
		}(req)
	}
	wg.Wait()
	return rateLimited
}

func (c *Chunked) enterPause() {
	c.mu.Lock()
	c.state = Paused
	c.mu.Unlock()

	c.logger.Warn("rate limited, pausing chunk admission", zap.Duration("window", c.pauseWindow))

	time.AfterFunc(c.pauseWindow, func() {
		c.mu.Lock()
		c.state = Processing
		c.mu.Unlock()
		c.signal()
	})
}
