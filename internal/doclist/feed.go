package doclist

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type FeedState int32

const (
	FeedIdle FeedState = iota
	FeedConnecting
	FeedStreaming
	FeedBackoff
	FeedResyncing
)

func (s FeedState) String() string {
	switch s {
	case FeedIdle:
		return "idle"
	case FeedConnecting:
		return "connecting"
	case FeedStreaming:
		return "streaming"
	case FeedBackoff:
		return "backoff"
	case FeedResyncing:
		return "resyncing"
	default:
		return "unknown"
	}
}

// feedHandler is the consumer's view of its owner.
type feedHandler interface {
	// subscription returns the request for the next connection and the
	// store generation it belongs to; ok is false until a cursor is held.
	subscription() (req SubscribeRequest, generation uint64, ok bool)
	hydrate(ctx context.Context, change ChangeEvent) ChangeEvent
	apply(ctx context.Context, generation uint64, change HydratedChange) error
	resync(ctx context.Context, cursor string) error
}

type ConsumerOptions struct {
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	Jitter             float64
	HydrateConcurrency int
	Clock              Clock
	// Random returns a sample in [0,1) for backoff jitter.
	Random        func() float64
	Logger        Logger
	Metrics       *Metrics
	OnStateChange func(FeedState)
}

const (
	defaultBaseDelay          = 500 * time.Millisecond
	defaultMaxDelay           = 30 * time.Second
	defaultJitter             = 0.15
	defaultHydrateConcurrency = 4
	maxBackoffExponent        = 5
)

// Consumer keeps one subscription to the change feed open, reconnecting
// with backoff and resyncing when the held cursor is gone.
type Consumer struct {
	source  FeedSource
	handler feedHandler
	opts    ConsumerOptions

	state   atomic.Int32
	attempt int
	seq     uint64

	mu         sync.Mutex
	resume     string
	resumeGen  uint64
	connCancel context.CancelFunc
	wake       chan struct{}
}

func newConsumer(source FeedSource, handler feedHandler, opts ConsumerOptions) *Consumer {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.Jitter < 0 {
		opts.Jitter = 0
	}
	if opts.HydrateConcurrency <= 0 {
		opts.HydrateConcurrency = defaultHydrateConcurrency
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Random == nil {
		opts.Random = rand.Float64
	}
	return &Consumer{
		source:  source,
		handler: handler,
		opts:    opts,
		wake:    make(chan struct{}, 1),
	}
}

func (c *Consumer) State() FeedState {
	return FeedState(c.state.Load())
}

func (c *Consumer) setState(next FeedState) {
	if FeedState(c.state.Swap(int32(next))) == next {
		return
	}
	c.opts.Metrics.feedState(next)
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(next)
	}
}

// Wake makes an idle consumer re-check whether it can connect, and cuts a
// pending backoff short.
func (c *Consumer) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Restart drops the current connection and the held resume position; the
// next connection starts from the owner's cursor.
func (c *Consumer) Restart() {
	c.mu.Lock()
	c.resume = ""
	c.resumeGen = 0
	if c.connCancel != nil {
		c.connCancel()
	}
	c.mu.Unlock()
	c.Wake()
}

// backoffDelay is min(max, base*2^min(attempt,5)) plus up to jitter of it.
func backoffDelay(attempt int, base, max time.Duration, jitter, sample float64) time.Duration {
	if attempt > maxBackoffExponent {
		attempt = maxBackoffExponent
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := base * time.Duration(1<<attempt)
	if delay > max {
		delay = max
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	return delay + time.Duration(float64(delay)*jitter*sample)
}

// Run drives the state machine until ctx ends. Cancelling ctx closes the
// connection and abandons any backoff; no event is applied afterwards.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.setState(FeedIdle)
	for {
		if ctx.Err() != nil {
			return nil
		}
		req, generation, ok := c.handler.subscription()
		if !ok {
			c.setState(FeedIdle)
			select {
			case <-ctx.Done():
				return nil
			case <-c.wake:
				continue
			}
		}
		c.mu.Lock()
		if c.resume != "" && c.resumeGen == generation {
			req.Cursor = c.resume
		}
		connCtx, cancel := context.WithCancel(ctx)
		c.connCancel = cancel
		c.mu.Unlock()

		c.setState(FeedConnecting)
		stream, err := c.source.Subscribe(connCtx, req)
		if err == nil {
			c.opts.Metrics.connected()
			c.setState(FeedStreaming)
			err = c.consume(connCtx, generation, stream)
			_ = stream.Close()
		}
		restarted := connCtx.Err() != nil
		cancel()
		if ctx.Err() != nil {
			return nil
		}

		var gone *GoneError
		switch {
		case errors.As(err, &gone):
			c.resync(ctx, gone.Cursor)
		case restarted:
			// Restarted for a new view; reconnect without delay.
		default:
			c.backoff(ctx, err)
		}
	}
}

func (c *Consumer) resync(ctx context.Context, cursor string) {
	c.setState(FeedResyncing)
	c.opts.Metrics.resync()
	c.logf("change feed cursor gone; resyncing from %q", cursor)
	c.mu.Lock()
	c.resume = ""
	c.resumeGen = 0
	c.mu.Unlock()
	if err := c.handler.resync(ctx, cursor); err != nil && ctx.Err() == nil {
		c.logf("resync failed: %v", err)
		c.backoff(ctx, err)
		return
	}
	c.setState(FeedIdle)
}

func (c *Consumer) backoff(ctx context.Context, cause error) {
	c.setState(FeedBackoff)
	delay := backoffDelay(c.attempt, c.opts.BaseDelay, c.opts.MaxDelay, c.opts.Jitter, c.opts.Random())
	c.attempt++
	c.logf("change feed disconnected (%v); retrying in %s", cause, delay)
	select {
	case <-ctx.Done():
	case <-c.opts.Clock.After(delay):
	case <-c.wake:
	}
}

// consume reads events, hydrates up to HydrateConcurrency of them at once
// and applies the results strictly in arrival order.
func (c *Consumer) consume(ctx context.Context, generation uint64, stream Stream) error {
	g, gctx := errgroup.WithContext(ctx)
	pending := make(chan chan HydratedChange, c.opts.HydrateConcurrency)

	g.Go(func() error {
		defer close(pending)
		for {
			change, err := stream.Next(gctx)
			if err != nil {
				return err
			}
			c.seq++
			seq := c.seq
			result := make(chan HydratedChange, 1)
			select {
			case pending <- result:
			case <-gctx.Done():
				return gctx.Err()
			}
			go func() {
				result <- HydratedChange{ChangeEvent: c.handler.hydrate(gctx, change), Seq: seq}
			}()
		}
	})

	g.Go(func() error {
		for result := range pending {
			var change HydratedChange
			select {
			case change = <-result:
			case <-gctx.Done():
				return gctx.Err()
			}
			// A result that raced a disconnect may be a hydration cut short
			// by it; leave the event for the next connection to replay.
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := c.handler.apply(ctx, generation, change); err != nil {
				return err
			}
			c.mu.Lock()
			c.resume = change.Cursor
			c.resumeGen = generation
			c.mu.Unlock()
			c.attempt = 0
		}
		return nil
	})

	return g.Wait()
}

func (c *Consumer) logf(format string, args ...any) {
	if c.opts.Logger == nil {
		return
	}
	c.opts.Logger.Printf(format, args...)
}
