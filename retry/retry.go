// Package retry decides whether a failed page load is attempted again.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/use-agent/pubcrawl/engine"
)

// State is the controller's position in its state machine.
type State int

const (
	Attempting State = iota
	Succeeded
	Exhausted
)

func (s State) String() string {
	switch s {
	case Attempting:
		return "attempting"
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Default backoff bounds between attempts.
const (
	DefaultMinDelay = 1300 * time.Millisecond
	DefaultMaxDelay = 3100 * time.Millisecond
)

// Decision is the controller's answer to one observed outcome.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Controller is the retry state machine for one session's page load.
//
//	Attempting --success--------------------------> Succeeded
//	Attempting --transient failure, attempt<limit--> Attempting (attempt+1, backoff)
//	Attempting --any other failure----------------> Exhausted
//
// It is not safe for concurrent use.
type Controller struct {
	retries int
	state   State
	attempt int
	seen    int
	last    error
	elapsed time.Duration
	started time.Time

	minDelay  time.Duration
	maxDelay  time.Duration
	transient func(error) bool
	jitter    func() float64
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures a Controller.
type Option func(*Controller)

// WithBackoff sets the bounds of the jittered delay between attempts.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(c *Controller) {
		if maxDelay < minDelay {
			maxDelay = minDelay
		}
		c.minDelay, c.maxDelay = minDelay, maxDelay
	}
}

// WithTransient overrides which errors are worth another attempt.
func WithTransient(fn func(error) bool) Option {
	return func(c *Controller) { c.transient = fn }
}

// WithJitter overrides the random source; fn returns values in [0, 1).
func WithJitter(fn func() float64) Option {
	return func(c *Controller) { c.jitter = fn }
}

// WithClock overrides time measurement.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithSleep overrides how the backoff delay is waited out.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = fn }
}

// New returns a controller allowing up to retries additional attempts.
func New(retries int, opts ...Option) *Controller {
	if retries < 0 {
		retries = 0
	}
	c := &Controller{
		retries:   retries,
		minDelay:  DefaultMinDelay,
		maxDelay:  DefaultMaxDelay,
		transient: engine.IsTransient,
		jitter:    rand.Float64,
		now:       time.Now,
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.started = c.now()
	return c
}

// State returns the current state.
func (c *Controller) State() State { return c.state }

// RetriesUsed returns how many attempts followed the first one.
func (c *Controller) RetriesUsed() int { return c.attempt }

// Attempts returns how many attempts have been observed.
func (c *Controller) Attempts() int { return c.seen }

// LastFailure returns the most recent failure, or nil.
func (c *Controller) LastFailure() error { return c.last }

// Elapsed returns the time spent since the controller was created, as of
// the last observed outcome.
func (c *Controller) Elapsed() time.Duration { return c.elapsed }

// Observe feeds the outcome of the current attempt (nil on success) into
// the state machine and returns what to do next. Outcomes observed after a
// terminal state are ignored.
func (c *Controller) Observe(err error) Decision {
	if c.state != Attempting {
		return Decision{}
	}
	c.elapsed = c.now().Sub(c.started)
	c.seen++

	if err == nil {
		c.state = Succeeded
		return Decision{}
	}
	c.last = err
	if !c.transient(err) || c.attempt >= c.retries {
		c.state = Exhausted
		return Decision{}
	}
	c.attempt++
	return Decision{Retry: true, Delay: c.backoff()}
}

// Run drives attempt until the controller reaches a terminal state. It
// returns nil when an attempt succeeded, otherwise the last failure.
func (c *Controller) Run(ctx context.Context, attempt func(ctx context.Context, n int) error) error {
	for c.state == Attempting {
		d := c.Observe(attempt(ctx, c.attempt))
		if !d.Retry {
			break
		}
		if deadline, ok := ctx.Deadline(); ok && c.now().Add(d.Delay).After(deadline) {
			c.giveUp()
			break
		}
		if err := c.sleep(ctx, d.Delay); err != nil {
			c.giveUp()
			break
		}
	}
	if c.state == Succeeded {
		return nil
	}
	return c.last
}

// giveUp abandons a scheduled retry that will not be attempted.
func (c *Controller) giveUp() {
	c.attempt--
	c.state = Exhausted
}

func (c *Controller) backoff() time.Duration {
	span := c.maxDelay - c.minDelay
	return c.minDelay + time.Duration(c.jitter()*float64(span))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
