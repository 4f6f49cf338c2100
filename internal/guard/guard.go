// Package guard layers client-side protections onto a storage adapter: a
// token-bucket rate limiter, a circuit breaker, and a per-call deadline.
// Every rejection or timeout surfaces as a KindUnavailable error carrying
// the adapter's name, so callers handle a throttled or broken backend
// exactly like a down one.
package guard

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/stratamem/strata/internal/storage"
	"github.com/stratamem/strata/pkg/types"
)

// ErrRateLimited is the cause recorded when the limiter rejects a call
// before it reaches the backend.
var ErrRateLimited = errors.New("rate limit exceeded")

// ErrCircuitOpen is the cause recorded when the circuit breaker is in open
// state and rejects requests to prevent cascading failures.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Options configures the protections applied by Wrap. The zero value of a
// field disables that protection; an all-zero Options leaves the adapter
// unwrapped.
type Options struct {
	// Timeout bounds every backend call via context.WithTimeout.
	// Zero disables the per-call deadline.
	Timeout time.Duration

	// RatePerSecond caps backend calls with a token bucket.
	// Zero disables the limiter.
	RatePerSecond float64

	// Burst is the token bucket size. Defaults to 1 when the limiter is on.
	Burst int

	// MaxFailures is the number of consecutive failures required to trip the
	// circuit. Zero disables the breaker.
	MaxFailures uint32

	// CoolDown is the duration the circuit stays open before transitioning
	// to half-open. Default: 30 seconds.
	CoolDown time.Duration

	// HalfOpenMaxSuccesses is the number of consecutive successes required
	// in half-open state to close the circuit again. Default: 2.
	HalfOpenMaxSuccesses uint32
}

// guarded decorates an adapter with the configured protections while
// reporting the inner adapter's Name, so annotations and errors stay
// attributable to the real store.
type guarded struct {
	inner   storage.Adapter
	timeout time.Duration
	limiter *rate.Limiter             // nil when disabled
	breaker *gobreaker.CircuitBreaker // nil when disabled
}

// guardedLister extends guarded for adapters with the Lister capability so
// wrapping does not hide it from type assertions.
type guardedLister struct {
	*guarded
	lister storage.Lister
}

// Wrap layers the configured protections onto adapter. Calls are checked
// outermost in: rate limiter, circuit breaker, per-call deadline. A limiter
// rejection never reaches the breaker, so throttling can neither trip the
// circuit nor reset its consecutive-failure count. ErrNotFound,
// ErrInvalidInput, and caller cancellation do not count as breaker failures.
//
// The wrapper keeps the adapter's Name and its Lister capability, and Close
// always passes through to the backend.
func Wrap(adapter storage.Adapter, opts Options) storage.Adapter {
	if opts.Timeout <= 0 && opts.RatePerSecond <= 0 && opts.MaxFailures == 0 {
		return adapter
	}

	g := &guarded{inner: adapter, timeout: opts.Timeout}

	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	if opts.MaxFailures > 0 {
		coolDown := opts.CoolDown
		if coolDown <= 0 {
			coolDown = 30 * time.Second
		}
		halfOpen := opts.HalfOpenMaxSuccesses
		if halfOpen == 0 {
			halfOpen = 2
		}
		g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        adapter.Name(),
			MaxRequests: halfOpen,
			Interval:    0, // don't clear counts periodically
			Timeout:     coolDown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= opts.MaxFailures
			},
			IsSuccessful: func(err error) bool {
				// Absence and bad arguments say nothing about backend
				// health, and neither does the caller giving up.
				return err == nil ||
					errors.Is(err, storage.ErrNotFound) ||
					errors.Is(err, storage.ErrInvalidInput) ||
					errors.Is(err, context.Canceled)
			},
		})
	}

	if l, ok := adapter.(storage.Lister); ok {
		return &guardedLister{guarded: g, lister: l}
	}
	return g
}

// call runs fn under the configured protections and maps guard-originated
// rejections to KindUnavailable errors for op. Backend errors pass through
// untouched.
func (g *guarded) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if g.limiter != nil && !g.limiter.Allow() {
		return storage.Unavailable(g.inner.Name(), op, ErrRateLimited)
	}

	run := func() error {
		callCtx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		return fn(callCtx)
	}

	var err error
	if g.breaker != nil {
		_, err = g.breaker.Execute(func() (interface{}, error) {
			return nil, run()
		})
	} else {
		err = run()
	}

	var adapterErr *storage.AdapterError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &adapterErr):
		// Already attributed by the backend.
		return err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return storage.Unavailable(g.inner.Name(), op, ErrCircuitOpen)
	case errors.Is(err, context.DeadlineExceeded):
		return storage.Unavailable(g.inner.Name(), op, err)
	}
	return err
}

func (g *guarded) Store(ctx context.Context, item *types.MemoryItem) (string, error) {
	var id string
	err := g.call(ctx, "store", func(ctx context.Context) error {
		var innerErr error
		id, innerErr = g.inner.Store(ctx, item)
		return innerErr
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (g *guarded) Retrieve(ctx context.Context, id string) (*types.MemoryItem, error) {
	var item *types.MemoryItem
	err := g.call(ctx, "retrieve", func(ctx context.Context) error {
		var innerErr error
		item, innerErr = g.inner.Retrieve(ctx, id)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (g *guarded) Search(ctx context.Context, q storage.Query) ([]types.MemoryRecord, error) {
	var records []types.MemoryRecord
	err := g.call(ctx, "search", func(ctx context.Context) error {
		var innerErr error
		records, innerErr = g.inner.Search(ctx, q)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (g *guarded) Delete(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := g.call(ctx, "delete", func(ctx context.Context) error {
		var innerErr error
		deleted, innerErr = g.inner.Delete(ctx, id)
		return innerErr
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// Name reports the wrapped adapter's name.
func (g *guarded) Name() string { return g.inner.Name() }

// Close releases the wrapped adapter. Shutdown is never rate limited or
// short-circuited.
func (g *guarded) Close() error { return g.inner.Close() }

func (g *guardedLister) ListByType(ctx context.Context, filter []types.MemoryType, limit int) ([]types.MemoryItem, error) {
	var items []types.MemoryItem
	err := g.call(ctx, "list", func(ctx context.Context) error {
		var innerErr error
		items, innerErr = g.lister.ListByType(ctx, filter, limit)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}
