// Package poll implements the client-side watch loop used for pairing
// sessions and sync runs: fetch a snapshot on a fixed interval until it
// reports a terminal state or the attempt budget runs out.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrPollTimeout means the attempt budget ran out before a terminal state
// arrived. This is a client-side give-up, distinct from the server reporting
// the watched object as expired.
var ErrPollTimeout = errors.New("poll timeout")

const (
	DefaultInterval    = time.Second
	DefaultMaxAttempts = 30
)

// FetchFunc retrieves one snapshot. terminal=true stops the poller and
// returns the snapshot; a non-nil error aborts immediately.
type FetchFunc[T any] func(ctx context.Context) (snapshot T, terminal bool, err error)

// Poller repeatedly invokes a FetchFunc. The zero value is not usable; use New.
type Poller[T any] struct {
	interval    time.Duration
	maxAttempts int
	clock       clock.Clock
}

// Option customizes a Poller.
type Option[T any] func(*Poller[T])

func WithInterval[T any](d time.Duration) Option[T] {
	return func(p *Poller[T]) { p.interval = d }
}

func WithMaxAttempts[T any](n int) Option[T] {
	return func(p *Poller[T]) { p.maxAttempts = n }
}

func WithClock[T any](c clock.Clock) Option[T] {
	return func(p *Poller[T]) { p.clock = c }
}

// New constructs a Poller with a 1s interval and 30 attempts unless
// overridden.
func New[T any](opts ...Option[T]) *Poller[T] {
	p := &Poller[T]{
		interval:    DefaultInterval,
		maxAttempts: DefaultMaxAttempts,
		clock:       clock.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Wait fetches until terminal, error, context cancellation, or attempt
// exhaustion. The first fetch happens immediately.
func (p *Poller[T]) Wait(ctx context.Context, fetch FetchFunc[T]) (T, error) {
	var zero T

	for attempt := 1; ; attempt++ {
		snapshot, terminal, err := fetch(ctx)
		if err != nil {
			return zero, err
		}
		if terminal {
			return snapshot, nil
		}
		if attempt >= p.maxAttempts {
			return snapshot, ErrPollTimeout
		}

		timer := p.clock.Timer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
