// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package coordinator deduplicates and debounces outgoing chat
// operations. Rapid repeated triggers with the same operation key —
// a double-submit, a fast re-render — collapse into a single network
// call whose result every caller shares.
//
// # Semantics
//
//   - An operation key identifies one user intent. Callers derive it
//     from the semantically-distinguishing inputs (chat id plus
//     truncated content for sends, conversation type plus context for
//     session starts) so different intents never collapse together.
//   - While a call with the same key is in flight, new callers attach
//     to it and receive its result. No new network call is issued.
//   - After a call completes, the same key is held for a debounce
//     window (default 2s). A non-immediate call inside the window is
//     scheduled for the window's end; further callers attach to the
//     scheduled call.
//   - Completion — success or failure — always clears the in-flight
//     record and stamps the completion time, so a failed call never
//     permanently blocks retries.
//   - A configurable pending ceiling force-clears a record whose
//     underlying call never settles; its waiters receive
//     ErrPendingCeiling and a later genuine completion is discarded.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/observability"
)

// DefaultDebounceWindow holds a key after completion before the same
// intent may run again.
const DefaultDebounceWindow = 2 * time.Second

// ErrPendingCeiling is returned to waiters when an in-flight record is
// force-cleared because the underlying call exceeded PendingCeiling.
var ErrPendingCeiling = errors.New("operation exceeded pending ceiling")

// Config holds coordinator tuning.
type Config struct {
	// DebounceWindow is the coalescing interval after a completion.
	// Zero means DefaultDebounceWindow.
	DebounceWindow time.Duration

	// PendingCeiling force-clears an in-flight record that has not
	// settled after this duration. Zero disables the ceiling; set it
	// explicitly from configuration rather than relying on a guessed
	// constant.
	PendingCeiling time.Duration

	// Limiter optionally throttles operation starts process-wide, a
	// guard against request storms independent of per-key collapsing.
	Limiter *rate.Limiter

	// Clock is the time source. Nil means the system clock.
	Clock Clock

	// Metrics receives coordinator counters. Nil records nothing.
	Metrics *observability.Metrics

	// Logger may be nil, in which case slog.Default() is used.
	Logger *slog.Logger
}

// call is one shared in-flight (or scheduled) operation.
type call struct {
	done chan struct{}
	val  any
	err  error
}

// Coordinator collapses duplicate operations by key.
//
// # Thread Safety
//
// Safe for concurrent use. The pending map is mutated only inside the
// coordinator, never by callers.
type Coordinator struct {
	cfg     Config
	clock   Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	inflight  map[string]*call
	completed map[string]time.Time
}

// New creates a Coordinator. Construct one per application session;
// the pending map is deliberately not a package-level singleton so
// tests can run isolated instances in parallel.
func New(cfg Config) *Coordinator {
	if cfg.DebounceWindow == 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
		metrics:   cfg.Metrics,
		inflight:  make(map[string]*call),
		completed: make(map[string]time.Time),
	}
}

// Do runs op deduplicated under key, or attaches to the call already
// running (or scheduled) for that key.
//
// # Description
//
// The first caller for a key becomes its owner: it registers the
// shared record, honors the debounce window (unless immediate), and
// executes op. Every other caller with the same key blocks on the
// shared record and receives the owner's result. The operation itself
// runs on a context detached from the owner's cancellation: one
// impatient caller must not fail the call for the others, and
// in-flight requests are deliberately not aborted on teardown — a
// late resolution is simply a no-op against an unobserved cache.
//
// # Inputs
//
//   - ctx: Governs this caller's wait only, not the operation.
//   - key: Operation signature. See the package comment.
//   - op: The underlying network call.
//   - immediate: Skip the debounce window (first sends, user retries).
//
// # Outputs
//
//   - any: The operation result, shared by all attached callers.
//   - error: The operation error, ctx.Err() if this caller gave up
//     waiting, or ErrPendingCeiling on a force-clear.
func (c *Coordinator) Do(ctx context.Context, key string, op func(context.Context) (any, error), immediate bool) (any, error) {
	c.mu.Lock()
	if existing, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		c.metrics.RecordDedupeAttach()
		return c.wait(ctx, existing)
	}

	var delay time.Duration
	if !immediate {
		if finished, ok := c.completed[key]; ok {
			if remaining := c.cfg.DebounceWindow - c.clock.Now().Sub(finished); remaining > 0 {
				delay = remaining
			}
		}
	}

	rec := &call{done: make(chan struct{})}
	c.inflight[key] = rec
	c.mu.Unlock()

	if delay > 0 {
		c.metrics.RecordDebounceDelay()
		c.logger.Debug("debouncing operation", "key", key, "delay", delay)
	}

	go c.run(context.WithoutCancel(ctx), key, rec, op, delay)
	return c.wait(ctx, rec)
}

// wait blocks until the shared record resolves or ctx is done.
func (c *Coordinator) wait(ctx context.Context, rec *call) (any, error) {
	select {
	case <-rec.done:
		return rec.val, rec.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run executes the owned call: optional debounce delay, optional rate
// limit, then the operation, with the pending ceiling supervising.
func (c *Coordinator) run(ctx context.Context, key string, rec *call, op func(context.Context) (any, error), delay time.Duration) {
	if delay > 0 {
		<-c.clock.After(delay)
	}
	if c.cfg.Limiter != nil {
		if err := c.cfg.Limiter.Wait(ctx); err != nil {
			c.finish(key, rec, nil, err)
			return
		}
	}

	if c.cfg.PendingCeiling <= 0 {
		val, err := op(ctx)
		c.finish(key, rec, val, err)
		return
	}

	type result struct {
		val any
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		val, err := op(ctx)
		resCh <- result{val, err}
	}()

	select {
	case res := <-resCh:
		c.finish(key, rec, res.val, res.err)
	case <-c.clock.After(c.cfg.PendingCeiling):
		c.metrics.RecordForceClear()
		c.logger.Warn("force-clearing stuck operation",
			"key", key, "ceiling", c.cfg.PendingCeiling)
		c.finish(key, rec, nil, ErrPendingCeiling)
		// Drain the genuine completion so the goroutine exits; the
		// result is discarded and must not clobber a newer record.
		go func() { <-resCh }()
	}
}

// finish resolves the record and clears the pending entry. The
// completion time is stamped regardless of outcome so the debounce
// window applies equally to failures.
func (c *Coordinator) finish(key string, rec *call, val any, err error) {
	c.mu.Lock()
	if c.inflight[key] == rec {
		delete(c.inflight, key)
		c.completed[key] = c.clock.Now()
	}
	c.mu.Unlock()

	rec.val = val
	rec.err = err
	close(rec.done)
}

// InFlight reports whether a call for key is currently pending or
// scheduled. Intended for tests and diagnostics.
func (c *Coordinator) InFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[key]
	return ok
}

// Do runs op through c and returns a typed result. Go methods cannot
// introduce type parameters, hence the package-level helper.
func Do[T any](ctx context.Context, c *Coordinator, key string, immediate bool, op func(context.Context) (T, error)) (T, error) {
	v, err := c.Do(ctx, key, func(ctx context.Context) (any, error) {
		return op(ctx)
	}, immediate)
	var zero T
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	return v.(T), nil
}

// =============================================================================
// Key construction
// =============================================================================

// keyContentLimit bounds the content component of a key so long
// messages with a shared prefix still distinguish by their head.
const keyContentLimit = 64

// Key joins the semantically-distinguishing parts of an operation into
// its signature, e.g. Key("send", chatID, Truncate(content)).
func Key(parts ...string) string {
	return strings.Join(parts, "|")
}

// Truncate returns the first keyContentLimit bytes of s for use as a
// key component.
func Truncate(s string) string {
	if len(s) <= keyContentLimit {
		return s
	}
	return s[:keyContentLimit]
}
