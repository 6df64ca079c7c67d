// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/UrbanKeyAI/UrbanKey/services/chatcore/observability"
)

// =============================================================================
// Fake clock
// =============================================================================

type fakeTimer struct {
	ch    chan time.Time
	fires time.Time
}

// fakeClock drives debounce windows and pending ceilings manually.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{ch: make(chan time.Time, 1), fires: c.now.Add(d)}
	if d <= 0 {
		t.ch <- c.now
	} else {
		c.timers = append(c.timers, t)
	}
	return t.ch
}

// Advance moves the clock and fires every timer that has come due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	remaining := c.timers[:0]
	for _, t := range c.timers {
		if !t.fires.After(c.now) {
			t.ch <- c.now
		} else {
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
}

// waitForTimers polls until n timers are registered, so Advance cannot
// race ahead of a goroutine that has not reached After yet.
func (c *fakeClock) waitForTimers(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		count := len(c.timers)
		c.mu.Unlock()
		if count >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d fake timers", n)
}

// =============================================================================
// Deduplication
// =============================================================================

func TestDo_CollapsesConcurrentCallers(t *testing.T) {
	c := New(Config{Clock: newFakeClock()})
	release := make(chan struct{})
	var invocations atomic.Int32

	op := func(ctx context.Context) (string, error) {
		invocations.Add(1)
		<-release
		return "shared result", nil
	}

	const callers = 8
	results := make(chan string, callers)
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := Do(context.Background(), c, "send|chat-1|hello", true, op)
			results <- v
			errs <- err
		}()
	}

	// Let the callers attach before releasing the operation.
	deadline := time.Now().Add(2 * time.Second)
	for invocations.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	if got := invocations.Load(); got != 1 {
		t.Errorf("Expected exactly 1 invocation, got %d", got)
	}
	for i := 0; i < callers; i++ {
		if err := <-errs; err != nil {
			t.Errorf("Caller error: %v", err)
		}
		if v := <-results; v != "shared result" {
			t.Errorf("Result mismatch: %q", v)
		}
	}
}

func TestDo_DistinctKeysRunIndependently(t *testing.T) {
	c := New(Config{Clock: newFakeClock()})
	var invocations atomic.Int32

	op := func(ctx context.Context) (int, error) {
		return int(invocations.Add(1)), nil
	}

	if _, err := Do(context.Background(), c, Key("send", "chat-1", "hello"), true, op); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := Do(context.Background(), c, Key("send", "chat-2", "hello"), true, op); err != nil {
		t.Fatalf("second: %v", err)
	}
	if got := invocations.Load(); got != 2 {
		t.Errorf("Different chats must not collapse: got %d invocations", got)
	}
}

// =============================================================================
// Debounce window
// =============================================================================

func TestDo_DebounceHoldsRepeatWithinWindow(t *testing.T) {
	clock := newFakeClock()
	c := New(Config{Clock: clock, DebounceWindow: 2 * time.Second})
	var invocations atomic.Int32

	op := func(ctx context.Context) (string, error) {
		invocations.Add(1)
		return "ok", nil
	}

	if _, err := Do(context.Background(), c, "k", true, op); err != nil {
		t.Fatalf("first call: %v", err)
	}

	// Repeat inside the window: it must wait for the window's end.
	clock.Advance(500 * time.Millisecond)
	done := make(chan error, 1)
	go func() {
		_, err := Do(context.Background(), c, "k", false, op)
		done <- err
	}()

	clock.waitForTimers(t, 1)
	if got := invocations.Load(); got != 1 {
		t.Fatalf("Debounced call ran early: %d invocations", got)
	}
	if !c.InFlight("k") {
		t.Error("Scheduled call should show as in flight")
	}

	clock.Advance(1500 * time.Millisecond)
	if err := <-done; err != nil {
		t.Fatalf("debounced call: %v", err)
	}
	if got := invocations.Load(); got != 2 {
		t.Errorf("Expected 2 invocations after the window, got %d", got)
	}
}

func TestDo_ImmediateSkipsDebounce(t *testing.T) {
	clock := newFakeClock()
	c := New(Config{Clock: clock, DebounceWindow: 2 * time.Second})
	var invocations atomic.Int32

	op := func(ctx context.Context) (string, error) {
		invocations.Add(1)
		return "ok", nil
	}

	if _, err := Do(context.Background(), c, "k", true, op); err != nil {
		t.Fatalf("first call: %v", err)
	}
	// Still inside the window, but immediate: runs right away with no
	// fake timer involved.
	if _, err := Do(context.Background(), c, "k", true, op); err != nil {
		t.Fatalf("immediate repeat: %v", err)
	}
	if got := invocations.Load(); got != 2 {
		t.Errorf("Immediate repeat did not run: %d invocations", got)
	}
}

func TestDo_RepeatAfterWindowRunsImmediately(t *testing.T) {
	clock := newFakeClock()
	c := New(Config{Clock: clock, DebounceWindow: 2 * time.Second})
	var invocations atomic.Int32

	op := func(ctx context.Context) (string, error) {
		invocations.Add(1)
		return "ok", nil
	}

	if _, err := Do(context.Background(), c, "k", false, op); err != nil {
		t.Fatalf("first call: %v", err)
	}
	clock.Advance(3 * time.Second)
	if _, err := Do(context.Background(), c, "k", false, op); err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if got := invocations.Load(); got != 2 {
		t.Errorf("Repeat outside the window should run at once: %d invocations", got)
	}
}

// =============================================================================
// Failure handling
// =============================================================================

func TestDo_FailureClearsInflightAndAllowsRetry(t *testing.T) {
	c := New(Config{Clock: newFakeClock()})
	var invocations atomic.Int32
	wantErr := errors.New("backend down")

	op := func(ctx context.Context) (string, error) {
		invocations.Add(1)
		return "", wantErr
	}

	if _, err := Do(context.Background(), c, "k", true, op); !errors.Is(err, wantErr) {
		t.Fatalf("Expected operation error, got %v", err)
	}
	if c.InFlight("k") {
		t.Error("Failed call left an in-flight record")
	}

	// A user-initiated retry is immediate and must issue a fresh call.
	if _, err := Do(context.Background(), c, "k", true, op); !errors.Is(err, wantErr) {
		t.Fatalf("Retry: expected operation error, got %v", err)
	}
	if got := invocations.Load(); got != 2 {
		t.Errorf("Retry did not run: %d invocations", got)
	}
}

func TestDo_CallerCancelDoesNotFailTheCall(t *testing.T) {
	metrics := observability.New(prometheus.NewRegistry())
	c := New(Config{Clock: newFakeClock(), Metrics: metrics})
	started := make(chan struct{})
	release := make(chan struct{})
	var invocations atomic.Int64

	op := func(ctx context.Context) (string, error) {
		invocations.Add(1)
		close(started)
		<-release
		return "late result", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	impatient := make(chan error, 1)
	go func() {
		_, err := Do(ctx, c, "k", true, op)
		impatient <- err
	}()

	<-started
	cancel()
	if err := <-impatient; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	// A second caller attaches to the still-running call and gets the
	// genuine result.
	patient := make(chan string, 1)
	go func() {
		v, _ := Do(context.Background(), c, "k", true, func(ctx context.Context) (string, error) {
			t.Error("Attached caller must not run its own operation")
			return "", nil
		})
		patient <- v
	}()

	// The operation stays blocked until the second caller has attached
	// to the shared record; only then may it resolve.
	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(metrics.DedupeAttachTotal) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for the second caller to attach")
		}
		time.Sleep(time.Millisecond)
	}
	close(release)

	if v := <-patient; v != "late result" {
		t.Errorf("Attached caller got %q, want the shared result", v)
	}
	if got := invocations.Load(); got != 1 {
		t.Errorf("Operation ran %d times, want 1", got)
	}
}

// =============================================================================
// Pending ceiling
// =============================================================================

func TestDo_PendingCeilingForceClears(t *testing.T) {
	clock := newFakeClock()
	c := New(Config{Clock: clock, PendingCeiling: 10 * time.Second})
	release := make(chan struct{})

	op := func(ctx context.Context) (string, error) {
		<-release
		return "too late", nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := Do(context.Background(), c, "k", true, op)
		done <- err
	}()

	// The supervising timer for the ceiling.
	clock.waitForTimers(t, 1)
	clock.Advance(10 * time.Second)

	if err := <-done; !errors.Is(err, ErrPendingCeiling) {
		t.Fatalf("Expected ErrPendingCeiling, got %v", err)
	}
	if c.InFlight("k") {
		t.Error("Force-cleared record still in flight")
	}

	// The stuck call may resolve eventually; it must not clobber a new
	// record for the same key.
	var fresh atomic.Bool
	freshDone := make(chan string, 1)
	go func() {
		v, _ := Do(context.Background(), c, "k", true, func(ctx context.Context) (string, error) {
			fresh.Store(true)
			return "fresh", nil
		})
		freshDone <- v
	}()
	close(release)
	if v := <-freshDone; v != "fresh" {
		t.Errorf("New call got %q, want its own result", v)
	}
	if !fresh.Load() {
		t.Error("New call after force-clear never executed")
	}
}

// =============================================================================
// Key construction
// =============================================================================

func TestKey(t *testing.T) {
	if got := Key("send", "chat-1", "hello"); got != "send|chat-1|hello" {
		t.Errorf("Key mismatch: %q", got)
	}
}

func TestTruncate(t *testing.T) {
	short := "a short message"
	if got := Truncate(short); got != short {
		t.Errorf("Short content should pass through, got %q", got)
	}

	long := ""
	for i := 0; i < 10; i++ {
		long += "0123456789"
	}
	got := Truncate(long)
	if len(got) != keyContentLimit {
		t.Errorf("Truncated length %d, want %d", len(got), keyContentLimit)
	}
	if long[:keyContentLimit] != got {
		t.Error("Truncation should keep the head of the content")
	}
}
