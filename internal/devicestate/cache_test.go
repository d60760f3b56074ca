package devicestate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/gray-logic-appliance/internal/dps"
	"github.com/nerrad567/gray-logic-appliance/internal/protocol"
)

// ─── Test doubles ───────────────────────────────────────────────────

type fakeClock struct {
	mu        sync.Mutex
	now       time.Time
	timers    []*fakeTimer
	scheduled int
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduled++
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs due timers on the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) Scheduled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scheduled
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type fakeClient struct {
	mu          sync.Mutex
	state       dps.State
	failStatus  int
	failSend    int
	statusCalls int
	sendCalls   int
	sent        []dps.State
	versions    []protocol.Version
	gate        chan struct{}
	entered     chan struct{}
}

func newFakeClient(state dps.State) *fakeClient {
	return &fakeClient{state: state.Clone()}
}

func (f *fakeClient) Status(ctx context.Context) (protocol.StatusResponse, error) {
	f.mu.Lock()
	f.statusCalls++
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return protocol.StatusResponse{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStatus > 0 {
		f.failStatus--
		return protocol.StatusResponse{}, fmt.Errorf("%w: read timeout", protocol.ErrTransient)
	}
	return protocol.StatusResponse{DPS: f.state.Clone()}, nil
}

func (f *fakeClient) GeneratePayload(cmd protocol.Command, props dps.State) (protocol.Payload, error) {
	return protocol.Payload{Command: cmd, DPS: props.Clone()}, nil
}

func (f *fakeClient) Send(_ context.Context, payload protocol.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.failSend > 0 {
		f.failSend--
		return fmt.Errorf("%w: connection reset", protocol.ErrTransient)
	}
	f.sent = append(f.sent, payload.DPS)
	return nil
}

func (f *fakeClient) SetVersion(v protocol.Version) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions = append(f.versions, v)
}

func (f *fakeClient) Close() error { return nil }

func (f *fakeClient) set(changes dps.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range changes {
		f.state[k] = v
	}
}

func (f *fakeClient) hold() (entered <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 16)
	gate := f.gate
	var once sync.Once
	return f.entered, func() { once.Do(func() { close(gate) }) }
}

func (f *fakeClient) calls() (status, send int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls, f.sendCalls
}

func (f *fakeClient) sentBatches() []dps.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dps.State(nil), f.sent...)
}

func (f *fakeClient) selectedVersions() []protocol.Version {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Version(nil), f.versions...)
}

type failureRecorder struct {
	mu    sync.Mutex
	calls []failureCall
}

type failureCall struct {
	op  Operation
	err error
}

func (r *failureRecorder) record(op Operation, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, failureCall{op: op, err: err})
}

func (r *failureRecorder) get() []failureCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]failureCall(nil), r.calls...)
}

func newTestCache(t *testing.T, client protocol.Client, modify func(*Options)) (*Cache, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	opts := Options{
		DeviceID: "heater-1",
		Client:   client,
		Versions: []protocol.Version{protocol.Version33, protocol.Version31},
		Clock:    clock,
	}
	if modify != nil {
		modify(&opts)
	}

	c, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, clock
}

// ─── Construction ───────────────────────────────────────────────────

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Options{DeviceID: "x"}); err == nil {
		t.Fatal("New() without client should fail")
	}
}

func TestNewSelectsFirstVersion(t *testing.T) {
	client := newFakeClient(nil)
	c, _ := newTestCache(t, client, nil)

	if got := client.selectedVersions(); len(got) != 1 || got[0] != protocol.Version33 {
		t.Errorf("SetVersion calls = %v, want [3.3]", got)
	}
	if c.Version() != protocol.Version33 {
		t.Errorf("Version() = %s, want 3.3", c.Version())
	}
}

func TestNewDefaults(t *testing.T) {
	c, err := New(Options{Client: newFakeClient(nil)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	if c.maxAttempts != DefaultMaxAttempts {
		t.Errorf("maxAttempts = %d, want %d", c.maxAttempts, DefaultMaxAttempts)
	}
	if c.debounce != DefaultDebounceDelay || c.optimism != DefaultOptimismTimeout || c.ttl != DefaultCacheTimeout {
		t.Errorf("timings = %v/%v/%v", c.debounce, c.optimism, c.ttl)
	}
	if diff := cmp.Diff(protocol.DefaultVersions, c.versions); diff != "" {
		t.Errorf("versions mismatch (-want +got):\n%s", diff)
	}
}

// ─── Read path & overlay ────────────────────────────────────────────

func TestSetThenGetBeforeFlush(t *testing.T) {
	client := newFakeClient(dps.State{"1": dps.Bool(false)})
	c, _ := newTestCache(t, client, nil)

	values := dps.State{
		"1":   dps.Bool(true),
		"2":   dps.Int(23),
		"4":   dps.String("high"),
		"101": dps.Int(-5),
	}
	for id, v := range values {
		if err := c.SetProperty(id, v); err != nil {
			t.Fatalf("SetProperty(%s) error = %v", id, err)
		}
		got, ok := c.Property(id)
		if !ok || got != v {
			t.Errorf("Property(%s) = %v, %v; want %v", id, got, ok, v)
		}
	}

	if _, send := client.calls(); send != 0 {
		t.Errorf("Send called %d times before debounce elapsed", send)
	}
}

func TestPropertyAbsent(t *testing.T) {
	c, _ := newTestCache(t, newFakeClient(nil), nil)
	if v, ok := c.Property("1"); ok {
		t.Errorf("Property on empty cache = %v, want absent", v)
	}
}

func TestOverlayExpiresWithoutRefresh(t *testing.T) {
	client := newFakeClient(dps.State{"2": dps.Int(21)})
	c, clock := newTestCache(t, client, func(o *Options) {
		// Keep the debounce out of the way so only expiry is observed.
		o.DebounceDelay = time.Hour
	})

	if !c.Refresh(context.Background()) {
		t.Fatal("Refresh() failed")
	}
	_ = c.SetProperty("2", dps.Int(23))

	clock.Advance(DefaultOptimismTimeout - time.Millisecond)
	if v, _ := c.Property("2"); v != dps.Int(23) {
		t.Errorf("Property(2) just before expiry = %v, want 23", v)
	}

	clock.Advance(time.Millisecond)
	if v, _ := c.Property("2"); v != dps.Int(21) {
		t.Errorf("Property(2) at expiry = %v, want refreshed 21", v)
	}
	if len(c.Pending()) != 0 {
		t.Errorf("Pending() = %v, want none", c.Pending())
	}
}

func TestOverlayExpiryCountsFromSuccessfulSend(t *testing.T) {
	client := newFakeClient(nil)
	c, clock := newTestCache(t, client, nil)

	_ = c.SetProperty("1", dps.Bool(true))
	clock.Advance(DefaultDebounceDelay) // flush re-stamps at t=1s

	clock.Advance(DefaultOptimismTimeout - time.Second)
	if v, ok := c.Property("1"); !ok || v != dps.Bool(true) {
		t.Errorf("Property(1) 9s after send = %v, %v; want true", v, ok)
	}

	clock.Advance(time.Second)
	if v, ok := c.Property("1"); ok {
		t.Errorf("Property(1) 10s after send = %v, want absent", v)
	}
}

func TestSnapshotMergesOverlay(t *testing.T) {
	client := newFakeClient(dps.State{"1": dps.Bool(true), "2": dps.Int(21)})
	c, _ := newTestCache(t, client, nil)

	c.Refresh(context.Background())
	_ = c.SetProperty("2", dps.Int(25))

	want := dps.State{"1": dps.Bool(true), "2": dps.Int(25)}
	if diff := cmp.Diff(want, c.Snapshot(), cmp.AllowUnexported(dps.Value{})); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]dps.ID{"2"}, c.Pending()); diff != "" {
		t.Errorf("Pending() mismatch (-want +got):\n%s", diff)
	}
}

func TestAnticipate(t *testing.T) {
	client := newFakeClient(dps.State{"1": dps.Bool(true), "6": dps.Bool(true)})
	c, _ := newTestCache(t, client, nil)
	c.Refresh(context.Background())

	c.Anticipate("6", dps.Bool(false))
	if v, _ := c.Property("6"); v != dps.Bool(false) {
		t.Errorf("Property(6) after Anticipate = %v, want false", v)
	}
	if len(c.Pending()) != 0 {
		t.Errorf("Anticipate should not create overlay entries, Pending() = %v", c.Pending())
	}
	if _, send := client.calls(); send != 0 {
		t.Errorf("Anticipate sent %d writes", send)
	}

	// The next real refresh wins.
	c.Refresh(context.Background())
	if v, _ := c.Property("6"); v != dps.Bool(true) {
		t.Errorf("Property(6) after refresh = %v, want true", v)
	}
}

func TestAnticipateUnderLiveOverlay(t *testing.T) {
	client := newFakeClient(dps.State{"2": dps.Int(20)})
	c, clock := newTestCache(t, client, func(o *Options) {
		o.DebounceDelay = time.Hour
	})
	c.Refresh(context.Background())

	_ = c.SetProperty("2", dps.Int(23))
	c.Anticipate("2", dps.Int(5))

	// The optimistic value outranks refreshed state, anticipated or not.
	if v, _ := c.Property("2"); v != dps.Int(23) {
		t.Errorf("Property(2) = %v, want optimistic 23", v)
	}

	clock.Advance(DefaultOptimismTimeout)
	if v, _ := c.Property("2"); v != dps.Int(5) {
		t.Errorf("Property(2) after overlay expiry = %v, want anticipated 5", v)
	}
}

// ─── Write coalescer ────────────────────────────────────────────────

func TestSetPropertiesCoalesce(t *testing.T) {
	client := newFakeClient(nil)
	c, clock := newTestCache(t, client, nil)

	_ = c.SetProperty("1", dps.Bool(true))
	clock.Advance(400 * time.Millisecond)
	_ = c.SetProperty("2", dps.Int(22))
	clock.Advance(400 * time.Millisecond)
	_ = c.SetProperties(dps.State{"2": dps.Int(24), "4": dps.String("low")})
	clock.Advance(400 * time.Millisecond)

	if _, send := client.calls(); send != 0 {
		t.Fatalf("Send called %d times inside the debounce window", send)
	}

	clock.Advance(DefaultDebounceDelay)

	batches := client.sentBatches()
	if len(batches) != 1 {
		t.Fatalf("sent %d batches, want 1", len(batches))
	}
	want := dps.State{"1": dps.Bool(true), "2": dps.Int(24), "4": dps.String("low")}
	if diff := cmp.Diff(want, batches[0], cmp.AllowUnexported(dps.Value{})); diff != "" {
		t.Errorf("batch mismatch (-want +got):\n%s", diff)
	}
	if clock.Scheduled() != 3 {
		t.Errorf("timers scheduled = %d, want 3", clock.Scheduled())
	}
}

func TestSetPropertiesEmptyIsNoop(t *testing.T) {
	client := newFakeClient(nil)
	c, clock := newTestCache(t, client, nil)

	if err := c.SetProperties(dps.State{}); err != nil {
		t.Fatalf("SetProperties({}) error = %v", err)
	}
	if err := c.SetProperties(nil); err != nil {
		t.Fatalf("SetProperties(nil) error = %v", err)
	}
	clock.Advance(time.Minute)

	if clock.Scheduled() != 0 {
		t.Errorf("timers scheduled = %d, want 0", clock.Scheduled())
	}
	if status, send := client.calls(); status != 0 || send != 0 {
		t.Errorf("network calls = %d status, %d send; want none", status, send)
	}
}

func TestFixedPropertiesResent(t *testing.T) {
	client := newFakeClient(nil)
	c, clock := newTestCache(t, client, func(o *Options) {
		o.FixedProperties = dps.State{"101": dps.Bool(true), "4": dps.String("auto")}
	})

	_ = c.SetProperties(dps.State{"1": dps.Bool(true), "4": dps.String("high")})
	clock.Advance(DefaultDebounceDelay)

	// Fixed properties survive their overlay entries expiring.
	clock.Advance(DefaultOptimismTimeout)
	_ = c.SetProperty("2", dps.Int(20))
	clock.Advance(DefaultDebounceDelay)

	batches := client.sentBatches()
	if len(batches) != 2 {
		t.Fatalf("sent %d batches, want 2", len(batches))
	}

	want := []dps.State{
		{"1": dps.Bool(true), "4": dps.String("high"), "101": dps.Bool(true)},
		{"2": dps.Int(20), "4": dps.String("auto"), "101": dps.Bool(true)},
	}
	if diff := cmp.Diff(want, batches, cmp.AllowUnexported(dps.Value{})); diff != "" {
		t.Errorf("batches mismatch (-want +got):\n%s", diff)
	}
}

func TestFlushSkippedWhenOverlayExpired(t *testing.T) {
	client := newFakeClient(nil)
	c, clock := newTestCache(t, client, func(o *Options) {
		o.DebounceDelay = 15 * time.Second
	})

	_ = c.SetProperty("1", dps.Bool(true))
	clock.Advance(15 * time.Second)

	if _, send := client.calls(); send != 0 {
		t.Errorf("Send called %d times for an expired overlay", send)
	}
}

func TestFlushFailureResetsState(t *testing.T) {
	client := newFakeClient(dps.State{"1": dps.Bool(false)})
	var failures failureRecorder
	c, clock := newTestCache(t, client, func(o *Options) {
		o.OnFailure = failures.record
	})
	c.Refresh(context.Background())

	client.mu.Lock()
	client.failSend = DefaultMaxAttempts
	client.mu.Unlock()

	_ = c.SetProperty("1", dps.Bool(true))
	clock.Advance(DefaultDebounceDelay)

	if _, send := client.calls(); send != DefaultMaxAttempts {
		t.Errorf("Send calls = %d, want %d", send, DefaultMaxAttempts)
	}
	if snap := c.Snapshot(); len(snap) != 0 {
		t.Errorf("Snapshot() after exhausted flush = %v, want empty", snap)
	}

	calls := failures.get()
	if len(calls) != 1 || calls[0].op != OpFlush || !errors.Is(calls[0].err, ErrRetriesExhausted) {
		t.Fatalf("failure hook calls = %+v", calls)
	}
	if !errors.Is(calls[0].err, protocol.ErrTransient) {
		t.Errorf("failure error %v should wrap the client error", calls[0].err)
	}
}

func TestFlushRetrySucceeds(t *testing.T) {
	client := newFakeClient(nil)
	c, clock := newTestCache(t, client, nil)

	client.mu.Lock()
	client.failSend = 1
	client.mu.Unlock()

	_ = c.SetProperty("1", dps.Bool(true))
	clock.Advance(DefaultDebounceDelay)

	if len(client.sentBatches()) != 1 {
		t.Fatalf("sent %d batches, want 1", len(client.sentBatches()))
	}
	if v, ok := c.Property("1"); !ok || v != dps.Bool(true) {
		t.Errorf("Property(1) = %v, %v; want true", v, ok)
	}
	if c.Version() != protocol.Version31 {
		t.Errorf("Version() = %s, want 3.1 after one failure", c.Version())
	}
}

// ─── Retry controller ───────────────────────────────────────────────

func TestRefreshSucceedsOnLastAttempt(t *testing.T) {
	client := newFakeClient(dps.State{"1": dps.Bool(true), "2": dps.Int(21)})
	client.failStatus = 3
	var failures failureRecorder
	c, _ := newTestCache(t, client, func(o *Options) {
		o.OnFailure = failures.record
	})

	if !c.Refresh(context.Background()) {
		t.Fatal("Refresh() = false, want true on 4th attempt")
	}
	if status, _ := client.calls(); status != 4 {
		t.Errorf("Status calls = %d, want 4", status)
	}

	want := dps.State{"1": dps.Bool(true), "2": dps.Int(21)}
	if diff := cmp.Diff(want, c.Snapshot(), cmp.AllowUnexported(dps.Value{})); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
	if len(failures.get()) != 0 {
		t.Errorf("failure hook called: %+v", failures.get())
	}
}

func TestRefreshExhaustedResetsStateAndOverlay(t *testing.T) {
	client := newFakeClient(dps.State{"1": dps.Bool(true), "2": dps.Int(21)})
	var failures failureRecorder
	c, _ := newTestCache(t, client, func(o *Options) {
		o.OnFailure = failures.record
		o.DebounceDelay = time.Hour
	})

	c.Refresh(context.Background())
	_ = c.SetProperty("2", dps.Int(25))

	client.mu.Lock()
	client.failStatus = 4
	client.mu.Unlock()

	if c.Refresh(context.Background()) {
		t.Fatal("Refresh() = true, want false")
	}

	if snap := c.Snapshot(); len(snap) != 0 {
		t.Errorf("Snapshot() = %v, want empty", snap)
	}
	if v, ok := c.Property("2"); ok {
		t.Errorf("Property(2) = %v, want absent", v)
	}
	if len(c.Pending()) != 0 {
		t.Errorf("Pending() = %v, want none", c.Pending())
	}
	if !c.LastRefreshed().IsZero() {
		t.Errorf("LastRefreshed() = %v, want zero", c.LastRefreshed())
	}

	calls := failures.get()
	if len(calls) != 1 || calls[0].op != OpRefresh {
		t.Fatalf("failure hook calls = %+v", calls)
	}
	if !errors.Is(calls[0].err, ErrRetriesExhausted) {
		t.Errorf("failure error = %v, want ErrRetriesExhausted", calls[0].err)
	}
}

func TestFailureHookCanRefresh(t *testing.T) {
	tests := []struct {
		name    string
		op      Operation
		trigger func(c *Cache, clock *fakeClock, client *fakeClient)
	}{
		{
			name: "refresh",
			op:   OpRefresh,
			trigger: func(c *Cache, _ *fakeClock, client *fakeClient) {
				client.mu.Lock()
				client.failStatus = DefaultMaxAttempts
				client.mu.Unlock()
				c.Refresh(context.Background())
			},
		},
		{
			name: "flush",
			op:   OpFlush,
			trigger: func(c *Cache, clock *fakeClock, client *fakeClient) {
				client.mu.Lock()
				client.failSend = DefaultMaxAttempts
				client.mu.Unlock()
				_ = c.SetProperty("1", dps.Bool(false))
				clock.Advance(DefaultDebounceDelay)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient(dps.State{"1": dps.Bool(true)})
			var (
				c         *Cache
				recovered bool
				gotOp     Operation
			)
			c, clock := newTestCache(t, client, func(o *Options) {
				o.OnFailure = func(op Operation, _ error) {
					gotOp = op
					ctx, cancel := context.WithTimeout(context.Background(), time.Second)
					defer cancel()
					recovered = c.Refresh(ctx)
				}
			})
			c.Refresh(context.Background())

			done := make(chan struct{})
			go func() {
				defer close(done)
				tt.trigger(c, clock, client)
			}()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("failure hook blocked on the cache")
			}

			if gotOp != tt.op {
				t.Errorf("hook operation = %q, want %q", gotOp, tt.op)
			}
			if !recovered {
				t.Error("Refresh() inside the failure hook = false, want true")
			}
			if v, ok := c.Property("1"); !ok || v != dps.Bool(true) {
				t.Errorf("Property(1) = %v, %v; want state restored by the hook", v, ok)
			}
		})
	}
}

func TestLegacyAttemptBudget(t *testing.T) {
	client := newFakeClient(nil)
	client.failStatus = 10
	c, _ := newTestCache(t, client, func(o *Options) {
		o.MaxAttempts = LegacyMaxAttempts
	})

	c.Refresh(context.Background())
	if status, _ := client.calls(); status != LegacyMaxAttempts {
		t.Errorf("Status calls = %d, want %d", status, LegacyMaxAttempts)
	}
}

func TestVersionRotation(t *testing.T) {
	tests := []struct {
		name     string
		versions []protocol.Version
		failures int
		want     []protocol.Version
	}{
		{
			name:     "two versions cycle",
			versions: []protocol.Version{protocol.Version33, protocol.Version31},
			failures: 4,
			want: []protocol.Version{
				protocol.Version33, // selected at construction
				protocol.Version31, protocol.Version33, protocol.Version31, protocol.Version33,
			},
		},
		{
			name:     "three versions wrap",
			versions: []protocol.Version{protocol.Version33, protocol.Version31, protocol.Version34},
			failures: 4,
			want: []protocol.Version{
				protocol.Version33,
				protocol.Version31, protocol.Version34, protocol.Version33, protocol.Version31,
			},
		},
		{
			name:     "single version",
			versions: []protocol.Version{protocol.Version33},
			failures: 2,
			want:     []protocol.Version{protocol.Version33, protocol.Version33, protocol.Version33},
		},
		{
			name:     "success keeps the winning version",
			versions: []protocol.Version{protocol.Version33, protocol.Version31},
			failures: 1,
			want:     []protocol.Version{protocol.Version33, protocol.Version31},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient(dps.State{"1": dps.Bool(true)})
			client.failStatus = tt.failures
			c, _ := newTestCache(t, client, func(o *Options) {
				o.Versions = tt.versions
			})

			c.Refresh(context.Background())

			if diff := cmp.Diff(tt.want, client.selectedVersions()); diff != "" {
				t.Errorf("SetVersion calls mismatch (-want +got):\n%s", diff)
			}
			if got, want := c.Version(), tt.want[len(tt.want)-1]; got != want {
				t.Errorf("Version() = %s, want %s", got, want)
			}
		})
	}
}

func TestVersionNotRotatedBackAfterSuccess(t *testing.T) {
	client := newFakeClient(dps.State{"1": dps.Bool(true)})
	client.failStatus = 1
	c, _ := newTestCache(t, client, nil)

	c.Refresh(context.Background())
	c.Refresh(context.Background())

	want := []protocol.Version{protocol.Version33, protocol.Version31}
	if diff := cmp.Diff(want, client.selectedVersions()); diff != "" {
		t.Errorf("SetVersion calls mismatch (-want +got):\n%s", diff)
	}
}

func TestVersionNegotiationWithSimulator(t *testing.T) {
	sim := protocol.NewSimulator(protocol.Version31, dps.State{"1": dps.Bool(true)})
	c, _ := newTestCache(t, sim, nil)

	if !c.Refresh(context.Background()) {
		t.Fatal("Refresh() = false, want success after rotating to 3.1")
	}
	if c.Version() != protocol.Version31 {
		t.Errorf("Version() = %s, want 3.1", c.Version())
	}
	if sim.StatusCalls() != 2 {
		t.Errorf("StatusCalls() = %d, want 2", sim.StatusCalls())
	}
}

func TestRefreshCancelledDoesNotReset(t *testing.T) {
	client := newFakeClient(dps.State{"1": dps.Bool(true)})
	var failures failureRecorder
	c, _ := newTestCache(t, client, func(o *Options) {
		o.OnFailure = failures.record
	})
	c.Refresh(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if c.Refresh(ctx) {
		t.Error("Refresh(cancelled) = true")
	}
	if v, ok := c.Property("1"); !ok || v != dps.Bool(true) {
		t.Errorf("state lost after cancelled refresh: %v, %v", v, ok)
	}
	if len(failures.get()) != 0 {
		t.Errorf("failure hook called on cancellation")
	}
}

func TestRefreshMalformedResponse(t *testing.T) {
	client := &nilStatusClient{fakeClient: newFakeClient(nil)}
	c, _ := newTestCache(t, client, func(o *Options) {
		o.MaxAttempts = 1
	})

	if c.Refresh(context.Background()) {
		t.Error("Refresh() with nil dps = true, want false")
	}
}

// nilStatusClient answers every status request without a dps map.
type nilStatusClient struct {
	*fakeClient
}

func (n *nilStatusClient) Status(context.Context) (protocol.StatusResponse, error) {
	return protocol.StatusResponse{}, nil
}

// ─── Refresh / staleness ────────────────────────────────────────────

func TestRefreshIfStale(t *testing.T) {
	client := newFakeClient(dps.State{"1": dps.Bool(true)})
	c, clock := newTestCache(t, client, nil)

	if !c.RefreshIfStale(context.Background()) {
		t.Fatal("first RefreshIfStale() = false, want a fetch")
	}

	clock.Advance(DefaultCacheTimeout - time.Second)
	if c.RefreshIfStale(context.Background()) {
		t.Error("RefreshIfStale() on fresh state fetched")
	}
	if status, _ := client.calls(); status != 1 {
		t.Errorf("Status calls = %d, want 1", status)
	}

	clock.Advance(time.Second)
	if !c.RefreshIfStale(context.Background()) {
		t.Error("RefreshIfStale() at cache timeout did not fetch")
	}
	if status, _ := client.calls(); status != 2 {
		t.Errorf("Status calls = %d, want 2", status)
	}
}

func TestRefreshIfStaleSingleFlight(t *testing.T) {
	client := newFakeClient(dps.State{"1": dps.Bool(true)})
	c, _ := newTestCache(t, client, nil)

	entered, release := client.hold()
	defer release()

	var wg sync.WaitGroup
	results := make([]bool, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = c.RefreshIfStale(context.Background())
	}()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("first refresh never reached the client")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1] = c.RefreshIfStale(context.Background())
	}()

	// Give the second caller time to join the flight.
	time.Sleep(20 * time.Millisecond)
	release()
	wg.Wait()

	if status, _ := client.calls(); status != 1 {
		t.Errorf("Status calls = %d, want 1", status)
	}
	if !results[0] {
		t.Error("first caller result = false")
	}
}

func TestRefreshJoinsRunningFetch(t *testing.T) {
	client := newFakeClient(dps.State{"1": dps.Bool(true)})
	c, _ := newTestCache(t, client, nil)

	entered, release := client.hold()
	defer release()

	var wg sync.WaitGroup
	results := make([]bool, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = c.RefreshIfStale(context.Background())
	}()

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("poll refresh never reached the client")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1] = c.Refresh(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	release()
	wg.Wait()

	if status, _ := client.calls(); status != 1 {
		t.Errorf("Status calls = %d, want 1", status)
	}
	if !results[0] || !results[1] {
		t.Errorf("results = %v, want both true", results)
	}
}

func TestRefreshIfStaleCallerCancelled(t *testing.T) {
	client := newFakeClient(dps.State{"1": dps.Bool(true)})
	c, _ := newTestCache(t, client, nil)

	entered, release := client.hold()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- c.RefreshIfStale(ctx) }()

	<-entered
	cancel()

	select {
	case got := <-done:
		if got {
			t.Error("cancelled caller reported success")
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled caller still blocked")
	}

	// The shared fetch carries on without the caller.
	release()
	deadline := time.Now().Add(time.Second)
	for c.LastRefreshed().IsZero() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.LastRefreshed().IsZero() {
		t.Error("shared refresh did not complete after caller cancelled")
	}
}

func TestRefreshKeepsUnconfirmedOverlay(t *testing.T) {
	client := newFakeClient(dps.State{"2": dps.Int(21)})
	c, clock := newTestCache(t, client, nil)
	c.Refresh(context.Background())

	_ = c.SetProperty("2", dps.Int(23))
	clock.Advance(DefaultDebounceDelay)

	// Device has acknowledged but not applied yet.
	c.Refresh(context.Background())
	if v, _ := c.Property("2"); v != dps.Int(23) {
		t.Errorf("Property(2) = %v, want optimistic 23", v)
	}
	if diff := cmp.Diff([]dps.ID{"2"}, c.Pending()); diff != "" {
		t.Errorf("Pending() mismatch (-want +got):\n%s", diff)
	}
}

func TestWorkedScenario(t *testing.T) {
	client := newFakeClient(dps.State{"1": dps.Bool(true), "2": dps.Int(21)})
	c, clock := newTestCache(t, client, nil)

	c.Refresh(context.Background())
	if v, _ := c.Property("2"); v != dps.Int(21) {
		t.Fatalf("Property(2) = %v, want 21", v)
	}

	_ = c.SetProperty("2", dps.Int(23))
	if v, _ := c.Property("2"); v != dps.Int(23) {
		t.Fatalf("Property(2) before flush = %v, want 23", v)
	}

	clock.Advance(DefaultDebounceDelay)
	if len(client.sentBatches()) != 1 {
		t.Fatalf("sent %d batches, want 1", len(client.sentBatches()))
	}

	client.set(dps.State{"2": dps.Int(23)})
	c.Refresh(context.Background())

	if v, _ := c.Property("2"); v != dps.Int(23) {
		t.Errorf("Property(2) after confirm = %v, want 23", v)
	}
	if len(c.Pending()) != 0 {
		t.Errorf("Pending() = %v, want no overlay entries", c.Pending())
	}
}

// ─── Type inference ─────────────────────────────────────────────────

func TestInferDeviceType(t *testing.T) {
	rules := []TypeRule{
		{Type: "dehumidifier", Present: []dps.ID{"5", "11"}},
		{Type: "heater", Present: []dps.ID{"12", "102"}},
		{Type: "fan", Present: []dps.ID{"8"}, Absent: []dps.ID{"4", "5"}},
	}

	tests := []struct {
		name  string
		state dps.State
		want  string
	}{
		{"dehumidifier", dps.State{"1": dps.Bool(true), "5": dps.Int(40), "11": dps.Int(0)}, "dehumidifier"},
		{"heater", dps.State{"1": dps.Bool(true), "12": dps.Int(0), "102": dps.Int(3)}, "heater"},
		{"fan", dps.State{"1": dps.Bool(true), "8": dps.String("2")}, "fan"},
		{"fan signature with absent dp present", dps.State{"8": dps.String("2"), "4": dps.String("x")}, TypeUnknown},
		{"overlap resolves by order", dps.State{"5": dps.Int(1), "11": dps.Int(0), "12": dps.Int(0), "102": dps.Int(0)}, "dehumidifier"},
		{"nothing matches", dps.State{"1": dps.Bool(true)}, TypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient(tt.state)
			c, _ := newTestCache(t, client, nil)

			if got := c.InferDeviceType(context.Background(), rules); got != tt.want {
				t.Errorf("InferDeviceType() = %q, want %q", got, tt.want)
			}
			if status, _ := client.calls(); status != 1 {
				t.Errorf("Status calls = %d, want 1 (refresh before inference)", status)
			}
		})
	}
}

func TestInferDeviceTypeUsesExistingState(t *testing.T) {
	client := newFakeClient(dps.State{"8": dps.String("1")})
	c, _ := newTestCache(t, client, nil)
	c.Refresh(context.Background())

	rules := []TypeRule{{Type: "fan", Present: []dps.ID{"8"}}}
	if got := c.InferDeviceType(context.Background(), rules); got != "fan" {
		t.Errorf("InferDeviceType() = %q, want fan", got)
	}
	if status, _ := client.calls(); status != 1 {
		t.Errorf("Status calls = %d, want 1", status)
	}
}

func TestInferDeviceTypeUnreachable(t *testing.T) {
	client := newFakeClient(dps.State{"8": dps.String("1")})
	client.failStatus = 100
	c, _ := newTestCache(t, client, nil)

	rules := []TypeRule{{Type: "fan", Present: []dps.ID{"8"}}}
	if got := c.InferDeviceType(context.Background(), rules); got != TypeUnknown {
		t.Errorf("InferDeviceType() = %q, want %q", got, TypeUnknown)
	}
}

func TestTypeRuleWithoutConditions(t *testing.T) {
	if (TypeRule{Type: "any"}).Matches(dps.State{"1": dps.Bool(true)}) {
		t.Error("empty rule matched")
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────

func TestCloseCancelsPendingFlush(t *testing.T) {
	client := newFakeClient(nil)
	c, clock := newTestCache(t, client, nil)

	_ = c.SetProperty("1", dps.Bool(true))
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	clock.Advance(DefaultDebounceDelay)

	if _, send := client.calls(); send != 0 {
		t.Errorf("Send called %d times after Close", send)
	}
	if err := c.SetProperty("1", dps.Bool(false)); !errors.Is(err, ErrClosed) {
		t.Errorf("SetProperty after Close error = %v, want ErrClosed", err)
	}
	if c.Refresh(context.Background()) {
		t.Error("Refresh after Close = true")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestConcurrentAccess(t *testing.T) {
	sim := protocol.NewSimulator(protocol.Version33, dps.State{"1": dps.Bool(false), "2": dps.Int(20)})
	c, err := New(Options{
		DeviceID:      "race",
		Client:        sim,
		Versions:      []protocol.Version{protocol.Version33},
		DebounceDelay: 2 * time.Millisecond,
		CacheTimeout:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = c.SetProperty("2", dps.Int(int64(i*100+j)))
				c.Property("2")
				c.Snapshot()
				c.RefreshIfStale(context.Background())
			}
		}(i)
	}
	wg.Wait()

	// Let the last debounce fire before closing.
	time.Sleep(50 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if sim.SendCalls() == 0 {
		t.Error("no write reached the device")
	}
}

// ─── Metrics ────────────────────────────────────────────────────────

func TestMetrics(t *testing.T) {
	client := newFakeClient(dps.State{"1": dps.Bool(true)})
	client.failStatus = 3
	m := NewMetrics()
	c, clock := newTestCache(t, client, func(o *Options) {
		o.Metrics = m
	})

	c.Refresh(context.Background())
	_ = c.SetProperty("1", dps.Bool(false))
	clock.Advance(DefaultDebounceDelay)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"refresh attempts", testutil.ToFloat64(m.attempts.WithLabelValues("heater-1", "refresh")), 4},
		{"refresh failures", testutil.ToFloat64(m.failures.WithLabelValues("heater-1", "refresh")), 3},
		{"rotations to 3.1", testutil.ToFloat64(m.rotations.WithLabelValues("heater-1", "3.1")), 2},
		{"rotations to 3.3", testutil.ToFloat64(m.rotations.WithLabelValues("heater-1", "3.3")), 1},
		{"refreshes", testutil.ToFloat64(m.refreshes.WithLabelValues("heater-1")), 1},
		{"flushes", testutil.ToFloat64(m.flushes.WithLabelValues("heater-1")), 1},
		{"flush attempts", testutil.ToFloat64(m.attempts.WithLabelValues("heater-1", "flush")), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}

	if n := len(m.Collectors()); n != 6 {
		t.Errorf("Collectors() = %d, want 6", n)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.attempt("d", OpRefresh)
	m.failure("d", OpRefresh)
	m.rotation("d", "3.3")
	m.reset("d", OpFlush)
	m.flushed("d")
	m.refreshed("d")
}
