package devicestate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/gray-logic-appliance/internal/dps"
	"github.com/nerrad567/gray-logic-appliance/internal/protocol"
)

// Default timings and retry budget.
const (
	DefaultDebounceDelay   = 1 * time.Second
	DefaultOptimismTimeout = 10 * time.Second
	DefaultCacheTimeout    = 20 * time.Second
	DefaultMaxAttempts     = 4

	// LegacyMaxAttempts is the retry budget for older firmware that gives
	// up on a connection quickly.
	LegacyMaxAttempts = 2
)

// Operation names a network operation for logs, metrics and failure hooks.
type Operation string

// Operations run through the retry controller.
const (
	OpRefresh Operation = "refresh"
	OpFlush   Operation = "flush"
)

const refreshKey = "refresh"

// Logger defines the logging interface for the cache.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Cache.
type Options struct {
	// DeviceID identifies the device in logs and metrics.
	DeviceID string

	// Client talks to the device. Required.
	Client protocol.Client

	// Versions is the protocol version rotation order. The first entry is
	// selected at construction. Defaults to protocol.DefaultVersions.
	Versions []protocol.Version

	// MaxAttempts bounds each refresh or flush. Defaults to DefaultMaxAttempts.
	MaxAttempts int

	// FixedProperties are re-sent with every write.
	FixedProperties dps.State

	DebounceDelay   time.Duration
	OptimismTimeout time.Duration
	CacheTimeout    time.Duration

	// Clock defaults to the system clock.
	Clock Clock

	// Logger is optional.
	Logger Logger

	// Metrics is optional and may be shared between caches.
	Metrics *Metrics

	// OnFailure is called after an operation exhausted its attempts and
	// the state was reset. The error wraps ErrRetriesExhausted and the last
	// client error. The hook runs outside every cache lock and may call
	// Refresh, but must not call Close.
	OnFailure func(op Operation, err error)
}

type pendingUpdate struct {
	value       dps.Value
	requestedAt time.Time
}

// Cache is the synchronised view of a single device.
type Cache struct {
	id          string
	client      protocol.Client
	versions    []protocol.Version
	maxAttempts int
	fixed       dps.State
	debounce    time.Duration
	optimism    time.Duration
	ttl         time.Duration
	clock       Clock
	logger      Logger
	metrics     *Metrics
	onFailure   func(Operation, error)

	// mu guards everything below it up to net.
	mu          sync.Mutex
	state       dps.State
	refreshedAt time.Time
	overlay     map[dps.ID]pendingUpdate
	version     protocol.Version
	timer       Timer
	closed      bool
	flushes     sync.WaitGroup

	// net serialises protocol client calls and guards versionIdx.
	// Lock order: net before mu.
	net        sync.Mutex
	versionIdx int

	refreshGroup singleflight.Group

	// ctx bounds shared refreshes; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a cache and selects the first protocol version on the client.
func New(opts Options) (*Cache, error) {
	if opts.Client == nil {
		return nil, errors.New("devicestate: client is required")
	}

	versions := opts.Versions
	if len(versions) == 0 {
		versions = protocol.DefaultVersions
	}
	versions = append([]protocol.Version(nil), versions...)

	c := &Cache{
		id:          opts.DeviceID,
		client:      opts.Client,
		versions:    versions,
		maxAttempts: opts.MaxAttempts,
		fixed:       opts.FixedProperties.Clone(),
		debounce:    opts.DebounceDelay,
		optimism:    opts.OptimismTimeout,
		ttl:         opts.CacheTimeout,
		clock:       opts.Clock,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		onFailure:   opts.OnFailure,
		version:     versions[0],
		state:       make(dps.State),
		overlay:     make(map[dps.ID]pendingUpdate),
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.debounce <= 0 {
		c.debounce = DefaultDebounceDelay
	}
	if c.optimism <= 0 {
		c.optimism = DefaultOptimismTimeout
	}
	if c.ttl <= 0 {
		c.ttl = DefaultCacheTimeout
	}
	if c.clock == nil {
		c.clock = realClock{}
	}
	if c.logger == nil {
		c.logger = noopLogger{}
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.client.SetVersion(c.versions[0])
	return c, nil
}

// DeviceID returns the identifier the cache was created with.
func (c *Cache) DeviceID() string {
	return c.id
}

// Version returns the currently selected protocol version.
func (c *Cache) Version() protocol.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Property returns the effective value of a data point: a live overlay
// entry if there is one, otherwise the last refreshed value. Stale state
// is served as is.
func (c *Cache) Property(id dps.ID) (dps.Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.overlay[id]; ok && c.liveLocked(p, c.clock.Now()) {
		return p.value, true
	}
	v, ok := c.state[id]
	return v, ok
}

// Snapshot returns the full effective state.
func (c *Cache) Snapshot() dps.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Merge(c.liveOverlayLocked(c.clock.Now()))
}

// Pending returns the data points with a live optimistic value, sorted.
func (c *Cache) Pending() []dps.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveOverlayLocked(c.clock.Now()).IDs()
}

// LastRefreshed returns when state was last fetched. Zero means never, or
// that the state was reset.
func (c *Cache) LastRefreshed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshedAt
}

// Fresh reports whether the cached state is younger than CacheTimeout.
func (c *Cache) Fresh() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freshLocked(c.clock.Now())
}

// Anticipate writes a value straight into the refreshed state. Use it when
// the device is known to derive id from another change; the next refresh
// replaces it.
func (c *Cache) Anticipate(id dps.ID, value dps.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[id] = value
}

// SetProperty is SetProperties with a single data point.
func (c *Cache) SetProperty(id dps.ID, value dps.Value) error {
	return c.SetProperties(dps.State{id: value})
}

// SetProperties records the values as optimistic state and schedules a
// debounced write. It never waits for the network. Fixed properties are
// added to the batch; explicit values win on conflict.
func (c *Cache) SetProperties(props dps.State) error {
	if len(props) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	now := c.clock.Now()
	c.pruneLocked(now)
	for id, v := range c.fixed.Merge(props) {
		c.overlay[id] = pendingUpdate{value: v, requestedAt: now}
	}

	if c.timer != nil && c.timer.Stop() {
		c.flushes.Done()
	}
	c.flushes.Add(1)
	c.timer = c.clock.AfterFunc(c.debounce, c.flush)

	return nil
}

// Refresh fetches the full state from the device, retrying as configured.
// A call that overlaps a running refresh shares its result. It reports
// whether the state was refreshed.
func (c *Cache) Refresh(ctx context.Context) bool {
	if c.isClosed() || ctx.Err() != nil {
		return false
	}
	return c.sharedRefresh(ctx, false)
}

// RefreshIfStale refreshes only when the state is older than CacheTimeout.
// Concurrent callers, including Refresh, share a single fetch. It reports
// whether the state was refreshed.
func (c *Cache) RefreshIfStale(ctx context.Context) bool {
	if c.isClosed() || c.Fresh() {
		return false
	}
	return c.sharedRefresh(ctx, true)
}

// sharedRefresh joins the running refresh or starts one. The fetch runs
// until it finishes or the cache closes; ctx only bounds the wait.
func (c *Cache) sharedRefresh(ctx context.Context, ifStale bool) bool {
	ch := c.refreshGroup.DoChan(refreshKey, func() (any, error) {
		// A flight that finished while this caller queued may already
		// have refreshed.
		if ifStale && c.Fresh() {
			return true, nil
		}
		ok, failure := c.attempt(c.ctx, OpRefresh, c.fetch)
		if failure != nil {
			// A hook that refreshes starts a new flight instead of
			// waiting on this one.
			c.refreshGroup.Forget(refreshKey)
			c.fail(OpRefresh, failure)
		}
		return ok, nil
	})

	select {
	case res := <-ch:
		ok, _ := res.Val.(bool)
		return ok
	case <-ctx.Done():
		return false
	}
}

// InferDeviceType matches the refreshed state against rules in order and
// returns the first matching type, or TypeUnknown. State is fetched first
// if it never has been.
func (c *Cache) InferDeviceType(ctx context.Context, rules []TypeRule) string {
	if c.LastRefreshed().IsZero() {
		c.Refresh(ctx)
	}

	c.mu.Lock()
	state := c.state.Clone()
	c.mu.Unlock()

	for _, rule := range rules {
		if rule.Matches(state) {
			return rule.Type
		}
	}
	return TypeUnknown
}

// Close cancels a pending debounced write and waits for a running one.
// The protocol client is left open for its owner to close.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancel()
	if c.timer != nil && c.timer.Stop() {
		c.flushes.Done()
	}
	c.timer = nil
	c.mu.Unlock()

	c.flushes.Wait()
	return nil
}

// flush runs on the debounce timer and sends the live overlay as one batch.
func (c *Cache) flush() {
	defer c.flushes.Done()

	c.mu.Lock()
	live := c.liveOverlayLocked(c.clock.Now())
	c.mu.Unlock()

	if len(live) == 0 {
		return
	}
	batch := c.fixed.Merge(live)

	ok, failure := c.attempt(context.Background(), OpFlush, func(ctx context.Context) error {
		payload, err := c.client.GeneratePayload(protocol.CommandControl, batch)
		if err != nil {
			return fmt.Errorf("generating payload: %w", err)
		}
		if err := c.client.Send(ctx, payload); err != nil {
			return fmt.Errorf("sending payload: %w", err)
		}
		c.restamp(batch)
		return nil
	})
	if ok {
		c.metrics.flushed(c.id)
		c.logger.Debug("write batch sent", "device_id", c.id, "dps", len(batch))
	}
	if failure != nil {
		c.fail(OpFlush, failure)
	}
}

// restamp refreshes the timestamps of overlay entries that still hold the
// value just sent. Entries changed since the batch was built keep theirs.
func (c *Cache) restamp(batch dps.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for id, v := range batch {
		if p, ok := c.overlay[id]; ok && p.value == v {
			c.overlay[id] = pendingUpdate{value: v, requestedAt: now}
		}
	}
}

// fetch performs one status request and replaces the state on success.
func (c *Cache) fetch(ctx context.Context) error {
	resp, err := c.client.Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if resp.DPS == nil {
		return fmt.Errorf("status: %w: no dps", protocol.ErrMalformedResponse)
	}

	c.mu.Lock()
	now := c.clock.Now()
	c.state = resp.DPS.Clone()
	c.refreshedAt = now
	for id, p := range c.overlay {
		if !c.liveLocked(p, now) || c.state[id] == p.value {
			delete(c.overlay, id)
		}
	}
	c.mu.Unlock()

	c.metrics.refreshed(c.id)
	return nil
}

// attempt runs fn up to maxAttempts times, rotating the protocol version
// after every failure. When all attempts fail the cached state is reset
// and the returned failure wraps ErrRetriesExhausted; the caller reports
// it once net is released. Cancelling ctx stops the loop without a reset.
func (c *Cache) attempt(ctx context.Context, op Operation, fn func(context.Context) error) (bool, error) {
	c.net.Lock()
	defer c.net.Unlock()

	var err error
	for i := 1; i <= c.maxAttempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.logger.Debug("device operation cancelled", "device_id", c.id, "operation", op, "error", ctxErr)
			return false, nil
		}

		c.metrics.attempt(c.id, op)
		if err = fn(ctx); err == nil {
			if i > 1 {
				c.logger.Info("device operation recovered",
					"device_id", c.id,
					"operation", op,
					"attempt", i,
					"version", c.versions[c.versionIdx],
				)
			}
			return true, nil
		}

		if ctx.Err() != nil {
			c.logger.Debug("device operation cancelled", "device_id", c.id, "operation", op, "error", err)
			return false, nil
		}

		c.metrics.failure(c.id, op)
		next := c.rotateVersionLocked()
		c.logger.Warn("device operation failed",
			"device_id", c.id,
			"operation", op,
			"attempt", i,
			"max_attempts", c.maxAttempts,
			"next_version", next,
			"error", err,
		)
	}

	c.reset()
	c.metrics.reset(c.id, op)
	c.logger.Error("device unreachable, cached state reset",
		"device_id", c.id,
		"operation", op,
		"attempts", c.maxAttempts,
		"error", err,
	)
	return false, fmt.Errorf("%w: %s: %w", ErrRetriesExhausted, op, err)
}

func (c *Cache) fail(op Operation, err error) {
	if c.onFailure != nil {
		c.onFailure(op, err)
	}
}

// rotateVersionLocked selects the next protocol version. Caller holds net.
func (c *Cache) rotateVersionLocked() protocol.Version {
	c.versionIdx = (c.versionIdx + 1) % len(c.versions)
	v := c.versions[c.versionIdx]
	c.client.SetVersion(v)

	c.mu.Lock()
	c.version = v
	c.mu.Unlock()
	c.metrics.rotation(c.id, string(v))
	return v
}

// reset forgets the device state and every pending value.
func (c *Cache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = make(dps.State)
	c.refreshedAt = time.Time{}
	c.overlay = make(map[dps.ID]pendingUpdate)
}

func (c *Cache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Cache) liveLocked(p pendingUpdate, now time.Time) bool {
	return now.Sub(p.requestedAt) < c.optimism
}

func (c *Cache) freshLocked(now time.Time) bool {
	return !c.refreshedAt.IsZero() && now.Sub(c.refreshedAt) < c.ttl
}

func (c *Cache) liveOverlayLocked(now time.Time) dps.State {
	out := make(dps.State, len(c.overlay))
	for id, p := range c.overlay {
		if c.liveLocked(p, now) {
			out[id] = p.value
		}
	}
	return out
}

func (c *Cache) pruneLocked(now time.Time) {
	for id, p := range c.overlay {
		if !c.liveLocked(p, now) {
			delete(c.overlay, id)
		}
	}
}

