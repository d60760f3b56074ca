package appliance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	model "github.com/nerrad567/gray-logic-appliance/internal/appliance"
	"github.com/nerrad567/gray-logic-appliance/internal/devicestate"
	"github.com/nerrad567/gray-logic-appliance/internal/dps"
	"github.com/nerrad567/gray-logic-appliance/internal/history"
	"github.com/nerrad567/gray-logic-appliance/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-appliance/internal/protocol"
)

const (
	// topicParts is graylogic/{category}/appliance/{id}.
	topicParts = 4

	// pollConcurrency bounds how many devices are polled at once.
	pollConcurrency = 4

	// pruneInterval is how often old history is deleted.
	pruneInterval = time.Hour

	defaultHistoryLimit = 20
)

// Logger defines the logging interface for the bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MQTTClient is the part of the MQTT client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Telemetry receives time-series samples. *influxdb.Client satisfies it.
type Telemetry interface {
	WriteDeviceState(deviceID, deviceType string, state dps.State, at time.Time)
	WriteFailure(deviceID, operation string, at time.Time)
}

// DialFunc opens a protocol client with the named driver.
type DialFunc func(driver string, cfg protocol.DialConfig) (protocol.Client, error)

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	Config     *Config
	MQTTClient MQTTClient

	// Dial defaults to protocol.Open.
	Dial DialFunc

	// Recorder stores state snapshots and command outcomes. If it also
	// implements history.Repository the "history" request and retention
	// pruning are enabled.
	Recorder history.Recorder

	// Retention is how long history is kept. Zero disables pruning.
	Retention time.Duration

	// Telemetry is optional.
	Telemetry Telemetry

	// CacheMetrics is shared by every device cache. Optional.
	CacheMetrics *devicestate.Metrics

	// Metrics is optional.
	Metrics *Metrics

	// Timings overrides cache timings for every device.
	Timings CacheTimings

	Version string
	Logger  Logger
}

// Bridge connects appliance state caches to MQTT.
//
// It polls each device cache for stale state, publishes retained state
// when the effective view changes, turns MQTT commands into property
// writes and answers requests.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg       *Config
	mqtt      MQTTClient
	health    *HealthReporter
	recorder  history.Recorder
	repo      history.Repository
	retention time.Duration
	telemetry Telemetry
	metrics   *Metrics
	topics    mqtt.Topics

	devices map[string]*device
	order   []string

	commandsReceived atomic.Uint64
	commandsRejected atomic.Uint64
	failures         atomic.Uint64

	// goMu orders background goroutine starts against Stop.
	goMu      sync.Mutex
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger Logger
}

// NewBridge opens a protocol client and cache for every configured device.
// Call Start to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	dial := opts.Dial
	if dial == nil {
		dial = protocol.Open
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		cfg:       opts.Config,
		mqtt:      opts.MQTTClient,
		recorder:  opts.Recorder,
		retention: opts.Retention,
		telemetry: opts.Telemetry,
		metrics:   opts.Metrics,
		devices:   make(map[string]*device, len(opts.Config.Devices)),
		ctx:       ctx,
		ctxCancel: ctxCancel,
		logger:    opts.Logger,
	}
	if repo, ok := opts.Recorder.(history.Repository); ok {
		b.repo = repo
	}

	var cacheLogger devicestate.Logger
	if opts.Logger != nil {
		cacheLogger = opts.Logger
	}
	deps := deviceDeps{
		dial:      dial,
		timings:   opts.Timings,
		logger:    cacheLogger,
		metrics:   opts.CacheMetrics,
		onFailure: b.handleFailure,
	}

	for _, cfg := range opts.Config.Devices {
		d, err := newDevice(cfg, deps)
		if err != nil {
			b.closeDevices()
			ctxCancel()
			return nil, fmt.Errorf("device %s: %w", cfg.ID, err)
		}
		b.devices[cfg.ID] = d
		b.order = append(b.order, cfg.ID)
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.Config.Bridge.ID,
		Version:   opts.Version,
		Interval:  opts.Config.GetHealthInterval(),
		Publisher: opts.MQTTClient,
		Source:    b,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start subscribes to commands and requests, publishes discovery, and
// starts the poll, health and retention loops.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	commandTopic := b.topics.BridgeCommands(Protocol)
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	requestTopic := b.topics.BridgeRequests(Protocol)
	if err := b.mqtt.Subscribe(requestTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.logInfo("subscribed to requests", "topic", requestTopic)

	b.wg.Add(1)
	go b.pollLoop()

	if b.repo != nil && b.retention > 0 {
		b.wg.Add(1)
		go b.pruneLoop()
	}

	b.health.Start(ctx)

	b.logInfo("bridge started",
		"bridge_id", b.cfg.Bridge.ID,
		"devices", len(b.devices))
	return nil
}

// Stop cancels in-flight work, publishes a final health status and closes
// every device cache and client.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.goMu.Lock()
		b.ctxCancel()
		b.goMu.Unlock()
		b.wg.Wait()
		b.health.Stop()
		b.closeDevices()
		b.logInfo("bridge stopped")
	})
}

// spawn runs f on a tracked goroutine. It reports false once Stop began.
func (b *Bridge) spawn(f func()) bool {
	b.goMu.Lock()
	defer b.goMu.Unlock()
	if b.ctx.Err() != nil {
		return false
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		f()
	}()
	return true
}

func (b *Bridge) closeDevices() {
	for _, id := range b.order {
		if err := b.devices[id].close(); err != nil {
			b.logError("failed to close device", err, "device_id", id)
		}
	}
}

// DeviceHealth implements HealthSource.
func (b *Bridge) DeviceHealth() []DeviceHealth {
	out := make([]DeviceHealth, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.devices[id].health())
	}
	return out
}

// Statistics implements HealthSource.
func (b *Bridge) Statistics() BridgeStatistics {
	return BridgeStatistics{
		CommandsReceived: b.commandsReceived.Load(),
		CommandsRejected: b.commandsRejected.Load(),
		Failures:         b.failures.Load(),
	}
}

// ─── Polling ────────────────────────────────────────────────────────

func (b *Bridge) pollLoop() {
	defer b.wg.Done()

	b.pollAll(b.ctx)
	b.publishDiscovery()

	ticker := time.NewTicker(b.cfg.GetPollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.pollAll(b.ctx)
		}
	}
}

// pollAll checks every device. Devices are independent, so a slow or
// unreachable one does not hold up the rest.
func (b *Bridge) pollAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pollConcurrency)

	for _, id := range b.order {
		d := b.devices[id]
		g.Go(func() error {
			b.pollDevice(gctx, d)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // pollDevice never fails
}

// pollDevice resolves the model if needed, refreshes stale state and
// publishes the result.
func (b *Bridge) pollDevice(ctx context.Context, d *device) {
	refreshed, attempted := false, false

	if d.getModel() == nil {
		// Detection fetches state itself when there is none yet.
		attempted = d.cache.LastRefreshed().IsZero()
		resolved, err := d.resolve(ctx)
		switch {
		case err != nil:
			b.logError("failed to bind detected model", err, "device_id", d.cfg.ID)
		case resolved:
			b.logInfo("device type detected", "device_id", d.cfg.ID, "type", d.typeName())
			b.publishDiscovery()
		}
		refreshed = attempted && !d.cache.LastRefreshed().IsZero()
	}

	if !attempted && d.cache.RefreshIfStale(ctx) {
		refreshed = true
	}
	if refreshed {
		b.afterRefresh(ctx, d)
	}
	b.publishState(d)
}

// afterRefresh marks the device available and records the confirmed
// state when it changed.
func (b *Bridge) afterRefresh(ctx context.Context, d *device) {
	d.setAvailable(true)
	b.metrics.setAvailable(d.cfg.ID, true)

	now := time.Now()
	state := d.cache.Snapshot()
	if b.telemetry != nil {
		b.telemetry.WriteDeviceState(d.cfg.ID, d.typeName(), state, now)
	}
	if b.recorder != nil && d.changedSinceRecorded(state) {
		if err := b.recorder.RecordState(ctx, d.cfg.ID, state, history.SourceRefresh, now); err != nil {
			b.logError("failed to record state", err, "device_id", d.cfg.ID)
		}
	}
}

// handleFailure runs when a cache exhausted its retries and reset state.
func (b *Bridge) handleFailure(d *device, op devicestate.Operation, err error) {
	b.failures.Add(1)
	d.setAvailable(false)
	b.metrics.setAvailable(d.cfg.ID, false)

	b.logWarn("device operation failed", "device_id", d.cfg.ID, "operation", string(op), "error", err)
	if b.telemetry != nil {
		b.telemetry.WriteFailure(d.cfg.ID, string(op), time.Now())
	}
	b.publishState(d)
}

// publishState publishes retained state if it changed since the last
// publish.
func (b *Bridge) publishState(d *device) {
	msg := d.stateMessage()
	changed, err := d.claimPublish(msg)
	if err != nil {
		b.logError("failed to build state", err, "device_id", d.cfg.ID)
		return
	}
	if !changed {
		return
	}

	msg.Timestamp = time.Now().UTC()
	if err := b.publishJSON(b.topics.BridgeState(Protocol, d.cfg.ID), msg, true); err != nil {
		b.logError("failed to publish state", err, "device_id", d.cfg.ID)
		return
	}
	b.metrics.statePublished(d.cfg.ID)
}

func (b *Bridge) publishDiscovery() {
	msg := DiscoveryMessage{
		Timestamp: time.Now().UTC(),
		Bridge:    b.cfg.Bridge.ID,
		Devices:   make([]model.DeviceInfo, 0, len(b.order)),
	}
	for _, id := range b.order {
		msg.Devices = append(msg.Devices, b.devices[id].info())
	}
	if err := b.publishJSON(b.topics.BridgeDiscovery(Protocol), msg, true); err != nil {
		b.logError("failed to publish discovery", err)
	}
}

func (b *Bridge) pruneLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		b.prune()
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *Bridge) prune() {
	n, err := b.repo.Prune(b.ctx, time.Now().Add(-b.retention))
	if err != nil {
		b.logError("failed to prune history", err)
		return
	}
	if n > 0 {
		b.logInfo("pruned history", "rows", n)
	}
}

// ─── MQTT routing ───────────────────────────────────────────────────

// handleMQTTMessage routes on the category segment of the topic.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) error {
	parts := strings.Split(topic, "/")
	if len(parts) != topicParts || parts[2] != Protocol {
		return fmt.Errorf("%w: topic %s", ErrInvalidMessage, topic)
	}

	switch parts[1] {
	case "command":
		b.handleCommand(parts[3], payload)
	case "request":
		b.handleRequest(parts[3], payload)
	default:
		return fmt.Errorf("%w: topic %s", ErrInvalidMessage, topic)
	}
	return nil
}

// ─── Commands ───────────────────────────────────────────────────────

func (b *Bridge) handleCommand(topicDeviceID string, payload []byte) {
	b.commandsReceived.Add(1)

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		cmd = CommandMessage{ID: newID(), DeviceID: topicDeviceID}
		b.rejectCommand(cmd, ErrCodeInvalidCommand, "invalid JSON: "+err.Error())
		return
	}
	if cmd.ID == "" {
		cmd.ID = newID()
	}
	if cmd.DeviceID == "" {
		cmd.DeviceID = topicDeviceID
	}
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now().UTC()
	}
	if cmd.DeviceID != topicDeviceID {
		reason := fmt.Sprintf("device_id %q does not match topic %q", cmd.DeviceID, topicDeviceID)
		cmd.DeviceID = topicDeviceID
		b.rejectCommand(cmd, ErrCodeInvalidCommand, reason)
		return
	}

	d, ok := b.devices[cmd.DeviceID]
	if !ok {
		b.rejectCommand(cmd, ErrCodeNotConfigured, ErrUnknownDevice.Error())
		return
	}

	switch cmd.Command {
	case CommandSet:
		b.handleSet(d, cmd)
	case CommandRefresh:
		if b.ctx.Err() != nil {
			b.rejectCommand(cmd, ErrCodeBridgeError, ErrBridgeStopping.Error())
			return
		}
		b.acceptCommand(d, cmd)
		b.spawn(func() {
			if d.cache.Refresh(b.ctx) {
				b.afterRefresh(b.ctx, d)
			}
			b.publishState(d)
		})
	default:
		b.rejectCommand(cmd, ErrCodeInvalidCommand, fmt.Sprintf("unknown command %q", cmd.Command))
	}
}

// handleSet validates named values and queues them on the cache. The ack
// only confirms the values were queued; the device applies them after the
// debounce.
func (b *Bridge) handleSet(d *device, cmd CommandMessage) {
	m := d.getModel()
	if m == nil {
		b.rejectCommand(cmd, ErrCodeTypeUnknown, ErrTypeUnresolved.Error())
		return
	}
	if len(cmd.Parameters) == 0 {
		b.rejectCommand(cmd, ErrCodeInvalidParameters, "no properties to set")
		return
	}

	edit, err := m.Encode(cmd.Parameters)
	if err != nil {
		b.rejectCommand(cmd, encodeErrorCode(err), err.Error())
		return
	}
	if err := d.cache.SetProperties(edit.Set); err != nil {
		b.rejectCommand(cmd, ErrCodeBridgeError, err.Error())
		return
	}
	// A live optimistic value for the same data point still shadows the
	// anticipated one until it expires or a refresh confirms it.
	for id, v := range edit.Anticipate {
		d.cache.Anticipate(id, v)
	}

	b.acceptCommand(d, cmd)
	b.publishState(d)

	if b.recorder != nil {
		if err := b.recorder.RecordState(b.ctx, d.cfg.ID, d.cache.Snapshot(), history.SourceCommand, time.Now()); err != nil {
			b.logError("failed to record state", err, "device_id", d.cfg.ID)
		}
	}
}

func encodeErrorCode(err error) string {
	switch {
	case errors.Is(err, model.ErrUnknownProperty):
		return ErrCodeUnknownProperty
	case errors.Is(err, model.ErrReadOnly):
		return ErrCodeReadOnly
	default:
		return ErrCodeInvalidParameters
	}
}

func (b *Bridge) acceptCommand(d *device, cmd CommandMessage) {
	b.publishAck(NewAckMessage(cmd, AckAccepted))
	b.metrics.command(d.cfg.ID, string(AckAccepted))
	b.recordCommand(cmd, true, "")
	b.logDebug("command accepted", "device_id", cmd.DeviceID, "command", cmd.Command, "command_id", cmd.ID)
}

func (b *Bridge) rejectCommand(cmd CommandMessage, code, message string) {
	b.commandsRejected.Add(1)
	b.publishAck(NewAckError(cmd, code, message))
	b.metrics.command(cmd.DeviceID, code)
	if _, known := b.devices[cmd.DeviceID]; known {
		b.recordCommand(cmd, false, code)
	}
	b.logWarn("command rejected", "device_id", cmd.DeviceID, "code", code, "reason", message)
}

func (b *Bridge) recordCommand(cmd CommandMessage, success bool, code string) {
	if b.recorder == nil {
		return
	}
	entry := history.CommandEntry{
		ID:         cmd.ID,
		DeviceID:   cmd.DeviceID,
		ReceivedAt: cmd.Timestamp,
		Properties: cmd.Parameters,
		Success:    success,
		ErrorCode:  code,
	}
	if err := b.recorder.RecordCommand(b.ctx, entry); err != nil {
		b.logError("failed to record command", err, "device_id", cmd.DeviceID)
	}
}

func (b *Bridge) publishAck(ack AckMessage) {
	if err := b.publishJSON(b.topics.BridgeAck(Protocol, ack.DeviceID), ack, false); err != nil {
		b.logError("failed to publish ack", err, "command_id", ack.CommandID)
	}
}

// ─── Requests ───────────────────────────────────────────────────────

func (b *Bridge) handleRequest(topicRequestID string, payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		req = RequestMessage{RequestID: topicRequestID}
		b.respond(req, NewErrorResponse(req, ErrCodeInvalidCommand, "invalid JSON: "+err.Error()))
		return
	}
	if req.RequestID == "" {
		req.RequestID = topicRequestID
	}

	if req.Action == ActionListDevices {
		b.respond(req, NewResponse(req, map[string]any{"devices": b.listDevices()}))
		return
	}

	d, ok := b.devices[req.DeviceID]
	if !ok {
		b.respond(req, NewErrorResponse(req, ErrCodeNotConfigured,
			fmt.Sprintf("%v: %q", ErrUnknownDevice, req.DeviceID)))
		return
	}

	switch req.Action {
	case ActionReadState:
		b.respond(req, NewResponse(req, stateData(d.stateMessage())))
	case ActionRefresh, ActionDetectType:
		// Both may wait on the network; answer off the delivery goroutine.
		started := b.spawn(func() {
			b.respond(req, b.slowRequest(d, req))
		})
		if !started {
			b.respond(req, NewErrorResponse(req, ErrCodeBridgeError, ErrBridgeStopping.Error()))
		}
	case ActionHistory:
		b.respond(req, b.historyResponse(d, req))
	default:
		b.respond(req, NewErrorResponse(req, ErrCodeInvalidCommand,
			fmt.Sprintf("unknown action %q", req.Action)))
	}
}

func (b *Bridge) slowRequest(d *device, req RequestMessage) ResponseMessage {
	if req.Action == ActionRefresh {
		if !d.cache.Refresh(b.ctx) {
			b.publishState(d)
			return NewErrorResponse(req, ErrCodeDeviceUnreachable, "refresh failed")
		}
		b.afterRefresh(b.ctx, d)
		b.publishState(d)
		return NewResponse(req, stateData(d.stateMessage()))
	}

	fetching := d.cache.LastRefreshed().IsZero()
	detected := d.cache.InferDeviceType(b.ctx, model.DetectionRules())
	if fetching && !d.cache.LastRefreshed().IsZero() {
		b.afterRefresh(b.ctx, d)
	}
	if d.getModel() == nil && detected != devicestate.TypeUnknown {
		if _, err := d.resolve(b.ctx); err != nil {
			return NewErrorResponse(req, ErrCodeBridgeError, err.Error())
		}
		b.publishDiscovery()
		b.publishState(d)
	}
	return NewResponse(req, map[string]any{
		"detected_type":    detected,
		"configured_class": d.cfg.Class,
		"type":             d.typeName(),
	})
}

func (b *Bridge) historyResponse(d *device, req RequestMessage) ResponseMessage {
	if b.repo == nil {
		return NewErrorResponse(req, ErrCodeNotConfigured, "history is not enabled")
	}

	limit := defaultHistoryLimit
	if v, ok := req.Parameters["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	states, err := b.repo.StateHistory(b.ctx, d.cfg.ID, limit)
	if err != nil {
		return NewErrorResponse(req, ErrCodeBridgeError, err.Error())
	}
	commands, err := b.repo.Commands(b.ctx, d.cfg.ID, limit)
	if err != nil {
		return NewErrorResponse(req, ErrCodeBridgeError, err.Error())
	}
	return NewResponse(req, map[string]any{
		"states":   states,
		"commands": commands,
	})
}

func (b *Bridge) listDevices() []map[string]any {
	out := make([]map[string]any, 0, len(b.order))
	for _, id := range b.order {
		d := b.devices[id]
		out = append(out, map[string]any{
			"info":   d.info(),
			"health": d.health(),
		})
	}
	return out
}

func stateData(msg StateMessage) map[string]any {
	data := map[string]any{
		"type":             msg.Type,
		"state":            msg.State,
		"available":        msg.Available,
		"protocol_version": msg.ProtocolVersion,
	}
	if len(msg.Pending) > 0 {
		data["pending"] = msg.Pending
	}
	if msg.LastRefreshed != nil {
		data["last_refreshed"] = *msg.LastRefreshed
	}
	return data
}

func (b *Bridge) respond(req RequestMessage, resp ResponseMessage) {
	b.metrics.request(req.Action, resp.Success)
	if err := b.publishJSON(b.topics.BridgeResponse(Protocol, req.RequestID), resp, false); err != nil {
		b.logError("failed to publish response", err, "request_id", req.RequestID)
	}
}

// ─── Helpers ────────────────────────────────────────────────────────

func (b *Bridge) publishJSON(topic string, v any, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", topic, err)
	}
	return b.mqtt.Publish(topic, payload, 1, retained)
}

func (b *Bridge) logDebug(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, args...)
	}
}

func (b *Bridge) logInfo(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Info(msg, args...)
	}
}

func (b *Bridge) logWarn(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Warn(msg, args...)
	}
}

func (b *Bridge) logError(msg string, err error, args ...any) {
	if b.logger != nil {
		b.logger.Error(msg, append([]any{"error", err}, args...)...)
	}
}
