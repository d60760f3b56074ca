package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-appliance/internal/infrastructure/config"
)

// Frame types on the state feed.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePing        = "ping"
	framePong        = "pong"
	frameAck         = "ack"
	frameEvent       = "event"
	frameError       = "error"
)

// Feed channels.
const (
	ChannelDeviceState  = "device.state_changed"
	ChannelBridgeHealth = "bridge.health"
)

const (
	feedQueueSize  = 64
	feedWriteWait  = 10 * time.Second
	feedCloseGrace = time.Second
)

var feedChannels = map[string]bool{
	ChannelDeviceState:  true,
	ChannelBridgeHealth: true,
}

// frame is one message on the feed, in either direction.
//
//	-> {"type":"subscribe","id":"1","channels":["device.state_changed"]}
//	<- {"type":"ack","id":"1","channels":["device.state_changed"]}
//	<- {"type":"event","channel":"device.state_changed","time":"...","data":{...}}
type frame struct {
	Type     string   `json:"type"`
	ID       string   `json:"id,omitempty"`
	Channel  string   `json:"channel,omitempty"`
	Channels []string `json:"channels,omitempty"`
	Time     string   `json:"time,omitempty"`
	Data     any      `json:"data,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// replayFunc returns the current retained values for a channel. They are
// sent to a client as soon as it subscribes.
type replayFunc func(channel string) []any

// feed fans bus events out to WebSocket clients by channel.
type feed struct {
	logger    Logger
	readLimit int64
	pingEvery time.Duration
	readWait  time.Duration
	replay    replayFunc

	mu      sync.RWMutex
	clients map[string]*feedClient
	closed  bool
}

type feedClient struct {
	id      string
	conn    *websocket.Conn
	queue   chan []byte
	done    chan struct{}
	stopped sync.Once
	dropped atomic.Int64

	mu       sync.Mutex
	channels map[string]struct{}
}

func newFeed(cfg config.WebSocketConfig, logger Logger, replay replayFunc) *feed {
	ping := time.Duration(cfg.PingInterval) * time.Second
	return &feed{
		logger:    logger,
		readLimit: int64(cfg.MaxMessageSize),
		pingEvery: ping,
		readWait:  ping + time.Duration(cfg.PongTimeout)*time.Second,
		replay:    replay,
		clients:   make(map[string]*feedClient),
	}
}

func newFeedClient(id string, conn *websocket.Conn) *feedClient {
	return &feedClient{
		id:       id,
		conn:     conn,
		queue:    make(chan []byte, feedQueueSize),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}),
	}
}

// add registers c. It fails once the feed is closed.
func (f *feed) add(c *feedClient) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.clients[c.id] = c
	f.logger.Debug("feed client connected", "client", c.id, "clients", len(f.clients))
	return true
}

// remove drops a client and stops its writer. Safe to call twice.
func (f *feed) remove(id string) {
	f.mu.Lock()
	c, ok := f.clients[id]
	delete(f.clients, id)
	n := len(f.clients)
	f.mu.Unlock()

	if !ok {
		return
	}
	c.stop()
	if dropped := c.dropped.Load(); dropped > 0 {
		f.logger.Warn("feed client was too slow, frames dropped", "client", id, "dropped", dropped)
	}
	f.logger.Debug("feed client disconnected", "client", id, "clients", n)
}

// close stops every client and refuses new ones.
func (f *feed) close() {
	f.mu.Lock()
	clients := f.clients
	f.clients = make(map[string]*feedClient)
	f.closed = true
	f.mu.Unlock()

	for _, c := range clients {
		c.stop()
	}
}

func (f *feed) count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// publish sends data to every client subscribed to channel.
func (f *feed) publish(channel string, data any) {
	payload, err := json.Marshal(frame{
		Type:    frameEvent,
		Channel: channel,
		Time:    time.Now().UTC().Format(time.RFC3339),
		Data:    data,
	})
	if err != nil {
		f.logger.Error("failed to encode feed event", "channel", channel, "error", err)
		return
	}

	f.mu.RLock()
	targets := make([]*feedClient, 0, len(f.clients))
	for _, c := range f.clients {
		if c.subscribed(channel) {
			targets = append(targets, c)
		}
	}
	f.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(payload)
	}
}

func (f *feed) send(c *feedClient, fr frame) {
	data, err := json.Marshal(fr)
	if err != nil {
		f.logger.Error("failed to encode feed frame", "type", fr.Type, "error", err)
		return
	}
	c.enqueue(data)
}

func (f *feed) handleFrame(c *feedClient, data []byte) {
	var in frame
	if err := json.Unmarshal(data, &in); err != nil {
		f.send(c, frame{Type: frameError, Error: "invalid JSON"})
		return
	}

	switch in.Type {
	case frameSubscribe, frameUnsubscribe:
		f.updateChannels(c, in)
	case framePing:
		f.send(c, frame{Type: framePong, ID: in.ID})
	default:
		f.send(c, frame{Type: frameError, ID: in.ID, Error: "unknown frame type: " + in.Type})
	}
}

func (f *feed) updateChannels(c *feedClient, in frame) {
	if len(in.Channels) == 0 {
		f.send(c, frame{Type: frameError, ID: in.ID, Error: "channels required"})
		return
	}
	for _, ch := range in.Channels {
		if !feedChannels[ch] {
			f.send(c, frame{Type: frameError, ID: in.ID, Error: "unknown channel: " + ch})
			return
		}
	}

	var added []string
	c.mu.Lock()
	for _, ch := range in.Channels {
		_, had := c.channels[ch]
		switch {
		case in.Type == frameUnsubscribe:
			delete(c.channels, ch)
		case !had:
			c.channels[ch] = struct{}{}
			added = append(added, ch)
		}
	}
	c.mu.Unlock()

	f.send(c, frame{Type: frameAck, ID: in.ID, Channels: in.Channels})

	if f.replay == nil {
		return
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, ch := range added {
		for _, data := range f.replay(ch) {
			f.send(c, frame{Type: frameEvent, Channel: ch, Time: now, Data: data})
		}
	}
}

// readLoop handles client frames until the connection fails. Any frame
// counts as liveness, for browsers that never answer protocol pings.
func (f *feed) readLoop(c *feedClient) {
	defer func() {
		f.remove(c.id)
		c.conn.Close() //nolint:errcheck // writer may have closed it already
	}()

	c.conn.SetReadLimit(f.readLimit)
	extend := func() error {
		return c.conn.SetReadDeadline(time.Now().Add(f.readWait))
	}
	extend() //nolint:errcheck // a failed deadline surfaces on the next read
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.logger.Warn("feed read error", "client", c.id, "error", err)
			}
			return
		}
		extend() //nolint:errcheck // a failed deadline surfaces on the next read
		f.handleFrame(c, data)
	}
}

// writeLoop drains the client queue and pings on the configured interval.
// It owns the connection and closes it on exit.
func (f *feed) writeLoop(c *feedClient) {
	ticker := time.NewTicker(f.pingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close() //nolint:errcheck // reader may have closed it already
	}()

	for {
		select {
		case <-c.done:
			//nolint:errcheck // peer may already be gone
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(feedCloseGrace))
			return
		case data := <-c.queue:
			//nolint:errcheck // write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait)); err != nil {
				return
			}
		}
	}
}

// enqueue queues data without blocking. A full queue drops the frame.
func (c *feedClient) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.queue <- data:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

func (c *feedClient) stop() {
	c.stopped.Do(func() { close(c.done) })
}

func (c *feedClient) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channel]
	return ok
}

// handleWebSocket upgrades the request and starts the client loops. The
// feed is read-only, so there is no ticket; origins follow the CORS list.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.isAllowedOrigin(origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newFeedClient(uuid.NewString(), conn)
	if !s.feed.add(c) {
		conn.Close() //nolint:errcheck // shutting down
		return
	}
	go s.feed.writeLoop(c)
	go s.feed.readLoop(c)
}

// replayChannel serves the feed's replay from the bus view.
func (s *Server) replayChannel(channel string) []any {
	switch channel {
	case ChannelDeviceState:
		states := s.view.stateList()
		out := make([]any, len(states))
		for i := range states {
			out[i] = states[i]
		}
		return out
	case ChannelBridgeHealth:
		if h := s.view.bridgeHealth(); h != nil {
			return []any{h}
		}
	}
	return nil
}
