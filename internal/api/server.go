package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-appliance/internal/bridges/appliance"
	"github.com/nerrad567/gray-logic-appliance/internal/history"
	"github.com/nerrad567/gray-logic-appliance/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-appliance/internal/infrastructure/mqtt"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// ErrNotStarted is returned by HealthCheck before Start.
var ErrNotStarted = errors.New("api: server not started")

// Logger is the logging interface used by the server.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MQTTClient is the part of the MQTT client the server uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WebSocket config.WebSocketConfig
	Metrics   config.MetricsConfig
	Logger    Logger

	// MQTT is optional. Without it the view stays empty and commands
	// return 503.
	MQTT MQTTClient

	// History is optional.
	History history.Repository

	// Registry is served on Metrics.Path when metrics are enabled.
	Registry *prometheus.Registry

	Version string
}

// Server is the HTTP API server for the appliance bridge.
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	metricsCfg config.MetricsConfig
	logger     Logger
	mqtt       MQTTClient
	history    history.Repository
	registry   *prometheus.Registry
	version    string
	topics     mqtt.Topics
	view       *stateView
	feed       *feed
	started    time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	stopFeed func() bool
}

// New creates a server. Nothing listens until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Metrics.Enabled && deps.Registry == nil {
		return nil, fmt.Errorf("metrics registry is required when metrics are enabled")
	}

	s := &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WebSocket,
		metricsCfg: deps.Metrics,
		logger:     deps.Logger,
		mqtt:       deps.MQTT,
		history:    deps.History,
		registry:   deps.Registry,
		version:    deps.Version,
		view:       newStateView(),
	}
	s.feed = newFeed(deps.WebSocket, deps.Logger, s.replayChannel)
	return s, nil
}

// Start subscribes to the bridge topics, binds the listener and serves in
// the background. The address is bound before returning so a port clash
// is reported here. Feed clients are disconnected when ctx ends.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return nil
	}

	if err := s.subscribeBridgeTopics(); err != nil {
		return fmt.Errorf("subscribing to bridge topics: %w", err)
	}

	addr := s.cfg.Address()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.stopFeed = context.AfterFunc(ctx, s.feed.close)
	s.listener = ln
	s.started = time.Now()
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.ReadTimeout(),
		WriteTimeout:      s.cfg.WriteTimeout(),
		IdleTimeout:       s.cfg.IdleTimeout(),
	}

	srv := s.server
	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", serveErr)
		}
	}()

	s.logger.Info("API server listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close disconnects feed clients and waits up to 10 seconds for in-flight
// requests. The server cannot be restarted afterwards.
func (s *Server) Close() error {
	s.mu.Lock()
	srv, stopFeed := s.server, s.stopFeed
	s.server, s.listener, s.stopFeed = nil, nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	stopFeed()
	s.feed.close()

	ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer done()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server is serving.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return ErrNotStarted
	}
	return nil
}

// subscribeBridgeTopics feeds the view and the WebSocket feed from the
// bridge's retained topics.
func (s *Server) subscribeBridgeTopics() error {
	if s.mqtt == nil {
		s.logger.Warn("MQTT not configured; device view and state feed disabled")
		return nil
	}

	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{s.topics.BridgeDiscovery(appliance.Protocol), s.handleDiscovery},
		{stateWildcard(), s.handleState},
		{s.topics.BridgeHealth(appliance.Protocol), s.handleHealth},
	}
	for _, sub := range subs {
		if err := s.mqtt.Subscribe(sub.topic, 1, sub.handler); err != nil {
			return fmt.Errorf("%s: %w", sub.topic, err)
		}
	}
	s.logger.Info("subscribed to bridge topics for API view")
	return nil
}

func stateWildcard() string {
	return mqtt.Topics{}.BridgeState(appliance.Protocol, "+")
}

func (s *Server) handleDiscovery(_ string, payload []byte) error {
	return s.view.applyDiscovery(payload)
}

func (s *Server) handleState(_ string, payload []byte) error {
	msg, err := s.view.applyState(payload)
	if err != nil {
		return err
	}
	s.feed.publish(ChannelDeviceState, msg)
	return nil
}

func (s *Server) handleHealth(_ string, payload []byte) error {
	msg, err := s.view.applyHealth(payload)
	if err != nil {
		return err
	}
	s.feed.publish(ChannelBridgeHealth, msg)
	return nil
}
