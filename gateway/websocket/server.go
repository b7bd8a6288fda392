package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dcnieho/Titta/capture"
	"github.com/dcnieho/Titta/errors"
	"github.com/dcnieho/Titta/metric"
	"github.com/dcnieho/Titta/pkg/buffer"
	"github.com/dcnieho/Titta/sample"
)

// Actions understood by the server.
const (
	ActionStartSampleBuffer = "startSampleBuffer"
	ActionStopSampleBuffer  = "stopSampleBuffer"
	ActionClearSampleBuffer = "clearSampleBuffer"
	ActionPeekSamples       = "peekSamples"
	ActionStartSampleStream = "startSampleStream"
	ActionStopSampleStream  = "stopSampleStream"
)

// Config holds the server settings.
type Config struct {
	Addr         string        `json:"addr"          yaml:"addr"`
	Path         string        `json:"path"          yaml:"path"`
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// DefaultConfig returns the defaults used by the CLI.
func DefaultConfig() Config {
	return Config{
		Addr:         ":3003",
		Path:         "/",
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Request is a client command.
type Request struct {
	Action   string `json:"action"`
	NSamples *int   `json:"nSamples,omitempty"`
}

// Reply answers a command. Failures carry Error and Reason instead of Status.
type Reply struct {
	Action string `json:"action,omitempty"`
	Status *bool  `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
	Param  string `json:"param,omitempty"`
}

// GazeMessage is the compact gaze record sent by peekSamples and the sample
// stream. Values that are not a number are sent as null.
type GazeMessage struct {
	TS int64    `json:"ts"`
	LX *float64 `json:"lx"`
	LY *float64 `json:"ly"`
	LP *float64 `json:"lp"`
	RX *float64 `json:"rx"`
	RY *float64 `json:"ry"`
	RP *float64 `json:"rp"`
}

func number(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// NewGazeMessage flattens g.
func NewGazeMessage(g sample.Gaze) GazeMessage {
	return GazeMessage{
		TS: g.SystemTS,
		LX: number(g.Left.GazePoint.OnDisplayArea.X),
		LY: number(g.Left.GazePoint.OnDisplayArea.Y),
		LP: number(g.Left.Pupil.Diameter),
		RX: number(g.Right.GazePoint.OnDisplayArea.X),
		RY: number(g.Right.GazePoint.OnDisplayArea.Y),
		RP: number(g.Right.Pupil.Diameter),
	}
}

type serverMetrics struct {
	clientsConnected prometheus.Gauge
	messagesSent     prometheus.Counter
	errorsTotal      *prometheus.CounterVec
}

func newServerMetrics(registry *metric.MetricsRegistry) *serverMetrics {
	m := &serverMetrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "titta",
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Number of connected websocket clients",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "titta",
			Subsystem: "websocket",
			Name:      "messages_sent_total",
			Help:      "Messages written to websocket clients",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "titta",
			Subsystem: "websocket",
			Name:      "errors_total",
			Help:      "Websocket errors by type",
		}, []string{"type"}),
	}
	_ = registry.RegisterGauge("websocket", "clients_connected", m.clientsConnected)
	_ = registry.RegisterCounter("websocket", "messages_sent_total", m.messagesSent)
	_ = registry.RegisterCounterVec("websocket", "errors_total", m.errorsTotal)
	return m
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics exports client and message counts to registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Server) {
		if registry != nil {
			s.metrics = newServerMetrics(registry)
		}
	}
}

type client struct {
	conn       *websocket.Conn
	writeMutex sync.Mutex
	closed     atomic.Bool
	closeOnce  sync.Once
}

// Server exposes the gaze buffer of a capture session over websocket and
// can broadcast live gaze samples to every connected client.
type Server struct {
	session  *capture.Session
	cfg      Config
	logger   *slog.Logger
	metrics  *serverMetrics
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*client
	wg        sync.WaitGroup

	// streamMu serializes starting and stopping the sample stream.
	streamMu     sync.Mutex
	streamCancel context.CancelFunc
	streamDone   chan struct{}
	streamOwns   bool

	httpMu   sync.Mutex
	server   *http.Server
	shutdown chan struct{}
	stopOnce sync.Once
}

// NewServer creates a server for session.
func NewServer(session *capture.Session, cfg Config, opts ...Option) (*Server, error) {
	if session == nil {
		return nil, errors.Invalidf(errors.ErrInvalidArgument, "websocket", "NewServer", "nil session")
	}
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	s := &Server{
		session: session,
		cfg:     cfg,
		logger:  slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:  make(map[*websocket.Conn]*client),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "websocket")
	return s, nil
}

// Handler returns the HTTP handler upgrading requests on the configured path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)
	return mux
}

// Run serves on the configured address until ctx is done, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	s.httpMu.Lock()
	if s.server != nil {
		s.httpMu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "websocket", "Run", "start server")
	}
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.server = srv
	s.httpMu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Websocket server listening", "addr", s.cfg.Addr, "path", s.cfg.Path)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if err != nil && err != http.ErrServerClosed {
			return errors.WrapFatal(err, "websocket", "Run", fmt.Sprintf("listen on %s", s.cfg.Addr))
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Websocket server shutdown error", "error", err)
		}
		<-errCh
		s.Close()
		return nil
	}
}

// Close stops the sample stream, disconnects every client and waits for the
// client goroutines.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.shutdown)
		if _, err := s.stopStream(); err != nil {
			s.logger.Debug("stop sample stream on close", "error", err)
		}

		s.clientsMu.RLock()
		clients := make([]*client, 0, len(s.clients))
		for _, c := range s.clients {
			clients = append(clients, c)
		}
		s.clientsMu.RUnlock()
		for _, c := range clients {
			s.removeClient(c)
		}
		s.wg.Wait()
	})
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdown:
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.recordError("connection_upgrade")
		return
	}

	c := &client{conn: conn}
	s.clientsMu.Lock()
	s.clients[conn] = c
	count := len(s.clients)
	s.clientsMu.Unlock()
	if s.metrics != nil {
		s.metrics.clientsConnected.Set(float64(count))
	}
	s.logger.Debug("client connected", "remote", r.RemoteAddr, "clients", count)

	s.wg.Add(2)
	go s.handleClient(c)
	go s.pingClient(c)
}

func (s *Server) handleClient(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.send(c, Reply{Error: "invalidJson", Reason: err.Error()})
			continue
		}
		if req.Action == "" {
			s.send(c, Reply{Error: "jsonMissingParam", Param: "action"})
			continue
		}
		s.dispatch(c, req)
	}
}

func (s *Server) pingClient(c *client) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			if c.closed.Load() {
				return
			}
			c.writeMutex.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
			c.writeMutex.Unlock()
			if err != nil {
				s.recordError("ping")
				s.removeClient(c)
				return
			}
		}
	}
}

func ok(action string, status bool) Reply {
	return Reply{Action: action, Status: &status}
}

func failure(action string, err error) Reply {
	return Reply{Error: action, Reason: err.Error()}
}

func (s *Server) dispatch(c *client, req Request) {
	switch req.Action {
	case ActionStartSampleBuffer:
		// Eye openness rides along in gaze whenever the tracker has it.
		if s.session.HasStream(sample.KindEyeOpenness) {
			if _, err := s.session.SetIncludeEyeOpennessInGaze(true); err != nil {
				s.logger.Debug("eye openness toggle failed", "error", err)
			}
		}
		if err := s.session.Start(sample.KindGaze); err != nil {
			s.send(c, failure(req.Action, err))
			return
		}
		s.send(c, ok(req.Action, true))

	case ActionStopSampleBuffer:
		status := s.session.IsRecording(sample.KindGaze)
		if err := s.session.Stop(sample.KindGaze, false); err != nil {
			s.send(c, failure(req.Action, err))
			return
		}
		s.send(c, ok(req.Action, status))

	case ActionClearSampleBuffer:
		if err := s.session.Clear(sample.KindGaze); err != nil {
			s.send(c, failure(req.Action, err))
			return
		}
		s.send(c, ok(req.Action, true))

	case ActionPeekSamples:
		n := 1
		if req.NSamples != nil {
			n = *req.NSamples
		}
		samples, err := s.session.PeekN(sample.KindGaze, n, buffer.SideEnd)
		if err != nil {
			s.send(c, Reply{Error: req.Action, Reason: err.Error(), Param: "nSamples"})
			return
		}
		out := make([]GazeMessage, 0, len(samples))
		for _, smp := range samples {
			if g, isGaze := smp.(sample.Gaze); isGaze {
				out = append(out, NewGazeMessage(g))
			}
		}
		s.send(c, out)

	case ActionStartSampleStream:
		if err := s.startStream(); err != nil {
			s.send(c, failure(req.Action, err))
			return
		}
		s.send(c, ok(req.Action, true))

	case ActionStopSampleStream:
		status, err := s.stopStream()
		if err != nil {
			s.send(c, failure(req.Action, err))
			return
		}
		s.send(c, ok(req.Action, status))

	default:
		s.send(c, Reply{Error: "Unrecognized action", Reason: req.Action})
	}
}

// startStream broadcasts every gaze sample captured from now on.
func (s *Server) startStream() error {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if s.streamDone != nil {
		return nil
	}

	owns := !s.session.IsRecording(sample.KindGaze)
	if owns {
		if err := s.session.Start(sample.KindGaze); err != nil {
			return err
		}
	}
	src, err := s.session.Source(sample.KindGaze)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.streamCancel = cancel
	s.streamDone = make(chan struct{})
	s.streamOwns = owns
	go s.broadcast(ctx, src, src.Produced(), s.streamDone)
	return nil
}

// stopStream reports whether a stream was running.
func (s *Server) stopStream() (bool, error) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if s.streamDone == nil {
		return false, nil
	}
	s.streamCancel()
	<-s.streamDone
	s.streamCancel, s.streamDone = nil, nil

	if s.streamOwns {
		s.streamOwns = false
		if err := s.session.Stop(sample.KindGaze, false); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (s *Server) broadcast(ctx context.Context, src capture.Source, cursor uint64, done chan struct{}) {
	defer close(done)
	for {
		changed := src.Changed()
		items, next, _ := src.PeekFrom(cursor, buffer.All)
		cursor = next
		for _, smp := range items {
			g, isGaze := smp.(sample.Gaze)
			if !isGaze {
				continue
			}
			data, err := json.Marshal(NewGazeMessage(g))
			if err != nil {
				continue
			}
			s.broadcastRaw(data)
		}

		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
	}
}

func (s *Server) broadcastRaw(data []byte) {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		if !c.closed.Load() {
			clients = append(clients, c)
		}
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		if err := s.write(c, data); err != nil {
			s.recordError("broadcast")
			s.removeClient(c)
		}
	}
}

func (s *Server) send(c *client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.recordError("marshal")
		s.logger.Debug("reply not encodable", "error", err)
		return
	}
	if err := s.write(c, data); err != nil {
		s.recordError("send")
		s.removeClient(c)
	}
}

// write serializes writes per connection; gorilla/websocket allows one writer.
func (s *Server) write(c *client, data []byte) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.messagesSent.Inc()
	}
	return nil
}

func (s *Server) removeClient(c *client) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		s.clientsMu.Lock()
		delete(s.clients, c.conn)
		count := len(s.clients)
		s.clientsMu.Unlock()

		if s.metrics != nil {
			s.metrics.clientsConnected.Set(float64(count))
		}
		_ = c.conn.Close()
	})
}

func (s *Server) recordError(kind string) {
	if s.metrics != nil {
		s.metrics.errorsTotal.WithLabelValues(kind).Inc()
	}
}
