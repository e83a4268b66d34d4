// Package gateway is the WebSocket front door of a grid node. Each
// connection is one client session bound to this server; responses for a
// session arrive on the server's channel and are written to its socket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agentgrid/internal/domain"
	"agentgrid/internal/infra/metrics"
	"agentgrid/internal/infra/middleware"
	"agentgrid/internal/usecase/session"
)

// RPCHandler handles a single RPC method call.
type RPCHandler func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error)

// Sessions binds client sessions to servers. *session.Router satisfies it.
type Sessions interface {
	OnConnect(ctx context.Context, sessionID, serverID string) error
	Release(ctx context.Context, sessionID, serverID, reason string) error
}

// Config holds gateway settings.
type Config struct {
	Addr     string `yaml:"addr"`
	ServerID string `yaml:"server_id"`
	// SendBuffer is the outbound frame queue per client.
	SendBuffer int `yaml:"send_buffer"`
	// RPCPerSecond and RPCBurst bound each connection's request rate.
	RPCPerSecond float64 `yaml:"rpc_per_second"`
	RPCBurst     int     `yaml:"rpc_burst"`
	// HeartbeatTTL is how long the server directory trusts one heartbeat.
	HeartbeatTTL   time.Duration                 `yaml:"heartbeat_ttl"`
	AllowedOrigins []string                      `yaml:"allowed_origins"`
	ConnectLimit   middleware.ConnectLimitConfig `yaml:"connect_limit"`
}

// DefaultHeartbeatTTL is used when Config.HeartbeatTTL is unset.
const DefaultHeartbeatTTL = 30 * time.Second

func (c Config) withDefaults() Config {
	if c.ServerID == "" {
		c.ServerID = domain.NewID()
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.RPCPerSecond <= 0 {
		c.RPCPerSecond = 20
	}
	if c.RPCBurst <= 0 {
		c.RPCBurst = 40
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = DefaultHeartbeatTTL
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"}
	}
	return c
}

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	info      *ClientInfo
	ws        *websocket.Conn
	limiter   *rate.Limiter
	sendCh    chan Frame // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
}

func (cc *clientConn) close() { cc.closeOnce.Do(func() { close(cc.done) }) }

// push queues f without blocking and reports whether it fit.
func (cc *clientConn) push(f Frame) bool {
	select {
	case <-cc.done:
		return false
	case cc.sendCh <- f:
		return true
	default:
		return false
	}
}

// Server is the WebSocket gateway of one server id.
type Server struct {
	cfg       Config
	transport domain.StreamTransport
	sessions  Sessions
	servers   domain.ServerDirectory
	auth      Authenticator
	metrics   *metrics.Metrics
	logger    *slog.Logger
	started   time.Time

	handlersMu sync.RWMutex
	handlers   map[string]RPCHandler
	clients    sync.Map // sessionID -> *clientConn
	httpRoutes []httpRoute

	httpSrv   *http.Server
	boundAddr atomic.Value // string
	inbox     domain.SubscriptionHandle
	stopOnce  sync.Once
}

type httpRoute struct {
	pattern string
	handler http.Handler
}

// NewServer creates a gateway server. m may be nil.
func NewServer(cfg Config, transport domain.StreamTransport, sessions Sessions, servers domain.ServerDirectory, auth Authenticator, m *metrics.Metrics, logger *slog.Logger) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:       cfg,
		transport: transport,
		sessions:  sessions,
		servers:   servers,
		auth:      auth,
		metrics:   m,
		logger:    logger.With("component", "gateway", "server_id", cfg.ServerID),
		handlers:  make(map[string]RPCHandler),
	}
}

// ServerID returns the id sessions on this gateway are bound to.
func (s *Server) ServerID() string { return s.cfg.ServerID }

// RegisterHandler adds an RPC handler for the given method name.
// Safe to call concurrently with active connections.
func (s *Server) RegisterHandler(method string, handler RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = handler
	s.handlersMu.Unlock()
}

// Methods lists the registered RPC methods.
func (s *Server) Methods() []string {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// RegisterHTTPRoute adds an HTTP handler to the gateway's mux.
// Must be called before Start().
func (s *Server) RegisterHTTPRoute(pattern string, handler http.Handler) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// Start announces the server, subscribes to its channel and accepts
// connections. It blocks until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.started = time.Now()

	mux := http.NewServeMux()
	mux.Handle("/ws", middleware.ConnectLimit(ctx, s.cfg.ConnectLimit)(http.HandlerFunc(s.handleUpgrade)))
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/status", s.handleStatus)
	for _, route := range s.httpRoutes {
		mux.Handle(route.pattern, route.handler)
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	s.inbox, err = s.transport.Subscribe(ctx, domain.ServerChannel(s.cfg.ServerID), s.onForward)
	if err != nil {
		listener.Close()
		return fmt.Errorf("gateway subscribe: %w", err)
	}
	if err := s.Heartbeat(ctx); err != nil {
		s.logger.Warn("initial heartbeat failed", "error", err)
	}

	s.httpSrv = &http.Server{Handler: middleware.SecurityHeaders(mux), ReadHeaderTimeout: 10 * time.Second}
	s.boundAddr.Store(listener.Addr().String())
	s.logger.Info("gateway started", "addr", s.BoundAddr())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Heartbeat refreshes this server in the directory and announces it on
// the liveness channel.
func (s *Server) Heartbeat(ctx context.Context) error {
	if err := s.servers.Heartbeat(ctx, s.cfg.ServerID, s.cfg.HeartbeatTTL); err != nil {
		return domain.WrapOp("Gateway.Heartbeat", err)
	}
	return s.announce(ctx, domain.EventServerHeartbeat)
}

func (s *Server) announce(ctx context.Context, typ domain.EventType) error {
	raw, err := json.Marshal(domain.ServerNotice{ServerID: s.cfg.ServerID, Type: typ, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	return domain.WrapOp("Gateway.announce", s.transport.Publish(ctx, domain.ServerLivenessChannel(s.cfg.ServerID), raw))
}

// Stop publishes the termination notice, removes the server from the
// directory and closes every connection. Only the first call does work.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		err = s.stop(ctx)
	})
	return err
}

func (s *Server) stop(ctx context.Context) error {
	var errs []error
	if err := s.announce(ctx, domain.EventServerTerminated); err != nil {
		errs = append(errs, err)
	}
	if err := s.servers.Remove(ctx, s.cfg.ServerID); err != nil {
		errs = append(errs, err)
	}
	if !s.inbox.IsZero() {
		if err := s.transport.Unsubscribe(ctx, s.inbox); err != nil {
			errs = append(errs, err)
		}
	}

	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		cc.close()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		return true
	})

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("gateway stopped")
	return errors.Join(errs...)
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string {
	addr, _ := s.boundAddr.Load().(string)
	return addr
}

// Clients returns the number of connected sessions.
func (s *Server) Clients() int {
	n := 0
	s.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// onForward writes a message forwarded by a session router to the socket
// of its session.
func (s *Server) onForward(_ context.Context, payload []byte) {
	var env domain.ForwardEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.logger.Warn("dropping undecodable forward", "error", err)
		return
	}
	v, ok := s.clients.Load(env.SessionID)
	if !ok {
		s.logger.Debug("forward for session not on this server", "session", env.SessionID, "message", env.Message.ID)
		return
	}
	body, err := json.Marshal(env.Message)
	if err != nil {
		s.logger.Warn("encode forwarded message", "message", env.Message.ID, "error", err)
		return
	}
	if !v.(*clientConn).push(Frame{Type: FrameTypeEvent, Method: env.Message.Method, Payload: body}) {
		s.logger.Warn("dropped message for slow client", "session", env.SessionID, "message", env.Message.ID)
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	clientInfo, err := s.auth.Authenticate(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = domain.NewID()
	}
	if _, busy := s.clients.Load(sessionID); busy {
		http.Error(w, "session already connected", http.StatusConflict)
		return
	}
	clientInfo.SessionID = sessionID

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	cc := &clientConn{
		info:    clientInfo,
		ws:      ws,
		limiter: rate.NewLimiter(rate.Limit(s.cfg.RPCPerSecond), s.cfg.RPCBurst),
		sendCh:  make(chan Frame, s.cfg.SendBuffer),
		done:    make(chan struct{}),
	}
	if _, loaded := s.clients.LoadOrStore(sessionID, cc); loaded {
		ws.Close(websocket.StatusPolicyViolation, "session already connected")
		return
	}

	ctx := domain.ContextWithSessionID(r.Context(), sessionID)
	if err := s.sessions.OnConnect(ctx, sessionID, s.cfg.ServerID); err != nil {
		s.logger.Error("bind session", "session", sessionID, "error", err)
		s.clients.Delete(sessionID)
		ws.Close(websocket.StatusInternalError, "session unavailable")
		return
	}
	s.metrics.ClientConnected()
	s.logger.Info("gateway client connected", "session", sessionID, "client", clientInfo.Name)

	welcome, _ := json.Marshal(Welcome{SessionID: sessionID, ServerID: s.cfg.ServerID})
	cc.push(Frame{Type: FrameTypeEvent, Method: MethodWelcome, Payload: welcome})

	go s.writeLoop(cc)
	s.readLoop(ctx, cc)

	cc.close()
	s.clients.Delete(sessionID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.metrics.ClientDisconnected()
	if err := s.sessions.Release(context.WithoutCancel(ctx), sessionID, s.cfg.ServerID, session.ReasonClient); err != nil {
		s.logger.Warn("unbind session", "session", sessionID, "error", err)
	}
	s.logger.Info("gateway client disconnected", "session", sessionID)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		if frame.Type != FrameTypeRequest {
			continue
		}
		if !cc.limiter.Allow() {
			s.respond(cc, frame, nil, domain.ErrRateLimit)
			continue
		}
		go s.dispatchRPC(ctx, cc, frame)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatchRPC(ctx context.Context, cc *clientConn, req Frame) {
	s.handlersMu.RLock()
	handler, ok := s.handlers[req.Method]
	s.handlersMu.RUnlock()
	if !ok {
		req.Method = "unknown"
		s.respond(cc, req, nil, domain.ErrRPCMethodNotFound)
		return
	}
	result, err := handler(ctx, cc.info, req.Payload)
	s.respond(cc, req, result, err)
}

func (s *Server) respond(cc *clientConn, req Frame, result json.RawMessage, err error) {
	resp := Frame{Type: FrameTypeResponse, ID: req.ID, Payload: result}
	code := "OK"
	if err != nil {
		code = string(domain.ErrorCodeOf(err))
		resp.Error = err.Error()
		resp.Code = code
	}
	s.metrics.RPCHandled(req.Method, code)
	if !cc.push(resp) {
		s.logger.Warn("dropped RPC response for slow client", "session", cc.info.SessionID, "frame_id", req.ID)
	}
}
