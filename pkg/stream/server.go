// Package stream is the WebSocket fan-out server. It authenticates
// clients, relays bus messages to every authenticated connection under a
// per-client rate limit, coalesces bursts into batch frames, and buffers
// for disconnected clients so a reconnect can replay what it missed.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/noelgit/agent-s3-sub005/pkg/bus"
	"github.com/noelgit/agent-s3-sub005/pkg/config"
)

var (
	sentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_stream_sent_total",
		Help: "Frames delivered to WebSocket clients.",
	})
	droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_stream_dropped_total",
		Help: "Messages dropped before delivery, by reason.",
	}, []string{"reason"})
	clientsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agent_stream_clients",
		Help: "Authenticated WebSocket clients.",
	})
)

// inboundOnly lists the kinds clients send to the server; they are
// published on the bus for the orchestrator but never fanned back out.
var inboundOnly = map[string]bool{
	bus.KindAuthenticate:     true,
	bus.KindWorkflowControl:  true,
	bus.KindProgressResponse: true,
	bus.KindCommand:          true,
	bus.KindBatch:            true,
}

// Server owns the listening socket, the client records, and the offline
// queues. One instance per process.
type Server struct {
	cfg     config.ServerConfig
	bus     *bus.Bus
	version string

	echo       *echo.Echo
	httpServer *http.Server
	listener   net.Listener

	mu      sync.RWMutex
	clients map[string]*client
	offline map[string]*offlineQueue // resume token → queue

	// outbound decouples bus publishers from socket writes: the bus
	// handler only enqueues, the dispatch loop drains and fans out.
	outbound *bus.Queue

	handlerIDs map[string]string // kind → bus registration id

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup

	writeTimeout time.Duration
}

// NewServer creates a Server; call Start to begin accepting clients.
func NewServer(cfg config.ServerConfig, b *bus.Bus, version string) *Server {
	writeTimeout := cfg.HeartbeatInterval.Std()
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Server{
		cfg:          cfg,
		bus:          b,
		version:      version,
		clients:      make(map[string]*client),
		offline:      make(map[string]*offlineQueue),
		outbound:     bus.NewQueue(cfg.MaxQueueSize, 50*time.Millisecond),
		handlerIDs:   make(map[string]string),
		writeTimeout: writeTimeout,
	}
}

// Start opens the listening socket, writes the connection descriptor,
// registers the fan-out bus handlers, and launches the background loops.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)

	e := echo.New()
	e.Use(securityHeaders())
	e.GET("/ws", s.wsHandler)
	e.GET("/healthz", s.healthHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo = e
	s.httpServer = &http.Server{Handler: e}

	port := listener.Addr().(*net.TCPAddr).Port
	if err := writeDescriptor(s.cfg.DescriptorPath, Descriptor{
		Host:      s.cfg.Host,
		Port:      port,
		AuthToken: s.cfg.AuthToken,
		Protocol:  "ws",
		Version:   s.version,
	}); err != nil {
		_ = listener.Close()
		return err
	}

	for _, kind := range bus.Kinds() {
		if inboundOnly[kind] {
			continue
		}
		s.handlerIDs[kind] = s.bus.RegisterHandler(kind, s.enqueueOutbound)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("Streaming server error", "error", err)
		}
	}()

	s.startLoop(s.dispatchLoop)
	s.startLoop(s.heartbeatLoop)
	s.startLoop(s.expiryLoop)
	s.startLoop(s.metricsLoop)

	slog.Info("Streaming server started", "host", s.cfg.Host, "port", port)
	return nil
}

// Stop cancels background loops, closes every client socket, shuts the
// HTTP server down, and deletes the connection descriptor. Idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		for kind, id := range s.handlerIDs {
			s.bus.UnregisterHandler(kind, id)
		}
		s.cancel()

		s.mu.Lock()
		clients := make([]*client, 0, len(s.clients))
		for _, c := range s.clients {
			clients = append(clients, c)
		}
		s.clients = make(map[string]*client)
		s.mu.Unlock()
		for _, c := range clients {
			c.cancel()
			_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		clientsGauge.Set(0)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Streaming server shutdown incomplete", "error", err)
		}

		removeDescriptor(s.cfg.DescriptorPath)
		s.wg.Wait()
		s.outbound.Clear()
		slog.Info("Streaming server stopped")
	})
}

// Port returns the resolved listening port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// ClientCount returns the number of authenticated clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) startLoop(loop func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		loop()
	}()
}

func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"clients": s.ClientCount(),
		"queue":   s.outbound.Metrics(),
	})
}

// wsHandler upgrades the HTTP connection and blocks until the WebSocket
// closes.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	// The size cap is enforced in the read loop so the client gets an
	// error_notification instead of an abrupt close, no matter how far
	// over the cap the frame is.
	conn.SetReadLimit(-1)

	s.handleConnection(c.Request().Context(), conn)
	return nil
}

// handleConnection authenticates the socket and runs its read loop.
func (s *Server) handleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	cl, ok := s.authenticate(ctx, cancel, conn)
	if !ok {
		return
	}
	s.registerClient(cl)
	defer s.unregisterClient(cl)

	established := bus.MustNew(bus.KindConnectionEstablished, map[string]any{
		"client_id": cl.id,
	})
	if err := cl.send(established, s.writeTimeout); err != nil {
		return
	}

	if cl.resumeToken != "" {
		if !s.replayOffline(cl) {
			return
		}
	}

	s.readLoop(cl, conn)
}

// authenticate enforces the handshake: the first frame must be a valid
// authenticate message carrying the configured token. Failures close the
// socket with a policy-violation code.
func (s *Server) authenticate(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) (*client, bool) {
	readCtx, readCancel := context.WithTimeout(ctx, 2*s.cfg.HeartbeatInterval.Std())
	defer readCancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "Authentication failed")
		return nil, false
	}

	m, err := bus.FromWire(data)
	if err != nil || m.Type != bus.KindAuthenticate {
		slog.Warn("Rejected connection: handshake was not an authenticate message")
		_ = conn.Close(websocket.StatusPolicyViolation, "Authentication failed")
		return nil, false
	}
	if m.ContentString("token") != s.cfg.AuthToken {
		slog.Warn("Rejected connection: bad token")
		_ = conn.Close(websocket.StatusPolicyViolation, "Authentication failed")
		return nil, false
	}

	rps := s.cfg.RateLimits.MessagesPerSecond
	if rps <= 0 {
		rps = 1
	}
	return &client{
		id:          uuid.New().String(),
		conn:        conn,
		resumeToken: m.ContentString("resume_token"),
		limiter:     rate.NewLimiter(rate.Limit(rps), rps),
		ctx:         ctx,
		cancel:      cancel,
		lastSeen:    time.Now(),
	}, true
}

// readLoop processes inbound frames until the socket closes. Valid
// messages are published on the bus for the orchestrator; malformed or
// oversized frames earn the client an error_notification.
func (s *Server) readLoop(cl *client, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(cl.ctx)
		if err != nil {
			return
		}
		cl.lastSeen = time.Now()

		if len(data) > s.cfg.MaxMessageBytes {
			s.notifyError(cl, "message exceeds size limit")
			continue
		}
		m, err := bus.FromWire(data)
		if err != nil {
			s.notifyError(cl, "invalid message: "+err.Error())
			continue
		}
		if m.Type == bus.KindAuthenticate {
			continue // already authenticated
		}
		s.bus.Publish(m)
	}
}

func (s *Server) notifyError(cl *client, text string) {
	m := bus.MustNew(bus.KindErrorNotification, map[string]any{"message": text})
	if err := cl.send(m, s.writeTimeout); err != nil {
		slog.Warn("Failed to send error notification", "client_id", cl.id, "error", err)
	}
}

func (s *Server) registerClient(cl *client) {
	s.mu.Lock()
	s.clients[cl.id] = cl
	// A live client consumes its offline queue via replay; keep the entry
	// so a later disconnect reuses it.
	s.mu.Unlock()
	clientsGauge.Inc()
	slog.Info("Client authenticated", "client_id", cl.id)
}

// unregisterClient removes the client and, when it carries a resume
// token, opens an offline queue so subsequent broadcasts are buffered for
// replay.
func (s *Server) unregisterClient(cl *client) {
	s.mu.Lock()
	_, present := s.clients[cl.id]
	delete(s.clients, cl.id)
	if present && cl.resumeToken != "" {
		if _, ok := s.offline[cl.resumeToken]; !ok {
			s.offline[cl.resumeToken] = newOfflineQueue(s.cfg.MaxQueueSize)
		}
	}
	s.mu.Unlock()
	if present {
		clientsGauge.Dec()
	}

	cl.cancel()
	_ = cl.conn.Close(websocket.StatusNormalClosure, "")
	slog.Info("Client disconnected", "client_id", cl.id)
}

// enqueueOutbound is the bus handler: it appends to the bounded outbound
// queue and returns, keeping publishers decoupled from socket writes.
func (s *Server) enqueueOutbound(m *bus.Message) {
	if !s.outbound.Enqueue(m) {
		droppedTotal.WithLabelValues("queue_overflow").Inc()
		slog.Warn("Outbound queue full, message dropped", "kind", m.Type, "message_id", m.ID)
	}
}

// dispatchLoop drains the outbound queue in FIFO order and fans each
// message out to the clients.
func (s *Server) dispatchLoop() {
	for {
		m, err := s.outbound.Dequeue(s.ctx)
		if err != nil {
			return
		}
		s.broadcast(m)
	}
}

// broadcast fans one message out to every authenticated client and to
// every offline queue without a live owner. Socket writes are bounded by
// writeTimeout.
func (s *Server) broadcast(m *bus.Message) {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	liveTokens := make(map[string]bool, len(s.clients))
	for _, cl := range s.clients {
		clients = append(clients, cl)
		if cl.resumeToken != "" {
			liveTokens[cl.resumeToken] = true
		}
	}
	queues := make([]*offlineQueue, 0, len(s.offline))
	for token, q := range s.offline {
		if !liveTokens[token] {
			queues = append(queues, q)
		}
	}
	s.mu.RUnlock()

	for _, cl := range clients {
		s.sendMessage(cl, m)
	}
	for _, q := range queues {
		if !q.append(m) {
			droppedTotal.WithLabelValues("queue_overflow").Inc()
		}
	}
}

// sendMessage delivers one message to one client, honouring the rate
// limit and the batching window. Returns false when the message was
// dropped or the socket failed.
func (s *Server) sendMessage(cl *client, m *bus.Message) bool {
	if !cl.limiter.Allow() {
		droppedTotal.WithLabelValues("rate_limit").Inc()
		return false
	}

	if s.cfg.Batching.Window.Std() > 0 {
		if cl.enqueueBatch(m) {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				select {
				case <-time.After(s.cfg.Batching.Window.Std()):
				case <-cl.ctx.Done():
				}
				s.flushClient(cl)
			}()
		}
		return true
	}

	if err := cl.send(m, s.writeTimeout); err != nil {
		slog.Warn("Send failed, disconnecting client", "client_id", cl.id, "error", err)
		s.unregisterClient(cl)
		return false
	}
	sentTotal.Inc()
	return true
}

// flushClient drains the batch buffer. A single message goes out as
// itself; several are coalesced into one batch frame preserving order and
// the original ids.
func (s *Server) flushClient(cl *client) {
	pending := cl.takePending()
	if len(pending) == 0 {
		return
	}

	var out *bus.Message
	if len(pending) == 1 {
		out = pending[0]
	} else {
		wrapped := make([]any, 0, len(pending))
		for _, m := range pending {
			wrapped = append(wrapped, map[string]any{
				"id":        m.ID,
				"type":      m.Type,
				"content":   m.Content,
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			})
		}
		out = bus.MustNew(bus.KindBatch, map[string]any{"messages": wrapped})
	}

	if err := cl.send(out, s.writeTimeout); err != nil {
		slog.Warn("Batch send failed, disconnecting client", "client_id", cl.id, "error", err)
		s.unregisterClient(cl)
		return
	}
	sentTotal.Inc()
}

// replayOffline delivers any queued messages in original order before the
// read loop starts. When replay fails partway the remainder stays queued
// for the next reconnect. Returns false when the socket died mid-replay.
func (s *Server) replayOffline(cl *client) bool {
	s.mu.RLock()
	q := s.offline[cl.resumeToken]
	s.mu.RUnlock()
	if q == nil {
		return true
	}

	messages := q.drain()
	for i, m := range messages {
		if err := cl.send(m, s.writeTimeout); err != nil {
			q.requeue(messages[i:])
			slog.Warn("Replay interrupted", "client_id", cl.id, "remaining", len(messages)-i)
			return false
		}
		sentTotal.Inc()
	}
	if len(messages) > 0 {
		slog.Info("Replayed offline messages", "client_id", cl.id, "count", len(messages))
	}
	return true
}

// heartbeatLoop pings every client each interval; a client that fails to
// answer within twice the interval is disconnected.
func (s *Server) heartbeatLoop() {
	interval := s.cfg.HeartbeatInterval.Std()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.RLock()
		clients := make([]*client, 0, len(s.clients))
		for _, cl := range s.clients {
			clients = append(clients, cl)
		}
		s.mu.RUnlock()

		for _, cl := range clients {
			cl := cl
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				pingCtx, cancel := context.WithTimeout(cl.ctx, 2*interval)
				defer cancel()
				if err := cl.conn.Ping(pingCtx); err != nil && cl.ctx.Err() == nil {
					slog.Warn("Heartbeat failed, disconnecting client", "client_id", cl.id)
					s.unregisterClient(cl)
				}
			}()
		}
	}
}

// expiryLoop prunes offline queues whose TTL elapsed.
func (s *Server) expiryLoop() {
	ttl := s.cfg.OfflineQueueTTL.Std()
	if ttl <= 0 {
		return
	}
	interval := ttl / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		s.pruneOffline(ttl)
	}
}

// pruneOffline removes expired offline queues and returns how many were
// dropped. Exposed to the retention service through PruneOfflineQueues.
func (s *Server) pruneOffline(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, q := range s.offline {
		if q.expired(ttl) {
			delete(s.offline, token)
			removed++
		}
	}
	if removed > 0 {
		slog.Info("Expired offline queues", "count", removed)
	}
	return removed
}

// PruneOfflineQueues drops offline queues idle for longer than the
// configured TTL.
func (s *Server) PruneOfflineQueues() int {
	ttl := s.cfg.OfflineQueueTTL.Std()
	if ttl <= 0 {
		return 0
	}
	return s.pruneOffline(ttl)
}

// metricsLoop periodically logs a delivery snapshot.
func (s *Server) metricsLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		busMetrics := s.bus.Metrics()
		s.mu.RLock()
		offline := len(s.offline)
		s.mu.RUnlock()
		slog.Info("Streaming metrics",
			"clients", s.ClientCount(),
			"offline_queues", offline,
			"published", busMetrics.Published,
			"handler_errors", busMetrics.HandlerErrors)
	}
}
