// Package relay implements the Coordinator: a WebSocket relay between one
// local development connection and any number of remote callers.
package relay

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"relaykit/internal/domain"
	"relaykit/internal/infra/config"
	"relaykit/internal/infra/tracer"
	"relaykit/internal/protocol"
)

const (
	// PathConnect is where the local agent attaches its long-lived connection.
	PathConnect = "/__relaykit__/connect"
	// PathRPC is where transaction sockets attach. Served on the internal
	// listener only; the public listener rejects it.
	PathRPC = "/__relaykit__/rpc"
)

const sendQueueSize = 64

// conn tracks a single WebSocket connection owned by the Coordinator.
type conn struct {
	ws        *websocket.Conn
	sendCh    chan []byte // buffered outbound queue of raw frames
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:     ws,
		sendCh: make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
}

func (c *conn) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// send enqueues a raw frame, dropping it when the peer is too slow.
func (c *conn) send(data []byte) bool {
	select {
	case c.sendCh <- data:
		return true
	default:
		return false
	}
}

type tunnelResult struct {
	frame *protocol.HTTPResponseFrame
	err   error
}

// Coordinator relays frames between the single local connection and the
// transaction sockets of remote callers. All connection state is guarded by
// mu; correlation ids come from a single monotonic counter shared by HTTP
// tunnel requests and RPC transactions.
type Coordinator struct {
	cfg     config.RelayConfig
	bus     domain.EventBus
	logger  *slog.Logger
	limiter *rate.Limiter

	mu           sync.Mutex
	local        *conn
	transactions map[uint64]*conn
	pending      map[uint64]chan tunnelResult
	nextID       uint64

	publicSrv   *http.Server
	internalSrv *http.Server
	boundAddr   string
	boundInt    string
}

// NewCoordinator creates a Coordinator from configuration.
func NewCoordinator(cfg config.RelayConfig, bus domain.EventBus, logger *slog.Logger) *Coordinator {
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	return &Coordinator{
		cfg:          cfg,
		bus:          bus,
		logger:       logger,
		limiter:      limiter,
		transactions: make(map[uint64]*conn),
		pending:      make(map[uint64]chan tunnelResult),
	}
}

// Public returns the handler for the outward-facing listener: the local
// agent's connect endpoint plus the HTTP tunnel catch-all. RPC initiation
// from the public side is rejected.
func (c *Coordinator) Public() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(PathConnect, c.handleConnect)
	mux.HandleFunc(PathRPC, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Cannot initiate RPC from remote worker", http.StatusBadRequest)
	})
	mux.HandleFunc("/", c.handleTunnel)
	return mux
}

// Internal returns the handler for the loopback listener that accepts RPC
// transaction sockets.
func (c *Coordinator) Internal() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(PathRPC, c.handleRPC)
	return mux
}

// Start binds both listeners and serves until the context is cancelled.
func (c *Coordinator) Start(ctx context.Context) error {
	publicLn, err := net.Listen("tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("relay listen: %w", err)
	}
	c.boundAddr = publicLn.Addr().String()

	internalLn, err := net.Listen("tcp", c.cfg.InternalAddr)
	if err != nil {
		publicLn.Close()
		return fmt.Errorf("relay internal listen: %w", err)
	}
	c.boundInt = internalLn.Addr().String()

	c.publicSrv = &http.Server{Handler: c.Public()}
	c.internalSrv = &http.Server{Handler: c.Internal()}

	c.logger.Info("relay started", "addr", c.boundAddr, "internal_addr", c.boundInt)

	go func() {
		<-ctx.Done()
		c.Stop(context.Background())
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- c.internalSrv.Serve(internalLn) }()
	go func() { errCh <- c.publicSrv.Serve(publicLn) }()

	if err := <-errCh; err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("relay serve: %w", err)
	}
	return nil
}

// Stop closes all connections and shuts down both listeners.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	local := c.local
	c.local = nil
	txns := c.transactions
	c.transactions = make(map[uint64]*conn)
	c.rejectAllPendingLocked(domain.ErrConnectionClosed)
	c.mu.Unlock()

	if local != nil {
		local.shutdown()
		local.ws.Close(websocket.StatusGoingAway, "relay shutting down")
	}
	for _, t := range txns {
		t.shutdown()
		t.ws.Close(websocket.StatusGoingAway, "relay shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var firstErr error
	for _, srv := range []*http.Server{c.publicSrv, c.internalSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BoundAddr returns the public listener address. Only valid after Start.
func (c *Coordinator) BoundAddr() string { return c.boundAddr }

// BoundInternalAddr returns the loopback listener address. Only valid after Start.
func (c *Coordinator) BoundInternalAddr() string { return c.boundInt }

// LocalConnected reports whether the local agent is currently attached.
func (c *Coordinator) LocalConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local != nil
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (c *Coordinator) authorize(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(c.cfg.Secret)) == 1
}

// handleConnect accepts the single local connection.
func (c *Coordinator) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !c.authorize(r) {
		c.logger.Warn("connect rejected", "remote_addr", r.RemoteAddr, "code", domain.ErrorCodeOf(domain.ErrAuthInvalid))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !isWebSocketUpgrade(r) {
		http.Error(w, domain.ErrUpgradeRequired.Error(), http.StatusUpgradeRequired)
		return
	}

	c.mu.Lock()
	busy := c.local != nil
	c.mu.Unlock()
	if busy {
		c.logger.Warn("connect rejected", "remote_addr", r.RemoteAddr, "code", domain.ErrorCodeOf(domain.ErrLocalConnected))
		http.Error(w, "Local worker already connected", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		c.logger.Warn("local websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(32 << 20)

	cc := newConn(ws)

	c.mu.Lock()
	if c.local != nil {
		// Lost the race with another connect attempt.
		c.mu.Unlock()
		ws.Close(websocket.StatusPolicyViolation, "Local worker already connected")
		return
	}
	c.local = cc
	c.mu.Unlock()

	c.logger.Info("local worker connected", "remote_addr", r.RemoteAddr)
	c.publish(r.Context(), domain.EventLocalConnected, 0)

	go c.writeLoop(cc)
	c.readLocal(r.Context(), cc)

	// Local side went away: every outstanding tunnel request fails now
	// rather than waiting out its timeout.
	c.mu.Lock()
	if c.local == cc {
		c.local = nil
	}
	c.rejectAllPendingLocked(domain.ErrConnectionClosed)
	c.mu.Unlock()

	cc.shutdown()
	ws.Close(websocket.StatusNormalClosure, "")
	c.logger.Info("local worker disconnected")
	c.publish(context.Background(), domain.EventLocalDisconnected, 0)
}

// readLocal consumes frames from the local connection. http-response frames
// settle pending tunnel requests; everything else is routed to the
// transaction socket matching the frame's id.
func (c *Coordinator) readLocal(ctx context.Context, cc *conn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		_, data, err := cc.ws.Read(ctx)
		if err != nil {
			return
		}

		kind, err := protocol.KindOf(data)
		if err != nil {
			c.logger.Warn("local sent malformed frame", "error", err, "code", domain.ErrorCodeOf(domain.ErrProtocol))
			continue
		}

		if kind == protocol.KindHTTPResponse {
			frame, err := protocol.Unmarshal(data)
			if err != nil {
				c.logger.Warn("local sent malformed http-response", "error", err)
				continue
			}
			c.settlePending(frame.(*protocol.HTTPResponseFrame))
			continue
		}

		id, ok := protocol.CorrelationID(data)
		if !ok {
			c.logger.Warn("local frame without id dropped", "kind", kind)
			continue
		}

		c.mu.Lock()
		txn := c.transactions[id]
		c.mu.Unlock()
		if txn == nil {
			c.logger.Warn("frame for unknown transaction dropped", "kind", kind, "id", id)
			continue
		}
		if !txn.send(data) {
			c.logger.Warn("dropped frame for slow transaction socket", "id", id)
		}
	}
}

func (c *Coordinator) settlePending(frame *protocol.HTTPResponseFrame) {
	c.mu.Lock()
	ch, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.mu.Unlock()

	if !ok {
		// Already timed out, or a duplicate response.
		c.logger.Warn("http-response for unknown request dropped", "id", frame.ID)
		return
	}
	ch <- tunnelResult{frame: frame}
}

func (c *Coordinator) rejectAllPendingLocked(err error) {
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- tunnelResult{err: err}
	}
}

// handleRPC accepts one remote transaction socket. Frames arriving on it are
// stamped with the transaction id and forwarded to the local connection.
func (c *Coordinator) handleRPC(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	local := c.local
	c.mu.Unlock()
	if local == nil {
		c.logger.Warn("rpc rejected", "code", domain.ErrorCodeOf(domain.ErrLocalNotConnected))
		http.Error(w, "Local worker is not connected", http.StatusBadRequest)
		return
	}
	if !isWebSocketUpgrade(r) {
		http.Error(w, domain.ErrUpgradeRequired.Error(), http.StatusUpgradeRequired)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		c.logger.Warn("rpc websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(32 << 20)

	cc := newConn(ws)

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.transactions[id] = cc
	c.mu.Unlock()

	c.logger.Debug("transaction attached", "id", id)
	c.publish(r.Context(), domain.EventRemoteAttached, id)

	go c.writeLoop(cc)
	c.readRemote(r.Context(), cc, id)

	c.mu.Lock()
	delete(c.transactions, id)
	c.mu.Unlock()

	cc.shutdown()
	ws.Close(websocket.StatusNormalClosure, "")
	c.logger.Debug("transaction detached", "id", id)
	c.publish(context.Background(), domain.EventRemoteDetached, id)
}

func (c *Coordinator) readRemote(ctx context.Context, cc *conn, id uint64) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		_, data, err := cc.ws.Read(ctx)
		if err != nil {
			return
		}

		stamped, err := protocol.StampID(data, id)
		if err != nil {
			c.logger.Warn("transaction sent malformed frame", "id", id, "error", err)
			continue
		}

		c.mu.Lock()
		local := c.local
		c.mu.Unlock()
		if local == nil {
			c.logger.Warn("frame dropped, local worker gone", "id", id)
			continue
		}
		if !local.send(stamped) {
			c.logger.Warn("dropped frame for slow local connection", "id", id)
		}
	}
}

func (c *Coordinator) writeLoop(cc *conn) {
	for {
		select {
		case <-cc.done:
			return
		case data := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := cc.ws.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// handleTunnel forwards an inbound HTTP request to the local worker and
// writes back its response.
func (c *Coordinator) handleTunnel(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.StartSpan(r.Context(), "relay.tunnel")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("http.method", r.Method), tracer.StringAttr("http.target", r.URL.RequestURI()))

	if c.limiter != nil && !c.limiter.Allow() {
		c.logger.Warn("tunnel request rate limited", "code", domain.ErrorCodeOf(domain.ErrLimitReached))
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	// Register the pending request before the frame can possibly be sent,
	// so a fast response never races the bookkeeping.
	ch := make(chan tunnelResult, 1)

	c.mu.Lock()
	local := c.local
	if local == nil {
		c.mu.Unlock()
		c.logger.Warn("tunnel request without local worker", "code", domain.ErrorCodeOf(domain.ErrLocalNotConnected))
		http.Error(w, "Local worker is not connected", http.StatusBadRequest)
		return
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	span.SetAttributes(tracer.CorrelationAttr(id))

	frame := &protocol.HTTPRequestFrame{
		ID:      id,
		Method:  r.Method,
		URL:     r.URL.RequestURI(),
		Body:    body,
		Headers: protocol.PairsFromHeader(r.Header),
	}
	data, err := protocol.Marshal(frame)
	if err != nil {
		c.dropPending(id)
		tracer.RecordError(span, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	c.publish(ctx, domain.EventTunnelStarted, id)

	if !local.send(data) {
		c.dropPending(id)
		c.publish(ctx, domain.EventTunnelFailed, id)
		c.logger.Warn("tunnel frame dropped, send queue full", "id", id, "code", domain.ErrorCodeOf(domain.ErrUnavailable))
		http.Error(w, "local worker is overloaded", http.StatusServiceUnavailable)
		return
	}

	timeout := c.cfg.TunnelTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			tracer.RecordError(span, res.err)
			c.publish(ctx, domain.EventTunnelFailed, id)
			http.Error(w, res.err.Error(), http.StatusBadGateway)
			return
		}
		c.writeTunnelResponse(w, res.frame)
		tracer.SetOK(span)
		c.publish(ctx, domain.EventTunnelCompleted, id)
	case <-timer.C:
		c.dropPending(id)
		tracer.RecordError(span, domain.ErrTimeout)
		c.publish(ctx, domain.EventTunnelFailed, id)
		http.Error(w, "timed out waiting for local worker", http.StatusGatewayTimeout)
	case <-ctx.Done():
		c.dropPending(id)
		c.publish(ctx, domain.EventTunnelFailed, id)
	}
}

func (c *Coordinator) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Coordinator) writeTunnelResponse(w http.ResponseWriter, frame *protocol.HTTPResponseFrame) {
	for _, pair := range frame.Headers {
		w.Header().Add(pair[0], pair[1])
	}
	status := frame.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(frame.Body) > 0 {
		if _, err := w.Write(frame.Body); err != nil {
			c.logger.Warn("failed to write tunnel response body", "id", frame.ID, "error", err)
		}
	}
}

func (c *Coordinator) publish(ctx context.Context, t domain.EventType, id uint64) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(ctx, domain.Event{Type: t, Timestamp: time.Now(), ID: id})
}
