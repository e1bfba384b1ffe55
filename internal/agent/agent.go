// Package agent runs the local side of the relay: it holds the long-lived
// connection to the Coordinator, replays tunneled HTTP requests against the
// local origin, and serves incoming RPC calls.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sony/gobreaker/v2"
	"nhooyr.io/websocket"

	"relaykit/internal/domain"
	"relaykit/internal/infra/config"
	"relaykit/internal/protocol"
	"relaykit/internal/relay"
)

// CallHandler serves one named procedure. The callbacks argument invokes
// functions the remote caller passed by reference; it is scoped to this
// call's transaction.
type CallHandler func(ctx context.Context, input json.RawMessage, callbacks *Callbacks) (any, error)

// Agent maintains the local connection and dispatches inbound frames.
type Agent struct {
	cfg     config.AgentConfig
	bus     domain.EventBus
	logger  *slog.Logger
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]

	handlersMu sync.RWMutex
	handlers   map[string]CallHandler

	mu      sync.Mutex
	ws      *websocket.Conn
	waiters map[uint64]chan protocol.Frame
}

// New creates an Agent from configuration.
func New(cfg config.AgentConfig, bus domain.EventBus, logger *slog.Logger) *Agent {
	a := &Agent{
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
		client:   &http.Client{Timeout: cfg.OriginTimeout},
		handlers: make(map[string]CallHandler),
		waiters:  make(map[uint64]chan protocol.Frame),
	}
	if cfg.Breaker.Enabled {
		maxFailures := cfg.Breaker.MaxFailures
		if maxFailures == 0 {
			maxFailures = 5
		}
		a.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:     "origin",
			Interval: cfg.Breaker.Interval,
			Timeout:  cfg.Breaker.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
		})
	}
	return a
}

// RegisterHandler adds a procedure handler. Safe to call before Run.
func (a *Agent) RegisterHandler(name string, handler CallHandler) {
	a.handlersMu.Lock()
	a.handlers[name] = handler
	a.handlersMu.Unlock()
}

// Run connects to the Coordinator and serves until the context is cancelled,
// reconnecting with exponential backoff on failure.
func (a *Agent) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    a.cfg.MaxRetryInterval,
		Jitter: true,
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}

	for {
		if err := a.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d := b.Duration()
			a.logger.Warn("relay connection lost, retrying", "error", err, "retry_in", d)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		b.Reset()
	}
}

func (a *Agent) runOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	ws, _, err := websocket.Dial(dialCtx, a.cfg.CoordinatorURL+relay.PathConnect, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + a.cfg.Secret}},
	})
	cancel()
	if err != nil {
		return domain.WrapOp("dial coordinator", err)
	}
	ws.SetReadLimit(32 << 20)

	a.mu.Lock()
	a.ws = ws
	a.mu.Unlock()

	a.logger.Info("connected to relay", "url", a.cfg.CoordinatorURL)
	a.publish(ctx, domain.EventLocalConnected, 0)

	err = a.readLoop(ctx, ws)

	a.mu.Lock()
	if a.ws == ws {
		a.ws = nil
	}
	for id, ch := range a.waiters {
		delete(a.waiters, id)
		close(ch)
	}
	a.mu.Unlock()

	ws.Close(websocket.StatusNormalClosure, "")
	a.publish(context.Background(), domain.EventLocalDisconnected, 0)
	return err
}

func (a *Agent) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}

		frame, err := protocol.Unmarshal(data)
		if err != nil {
			a.logger.Warn("malformed frame from relay dropped", "error", err)
			continue
		}

		switch f := frame.(type) {
		case *protocol.HTTPRequestFrame:
			go a.serveTunnel(ctx, f)
		case *protocol.CallFrame:
			go a.serveCall(ctx, f)
		case *protocol.ResultFrame:
			a.settleWaiter(f.ID, f)
		case *protocol.ErrorFrame:
			a.settleWaiter(f.ID, f)
		default:
			a.logger.Warn("unexpected frame dropped", "kind", frame.Kind())
		}
	}
}

// serveTunnel replays a tunneled request against the local origin and sends
// the response back.
func (a *Agent) serveTunnel(ctx context.Context, frame *protocol.HTTPRequestFrame) {
	resp, err := a.fetchOrigin(ctx, frame)
	if err != nil {
		a.logger.Warn("origin request failed", "id", frame.ID, "error", err)
		a.sendFrame(ctx, &protocol.HTTPResponseFrame{
			ID:         frame.ID,
			Status:     http.StatusBadGateway,
			StatusText: http.StatusText(http.StatusBadGateway),
			Body:       []byte(err.Error()),
		})
		return
	}
	a.sendFrame(ctx, resp)
}

func (a *Agent) fetchOrigin(ctx context.Context, frame *protocol.HTTPRequestFrame) (*protocol.HTTPResponseFrame, error) {
	req, err := http.NewRequestWithContext(ctx, frame.Method, a.cfg.Origin+frame.URL, bytes.NewReader(frame.Body))
	if err != nil {
		return nil, fmt.Errorf("build origin request: %w", err)
	}
	for _, pair := range frame.Headers {
		req.Header.Add(pair[0], pair[1])
	}

	var resp *http.Response
	if a.breaker != nil {
		resp, err = a.breaker.Execute(func() (*http.Response, error) {
			return a.client.Do(req)
		})
	} else {
		resp, err = a.client.Do(req)
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read origin response: %w", err)
	}

	return &protocol.HTTPResponseFrame{
		ID:         frame.ID,
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Body:       body,
		Headers:    protocol.PairsFromHeader(resp.Header),
	}, nil
}

// serveCall dispatches a call frame to its registered handler.
func (a *Agent) serveCall(ctx context.Context, frame *protocol.CallFrame) {
	a.handlersMu.RLock()
	handler, ok := a.handlers[frame.Name]
	a.handlersMu.RUnlock()
	if !ok {
		a.sendFrame(ctx, &protocol.ErrorFrame{ID: frame.ID, Message: fmt.Sprintf("unknown procedure %q", frame.Name)})
		return
	}

	callbacks := &Callbacks{agent: a, txnID: frame.ID}
	value, err := runHandler(ctx, handler, frame.Input, callbacks)
	if err != nil {
		a.sendFrame(ctx, &protocol.ErrorFrame{ID: frame.ID, Message: err.Error()})
		return
	}

	valueJSON, err := json.Marshal(value)
	if err != nil {
		a.sendFrame(ctx, &protocol.ErrorFrame{ID: frame.ID, Message: err.Error()})
		return
	}
	a.sendFrame(ctx, &protocol.ResultFrame{ID: frame.ID, Value: valueJSON})
}

// runHandler converts a handler panic into an error so one bad procedure
// cannot take down the read loop.
func runHandler(ctx context.Context, handler CallHandler, input json.RawMessage, callbacks *Callbacks) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, input, callbacks)
}

func (a *Agent) sendFrame(ctx context.Context, f protocol.Frame) {
	data, err := protocol.Marshal(f)
	if err != nil {
		a.logger.Warn("failed to marshal outbound frame", "error", err)
		return
	}

	a.mu.Lock()
	ws := a.ws
	a.mu.Unlock()
	if ws == nil {
		a.logger.Warn("frame dropped, not connected", "kind", f.Kind())
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		a.logger.Warn("failed to write frame", "kind", f.Kind(), "error", err)
	}
}

func (a *Agent) settleWaiter(id uint64, f protocol.Frame) {
	a.mu.Lock()
	ch, ok := a.waiters[id]
	if ok {
		delete(a.waiters, id)
	}
	a.mu.Unlock()
	if !ok {
		a.logger.Warn("reply for unknown callback dropped", "id", id)
		return
	}
	ch <- f
}

// registerWaiter claims the reply slot for a transaction. Replies carry only
// the transaction id, so a second round-trip on the same transaction would be
// indistinguishable from the first; it is rejected instead.
func (a *Agent) registerWaiter(id uint64) (chan protocol.Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, busy := a.waiters[id]; busy {
		return nil, fmt.Errorf("%w: callback already in flight for transaction %d", domain.ErrInvalidInput, id)
	}
	ch := make(chan protocol.Frame, 1)
	a.waiters[id] = ch
	return ch, nil
}

func (a *Agent) dropWaiter(id uint64) {
	a.mu.Lock()
	delete(a.waiters, id)
	a.mu.Unlock()
}

func (a *Agent) publish(ctx context.Context, t domain.EventType, id uint64) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(ctx, domain.Event{Type: t, Timestamp: time.Now(), ID: id})
}

// Callbacks invokes functions the remote caller passed by reference in one
// call's input. One callback round-trip at a time per transaction.
type Callbacks struct {
	agent *Agent
	txnID uint64
}

// Invoke calls the remote function at the given index and waits for its
// reply.
func (c *Callbacks) Invoke(ctx context.Context, index int, params any) (json.RawMessage, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal callback params: %w", err)
	}

	// Waiter is registered before the frame goes out so a fast reply
	// cannot slip past the bookkeeping.
	ch, err := c.agent.registerWaiter(c.txnID)
	if err != nil {
		return nil, err
	}
	c.agent.sendFrame(ctx, &protocol.CallbackFrame{ID: c.txnID, Func: index, Params: paramsJSON})

	select {
	case f, ok := <-ch:
		if !ok {
			return nil, domain.ErrConnectionClosed
		}
		switch reply := f.(type) {
		case *protocol.ResultFrame:
			return reply.Value, nil
		case *protocol.ErrorFrame:
			return nil, fmt.Errorf("%w: %s", domain.ErrCallRejected, reply.Message)
		default:
			return nil, fmt.Errorf("unexpected %s reply", f.Kind())
		}
	case <-ctx.Done():
		c.agent.dropWaiter(c.txnID)
		return nil, ctx.Err()
	}
}
