// Package emulator controls the worker-emulation subprocess over a
// newline-delimited JSON IPC channel.
package emulator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"relaykit/internal/domain"
)

// Transport is the byte channel to the emulator process. Production wires
// the subprocess's stdin/stdout; tests substitute in-memory pipes.
type Transport interface {
	io.Reader
	io.Writer
	Close() error
}

type ipcRequest struct {
	ID      uint64          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ipcResponse struct {
	ID      uint64          `json:"id"`
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *IPCError       `json:"error,omitempty"`
}

// IPCError is a failure reported by the emulator process, reconstructed
// into a local error value.
type IPCError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *IPCError) Error() string {
	if e.Name != "" {
		return e.Name + ": " + e.Message
	}
	return e.Message
}

type updatePayload struct {
	Workers []domain.WorkerOptions `json:"workers"`
}

type updateReply struct {
	URL string `json:"url"`
}

// Controller owns one emulator process. Updates are serialized end-to-end:
// a second Update blocks until the first one's reply has been handled, so
// the emulator's option set is always replaced atomically.
type Controller struct {
	transport Transport
	bus       domain.EventBus
	logger    *slog.Logger

	updateMu sync.Mutex
	workers  map[string]domain.WorkerOptions

	writeMu sync.Mutex
	enc     *json.Encoder

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan ipcResponse
	gone    bool
}

// New wires a Controller to an already-open transport and starts its read
// loop.
func New(transport Transport, bus domain.EventBus, logger *slog.Logger) *Controller {
	c := &Controller{
		transport: transport,
		bus:       bus,
		logger:    logger,
		workers:   make(map[string]domain.WorkerOptions),
		enc:       json.NewEncoder(transport),
		pending:   make(map[uint64]chan ipcResponse),
	}
	go c.readLoop()
	return c
}

// Update applies one worker's configuration and returns the emulator's
// serving URL. The full option set, not a delta, goes to the emulator.
func (c *Controller) Update(ctx context.Context, spec domain.WorkerSpec) (string, error) {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	opts, err := BuildWorkerOptions(spec)
	if err != nil {
		return "", err
	}

	prev, hadPrev := c.workers[spec.Name]
	c.workers[spec.Name] = opts

	payload, err := json.Marshal(updatePayload{Workers: c.workerList()})
	if err != nil {
		return "", fmt.Errorf("marshal update payload: %w", err)
	}

	resp, err := c.request(ctx, "update", payload)
	if err != nil {
		// Rejected updates must not leave the local view ahead of the
		// emulator's actual state.
		if hadPrev {
			c.workers[spec.Name] = prev
		} else {
			delete(c.workers, spec.Name)
		}
		return "", fmt.Errorf("%w: %s", domain.ErrUpdateRejected, err)
	}

	var reply updateReply
	if err := json.Unmarshal(resp, &reply); err != nil {
		return "", fmt.Errorf("parse update reply: %w", err)
	}

	c.publish(ctx, domain.EventWorkerUpdated)
	c.logger.Info("worker updated", "worker", spec.Name, "url", reply.URL)
	return reply.URL, nil
}

// Dispose asks the emulator to shut down and closes the transport.
func (c *Controller) Dispose(ctx context.Context) error {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	_, err := c.request(ctx, "dispose", nil)
	closeErr := c.transport.Close()
	c.publish(ctx, domain.EventEmulatorDisposed)
	if err != nil {
		return domain.WrapOp("dispose", err)
	}
	return closeErr
}

// Workers returns the names of currently configured workers.
func (c *Controller) Workers() []string {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()
	names := make([]string, 0, len(c.workers))
	for name := range c.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Controller) workerList() []domain.WorkerOptions {
	names := make([]string, 0, len(c.workers))
	for name := range c.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	list := make([]domain.WorkerOptions, 0, len(names))
	for _, name := range names {
		list = append(list, c.workers[name])
	}
	return list
}

// request sends one IPC message and blocks for its correlated reply.
func (c *Controller) request(ctx context.Context, typ string, payload json.RawMessage) (json.RawMessage, error) {
	ch := make(chan ipcResponse, 1)

	c.mu.Lock()
	if c.gone {
		c.mu.Unlock()
		return nil, domain.ErrEmulatorGone
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.enc.Encode(ipcRequest{ID: id, Type: typ, Payload: payload})
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("write ipc request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, domain.ErrEmulatorGone
		}
		if !resp.Success {
			if resp.Error != nil {
				return nil, resp.Error
			}
			return nil, fmt.Errorf("emulator rejected %s request", typ)
		}
		return resp.Payload, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

func (c *Controller) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Controller) readLoop() {
	scanner := bufio.NewScanner(c.transport)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp ipcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn("malformed ipc message dropped", "error", err)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("ipc reply for unknown request dropped", "id", resp.ID)
			continue
		}
		ch <- resp
	}

	// Transport gone: everything still in flight fails now.
	c.mu.Lock()
	c.gone = true
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
}

func (c *Controller) publish(ctx context.Context, t domain.EventType) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(ctx, domain.Event{Type: t, Timestamp: time.Now()})
}
