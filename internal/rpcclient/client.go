// Package rpcclient invokes named remote procedures through the relay's
// transaction endpoint, one fresh socket per call.
package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"nhooyr.io/websocket"

	"relaykit/internal/domain"
	"relaykit/internal/infra/tracer"
	"relaykit/internal/protocol"
)

// Func is a callback passed by reference inside a call's input. The remote
// side invokes it through callback frames; the return value is sent back as
// a result frame.
type Func func(ctx context.Context, params json.RawMessage) (any, error)

// Client opens transaction sockets against a Coordinator's rpc endpoint.
type Client struct {
	url    string
	logger *slog.Logger
	bus    domain.EventBus
}

// New creates a Client. url is the ws:// address of the rpc endpoint.
func New(url string, bus domain.EventBus, logger *slog.Logger) *Client {
	return &Client{url: url, bus: bus, logger: logger}
}

// Call invokes the named procedure with the given input and blocks until the
// remote side settles it. Function-valued leaves in input are replaced by
// reference tokens and serviced when callback frames arrive. Exactly one of
// the returned value or error is produced per call.
func (c *Client) Call(ctx context.Context, name string, input any) (json.RawMessage, error) {
	var fns []Func
	marshaled, err := marshalInput(input, &fns)
	if err != nil {
		return nil, fmt.Errorf("marshal call input: %w", err)
	}
	inputJSON, err := json.Marshal(marshaled)
	if err != nil {
		return nil, fmt.Errorf("marshal call input: %w", err)
	}

	ctx, span := tracer.StartSpan(ctx, "rpc.call")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("rpc.procedure", name))

	ws, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")
	ws.SetReadLimit(32 << 20)

	c.publish(ctx, domain.EventCallStarted)

	if err := c.writeFrame(ctx, ws, &protocol.CallFrame{Name: name, Input: inputJSON}); err != nil {
		c.publish(ctx, domain.EventCallFailed)
		return nil, fmt.Errorf("send call frame: %w", err)
	}

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			c.publish(ctx, domain.EventCallFailed)
			if ctx.Err() != nil {
				tracer.RecordError(span, ctx.Err())
				return nil, ctx.Err()
			}
			closed := domain.NewSubSystemError("rpc", "Call", domain.ErrConnectionClosed, "socket closed before the call was resolved")
			tracer.RecordError(span, closed)
			return nil, closed
		}

		frame, err := protocol.Unmarshal(data)
		if err != nil {
			c.logger.Warn("malformed frame from relay dropped", "error", err)
			continue
		}

		switch f := frame.(type) {
		case *protocol.ResultFrame:
			c.publish(ctx, domain.EventCallCompleted)
			tracer.SetOK(span)
			return f.Value, nil
		case *protocol.ErrorFrame:
			c.publish(ctx, domain.EventCallFailed)
			rejected := domain.NewSubSystemError("rpc", "Call", domain.ErrCallRejected, f.Message)
			tracer.RecordError(span, rejected)
			return nil, rejected
		case *protocol.CallbackFrame:
			c.serviceCallback(ctx, ws, fns, f)
		default:
			c.logger.Warn("unexpected frame during call dropped", "kind", frame.Kind())
		}
	}
}

// serviceCallback invokes the referenced local function and reports its
// outcome. Callback failures never settle the outer call.
func (c *Client) serviceCallback(ctx context.Context, ws *websocket.Conn, fns []Func, cb *protocol.CallbackFrame) {
	if cb.Func < 0 || cb.Func >= len(fns) {
		c.logger.Warn("callback for unknown function", "func", cb.Func, "code", domain.ErrorCodeOf(domain.ErrUnknownFunction))
		c.reply(ctx, ws, &protocol.ErrorFrame{ID: cb.ID, Message: "Unknown Function"})
		return
	}

	value, err := invoke(ctx, fns[cb.Func], cb.Params)
	if err != nil {
		c.reply(ctx, ws, &protocol.ErrorFrame{ID: cb.ID, Message: err.Error()})
		return
	}

	valueJSON, err := json.Marshal(value)
	if err != nil {
		c.reply(ctx, ws, &protocol.ErrorFrame{ID: cb.ID, Message: err.Error()})
		return
	}
	c.reply(ctx, ws, &protocol.ResultFrame{ID: cb.ID, Value: valueJSON})
}

// invoke runs a callback, converting a panic into an error so one bad
// callback cannot take down the call loop.
func invoke(ctx context.Context, fn Func, params json.RawMessage) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return fn(ctx, params)
}

func (c *Client) reply(ctx context.Context, ws *websocket.Conn, f protocol.Frame) {
	if err := c.writeFrame(ctx, ws, f); err != nil {
		c.logger.Warn("failed to send callback reply", "error", err)
	}
}

func (c *Client) writeFrame(ctx context.Context, ws *websocket.Conn, f protocol.Frame) error {
	data, err := protocol.Marshal(f)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func (c *Client) publish(ctx context.Context, t domain.EventType) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(ctx, domain.Event{Type: t, Timestamp: time.Now()})
}

// marshalInput walks a JSON-compatible value, replacing Func leaves with
// {"$fn": index} tokens and recording them in fns in discovery order.
func marshalInput(v any, fns *[]Func) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case Func:
		idx := len(*fns)
		*fns = append(*fns, t)
		return map[string]any{protocol.FuncMarker: idx}, nil
	case func(ctx context.Context, params json.RawMessage) (any, error):
		return marshalInput(Func(t), fns)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			converted, err := marshalInput(val, fns)
			if err != nil {
				return nil, err
			}
			out[k] = converted
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			converted, err := marshalInput(val, fns)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	default:
		return v, nil
	}
}
