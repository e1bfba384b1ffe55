package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"relaykit/internal/infra/config"
	"relaykit/internal/protocol"
)

const testSecret = "test-session-secret"

type testRelay struct {
	coord    *Coordinator
	public   *httptest.Server
	internal *httptest.Server
}

func newTestRelay(t *testing.T, mutate ...func(*config.RelayConfig)) *testRelay {
	t.Helper()

	cfg := config.RelayConfig{
		Secret:        testSecret,
		TunnelTimeout: 5 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	coord := NewCoordinator(cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	tr := &testRelay{
		coord:    coord,
		public:   httptest.NewServer(coord.Public()),
		internal: httptest.NewServer(coord.Internal()),
	}
	t.Cleanup(func() {
		tr.public.Close()
		tr.internal.Close()
	})
	return tr
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func dialLocal(t *testing.T, tr *testRelay, secret string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, wsURL(tr.public.URL, PathConnect), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + secret}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func dialRPC(t *testing.T, tr *testRelay) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, wsURL(tr.internal.URL, PathRPC), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) protocol.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	frame, err := protocol.Unmarshal(data)
	require.NoError(t, err)
	return frame
}

func writeFrame(t *testing.T, ws *websocket.Conn, f protocol.Frame) {
	t.Helper()
	data, err := protocol.Marshal(f)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, data))
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectRejectsWrongToken(t *testing.T) {
	tr := newTestRelay(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL(tr.public.URL, PathConnect), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer wrong"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, tr.coord.LocalConnected())
}

func TestConnectRejectsMissingUpgrade(t *testing.T) {
	tr := newTestRelay(t)

	req, err := http.NewRequest(http.MethodGet, tr.public.URL+PathConnect, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testSecret)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestSecondConnectRejectedWithoutDisturbingFirst(t *testing.T) {
	tr := newTestRelay(t)
	first := dialLocal(t, tr, testSecret)
	waitFor(t, tr.coord.LocalConnected, "local never registered")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(tr.public.URL, PathConnect), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + testSecret}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// The original connection still tunnels traffic.
	go func() {
		_, data, err := first.Read(context.Background())
		if err != nil {
			return
		}
		frame, err := protocol.Unmarshal(data)
		if err != nil {
			return
		}
		req := frame.(*protocol.HTTPRequestFrame)
		out, _ := protocol.Marshal(&protocol.HTTPResponseFrame{ID: req.ID, Status: 204})
		first.Write(context.Background(), websocket.MessageText, out)
	}()

	res, err := http.Get(tr.public.URL + "/ping")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
}

func TestPublicRPCRejected(t *testing.T) {
	tr := newTestRelay(t)

	resp, err := http.Get(tr.public.URL + PathRPC)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "Cannot initiate RPC from remote worker")
}

func TestTunnelWithoutLocalFailsFast(t *testing.T) {
	tr := newTestRelay(t)

	resp, err := http.Get(tr.public.URL + "/anything")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "Local worker is not connected")
}

func TestRPCWithoutLocalRejected(t *testing.T) {
	tr := newTestRelay(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(tr.internal.URL, PathRPC), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// echoLocal runs a loop answering every tunneled request with a body that
// records the request's correlation id and path.
func echoLocal(ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(context.Background())
		if err != nil {
			return
		}
		frame, err := protocol.Unmarshal(data)
		if err != nil {
			continue
		}
		req, ok := frame.(*protocol.HTTPRequestFrame)
		if !ok {
			continue
		}
		body := fmt.Sprintf("id=%d path=%s", req.ID, req.URL)
		out, _ := protocol.Marshal(&protocol.HTTPResponseFrame{
			ID:      req.ID,
			Status:  200,
			Body:    []byte(body),
			Headers: protocol.HeaderPairs{{"X-Echo", req.URL}},
		})
		if ws.Write(context.Background(), websocket.MessageText, out) != nil {
			return
		}
	}
}

func TestConcurrentTunnelRequestsAreCorrelated(t *testing.T) {
	tr := newTestRelay(t)
	local := dialLocal(t, tr, testSecret)
	waitFor(t, tr.coord.LocalConnected, "local never registered")
	go echoLocal(local)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := fmt.Sprintf("/req-%d", i)
			resp, err := http.Get(tr.public.URL + path)
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if !strings.Contains(string(body), "path="+path) {
				errs <- fmt.Errorf("response %q does not match request %s", body, path)
				return
			}
			if resp.Header.Get("X-Echo") != path {
				errs <- fmt.Errorf("header mismatch for %s: %q", path, resp.Header.Get("X-Echo"))
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestOutOfOrderResponsesResolveCorrectRequests(t *testing.T) {
	tr := newTestRelay(t)
	local := dialLocal(t, tr, testSecret)
	waitFor(t, tr.coord.LocalConnected, "local never registered")

	// Collect two requests, then answer them in reverse order.
	go func() {
		var reqs []*protocol.HTTPRequestFrame
		for len(reqs) < 2 {
			_, data, err := local.Read(context.Background())
			if err != nil {
				return
			}
			frame, err := protocol.Unmarshal(data)
			if err != nil {
				continue
			}
			if req, ok := frame.(*protocol.HTTPRequestFrame); ok {
				reqs = append(reqs, req)
			}
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			out, _ := protocol.Marshal(&protocol.HTTPResponseFrame{
				ID:     reqs[i].ID,
				Status: 200,
				Body:   []byte("for " + reqs[i].URL),
			})
			local.Write(context.Background(), websocket.MessageText, out)
		}
	}()

	var wg sync.WaitGroup
	for _, path := range []string{"/first", "/second"} {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			resp, err := http.Get(tr.public.URL + path)
			if err != nil {
				t.Error(err)
				return
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if string(body) != "for "+path {
				t.Errorf("got %q for %s", body, path)
			}
		}(path)
	}
	wg.Wait()
}

func TestLocalDisconnectRejectsInFlightRequests(t *testing.T) {
	tr := newTestRelay(t)
	local := dialLocal(t, tr, testSecret)
	waitFor(t, tr.coord.LocalConnected, "local never registered")

	// Swallow the tunneled request, then drop the connection.
	go func() {
		local.Read(context.Background())
		local.Close(websocket.StatusNormalClosure, "")
	}()

	resp, err := http.Get(tr.public.URL + "/in-flight")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	waitFor(t, func() bool { return !tr.coord.LocalConnected() }, "local never deregistered")
}

func TestTunnelTimeout(t *testing.T) {
	tr := newTestRelay(t, func(cfg *config.RelayConfig) {
		cfg.TunnelTimeout = 100 * time.Millisecond
	})
	local := dialLocal(t, tr, testSecret)
	waitFor(t, tr.coord.LocalConnected, "local never registered")

	// Read the request but never answer it.
	go func() {
		for {
			if _, _, err := local.Read(context.Background()); err != nil {
				return
			}
		}
	}()

	resp, err := http.Get(tr.public.URL + "/slow")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestRateLimitReturns429(t *testing.T) {
	tr := newTestRelay(t, func(cfg *config.RelayConfig) {
		cfg.RateLimit = 1
		cfg.RateBurst = 1
	})
	local := dialLocal(t, tr, testSecret)
	waitFor(t, tr.coord.LocalConnected, "local never registered")
	go echoLocal(local)

	// Burst of 1: the second immediate request must be limited.
	resp1, err := http.Get(tr.public.URL + "/a")
	require.NoError(t, err)
	resp1.Body.Close()

	resp2, err := http.Get(tr.public.URL + "/b")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp2.StatusCode)
}

func TestRPCFramesStampedAndRouted(t *testing.T) {
	tr := newTestRelay(t)
	local := dialLocal(t, tr, testSecret)
	waitFor(t, tr.coord.LocalConnected, "local never registered")

	remote := dialRPC(t, tr)

	// Remote sends a call frame without an id; the relay stamps the
	// transaction id before the local side sees it.
	writeFrame(t, remote, &protocol.CallFrame{Name: "deploy"})

	frame := readFrame(t, local)
	call, ok := frame.(*protocol.CallFrame)
	require.True(t, ok, "local should receive the call frame, got %T", frame)
	require.NotZero(t, call.ID)
	assert.Equal(t, "deploy", call.Name)

	// Local answers using the stamped id; the relay routes it back to the
	// transaction socket.
	writeFrame(t, local, &protocol.ResultFrame{ID: call.ID, Value: []byte(`"done"`)})

	back := readFrame(t, remote)
	result, ok := back.(*protocol.ResultFrame)
	require.True(t, ok, "remote should receive the result frame, got %T", back)
	assert.Equal(t, call.ID, result.ID)
	assert.JSONEq(t, `"done"`, string(result.Value))
}

func TestCallbackRoundTripThroughRelay(t *testing.T) {
	tr := newTestRelay(t)
	local := dialLocal(t, tr, testSecret)
	waitFor(t, tr.coord.LocalConnected, "local never registered")

	remote := dialRPC(t, tr)
	writeFrame(t, remote, &protocol.CallFrame{Name: "withCallback", Input: []byte(`{"fn":{"$fn":0}}`)})

	call := readFrame(t, local).(*protocol.CallFrame)

	// Local invokes the remote's function 0, remote answers, local settles.
	writeFrame(t, local, &protocol.CallbackFrame{ID: call.ID, Func: 0, Params: []byte(`[1]`)})

	cb := readFrame(t, remote).(*protocol.CallbackFrame)
	assert.Equal(t, 0, cb.Func)

	writeFrame(t, remote, &protocol.ResultFrame{Value: []byte(`2`)})
	res := readFrame(t, local).(*protocol.ResultFrame)
	assert.Equal(t, call.ID, res.ID)
	assert.JSONEq(t, `2`, string(res.Value))
}

func TestUnknownTransactionFrameDropped(t *testing.T) {
	tr := newTestRelay(t)
	local := dialLocal(t, tr, testSecret)
	waitFor(t, tr.coord.LocalConnected, "local never registered")

	// A frame for a transaction that never existed must not kill the relay.
	writeFrame(t, local, &protocol.ResultFrame{ID: 9999, Value: []byte(`true`)})
	go echoLocal(local)

	resp, err := http.Get(tr.public.URL + "/still-alive")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
