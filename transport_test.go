package lattice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func writeWS(ctx context.Context, c *websocket.Conn, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.Write(ctx, websocket.MessageText, data)
}

func readWS(ctx context.Context, c *websocket.Conn) (Envelope, error) {
	var env Envelope
	_, data, err := c.Read(ctx)
	if err != nil {
		return env, err
	}
	err = json.Unmarshal(data, &env)
	return env, err
}

func groupOf(env Envelope) string {
	var p struct {
		GroupID string `json:"groupId"`
	}
	json.Unmarshal(env.Payload, &p)
	return p.GroupID
}

func heartbeatLoopCount() int {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	return strings.Count(string(buf[:n]), ").heartbeatLoop")
}

func testConnConfig() *ConnConfig {
	return &ConnConfig{
		Token:              "tok-test",
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		HeartbeatInterval:  time.Hour,
	}
}

func TestConnHandshake(t *testing.T) {
	var gotToken atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken.Store(r.URL.Query().Get("token"))
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		writeWS(ctx, c, Envelope{Event: EventConnected})
		for {
			if _, err := readWS(ctx, c); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn := NewConn(srv.URL, testConnConfig())
	connected := make(chan struct{}, 1)
	conn.OnConnect(func() { connected <- struct{}{} })

	require.NoError(t, conn.Connect(context.Background()))
	assert.Equal(t, StateConnected, conn.State())
	assert.Equal(t, "tok-test", gotToken.Load())

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("connect handler never fired")
	}

	require.NoError(t, conn.Close())
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestConnHandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		// Wrong first frame.
		writeWS(r.Context(), c, Envelope{Event: EventPong})
	}))
	defer srv.Close()

	conn := NewConn(srv.URL, testConnConfig())
	err := conn.Connect(context.Background())
	var ce *ConnError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "handshake", ce.Op)
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestConnEmitRequiresConnection(t *testing.T) {
	conn := NewConn("http://127.0.0.1:1", testConnConfig())
	err := conn.Emit(context.Background(), EventTypingStart, map[string]string{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnEmitWithAck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		writeWS(ctx, c, Envelope{Event: EventConnected})
		for {
			env, err := readWS(ctx, c)
			if err != nil {
				return
			}
			if env.Event != EventMessageSend {
				continue
			}
			var p livePayload
			json.Unmarshal(env.Payload, &p)
			writeWS(ctx, c, Envelope{Event: EventAck, Payload: mustJSON(ackPayload{
				RequestID: env.RequestID,
				OK:        p.Content == "accept me",
				Error:     "content rejected",
			})})
		}
	}))
	defer srv.Close()

	conn := NewConn(srv.URL, testConnConfig())
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Close()

	err := conn.EmitWithAck(context.Background(), EventMessageSend, &livePayload{Content: "accept me"}, time.Second)
	require.NoError(t, err)

	err = conn.EmitWithAck(context.Background(), EventMessageSend, &livePayload{Content: "reject me"}, time.Second)
	assert.ErrorIs(t, err, ErrSendRejected)
}

func TestConnEmitWithAckTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		writeWS(ctx, c, Envelope{Event: EventConnected})
		// Swallow everything; never ack.
		for {
			if _, err := readWS(ctx, c); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn := NewConn(srv.URL, testConnConfig())
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Close()

	err := conn.EmitWithAck(context.Background(), EventMessageSend, &livePayload{Content: "x"}, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrSendTimeout)
}

func TestConnDispatchOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		writeWS(ctx, c, Envelope{Event: EventConnected})
		for _, id := range []string{"m1", "m2", "m3"} {
			writeWS(ctx, c, Envelope{Event: EventMessageNew, Payload: mustJSON(map[string]string{"id": id})})
		}
		for {
			if _, err := readWS(ctx, c); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var mu sync.Mutex
	var order []string
	conn := NewConn(srv.URL, testConnConfig())
	conn.On(EventMessageNew, func(_ string, raw json.RawMessage) {
		var p struct {
			ID string `json:"id"`
		}
		json.Unmarshal(raw, &p)
		mu.Lock()
		order = append(order, p.ID)
		mu.Unlock()
	})

	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"m1", "m2", "m3"}, order)
}

func TestConnJoinSwitchLeavesPrevious(t *testing.T) {
	events := make(chan Envelope, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		writeWS(ctx, c, Envelope{Event: EventConnected})
		for {
			env, err := readWS(ctx, c)
			if err != nil {
				return
			}
			events <- env
		}
	}))
	defer srv.Close()

	conn := NewConn(srv.URL, testConnConfig())
	ctx := context.Background()
	require.NoError(t, conn.Connect(ctx))
	defer conn.Close()

	require.NoError(t, conn.JoinGroup(ctx, "g1"))
	require.NoError(t, conn.JoinGroup(ctx, "g2"))
	assert.Equal(t, "g2", conn.JoinedGroup())

	var seq []string
	for i := 0; i < 3; i++ {
		select {
		case env := <-events:
			seq = append(seq, env.Event+":"+groupOf(env))
		case <-time.After(time.Second):
			t.Fatalf("only got %v", seq)
		}
	}
	assert.Equal(t, []string{"group:join:g1", "group:leave:g1", "group:join:g2"}, seq)
}

func TestConnRejoinsGroupOnceAfterDrop(t *testing.T) {
	type joinEvent struct {
		conn  int32
		group string
	}
	var connCount int32
	joins := make(chan joinEvent, 10)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx := atomic.AddInt32(&connCount, 1) - 1
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		writeWS(ctx, c, Envelope{Event: EventConnected})
		for {
			env, err := readWS(ctx, c)
			if err != nil {
				return
			}
			if env.Event == EventGroupJoin {
				joins <- joinEvent{conn: idx, group: groupOf(env)}
				if idx == 0 {
					// Kill the first connection right after the join.
					c.Close(websocket.StatusGoingAway, "drop")
					return
				}
			}
		}
	}))
	defer srv.Close()

	conn := NewConn(srv.URL, testConnConfig())
	reconnected := make(chan int, 1)
	conn.OnReconnect(func(attempt int) { reconnected <- attempt })

	ctx := context.Background()
	require.NoError(t, conn.Connect(ctx))
	defer conn.Close()
	require.NoError(t, conn.JoinGroup(ctx, "g1"))

	first := <-joins
	assert.Equal(t, int32(0), first.conn)
	assert.Equal(t, "g1", first.group)

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("never reconnected")
	}

	// The resumed connection carries exactly one join for the same group.
	select {
	case rejoin := <-joins:
		assert.Equal(t, int32(1), rejoin.conn)
		assert.Equal(t, "g1", rejoin.group)
	case <-time.After(2 * time.Second):
		t.Fatal("no rejoin after reconnect")
	}

	select {
	case extra := <-joins:
		t.Fatalf("unexpected extra join: %+v", extra)
	case <-time.After(200 * time.Millisecond):
	}

	assert.Equal(t, StateConnected, conn.State())
	assert.Equal(t, "g1", conn.JoinedGroup())
}

func TestConnSingleHeartbeatAcrossReconnects(t *testing.T) {
	var connCount int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idx := atomic.AddInt32(&connCount, 1) - 1
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		writeWS(ctx, c, Envelope{Event: EventConnected})
		if idx < 2 {
			// Kill the early connections to force reconnects.
			c.Close(websocket.StatusGoingAway, "drop")
			return
		}
		for {
			if _, err := readWS(ctx, c); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn := NewConn(srv.URL, testConnConfig())
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Close()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&connCount) >= 3 && conn.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	// Loops bound to the dropped connections wind down; only the live
	// connection keeps a heartbeat.
	require.Eventually(t, func() bool {
		return heartbeatLoopCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnected, conn.State())
}

func TestConnPendingAcksFailOnDrop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		writeWS(ctx, c, Envelope{Event: EventConnected})
		// Drop the connection as soon as anything arrives.
		if _, err := readWS(ctx, c); err == nil {
			c.Close(websocket.StatusGoingAway, "drop")
		}
	}))
	defer srv.Close()

	cfg := testConnConfig()
	cfg.AutoReconnect = false
	conn := NewConn(srv.URL, cfg)
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Close()

	err := conn.EmitWithAck(context.Background(), EventMessageSend, &livePayload{Content: "x"}, 2*time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&ConnConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 3,
	})

	var prev time.Duration
	for i := 0; i < 3; i++ {
		require.True(t, r.shouldReconnect())
		d := r.nextDelay()
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, time.Second)
		prev = d
	}
	assert.False(t, r.shouldReconnect())

	// A long stable connection resets the attempt counter.
	r.connectedAt = time.Now().Add(-2 * time.Minute)
	r.nextDelay()
	assert.Equal(t, 1, r.attempt)
}
