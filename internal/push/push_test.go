package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

type frame struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic,omitempty"`
	Kind  string          `json:"kind,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type testServer struct {
	t      *testing.T
	srv    *httptest.Server
	conns  chan *websocket.Conn
	frames chan frame
	auth   chan string
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		t:      t,
		conns:  make(chan *websocket.Conn, 4),
		frames: make(chan frame, 16),
		auth:   make(chan string, 4),
	}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case ts.auth <- r.Header.Get("Authorization"):
		default:
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- conn
		go func() {
			for {
				var f frame
				if err := conn.ReadJSON(&f); err != nil {
					return
				}
				ts.frames <- f
			}
		}()
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) waitConn() *websocket.Conn {
	ts.t.Helper()
	select {
	case conn := <-ts.conns:
		return conn
	case <-time.After(2 * time.Second):
		ts.t.Fatal("timed out waiting for websocket connection")
		return nil
	}
}

func (ts *testServer) waitFrame(typ string) frame {
	ts.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-ts.frames:
			if f.Type == typ {
				return f
			}
		case <-deadline:
			ts.t.Fatalf("timed out waiting for %q frame", typ)
			return frame{}
		}
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, f frame) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(f))
}

func startClient(t *testing.T, url string) *Client {
	t.Helper()
	c := New(url, "test-key")
	c.baseDelay = 10 * time.Millisecond
	c.maxDelay = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("Run did not exit after cancel")
		}
	})
	return c
}

func waitEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

// === Subscribe / deliver ===

func TestSubscribeDeliversEvents(t *testing.T) {
	ts := startServer(t)
	c := startClient(t, ts.wsURL())

	events, cancelSub := c.Subscribe(WorkerTopic("w1"))
	defer cancelSub()

	conn := ts.waitConn()
	f := ts.waitFrame("subscribe")
	require.Equal(t, "worker-w1", f.Topic)

	sendFrame(t, conn, frame{
		Type:  "event",
		Topic: "worker-w1",
		Kind:  KindWorkerCommand,
		Data:  json.RawMessage(`{"action":"abort"}`),
	})

	ev := waitEvent(t, events)
	require.Equal(t, KindWorkerCommand, ev.Kind)
	require.Equal(t, "worker-w1", ev.Topic)

	var cmd Command
	require.NoError(t, json.Unmarshal(ev.Data, &cmd))
	require.Equal(t, ActionAbort, cmd.Action)
}

func TestAuthHeaderPresented(t *testing.T) {
	ts := startServer(t)
	startClient(t, ts.wsURL())

	ts.waitConn()
	select {
	case auth := <-ts.auth:
		require.Equal(t, "Bearer test-key", auth)
	case <-time.After(2 * time.Second):
		t.Fatal("no handshake observed")
	}
}

func TestUnknownKindDropped(t *testing.T) {
	ts := startServer(t)
	c := startClient(t, ts.wsURL())

	events, cancelSub := c.Subscribe("workspace-ws1")
	defer cancelSub()

	conn := ts.waitConn()
	ts.waitFrame("subscribe")

	sendFrame(t, conn, frame{Type: "event", Topic: "workspace-ws1", Kind: "bogus:kind"})
	sendFrame(t, conn, frame{
		Type:  "event",
		Topic: "workspace-ws1",
		Kind:  KindTaskAssigned,
		Data:  json.RawMessage(`{"task":{"id":"t1"}}`),
	})

	// Only the known kind arrives; the bogus one was dropped.
	ev := waitEvent(t, events)
	require.Equal(t, KindTaskAssigned, ev.Kind)
}

func TestEventForOtherTopicNotDelivered(t *testing.T) {
	ts := startServer(t)
	c := startClient(t, ts.wsURL())

	events, cancelSub := c.Subscribe("worker-a")
	defer cancelSub()

	conn := ts.waitConn()
	ts.waitFrame("subscribe")

	sendFrame(t, conn, frame{Type: "event", Topic: "worker-b", Kind: KindWorkerCommand, Data: json.RawMessage(`{"action":"pause"}`)})
	sendFrame(t, conn, frame{Type: "event", Topic: "worker-a", Kind: KindWorkerCommand, Data: json.RawMessage(`{"action":"resume"}`)})

	ev := waitEvent(t, events)
	var cmd Command
	require.NoError(t, json.Unmarshal(ev.Data, &cmd))
	require.Equal(t, ActionResume, cmd.Action)
}

// === Unsubscribe ===

func TestCancelClosesChannelAndUnsubscribes(t *testing.T) {
	ts := startServer(t)
	c := startClient(t, ts.wsURL())

	events, cancelSub := c.Subscribe("worker-w2")
	ts.waitConn()
	ts.waitFrame("subscribe")

	cancelSub()

	f := ts.waitFrame("unsubscribe")
	require.Equal(t, "worker-w2", f.Topic)

	_, open := <-events
	require.False(t, open, "channel should be closed after cancel")

	// Cancel is idempotent.
	cancelSub()
}

func TestUnsubscribeOnlyWhenLastSubscriberLeaves(t *testing.T) {
	ts := startServer(t)
	c := startClient(t, ts.wsURL())

	events1, cancel1 := c.Subscribe("worker-shared")
	events2, cancel2 := c.Subscribe("worker-shared")

	conn := ts.waitConn()
	ts.waitFrame("subscribe")

	cancel1()
	_, open := <-events1
	require.False(t, open)

	// The second subscriber still receives events.
	sendFrame(t, conn, frame{Type: "event", Topic: "worker-shared", Kind: KindWorkerCommand, Data: json.RawMessage(`{"action":"pause"}`)})
	ev := waitEvent(t, events2)
	require.Equal(t, KindWorkerCommand, ev.Kind)

	cancel2()
	f := ts.waitFrame("unsubscribe")
	require.Equal(t, "worker-shared", f.Topic)
}

// === Reconnect ===

func TestReconnectReplaysSubscriptions(t *testing.T) {
	ts := startServer(t)
	c := startClient(t, ts.wsURL())

	events, cancelSub := c.Subscribe("workspace-ws9")
	defer cancelSub()

	conn := ts.waitConn()
	ts.waitFrame("subscribe")

	// Kill the connection server-side; the client should reconnect and
	// replay the topic without any new Subscribe call.
	conn.Close()

	conn2 := ts.waitConn()
	f := ts.waitFrame("subscribe")
	require.Equal(t, "workspace-ws9", f.Topic)

	sendFrame(t, conn2, frame{
		Type:  "event",
		Topic: "workspace-ws9",
		Kind:  KindTaskAssigned,
		Data:  json.RawMessage(`{"task":{"id":"t9"}}`),
	})
	ev := waitEvent(t, events)
	require.Equal(t, KindTaskAssigned, ev.Kind)
}

func TestSubscribeWhileDisconnectedReplaysOnConnect(t *testing.T) {
	c := New("ws://127.0.0.1:1/api/push", "k")
	c.baseDelay = 10 * time.Millisecond
	c.maxDelay = 50 * time.Millisecond

	// No server yet: Subscribe must not fail, just defer.
	_, cancelSub := c.Subscribe("worker-early")
	defer cancelSub()
	require.False(t, c.IsConnected())

	ts := startServer(t)
	c.url = ts.wsURL()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	ts.waitConn()
	f := ts.waitFrame("subscribe")
	require.Equal(t, "worker-early", f.Topic)
}

// === URL helpers ===

func TestDeriveURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"https://buildd.ai", "wss://buildd.ai/api/push"},
		{"http://localhost:3000", "ws://localhost:3000/api/push"},
		{"https://buildd.ai/", "wss://buildd.ai/api/push"},
		{"https://buildd.ai/base", "wss://buildd.ai/base/api/push"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, DeriveURL(tc.in), "input %q", tc.in)
	}
}

func TestTopicHelpers(t *testing.T) {
	require.Equal(t, "worker-w1", WorkerTopic("w1"))
	require.Equal(t, "workspace-ws1", WorkspaceTopic("ws1"))
}
