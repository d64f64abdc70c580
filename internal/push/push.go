// Package push maintains the persistent websocket connection to the
// BuilddServer push channel. Subscribers register per-topic interest
// (workspace-<id> for assignments, worker-<id> for commands); the client
// reconnects with backoff and replays subscriptions on every connect.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/buildd-ai/runner/internal/log"
)

// Event kinds delivered over the push channel.
const (
	KindWorkerCommand = "worker:command"
	KindTaskAssigned  = "task:assigned"
	KindSkillInstall  = "skill:install"
)

// Actions carried by worker:command events.
const (
	ActionPause        = "pause"
	ActionResume       = "resume"
	ActionAbort        = "abort"
	ActionMessage      = "message"
	ActionSkillInstall = "skill_install"
	ActionRollback     = "rollback"
)

const (
	baseReconnectDelay = 5 * time.Second
	maxReconnectDelay  = 60 * time.Second
	pingInterval       = 30 * time.Second
	subscriberBuffer   = 64
)

// ErrNotConnected is returned by send attempts while the socket is down.
// Subscriptions tolerate it: topics are replayed on the next connect.
var ErrNotConnected = errors.New("push: not connected")

// Event is a single message delivered to a topic subscriber.
type Event struct {
	Topic string          `json:"topic"`
	Kind  string          `json:"kind"`
	Data  json.RawMessage `json:"data"`
}

// Command is the body of a worker:command event.
type Command struct {
	Action           string `json:"action"`
	Text             string `json:"text,omitempty"`
	Bundle           string `json:"bundle,omitempty"`
	InstallerCommand string `json:"installerCommand,omitempty"`
	RequestID        string `json:"requestId,omitempty"`
	SkillSlug        string `json:"skillSlug,omitempty"`
	TargetLocalUIURL string `json:"targetLocalUiUrl,omitempty"`
	CheckpointUUID   string `json:"checkpointUuid,omitempty"`
	Timestamp        int64  `json:"timestamp,omitempty"`
}

// WorkerTopic and WorkspaceTopic build the canonical topic names.
func WorkerTopic(workerID string) string { return "worker-" + workerID }

func WorkspaceTopic(workspaceID string) string { return "workspace-" + workspaceID }

// DeriveURL converts a server base URL into the push-channel websocket URL.
// Used when server.push_url is not configured explicitly.
func DeriveURL(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil {
		return serverURL
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/push"
	return u.String()
}

// inbound is the superset of frames sent by the server.
type inbound struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic,omitempty"`
	Kind  string          `json:"kind,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outbound frames carry subscription changes to the server.
type outbound struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

type subscription struct {
	topic string
	ch    chan Event
}

// Client maintains a persistent websocket connection to the push channel.
type Client struct {
	url    string
	apiKey string

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[string][]*subscription

	baseDelay time.Duration
	maxDelay  time.Duration
}

// New creates a Client targeting the given websocket URL. The API key is
// presented as a Bearer token during the handshake.
func New(wsURL, apiKey string) *Client {
	return &Client{
		url:       wsURL,
		apiKey:    apiKey,
		subs:      make(map[string][]*subscription),
		baseDelay: baseReconnectDelay,
		maxDelay:  maxReconnectDelay,
	}
}

// IsConnected reports whether a connection is currently active.
func (c *Client) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// Run connects and reconnects until ctx is cancelled. Call in a dedicated
// goroutine. Backoff starts at 5s, doubles per consecutive failure up to
// 60s, and resets whenever a connection is established.
func (c *Client) Run(ctx context.Context) {
	delay := c.baseDelay
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn(log.CatPush, "push connect failed", "error", err, "retryIn", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, c.maxDelay)
			continue
		}

		delay = c.baseDelay
		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		log.Warn(log.CatPush, "push connection lost", "retryIn", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, c.maxDelay)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	return conn, err
}

// serve owns one connection: replays subscriptions, keeps the socket alive
// with pings, and dispatches inbound events until the connection drops.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	log.Info(log.CatPush, "push connected", "url", c.url)
	c.resubscribe()

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	defer func() {
		close(stop)
		conn.Close()
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.dispatch(raw)
	}
}

func (c *Client) dispatch(raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Warn(log.CatPush, "bad push frame", "error", err)
		return
	}

	switch msg.Type {
	case "event":
	case "subscribed", "unsubscribed", "ping", "pong":
		return
	default:
		log.Debug(log.CatPush, "unknown push frame type", "type", msg.Type)
		return
	}

	switch msg.Kind {
	case KindWorkerCommand, KindTaskAssigned, KindSkillInstall:
	default:
		log.Debug(log.CatPush, "dropping unknown push kind", "kind", msg.Kind, "topic", msg.Topic)
		return
	}

	c.deliver(Event{Topic: msg.Topic, Kind: msg.Kind, Data: msg.Data})
}

func (c *Client) deliver(ev Event) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	subs := c.subs[ev.Topic]
	if len(subs) == 0 {
		log.Debug(log.CatPush, "dropping event for unsubscribed topic", "topic", ev.Topic, "kind", ev.Kind)
		return
	}
	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			log.Warn(log.CatPush, "push subscriber buffer full, dropping event",
				"topic", ev.Topic, "kind", ev.Kind)
		}
	}
}

// Subscribe registers interest in a topic. The returned cancel func removes
// the subscription and closes the channel; when the last subscriber of a
// topic cancels, an unsubscribe frame is sent. Subscribing while
// disconnected is fine: active topics are replayed on every connect.
func (c *Client) Subscribe(topic string) (<-chan Event, func()) {
	sub := &subscription{topic: topic, ch: make(chan Event, subscriberBuffer)}

	c.subsMu.Lock()
	first := len(c.subs[topic]) == 0
	c.subs[topic] = append(c.subs[topic], sub)
	c.subsMu.Unlock()

	if first {
		if err := c.send(outbound{Type: "subscribe", Topic: topic}); err != nil {
			log.Debug(log.CatPush, "subscribe deferred until connect", "topic", topic)
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.subsMu.Lock()
			list := c.subs[topic]
			for i, s := range list {
				if s == sub {
					c.subs[topic] = append(list[:i], list[i+1:]...)
					break
				}
			}
			last := len(c.subs[topic]) == 0
			if last {
				delete(c.subs, topic)
			}
			close(sub.ch)
			c.subsMu.Unlock()

			if last {
				if err := c.send(outbound{Type: "unsubscribe", Topic: topic}); err != nil {
					log.Debug(log.CatPush, "unsubscribe skipped while disconnected", "topic", topic)
				}
			}
		})
	}
	return sub.ch, cancel
}

// resubscribe replays every active topic after a (re)connect.
func (c *Client) resubscribe() {
	c.subsMu.Lock()
	topics := make([]string, 0, len(c.subs))
	for t := range c.subs {
		topics = append(topics, t)
	}
	c.subsMu.Unlock()

	for _, t := range topics {
		if err := c.send(outbound{Type: "subscribe", Topic: t}); err != nil {
			log.Warn(log.CatPush, "resubscribe failed", "topic", t, "error", err)
			return
		}
	}
	if len(topics) > 0 {
		log.Debug(log.CatPush, "resubscribed", "topics", len(topics))
	}
}

func (c *Client) send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}
