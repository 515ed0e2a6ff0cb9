package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"hotmess-kernel/common/config"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	realtimeHeartbeat  = 30 * time.Second
	realtimeMaxBackoff = 30 * time.Second
)

// Realtime subscribes to postgres_changes over the hosted backend's phoenix websocket.
type Realtime struct {
	url    string
	schema string
	dialer websocket.Dialer
	logger *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	ref    int
	topics map[string]*realtimeTopic
	nextID uint64
	closed bool
	done   chan struct{}
}

type realtimeTopic struct {
	table    string
	joinRef  string
	handlers map[uint64]Handler
}

// phoenixMessage is the envelope of every frame in both directions.
type phoenixMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

// NewRealtime derives the websocket endpoint from the REST URL.
func NewRealtime(cfg config.SupabaseConfig, logger *zap.Logger) *Realtime {
	wsURL := cfg.URL
	switch {
	case strings.HasPrefix(wsURL, "https"):
		wsURL = "wss" + wsURL[len("https"):]
	case strings.HasPrefix(wsURL, "http"):
		wsURL = "ws" + wsURL[len("http"):]
	}
	wsURL = strings.TrimSuffix(wsURL, "/") + "/realtime/v1/websocket?apikey=" + url.QueryEscape(cfg.APIKey) + "&vsn=1.0.0"

	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}

	return &Realtime{
		url:    wsURL,
		schema: schema,
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
		topics: make(map[string]*realtimeTopic),
		done:   make(chan struct{}),
	}
}

func (r *Realtime) topicFor(table string) string {
	return fmt.Sprintf("realtime:%s:%s", r.schema, table)
}

// Subscribe joins realtime:<schema>:<table> for the first subscriber of a table.
func (r *Realtime) Subscribe(ctx context.Context, table string, handler Handler) (Unsubscribe, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("realtime feed closed")
	}
	if r.conn == nil {
		if err := r.connectLocked(ctx); err != nil {
			return nil, err
		}
	}

	topic := r.topicFor(table)
	t, ok := r.topics[topic]
	if !ok {
		t = &realtimeTopic{table: table, handlers: make(map[uint64]Handler)}
		if err := r.joinLocked(topic, t); err != nil {
			return nil, err
		}
		r.topics[topic] = t
	}
	r.nextID++
	id := r.nextID
	t.handlers[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(topic, id) })
	}, nil
}

func (r *Realtime) remove(topic string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.topics[topic]
	if !ok {
		return
	}
	delete(t.handlers, id)
	if len(t.handlers) > 0 {
		return
	}
	delete(r.topics, topic)
	if r.conn == nil {
		return
	}
	if err := r.sendLocked(topic, "phx_leave", map[string]any{}, t.joinRef); err != nil {
		r.logger.Warn("Failed to leave realtime topic", zap.String("topic", topic), zap.Error(err))
	}
}

// Close leaves every topic and closes the socket.
func (r *Realtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	close(r.done)

	if r.conn == nil {
		return nil
	}
	_ = r.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := r.conn.Close()
	r.conn = nil
	return err
}

func (r *Realtime) connectLocked(ctx context.Context) error {
	conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	r.conn = conn
	go r.readLoop(conn)
	go r.heartbeat(conn)
	return nil
}

func (r *Realtime) nextRefLocked() string {
	r.ref++
	return strconv.Itoa(r.ref)
}

func (r *Realtime) sendLocked(topic, event string, payload any, joinRef string) error {
	ref := r.nextRefLocked()
	msg := map[string]any{
		"topic":   topic,
		"event":   event,
		"payload": payload,
		"ref":     ref,
	}
	if joinRef != "" {
		msg["join_ref"] = joinRef
	}
	return r.conn.WriteJSON(msg)
}

func (r *Realtime) joinLocked(topic string, t *realtimeTopic) error {
	t.joinRef = strconv.Itoa(r.ref + 1)
	payload := map[string]any{
		"config": map[string]any{
			"postgres_changes": []map[string]any{
				{"event": "*", "schema": r.schema, "table": t.table},
			},
		},
	}
	if err := r.sendLocked(topic, "phx_join", payload, t.joinRef); err != nil {
		return fmt.Errorf("send join for %s: %w", topic, err)
	}
	return nil
}

func (r *Realtime) heartbeat(conn *websocket.Conn) {
	ticker := time.NewTicker(realtimeHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.mu.Lock()
			if r.conn != conn {
				r.mu.Unlock()
				return
			}
			err := r.sendLocked("phoenix", "heartbeat", map[string]any{}, "")
			r.mu.Unlock()
			if err != nil {
				r.logger.Warn("Realtime heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (r *Realtime) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			closed := r.closed
			if r.conn == conn {
				r.conn = nil
			}
			r.mu.Unlock()
			if closed {
				return
			}
			r.logger.Warn("Realtime connection lost", zap.Error(err))
			r.reconnect()
			return
		}

		topic, change, ok, err := decodeRealtimeMessage(raw)
		if err != nil {
			r.logger.Warn("Dropping malformed realtime message", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		r.dispatch(topic, change)
	}
}

// reconnect redials with exponential backoff and rejoins every live topic.
func (r *Realtime) reconnect() {
	backoff := time.Second
	for {
		select {
		case <-r.done:
			return
		case <-time.After(backoff):
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.dialer.HandshakeTimeout)
		err := r.connectLocked(ctx)
		cancel()
		if err == nil {
			for topic, t := range r.topics {
				if jerr := r.joinLocked(topic, t); jerr != nil {
					r.logger.Warn("Failed to rejoin realtime topic", zap.String("topic", topic), zap.Error(jerr))
				}
			}
			r.mu.Unlock()
			r.logger.Info("Realtime reconnected")
			return
		}
		r.mu.Unlock()

		r.logger.Warn("Realtime reconnect failed", zap.Error(err), zap.Duration("backoff", backoff))
		backoff *= 2
		if backoff > realtimeMaxBackoff {
			backoff = realtimeMaxBackoff
		}
	}
}

func (r *Realtime) dispatch(topic string, change Change) {
	r.mu.Lock()
	t, ok := r.topics[topic]
	if !ok {
		r.mu.Unlock()
		return
	}
	if change.Table == "" {
		change.Table = t.table
	}
	handlers := make([]Handler, 0, len(t.handlers))
	for _, h := range t.handlers {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h(change)
	}
}

// decodeRealtimeMessage extracts a row change from a frame. ok is false for
// control frames (replies, heartbeats, presence).
func decodeRealtimeMessage(raw []byte) (string, Change, bool, error) {
	var msg phoenixMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", Change{}, false, err
	}

	var payload wirePayload
	switch msg.Event {
	case "postgres_changes":
		var wrapped struct {
			Data wirePayload `json:"data"`
		}
		if err := json.Unmarshal(msg.Payload, &wrapped); err != nil {
			return "", Change{}, false, err
		}
		payload = wrapped.Data
	case "INSERT", "UPDATE", "DELETE":
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return "", Change{}, false, err
		}
		if payload.Type == "" {
			payload.Type = msg.Event
		}
	default:
		return msg.Topic, Change{}, false, nil
	}

	change, err := payload.change("")
	if err != nil {
		return "", Change{}, false, err
	}
	return msg.Topic, change, true, nil
}
