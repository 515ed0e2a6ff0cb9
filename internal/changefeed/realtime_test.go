package changefeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"hotmess-kernel/common/config"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDecodeRealtimeMessage(t *testing.T) {
	t.Run("postgres_changes", func(t *testing.T) {
		raw := `{"topic":"realtime:public:presence","event":"postgres_changes","ref":null,
			"payload":{"data":{"type":"INSERT","table":"presence","record":{"id":"p-1"}}}}`
		topic, c, ok, err := decodeRealtimeMessage([]byte(raw))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "realtime:public:presence", topic)
		assert.Equal(t, OpInsert, c.Op)
		assert.Equal(t, "presence", c.Table)
	})

	t.Run("legacy event frame", func(t *testing.T) {
		raw := `{"topic":"realtime:public:events","event":"DELETE","ref":null,
			"payload":{"old_record":{"id":"e-1"}}}`
		_, c, ok, err := decodeRealtimeMessage([]byte(raw))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, OpDelete, c.Op)
		assert.Equal(t, "e-1", c.Row()["id"])
	})

	t.Run("control frame", func(t *testing.T) {
		_, _, ok, err := decodeRealtimeMessage([]byte(`{"topic":"phoenix","event":"phx_reply","payload":{},"ref":"1"}`))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestRealtime_JoinDeliverLeave(t *testing.T) {
	upgrader := websocket.Upgrader{}
	frames := make(chan phoenixMessage, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/realtime/v1/websocket", r.URL.Path)
		assert.Equal(t, "anon", r.URL.Query().Get("apikey"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var msg phoenixMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			frames <- msg
			if msg.Event == "phx_join" {
				_ = conn.WriteJSON(map[string]any{
					"topic": msg.Topic,
					"event": "postgres_changes",
					"ref":   nil,
					"payload": map[string]any{
						"data": map[string]any{
							"type":   "INSERT",
							"table":  "presence",
							"record": map[string]any{"id": "p-1", "user_id": "u-1"},
						},
					},
				})
			}
		}
	}))
	defer srv.Close()

	feed := NewRealtime(config.SupabaseConfig{URL: srv.URL, APIKey: "anon"}, zap.NewNop())
	defer feed.Close()

	got := make(chan Change, 1)
	unsub, err := feed.Subscribe(context.Background(), "presence", func(c Change) { got <- c })
	require.NoError(t, err)

	join := <-frames
	assert.Equal(t, "phx_join", join.Event)
	assert.Equal(t, "realtime:public:presence", join.Topic)
	var joinPayload map[string]any
	require.NoError(t, json.Unmarshal(join.Payload, &joinPayload))
	assert.Contains(t, joinPayload, "config")

	select {
	case c := <-got:
		assert.Equal(t, OpInsert, c.Op)
		assert.Equal(t, "u-1", c.New["user_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("change not delivered")
	}

	unsub()
	select {
	case leave := <-frames:
		assert.Equal(t, "phx_leave", leave.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("leave not sent")
	}
}
