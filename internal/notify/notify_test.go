package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	rediscommon "hotmess-kernel/common/redis"
	"hotmess-kernel/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testAlert = models.Alert{
	Kind:     models.AlertEmergency,
	EventID:  "ev-1",
	UserID:   "u-1",
	Message:  "Emergency triggered.",
	Location: &models.Coords{Lat: 51.5074, Lng: -0.1278},
	SentAt:   time.Date(2026, 6, 1, 22, 0, 0, 0, time.UTC),
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, contact models.TrustedContact, alert models.Alert) error {
	args := m.Called(ctx, contact, alert)
	return args.Error(0)
}

func notifierReturning(err error) *mockNotifier {
	m := &mockNotifier{}
	m.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(err)
	return m
}

func TestFallback_StopsAtFirstSuccess(t *testing.T) {
	push := notifierReturning(errors.New("offline"))
	sms := notifierReturning(nil)
	outbox := &mockNotifier{}
	f := NewFallback(zap.NewNop(), Channel{"push", push}, Channel{"sms", sms}, Channel{"outbox", outbox})

	contact := models.TrustedContact{ID: "c-1"}
	require.NoError(t, f.Notify(context.Background(), contact, testAlert))
	push.AssertNumberOfCalls(t, "Notify", 1)
	sms.AssertCalled(t, "Notify", mock.Anything, contact, testAlert)
	outbox.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)
}

func TestFallback_PreferredChannelFirst(t *testing.T) {
	push := &mockNotifier{}
	sms := notifierReturning(nil)
	f := NewFallback(zap.NewNop(), Channel{"push", push}, Channel{"sms", sms})

	require.NoError(t, f.Notify(context.Background(), models.TrustedContact{ID: "c-1", Channel: "sms"}, testAlert))
	push.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)
	sms.AssertNumberOfCalls(t, "Notify", 1)
}

func TestFallback_AllFail(t *testing.T) {
	f := NewFallback(zap.NewNop(),
		Channel{"sms", notifierReturning(ErrNoAddress)},
		Channel{"push", notifierReturning(errors.New("broker down"))},
	)

	err := f.Notify(context.Background(), models.TrustedContact{ID: "c-1"}, testAlert)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoAddress)
	assert.Contains(t, err.Error(), "broker down")

	assert.Error(t, NewFallback(zap.NewNop()).Notify(context.Background(), models.TrustedContact{}, testAlert))
}

func TestSMSWebhook(t *testing.T) {
	var got smsRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sms, err := NewSMSWebhook(SMSWebhookConfig{URL: server.URL, Token: "secret", From: "HOTMESS"}, zap.NewNop())
	require.NoError(t, err)

	err = sms.Notify(context.Background(), models.TrustedContact{ID: "c-1", Name: "Sam", Phone: "+447700900001"}, testAlert)
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "+447700900001", got.To)
	assert.Equal(t, "HOTMESS", got.From)
	assert.Equal(t, "ev-1", got.EventID)
	assert.Contains(t, got.Body, "Sam, Emergency triggered.")
	assert.Contains(t, got.Body, "51.507400,-0.127800")
}

func TestSMSWebhook_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid number", http.StatusBadRequest)
	}))
	defer server.Close()

	sms, err := NewSMSWebhook(SMSWebhookConfig{URL: server.URL}, zap.NewNop())
	require.NoError(t, err)

	err = sms.Notify(context.Background(), models.TrustedContact{ID: "c-1"}, testAlert)
	assert.ErrorIs(t, err, ErrNoAddress)

	err = sms.Notify(context.Background(), models.TrustedContact{ID: "c-1", Phone: "123"}, testAlert)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")

	_, err = NewSMSWebhook(SMSWebhookConfig{}, zap.NewNop())
	assert.Error(t, err)
}

type recordingPublisher struct {
	topic   string
	payload []byte
}

func (p *recordingPublisher) Publish(topic string, _ byte, _ bool, payload []byte) error {
	p.topic, p.payload = topic, payload
	return nil
}

func TestMQTTPush(t *testing.T) {
	pub := &recordingPublisher{}
	push := NewMQTTPush(pub, "", 1)

	require.NoError(t, push.Notify(context.Background(), models.TrustedContact{ID: "c-7"}, testAlert))
	assert.Equal(t, "contacts/c-7/alerts", pub.topic)

	var alert models.Alert
	require.NoError(t, json.Unmarshal(pub.payload, &alert))
	assert.Equal(t, testAlert, alert)

	assert.ErrorIs(t, push.Notify(context.Background(), models.TrustedContact{}, testAlert), ErrNoAddress)
}

func TestOutbox_QueuesEntry(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	outbox := NewOutbox(client, "")
	contact := models.TrustedContact{ID: "c-1", Phone: "+447700900001"}
	require.NoError(t, outbox.Notify(context.Background(), contact, testAlert))

	msgs, err := client.XRange(context.Background(), DefaultOutboxStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var entry OutboxEntry
	require.NoError(t, rediscommon.DecodeStreamData(rediscommon.StreamMessage{
		Stream: DefaultOutboxStream,
		ID:     msgs[0].ID,
		Values: msgs[0].Values,
	}, &entry))
	assert.Equal(t, contact, entry.Contact)
	assert.Equal(t, "ev-1", entry.Alert.EventID)
}
