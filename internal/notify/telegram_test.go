package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/waweb/internal/events"
)

type telegramStub struct {
	mu    sync.Mutex
	paths []string
	texts []string
	code  int
}

func (s *telegramStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	s.paths = append(s.paths, r.URL.Path)
	s.texts = append(s.texts, body["text"])
	code := s.code
	s.mu.Unlock()
	if code == 0 {
		code = http.StatusOK
	}
	w.WriteHeader(code)
}

func (s *telegramStub) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func newNotifier(t *testing.T, stub *telegramStub) (*Notifier, *time.Time) {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	log := logrus.New()
	log.Out = io.Discard
	n := New(Config{BotToken: "T0K3N", ChatID: "42", WorkerID: "worker-1", APIURL: srv.URL, Cooldown: time.Minute}, log)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n.now = func() time.Time { return now }
	return n, &now
}

func TestSendAlertPostsToBotEndpoint(t *testing.T) {
	stub := &telegramStub{}
	n, _ := newNotifier(t, stub)

	require.NoError(t, n.SendAlert(context.Background(), "hello"))
	stub.mu.Lock()
	assert.Equal(t, []string{"/botT0K3N/sendMessage"}, stub.paths)
	stub.mu.Unlock()
	assert.Equal(t, []string{"hello"}, stub.sent())

	stub.mu.Lock()
	stub.code = http.StatusBadRequest
	stub.mu.Unlock()
	err := n.SendAlert(context.Background(), "again")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "T0K3N")
}

func TestDisabledWithoutToken(t *testing.T) {
	log := logrus.New()
	log.Out = io.Discard
	n := New(Config{}, log)
	assert.False(t, n.Enabled())
	assert.NoError(t, n.SendAlert(context.Background(), "ignored"))

	hub := events.NewHub(logrus.NewEntry(log))
	done := make(chan struct{})
	go func() { n.Run(context.Background(), hub); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately when disabled")
	}
	assert.Zero(t, hub.Subscribers())
}

func TestAlertsAndCooldown(t *testing.T) {
	stub := &telegramStub{}
	n, now := newNotifier(t, stub)
	ctx := context.Background()

	n.Handle(ctx, events.New("s1", "acme", events.Ready{}))
	assert.Empty(t, stub.sent(), "ready without an outage is not an alert")

	n.Handle(ctx, events.New("s1", "acme", events.Disconnected{Reason: "connection <lost>"}))
	n.Handle(ctx, events.New("s1", "acme", events.Disconnected{Reason: "again"}))
	n.Handle(ctx, events.New("s2", "acme", events.Disconnected{Reason: "other session"}))
	n.Handle(ctx, events.New("s1", "acme", events.MessageStatus{MessageID: "m"}))

	sent := stub.sent()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[0], "DISCONNECTED")
	assert.Contains(t, sent[0], "connection &lt;lost&gt;")
	assert.Contains(t, sent[1], "s2")

	*now = now.Add(2 * time.Minute)
	n.Handle(ctx, events.New("s1", "acme", events.Disconnected{Reason: "after cooldown"}))
	n.Handle(ctx, events.New("s1", "acme", events.Ready{}))
	n.Handle(ctx, events.New("s1", "acme", events.AuthFailure{Message: "logged out"}))
	n.Handle(ctx, events.New("s1", "acme", events.SessionDestroyed{}))

	sent = stub.sent()
	require.Len(t, sent, 6)
	assert.Contains(t, sent[2], "after cooldown")
	assert.Contains(t, sent[3], "RECONNECTED")
	assert.Contains(t, sent[4], "AUTH FAILURE")
	assert.Contains(t, sent[5], "SESSION DESTROYED")
}

func TestRunConsumesAdminRoom(t *testing.T) {
	stub := &telegramStub{}
	n, _ := newNotifier(t, stub)

	log := logrus.New()
	log.Out = io.Discard
	hub := events.NewHub(logrus.NewEntry(log))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx, hub)

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	hub.Publish(events.New("s9", "", events.AuthFailure{Message: "QR code timeout"}))

	assert.Eventually(t, func() bool { return len(stub.sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	hub.Close()
}
