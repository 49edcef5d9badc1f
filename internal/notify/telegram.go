// Package notify sends operator alerts to Telegram for session lifecycle
// trouble.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/waweb/internal/events"
)

const (
	DefaultAPIURL   = "https://api.telegram.org"
	DefaultCooldown = 5 * time.Minute
	timeLayout      = "2006-01-02 15:04:05"
)

type Config struct {
	BotToken string
	ChatID   string
	WorkerID string
	Cooldown time.Duration
	APIURL   string
}

// Notifier handles Telegram notifications
type Notifier struct {
	cfg    Config
	client *http.Client
	log    *logrus.Entry
	now    func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
	down     map[string]bool
}

func New(cfg Config, log *logrus.Logger) *Notifier {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	return &Notifier{
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log.WithField("component", "telegram"),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
		down:     make(map[string]bool),
	}
}

// Enabled is false when no bot token or chat is configured.
func (n *Notifier) Enabled() bool {
	return n.cfg.BotToken != "" && n.cfg.ChatID != ""
}

// SendAlert sends a message to Telegram
func (n *Notifier) SendAlert(ctx context.Context, message string) error {
	if !n.Enabled() {
		return nil
	}
	payload, err := json.Marshal(map[string]string{
		"chat_id":    n.cfg.ChatID,
		"text":       message,
		"parse_mode": "HTML",
	})
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.cfg.APIURL, n.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		// The URL carries the token.
		return errors.New("send telegram message: request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// Run forwards alerts from the hub's admin room until ctx ends or the hub
// closes.
func (n *Notifier) Run(ctx context.Context, hub *events.Hub) {
	if !n.Enabled() {
		n.log.Info("[telegram] alerts disabled")
		return
	}
	sub := hub.Subscribe(events.AdminRoom)
	defer hub.Unsubscribe(sub)

	n.log.Info("[telegram] alerts enabled")
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			n.Handle(ctx, evt)
		}
	}
}

// Handle sends the alert for evt, if it warrants one and the session is
// not in cooldown for that kind.
func (n *Notifier) Handle(ctx context.Context, evt events.Event) {
	msg, ok := n.format(evt)
	if !ok || !n.admit(evt) {
		return
	}
	if err := n.SendAlert(ctx, msg); err != nil {
		n.log.WithError(err).WithField("session", evt.SessionID).Warnf("[telegram] failed to send %s alert", evt.Kind())
		return
	}
	n.log.WithField("session", evt.SessionID).Infof("[telegram] %s alert sent", evt.Kind())
}

func (n *Notifier) admit(evt events.Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch evt.Kind() {
	case events.KindReady:
		// Only a recovery is worth an alert.
		if !n.down[evt.SessionID] {
			return false
		}
		delete(n.down, evt.SessionID)
	case events.KindDisconnected, events.KindAuthFailure:
		n.down[evt.SessionID] = true
	case events.KindSessionDestroyed:
		delete(n.down, evt.SessionID)
	}

	key := evt.SessionID + "/" + string(evt.Kind())
	now := n.now()
	if last, ok := n.lastSent[key]; ok && now.Sub(last) < n.cfg.Cooldown {
		return false
	}
	n.lastSent[key] = now
	return true
}

func (n *Notifier) format(evt events.Event) (string, bool) {
	session := html.EscapeString(evt.SessionID)
	worker := html.EscapeString(n.cfg.WorkerID)
	at := evt.Timestamp.Format(timeLayout)

	switch p := evt.Payload.(type) {
	case events.Disconnected:
		return fmt.Sprintf(`⚠️ <b>DISCONNECTED</b>

📱 Session: %s
🖥️ Worker: %s
📝 Reason: %s
⏰ Time: %s`, session, worker, html.EscapeString(p.Reason), at), true
	case events.AuthFailure:
		return fmt.Sprintf(`🚨 <b>AUTH FAILURE</b>

📱 Session: %s
🖥️ Worker: %s
❌ Error: %s
⏰ Time: %s
⚠️ Action: scan a new QR code`, session, worker, html.EscapeString(p.Message), at), true
	case events.SessionDestroyed:
		return fmt.Sprintf(`🗑️ <b>SESSION DESTROYED</b>

📱 Session: %s
🖥️ Worker: %s
⏰ Time: %s`, session, worker, at), true
	case events.Ready:
		return fmt.Sprintf(`✅ <b>RECONNECTED</b>

📱 Session: %s
🖥️ Worker: %s
⏰ Time: %s`, session, worker, at), true
	}
	return "", false
}
