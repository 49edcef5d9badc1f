// Package messaging sends messages through READY sessions and turns
// inbound driver messages into published events.
package messaging

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/waweb/internal/driver"
	"github.com/whatsapp-automation/waweb/internal/events"
	"github.com/whatsapp-automation/waweb/internal/session"
)

// Sessions hands out driver leases for READY sessions.
type Sessions interface {
	Acquire(ctx context.Context, id string) (*session.Lease, error)
}

// SendError reports a message the driver did not accept.
type SendError struct {
	Recipient string
	Cause     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.Recipient, e.Cause)
}

func (e *SendError) Unwrap() error { return e.Cause }

type Config struct {
	SendTimeout     time.Duration
	ResolveTimeout  time.Duration
	MediaTimeout    time.Duration
	DefaultDelay    time.Duration
	DownloadMedia   bool
	HistorySize     int
	HistoryPageSize int
	MaxMediaBytes   int64
	InboxSize       int
}

func DefaultConfig() Config {
	return Config{
		SendTimeout:     30 * time.Second,
		ResolveTimeout:  3 * time.Second,
		MediaTimeout:    30 * time.Second,
		DefaultDelay:    2 * time.Second,
		DownloadMedia:   true,
		HistorySize:     500,
		HistoryPageSize: 50,
		MaxMediaBytes:   64 << 20,
		InboxSize:       256,
	}
}

// Handler is the message gateway for every session.
type Handler struct {
	cfg      Config
	sessions Sessions
	pub      events.Publisher
	log      *logrus.Entry
	history  *history

	sleep func(ctx context.Context, d time.Duration) error
	seed  func() int64

	mu      sync.Mutex
	inboxes map[string]*inbox
	closed  bool
}

func NewHandler(cfg Config, sessions Sessions, pub events.Publisher, log *logrus.Entry) *Handler {
	if pub == nil {
		pub = events.Discard
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1
	}
	return &Handler{
		cfg:      cfg,
		sessions: sessions,
		pub:      pub,
		log:      log.WithField("component", "messaging"),
		history:  newHistory(cfg.HistorySize),
		sleep:    sleepCtx,
		seed:     func() int64 { return time.Now().UnixNano() },
		inboxes:  make(map[string]*inbox),
	}
}

// SendOptions are per-message send flags.
type SendOptions struct {
	QuotedID string `json:"quotedMessageId,omitempty"`
}

func validateRecipient(recipient string) error {
	return validation.Validate(recipient,
		validation.Required,
		validation.By(func(v interface{}) error {
			s, _ := v.(string)
			if driver.IsGroupAddress(s) {
				return nil
			}
			if n := len(driver.PhoneFromAddress(driver.Address(s))); n < 7 || n > 15 {
				return errors.New("must be a phone number or chat address")
			}
			return nil
		}),
	)
}

// SendText sends a text message.
func (h *Handler) SendText(ctx context.Context, sessionID, recipient, body string, opts SendOptions) (*SendResult, error) {
	if err := (validation.Errors{
		"recipient": validateRecipient(recipient),
		"body":      validation.Validate(body, validation.Required),
	}).Filter(); err != nil {
		return nil, err
	}

	lease, err := h.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	to := driver.Address(recipient)
	r, err := session.Await(lease.Ctx, "sendMessage", h.cfg.SendTimeout, func(ctx context.Context) (driver.SendReceipt, error) {
		return lease.Driver.SendText(ctx, to, body, driver.SendOptions{QuotedID: opts.QuotedID})
	})
	if err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{"session": sessionID, "to": to, "op": "sendMessage"}).Warn("[messaging] send failed")
		return nil, &SendError{Recipient: recipient, Cause: err}
	}

	h.history.add(sessionID, Message{
		ID:        r.MessageID,
		ChatID:    to,
		Body:      body,
		Type:      TypeChat,
		IsGroup:   driver.IsGroupAddress(to),
		FromMe:    true,
		Timestamp: r.Timestamp,
		Ack:       AckStatusSent,
	})
	h.log.WithFields(logrus.Fields{"session": sessionID, "to": to, "id": r.MessageID}).Debug("[messaging] text sent")
	return &SendResult{Success: true, MessageID: r.MessageID, Timestamp: r.Timestamp, Recipient: to}, nil
}

// MediaRef points at media to send: a remote URL, a local file, or inline
// base64 data.
type MediaRef struct {
	URL      string `json:"url,omitempty"`
	Path     string `json:"path,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
	FileName string `json:"filename,omitempty"`
}

func (m MediaRef) Validate() error {
	set := 0
	for _, s := range []string{m.URL, m.Path, m.Data} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return errors.New("exactly one of url, path or data is required")
	}
	return nil
}

func (h *Handler) loadMedia(ref MediaRef) (driver.Media, error) {
	m := driver.Media{URL: ref.URL, MimeType: ref.MimeType, FileName: ref.FileName}
	switch {
	case ref.Path != "":
		fi, err := os.Stat(ref.Path)
		if err != nil {
			return m, errors.Wrap(err, "media file")
		}
		if h.cfg.MaxMediaBytes > 0 && fi.Size() > h.cfg.MaxMediaBytes {
			return m, errors.Errorf("media file is %s, limit is %s",
				humanize.IBytes(uint64(fi.Size())), humanize.IBytes(uint64(h.cfg.MaxMediaBytes)))
		}
		raw, err := os.ReadFile(ref.Path)
		if err != nil {
			return m, errors.Wrap(err, "read media file")
		}
		m.Base64 = base64.StdEncoding.EncodeToString(raw)
		if m.FileName == "" {
			m.FileName = filepath.Base(ref.Path)
		}
		if m.MimeType == "" {
			m.MimeType = MimeTypeFor(ref.Path)
		}
	case ref.Data != "":
		if _, err := base64.StdEncoding.DecodeString(ref.Data); err != nil {
			return m, errors.Wrap(err, "media data is not base64")
		}
		m.Base64 = ref.Data
	}
	if m.MimeType == "" {
		m.MimeType = MimeTypeFor(firstNonEmpty(m.FileName, ref.URL))
	}
	return m, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// SendMedia sends an image, video, audio clip or document with an
// optional caption.
func (h *Handler) SendMedia(ctx context.Context, sessionID, recipient string, ref MediaRef, caption string, opts SendOptions) (*SendResult, error) {
	if err := (validation.Errors{
		"recipient": validateRecipient(recipient),
		"media":     ref.Validate(),
	}).Filter(); err != nil {
		return nil, err
	}
	media, err := h.loadMedia(ref)
	if err != nil {
		return nil, validation.Errors{"media": err}
	}

	lease, err := h.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	to := driver.Address(recipient)
	log := h.log.WithFields(logrus.Fields{"session": sessionID, "to": to, "mimetype": media.MimeType})
	if media.Base64 != "" {
		log = log.WithField("size", humanize.Bytes(uint64(base64.StdEncoding.DecodedLen(len(media.Base64)))))
	}

	r, err := session.Await(lease.Ctx, "sendMedia", h.cfg.SendTimeout, func(ctx context.Context) (driver.SendReceipt, error) {
		return lease.Driver.SendMedia(ctx, to, media, caption, driver.SendOptions{QuotedID: opts.QuotedID})
	})
	if err != nil {
		log.WithError(err).Warn("[messaging] media send failed")
		return nil, &SendError{Recipient: recipient, Cause: err}
	}

	h.history.add(sessionID, Message{
		ID:        r.MessageID,
		ChatID:    to,
		Body:      caption,
		Type:      messageType(media.MimeType),
		IsGroup:   driver.IsGroupAddress(to),
		FromMe:    true,
		HasMedia:  true,
		Timestamp: r.Timestamp,
		Ack:       AckStatusSent,
	})
	log.WithField("id", r.MessageID).Info("[messaging] media sent")
	return &SendResult{Success: true, MessageID: r.MessageID, Timestamp: r.Timestamp, Recipient: to}, nil
}

// DeleteMessage drops a message from history and, with forEveryone,
// revokes it for every participant.
func (h *Handler) DeleteMessage(ctx context.Context, sessionID, chatID, messageID string, forEveryone bool) error {
	if err := validation.Validate(messageID, validation.Required); err != nil {
		return validation.Errors{"messageId": err}
	}
	if forEveryone {
		lease, err := h.sessions.Acquire(ctx, sessionID)
		if err != nil {
			return err
		}
		defer lease.Release()
		chat := driver.Address(chatID)
		err = session.AwaitErr(lease.Ctx, "revokeMessage", h.cfg.SendTimeout, func(ctx context.Context) error {
			return lease.Driver.Revoke(ctx, chat, messageID)
		})
		if err != nil {
			return &session.DriverError{Op: "revokeMessage", Cause: err}
		}
	}
	h.history.remove(sessionID, messageID)
	return nil
}
