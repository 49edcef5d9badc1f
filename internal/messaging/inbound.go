package messaging

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/waweb/internal/contacts"
	"github.com/whatsapp-automation/waweb/internal/driver"
	"github.com/whatsapp-automation/waweb/internal/events"
	"github.com/whatsapp-automation/waweb/internal/session"
)

// inbox processes one session's inbound events in arrival order, off the
// session event loop.
type inbox struct {
	ref  session.Ref
	ch   chan driver.Event
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

func (in *inbox) push(evt driver.Event) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if !in.closed {
		in.ch <- evt
	}
}

// close stops intake and waits for queued events to be processed.
func (in *inbox) close() {
	in.mu.Lock()
	if !in.closed {
		in.closed = true
		close(in.ch)
	}
	in.mu.Unlock()
	<-in.done
}

func (h *Handler) inboxFor(ref session.Ref) *inbox {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	in, ok := h.inboxes[ref.ID]
	if !ok {
		in = &inbox{ref: ref, ch: make(chan driver.Event, h.cfg.InboxSize), done: make(chan struct{})}
		h.inboxes[ref.ID] = in
		go h.drain(in)
	}
	return in
}

func (h *Handler) drain(in *inbox) {
	defer close(in.done)
	for evt := range in.ch {
		switch e := evt.(type) {
		case driver.Message:
			h.receive(in.ref, e)
		case driver.Ack:
			h.ack(in.ref, e)
		}
	}
}

// HandleEvent implements session.Observer.
func (h *Handler) HandleEvent(ref session.Ref, evt driver.Event) {
	switch evt.(type) {
	case driver.Message, driver.Ack:
	default:
		return
	}
	if in := h.inboxFor(ref); in != nil {
		in.push(evt)
	}
}

// SessionRemoved implements session.Observer. Pending inbound events are
// processed before the session's history is dropped.
func (h *Handler) SessionRemoved(ref session.Ref) {
	h.mu.Lock()
	in, ok := h.inboxes[ref.ID]
	delete(h.inboxes, ref.ID)
	h.mu.Unlock()
	if ok {
		in.close()
	}
	h.history.drop(ref.ID)
}

// Close stops every inbox after it drains.
func (h *Handler) Close() {
	h.mu.Lock()
	h.closed = true
	inboxes := h.inboxes
	h.inboxes = make(map[string]*inbox)
	h.mu.Unlock()
	for _, in := range inboxes {
		in.close()
	}
}

func (h *Handler) receive(ref session.Ref, e driver.Message) {
	msg := Message{
		ID:        e.ID,
		ChatID:    e.ChatID,
		ChatName:  e.ChatName,
		From:      e.From,
		FromName:  e.PushName,
		Body:      e.Body,
		Type:      e.Type,
		IsGroup:   e.IsGroup,
		FromMe:    e.FromMe,
		HasMedia:  e.Media != nil,
		Timestamp: e.Timestamp,
	}
	if msg.Type == "" {
		msg.Type = TypeChat
	}
	log := h.log.WithFields(logrus.Fields{"session": ref.ID, "tenant": ref.TenantID, "id": e.ID})

	needName := !msg.FromMe && (msg.FromName == "" || (!msg.IsGroup && msg.ChatName == ""))
	needMedia := e.Media != nil && h.cfg.DownloadMedia
	if needName || needMedia {
		if lease, err := h.sessions.Acquire(context.Background(), ref.ID); err == nil {
			if needName {
				h.resolveSender(lease, &msg)
			}
			if needMedia {
				msg.Media = h.download(lease, e.Media, log)
			}
			lease.Release()
		} else {
			log.WithError(err).Debug("[messaging] session unavailable for enrichment")
		}
	}

	h.history.add(ref.ID, msg)
	h.pub.Publish(events.New(ref.ID, ref.TenantID, events.MessageReceived{Message: msg}))
	log.WithFields(logrus.Fields{"from": msg.From, "type": msg.Type}).Debug("[messaging] message received")
}

func (h *Handler) resolveSender(lease *session.Lease, msg *Message) {
	c, err := session.Await(lease.Ctx, "getContact", h.cfg.ResolveTimeout, func(ctx context.Context) (driver.Contact, error) {
		return lease.Driver.Contact(ctx, msg.From)
	})
	if err != nil {
		return
	}
	name, real := contacts.DisplayName(c, driver.PhoneFromAddress(msg.From))
	if !real {
		return
	}
	if msg.FromName == "" {
		msg.FromName = name
	}
	if !msg.IsGroup && msg.ChatName == "" {
		msg.ChatName = name
	}
}

func (h *Handler) download(lease *session.Lease, m *driver.IncomingMedia, log *logrus.Entry) *MediaPayload {
	data, err := session.Await(lease.Ctx, "downloadMedia", h.cfg.MediaTimeout, func(ctx context.Context) ([]byte, error) {
		return lease.Driver.DownloadMedia(ctx, m)
	})
	if err == nil && h.cfg.MaxMediaBytes > 0 && int64(len(data)) > h.cfg.MaxMediaBytes {
		err = errors.Errorf("media is %s", humanize.IBytes(uint64(len(data))))
	}
	if err != nil {
		log.WithError(err).Warn("[messaging] media download failed, emitting without media")
		return nil
	}
	return &MediaPayload{
		MimeType: m.MimeType,
		FileName: m.FileName,
		Data:     base64.StdEncoding.EncodeToString(data),
		Size:     int64(len(data)),
	}
}

func (h *Handler) ack(ref session.Ref, e driver.Ack) {
	status := AckStatus(e.Level)
	for _, id := range e.MessageIDs {
		h.history.setAck(ref.ID, id, status)
		h.pub.Publish(events.New(ref.ID, ref.TenantID, events.MessageStatus{
			MessageID: id,
			ChatID:    e.ChatID,
			Ack:       e.Level,
			Status:    status,
		}))
	}
}

var _ session.Observer = (*Handler)(nil)
