// Package events carries lifecycle and message notifications from the
// session core to real-time subscribers.
package events

import (
	"encoding/json"
	"time"

	"github.com/whatsapp-automation/waweb/internal/driver"
)

// Kind names an event variant on the wire.
type Kind string

const (
	KindQR               Kind = "qr"
	KindAuthenticated    Kind = "authenticated"
	KindReady            Kind = "ready"
	KindDisconnected     Kind = "disconnected"
	KindAuthFailure      Kind = "auth_failure"
	KindMessage          Kind = "message"
	KindMessageAck       Kind = "message_ack"
	KindContactUpdate    Kind = "contact_update"
	KindGroupJoin        Kind = "group_join"
	KindGroupLeave       Kind = "group_leave"
	KindSessionDestroyed Kind = "session_destroyed"
)

// Payload is implemented by every event variant in this package only.
type Payload interface {
	Kind() Kind
	sealed()
}

// Event is the envelope published to the hub.
type Event struct {
	SessionID string
	TenantID  string
	Timestamp time.Time
	Payload   Payload
}

// New stamps an envelope with the current time.
func New(sessionID, tenantID string, p Payload) Event {
	return Event{SessionID: sessionID, TenantID: tenantID, Timestamp: time.Now(), Payload: p}
}

func (e Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      Kind      `json:"type"`
		SessionID string    `json:"sessionId"`
		TenantID  string    `json:"tenantId,omitempty"`
		Timestamp time.Time `json:"timestamp"`
		Data      Payload   `json:"data"`
	}{e.Kind(), e.SessionID, e.TenantID, e.Timestamp, e.Payload})
}

type QRIssued struct {
	Code  string `json:"qr"`
	Image string `json:"qrImage,omitempty"`
}

type Authenticated struct{}

type Ready struct {
	Info driver.AccountInfo `json:"info"`
}

type Disconnected struct {
	Reason string `json:"reason"`
}

type AuthFailure struct {
	Message string `json:"message"`
}

// MessageReceived wraps a normalized message. The message type is owned by
// the messaging package, so it is carried as an opaque value here.
type MessageReceived struct {
	Message any `json:"message"`
}

type MessageStatus struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	Ack       int    `json:"ack"`
	Status    string `json:"status"`
}

type ContactUpdated struct {
	ContactID string `json:"contactId"`
}

type GroupJoined struct {
	GroupID string `json:"groupId"`
	Name    string `json:"name,omitempty"`
}

type GroupLeft struct {
	GroupID string `json:"groupId"`
}

type SessionDestroyed struct{}

func (QRIssued) Kind() Kind         { return KindQR }
func (Authenticated) Kind() Kind    { return KindAuthenticated }
func (Ready) Kind() Kind            { return KindReady }
func (Disconnected) Kind() Kind     { return KindDisconnected }
func (AuthFailure) Kind() Kind      { return KindAuthFailure }
func (MessageReceived) Kind() Kind  { return KindMessage }
func (MessageStatus) Kind() Kind    { return KindMessageAck }
func (ContactUpdated) Kind() Kind   { return KindContactUpdate }
func (GroupJoined) Kind() Kind      { return KindGroupJoin }
func (GroupLeft) Kind() Kind        { return KindGroupLeave }
func (SessionDestroyed) Kind() Kind { return KindSessionDestroyed }

func (QRIssued) sealed()         {}
func (Authenticated) sealed()    {}
func (Ready) sealed()            {}
func (Disconnected) sealed()     {}
func (AuthFailure) sealed()      {}
func (MessageReceived) sealed()  {}
func (MessageStatus) sealed()    {}
func (ContactUpdated) sealed()   {}
func (GroupJoined) sealed()      {}
func (GroupLeft) sealed()        {}
func (SessionDestroyed) sealed() {}
