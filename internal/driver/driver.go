// Package driver defines the narrow capability surface the session core
// needs from a WhatsApp Web automation backend.
package driver

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by lookups that have no matching entity.
var ErrNotFound = errors.New("driver: not found")

// ConnState is the live connection state reported by a driver.
type ConnState string

const (
	StateConnected    ConnState = "CONNECTED"
	StateConnecting   ConnState = "CONNECTING"
	StateUnpaired     ConnState = "UNPAIRED"
	StateDisconnected ConnState = "DISCONNECTED"
)

// Ack levels reported by the provider for a sent message.
const (
	AckError    = -1
	AckClock    = 0
	AckSent     = 1
	AckReceived = 2
	AckRead     = 3
	AckPlayed   = 4
)

// AccountInfo describes the logged-in account once a session is ready.
type AccountInfo struct {
	PushName string `json:"pushname"`
	Platform string `json:"platform"`
	Phone    string `json:"phone"`
}

// SendOptions tweaks an outbound send.
type SendOptions struct {
	QuotedID string
}

// SendReceipt is what the provider hands back for an accepted message.
type SendReceipt struct {
	MessageID string
	Timestamp time.Time
}

// Media is an outbound attachment. Either URL or Base64 is set.
type Media struct {
	URL      string
	Base64   string
	MimeType string
	FileName string
}

// IncomingMedia describes an attachment on a received message. Handle is
// opaque to callers and only meaningful to the driver that produced it.
type IncomingMedia struct {
	MimeType string
	FileName string
	Size     uint64
	Handle   any
}

// Contact is an address book entry as seen by the driver.
type Contact struct {
	ID           string
	Phone        string
	Name         string
	PushName     string
	VerifiedName string
	IsSaved      bool
	IsBusiness   bool
	IsBlocked    bool
}

// NumberStatus is the result of probing a phone number.
type NumberStatus struct {
	Exists bool
	ID     string
}

// Chat is one conversation in the driver's chat list.
type Chat struct {
	ID           string
	Name         string
	IsGroup      bool
	UnreadCount  int
	LastActivity time.Time
}

// Group is a group the account participates in.
type Group struct {
	ID           string
	Name         string
	Participants int
	IsAdmin      bool
	CreatedAt    time.Time
}

// Driver is one live automation client bound to a single session.
type Driver interface {
	Initialize(ctx context.Context) error
	State(ctx context.Context) (ConnState, error)

	SendText(ctx context.Context, to, body string, opts SendOptions) (SendReceipt, error)
	SendMedia(ctx context.Context, to string, media Media, caption string, opts SendOptions) (SendReceipt, error)
	Revoke(ctx context.Context, chatID, messageID string) error
	DownloadMedia(ctx context.Context, media *IncomingMedia) ([]byte, error)

	Contacts(ctx context.Context) ([]Contact, error)
	Contact(ctx context.Context, id string) (Contact, error)
	CheckNumber(ctx context.Context, phone string) (NumberStatus, error)
	Chats(ctx context.Context) ([]Chat, error)
	Groups(ctx context.Context) ([]Group, error)
	SetBlocked(ctx context.Context, id string, block bool) error
	SubscribePresence(ctx context.Context, id string) error

	Logout(ctx context.Context) error
	// Destroy terminates the client without touching auth artifacts.
	Destroy() error
}

// Handler receives driver events in emission order.
type Handler func(Event)

// Options configure a new driver instance.
type Options struct {
	SessionID string
	TenantID  string
	AuthDir   string
	Handler   Handler
	Logger    *logrus.Entry
}

// Factory builds a driver for one session.
type Factory func(opts Options) (Driver, error)

// NormalizePhone strips everything but digits.
func NormalizePhone(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// UserServer and GroupServer are the address suffixes used on the wire.
const (
	UserServer  = "s.whatsapp.net"
	GroupServer = "g.us"
)

// Address maps a recipient into addressing form. Full addresses pass
// through untouched, bare numbers become user addresses.
func Address(recipient string) string {
	recipient = strings.TrimSpace(recipient)
	if strings.Contains(recipient, "@") {
		if user, server, ok := strings.Cut(recipient, "@"); ok && server == "c.us" {
			return user + "@" + UserServer
		}
		return recipient
	}
	return NormalizePhone(recipient) + "@" + UserServer
}

// PhoneFromAddress returns the user part of an address, digits only.
func PhoneFromAddress(addr string) string {
	user, _, _ := strings.Cut(addr, "@")
	if i := strings.IndexAny(user, ":."); i >= 0 {
		user = user[:i]
	}
	return NormalizePhone(user)
}

// IsGroupAddress reports whether addr points at a group chat.
func IsGroupAddress(addr string) bool {
	return strings.HasSuffix(addr, "@"+GroupServer)
}
