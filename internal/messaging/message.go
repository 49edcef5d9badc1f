package messaging

import (
	"time"

	"github.com/whatsapp-automation/waweb/internal/driver"
)

// Message types reported for inbound and outbound messages.
const (
	TypeChat     = "chat"
	TypeImage    = "image"
	TypeVideo    = "video"
	TypeAudio    = "audio"
	TypeDocument = "document"
	TypeSticker  = "sticker"
)

// Message is the normalized form of a sent or received message.
type Message struct {
	ID        string        `json:"id"`
	ChatID    string        `json:"chatId"`
	ChatName  string        `json:"chatName,omitempty"`
	From      string        `json:"from"`
	FromName  string        `json:"fromName,omitempty"`
	Body      string        `json:"body"`
	Type      string        `json:"type"`
	IsGroup   bool          `json:"isGroup"`
	FromMe    bool          `json:"fromMe"`
	HasMedia  bool          `json:"hasMedia"`
	Timestamp time.Time     `json:"timestamp"`
	Ack       string        `json:"ack,omitempty"`
	Media     *MediaPayload `json:"media,omitempty"`
}

// MediaPayload is downloaded media attached to a Message.
type MediaPayload struct {
	MimeType string `json:"mimetype"`
	FileName string `json:"filename,omitempty"`
	Data     string `json:"data"`
	Size     int64  `json:"size"`
}

// Ack statuses in delivery order.
const (
	AckStatusError    = "ERROR"
	AckStatusClock    = "CLOCK"
	AckStatusSent     = "SENT"
	AckStatusReceived = "RECEIVED"
	AckStatusRead     = "READ"
	AckStatusPlayed   = "PLAYED"
)

// AckStatus names a delivery acknowledgement level.
func AckStatus(level int) string {
	switch level {
	case driver.AckError:
		return AckStatusError
	case driver.AckClock:
		return AckStatusClock
	case driver.AckSent:
		return AckStatusSent
	case driver.AckReceived:
		return AckStatusReceived
	case driver.AckRead:
		return AckStatusRead
	case driver.AckPlayed:
		return AckStatusPlayed
	}
	return "UNKNOWN"
}

// SendResult describes an accepted outbound message.
type SendResult struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
	Recipient string    `json:"recipient"`
}
