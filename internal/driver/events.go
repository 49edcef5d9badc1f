package driver

import "time"

// Event is the closed set of notifications a driver can emit.
type Event interface {
	driverEvent()
}

// QR carries a fresh pairing code. Image is a PNG data URL when the driver
// can render one.
type QR struct {
	Code  string
	Image string
}

type Authenticated struct{}

type Ready struct {
	Info AccountInfo
}

// ReasonLogout marks a disconnect caused by the account being logged out.
const ReasonLogout = "LOGOUT"

type Disconnected struct {
	Reason    string
	LoggedOut bool
}

type AuthFailure struct {
	Message string
}

// Message is a raw inbound or self-sent message.
type Message struct {
	ID        string
	ChatID    string
	ChatName  string
	From      string
	PushName  string
	Body      string
	Type      string
	IsGroup   bool
	FromMe    bool
	Timestamp time.Time
	Media     *IncomingMedia
}

type Ack struct {
	MessageIDs []string
	ChatID     string
	Level      int
	Timestamp  time.Time
}

type ContactChanged struct {
	ID string
}

type GroupJoined struct {
	GroupID string
	Name    string
}

type GroupLeft struct {
	GroupID string
}

type Presence struct {
	ID        string
	Available bool
	LastSeen  time.Time
}

func (QR) driverEvent()             {}
func (Authenticated) driverEvent()  {}
func (Ready) driverEvent()          {}
func (Disconnected) driverEvent()   {}
func (AuthFailure) driverEvent()    {}
func (Message) driverEvent()        {}
func (Ack) driverEvent()            {}
func (ContactChanged) driverEvent() {}
func (GroupJoined) driverEvent()    {}
func (GroupLeft) driverEvent()      {}
func (Presence) driverEvent()       {}
