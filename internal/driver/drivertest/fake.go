// Package drivertest provides a programmable in-memory driver.
package drivertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/whatsapp-automation/waweb/internal/driver"
)

// Fake implements driver.Driver. Every operation can be overridden by
// setting the matching func field; unset fields fall back to a canned
// behaviour backed by the exported state.
type Fake struct {
	Opts driver.Options

	InitializeFn    func(ctx context.Context) error
	StateFn         func(ctx context.Context) (driver.ConnState, error)
	SendTextFn      func(ctx context.Context, to, body string) (driver.SendReceipt, error)
	SendMediaFn     func(ctx context.Context, to string, m driver.Media, caption string) (driver.SendReceipt, error)
	ContactsFn      func(ctx context.Context) ([]driver.Contact, error)
	CheckNumberFn   func(ctx context.Context, phone string) (driver.NumberStatus, error)
	ChatsFn         func(ctx context.Context) ([]driver.Chat, error)
	GroupsFn        func(ctx context.Context) ([]driver.Group, error)
	DownloadMediaFn func(ctx context.Context, m *driver.IncomingMedia) ([]byte, error)
	LogoutFn        func(ctx context.Context) error
	DestroyFn       func() error

	mu       sync.Mutex
	state    driver.ConnState
	contacts []driver.Contact
	blocked  map[string]bool
	sent     []Sent
	revoked  []string
	presence []string

	InitCalls    atomic.Int32
	LogoutCalls  atomic.Int32
	DestroyCalls atomic.Int32
	seq          atomic.Int64
}

// Sent records one accepted outbound message.
type Sent struct {
	To      string
	Body    string
	Media   *driver.Media
	Caption string
}

// New returns a Fake reporting CONNECTED with no contacts.
func New(opts driver.Options) *Fake {
	return &Fake{Opts: opts, state: driver.StateConnected, blocked: map[string]bool{}}
}

// Emit delivers an event through the handler registered at construction.
func (f *Fake) Emit(evt driver.Event) {
	if f.Opts.Handler != nil {
		f.Opts.Handler(evt)
	}
}

func (f *Fake) SetState(s driver.ConnState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *Fake) SetContacts(c []driver.Contact) {
	f.mu.Lock()
	f.contacts = append([]driver.Contact(nil), c...)
	f.mu.Unlock()
}

func (f *Fake) SentMessages() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

func (f *Fake) Revoked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.revoked...)
}

func (f *Fake) Blocked(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked[id]
}

func (f *Fake) PresenceSubscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.presence...)
}

func (f *Fake) Initialize(ctx context.Context) error {
	f.InitCalls.Add(1)
	if f.InitializeFn != nil {
		return f.InitializeFn(ctx)
	}
	return nil
}

func (f *Fake) State(ctx context.Context) (driver.ConnState, error) {
	if f.StateFn != nil {
		return f.StateFn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *Fake) receipt() driver.SendReceipt {
	return driver.SendReceipt{
		MessageID: fmt.Sprintf("FAKE%06d", f.seq.Add(1)),
		Timestamp: time.Now(),
	}
}

func (f *Fake) SendText(ctx context.Context, to, body string, _ driver.SendOptions) (driver.SendReceipt, error) {
	if f.SendTextFn != nil {
		r, err := f.SendTextFn(ctx, to, body)
		if err == nil {
			f.record(Sent{To: to, Body: body})
		}
		return r, err
	}
	f.record(Sent{To: to, Body: body})
	return f.receipt(), nil
}

func (f *Fake) SendMedia(ctx context.Context, to string, m driver.Media, caption string, _ driver.SendOptions) (driver.SendReceipt, error) {
	if f.SendMediaFn != nil {
		r, err := f.SendMediaFn(ctx, to, m, caption)
		if err == nil {
			f.record(Sent{To: to, Media: &m, Caption: caption})
		}
		return r, err
	}
	f.record(Sent{To: to, Media: &m, Caption: caption})
	return f.receipt(), nil
}

func (f *Fake) record(s Sent) {
	f.mu.Lock()
	f.sent = append(f.sent, s)
	f.mu.Unlock()
}

func (f *Fake) Revoke(_ context.Context, chatID, messageID string) error {
	f.mu.Lock()
	f.revoked = append(f.revoked, chatID+"/"+messageID)
	f.mu.Unlock()
	return nil
}

func (f *Fake) DownloadMedia(ctx context.Context, m *driver.IncomingMedia) ([]byte, error) {
	if f.DownloadMediaFn != nil {
		return f.DownloadMediaFn(ctx, m)
	}
	return []byte("media"), nil
}

func (f *Fake) Contacts(ctx context.Context) ([]driver.Contact, error) {
	if f.ContactsFn != nil {
		return f.ContactsFn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]driver.Contact, len(f.contacts))
	for i, c := range f.contacts {
		c.IsBlocked = c.IsBlocked || f.blocked[c.ID]
		out[i] = c
	}
	return out, nil
}

func (f *Fake) Contact(ctx context.Context, id string) (driver.Contact, error) {
	all, err := f.Contacts(ctx)
	if err != nil {
		return driver.Contact{}, err
	}
	for _, c := range all {
		if c.ID == id {
			return c, nil
		}
	}
	return driver.Contact{}, driver.ErrNotFound
}

func (f *Fake) CheckNumber(ctx context.Context, phone string) (driver.NumberStatus, error) {
	if f.CheckNumberFn != nil {
		return f.CheckNumberFn(ctx, phone)
	}
	return driver.NumberStatus{Exists: true, ID: driver.Address(phone)}, nil
}

func (f *Fake) Chats(ctx context.Context) ([]driver.Chat, error) {
	if f.ChatsFn != nil {
		return f.ChatsFn(ctx)
	}
	return nil, nil
}

func (f *Fake) Groups(ctx context.Context) ([]driver.Group, error) {
	if f.GroupsFn != nil {
		return f.GroupsFn(ctx)
	}
	return nil, nil
}

func (f *Fake) SetBlocked(_ context.Context, id string, block bool) error {
	f.mu.Lock()
	f.blocked[id] = block
	f.mu.Unlock()
	return nil
}

func (f *Fake) SubscribePresence(_ context.Context, id string) error {
	f.mu.Lock()
	f.presence = append(f.presence, id)
	f.mu.Unlock()
	return nil
}

func (f *Fake) Logout(ctx context.Context) error {
	f.LogoutCalls.Add(1)
	if f.LogoutFn != nil {
		return f.LogoutFn(ctx)
	}
	return nil
}

func (f *Fake) Destroy() error {
	f.DestroyCalls.Add(1)
	if f.DestroyFn != nil {
		return f.DestroyFn()
	}
	return nil
}

// Factory hands out Fakes and remembers them per session id.
type Factory struct {
	// Configure, if set, runs on each new Fake before it is returned.
	Configure func(*Fake)

	mu    sync.Mutex
	made  map[string][]*Fake
	Err   error
	count atomic.Int32
}

func NewFactory() *Factory {
	return &Factory{made: map[string][]*Fake{}}
}

// New satisfies driver.Factory.
func (fa *Factory) New(opts driver.Options) (driver.Driver, error) {
	if fa.Err != nil {
		return nil, fa.Err
	}
	f := New(opts)
	if fa.Configure != nil {
		fa.Configure(f)
	}
	fa.mu.Lock()
	fa.made[opts.SessionID] = append(fa.made[opts.SessionID], f)
	fa.mu.Unlock()
	fa.count.Add(1)
	return f, nil
}

// Last returns the most recent Fake built for id.
func (fa *Factory) Last(id string) *Fake {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	l := fa.made[id]
	if len(l) == 0 {
		return nil
	}
	return l[len(l)-1]
}

// All returns every Fake built for id, oldest first.
func (fa *Factory) All(id string) []*Fake {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return append([]*Fake(nil), fa.made[id]...)
}

// Count is the number of drivers built so far.
func (fa *Factory) Count() int {
	return int(fa.count.Load())
}
