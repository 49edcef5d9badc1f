package session

import (
	"context"
	"sync"
	"time"

	"github.com/whatsapp-automation/waweb/internal/driver"
)

const eventBuffer = 256

// Session is one tenant's live WhatsApp Web context. Identity fields are
// immutable; everything behind mu changes only through the owning manager.
type Session struct {
	ID       string
	TenantID string
	AuthDir  string

	drv      driver.Driver
	ctx      context.Context
	cancel   context.CancelFunc
	events   chan driver.Event
	loopDone chan struct{}

	mu           sync.RWMutex
	status       Status
	qr           string
	qrImage      string
	info         *driver.AccountInfo
	createdAt    time.Time
	lastActivity time.Time
	initializing bool
	reconnecting bool
}

// Snapshot is a defensive copy of a session's observable state.
type Snapshot struct {
	ID           string              `json:"id"`
	TenantID     string              `json:"tenantId"`
	Status       Status              `json:"status"`
	QR           string              `json:"qr,omitempty"`
	QRImage      string              `json:"qrImage,omitempty"`
	Info         *driver.AccountInfo `json:"info,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
	LastActivity time.Time           `json:"lastActivity"`
}

func newSession(parent context.Context, id, tenantID, authDir string, now time.Time) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:           id,
		TenantID:     tenantID,
		AuthDir:      authDir,
		ctx:          ctx,
		cancel:       cancel,
		events:       make(chan driver.Event, eventBuffer),
		loopDone:     make(chan struct{}),
		status:       StatusInitializing,
		createdAt:    now,
		lastActivity: now,
		initializing: true,
	}
}

// enqueue is the driver handler. It blocks while the buffer is full so
// events are never reordered or lost, and gives up once the session is torn
// down.
func (s *Session) enqueue(evt driver.Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		ID:           s.ID,
		TenantID:     s.TenantID,
		Status:       s.status,
		QR:           s.qr,
		QRImage:      s.qrImage,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
	if s.info != nil {
		info := *s.info
		snap.Info = &info
	}
	return snap
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) idleState() (Status, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status, s.lastActivity
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) isInitializing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initializing
}

func (s *Session) setInitializing(v bool) {
	s.mu.Lock()
	s.initializing = v
	s.mu.Unlock()
}

// transition moves the session to `to` if the edge is legal. QR data is
// dropped whenever the new status is not QR_PENDING, and account info is
// dropped whenever the session leaves READY. mutate runs under the lock
// after those rules are applied.
func (s *Session) transition(to Status, now time.Time, mutate func()) (from Status, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from = s.status
	if !CanTransition(from, to) {
		return from, false
	}
	s.status = to
	if to != StatusQRPending {
		s.qr, s.qrImage = "", ""
	}
	if from == StatusReady && to != StatusReady {
		s.info = nil
	}
	if mutate != nil {
		mutate()
	}
	s.lastActivity = now
	return from, true
}

// downgrade forces READY to DISCONNECTED after a failed liveness check.
// It is a no-op when the session already left READY.
func (s *Session) downgrade(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusReady {
		return false
	}
	s.status = StatusDisconnected
	s.qr, s.qrImage = "", ""
	s.info = nil
	s.lastActivity = now
	return true
}

// claimReconnect returns true for exactly one caller until releaseReconnect.
func (s *Session) claimReconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconnecting {
		return false
	}
	s.reconnecting = true
	return true
}

func (s *Session) releaseReconnect() {
	s.mu.Lock()
	s.reconnecting = false
	s.mu.Unlock()
}

// Lease hands a READY session's driver to a caller. Ctx is cancelled when
// the caller's context ends or the session is torn down, whichever is first.
type Lease struct {
	SessionID string
	TenantID  string
	Driver    driver.Driver
	Ctx       context.Context

	release func()
}

// Release must be called once the caller is done with the driver.
func (l *Lease) Release() {
	if l.release != nil {
		l.release()
	}
}
