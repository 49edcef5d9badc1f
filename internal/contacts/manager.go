// Package contacts serves a session's address book, chats and groups, and
// mirrors contacts into tenant-scoped storage.
package contacts

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/whatsapp-automation/waweb/internal/driver"
	"github.com/whatsapp-automation/waweb/internal/events"
	"github.com/whatsapp-automation/waweb/internal/session"
	"github.com/whatsapp-automation/waweb/internal/storage"
)

// ErrContactNotFound is returned when the driver has no record of a contact.
var ErrContactNotFound = errors.New("contact not found")

// Sessions hands out driver leases for READY sessions.
type Sessions interface {
	Acquire(ctx context.Context, id string) (*session.Lease, error)
}

// Repository persists contacts per tenant.
type Repository interface {
	FindOrCreate(ctx context.Context, rec storage.Contact) (storage.Contact, bool, error)
	UpdateName(ctx context.Context, id uint, name string) error
	DeleteByIDs(ctx context.Context, tenantID string, ids []uint) (int64, error)
	DeleteBySession(ctx context.Context, tenantID, sessionID string) (int64, error)
}

type Config struct {
	FetchTimeout   time.Duration
	CheckTimeout   time.Duration
	SyncTimeout    time.Duration
	RetryAfter     time.Duration
	HomePrefix     string
	TenantPrefixes map[string]string
	SyncWorkers    int
	PageSize       int
	MaxPageSize    int
	ChatPageSize   int
}

func DefaultConfig() Config {
	return Config{
		FetchTimeout: 25 * time.Second,
		CheckTimeout: 10 * time.Second,
		SyncTimeout:  5 * time.Minute,
		RetryAfter:   5 * time.Second,
		HomePrefix:   "90",
		SyncWorkers:  4,
		PageSize:     50,
		MaxPageSize:  500,
		ChatPageSize: 30,
	}
}

type cacheEntry struct {
	contacts  []Contact
	fetchedAt time.Time
}

// Manager answers contact queries against live sessions and keeps a
// per-session cache of the last successful fetch.
type Manager struct {
	cfg      Config
	sessions Sessions
	repo     Repository
	pub      events.Publisher
	log      *logrus.Entry
	now      func() time.Time

	pool   *ants.Pool
	flight singleflight.Group

	mu       sync.RWMutex
	cache    map[string]cacheEntry
	gen      map[string]uint64 // bumped when a session's cache goes stale
	presence map[string]map[string]PresenceInfo
	syncing  map[string]bool
}

func NewManager(cfg Config, sessions Sessions, repo Repository, pub events.Publisher, log *logrus.Entry) (*Manager, error) {
	if pub == nil {
		pub = events.Discard
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.SyncWorkers <= 0 {
		cfg.SyncWorkers = 1
	}
	pool, err := ants.NewPool(cfg.SyncWorkers, ants.WithNonblocking(true))
	if err != nil {
		return nil, errors.Wrap(err, "contact sync pool")
	}
	return &Manager{
		cfg:      cfg,
		sessions: sessions,
		repo:     repo,
		pub:      pub,
		log:      log.WithField("component", "contacts"),
		now:      time.Now,
		pool:     pool,
		cache:    make(map[string]cacheEntry),
		gen:      make(map[string]uint64),
		presence: make(map[string]map[string]PresenceInfo),
		syncing:  make(map[string]bool),
	}, nil
}

// Close stops accepting background refreshes and waits briefly for
// running ones.
func (m *Manager) Close() {
	if err := m.pool.ReleaseTimeout(5 * time.Second); err != nil {
		m.log.WithError(err).Warn("[contacts] sync workers still running at close")
	}
}

// HomePrefix returns the calling-code prefix preferred for tenantID.
func (m *Manager) HomePrefix(tenantID string) string {
	if p, ok := m.cfg.TenantPrefixes[tenantID]; ok {
		return p
	}
	return m.cfg.HomePrefix
}

func (m *Manager) cached(sessionID string) (cacheEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.cache[sessionID]
	return e, ok
}

// fetch loads and normalizes the full contact list. Concurrent callers for
// one session share a single driver call. A result fetched across a
// contact change is returned but not cached.
func (m *Manager) fetch(lease *session.Lease, tenantID string) ([]Contact, error) {
	ch := m.flight.DoChan(lease.SessionID, func() (interface{}, error) {
		m.mu.RLock()
		gen := m.gen[lease.SessionID]
		m.mu.RUnlock()

		raw, err := session.Await(context.WithoutCancel(lease.Ctx), "getContacts", m.cfg.FetchTimeout, lease.Driver.Contacts)
		if err != nil {
			return nil, err
		}
		list := Normalize(raw, m.HomePrefix(tenantID))
		m.attachPresence(lease.SessionID, list)
		m.mu.Lock()
		if lease.Ctx.Err() == nil && m.gen[lease.SessionID] == gen {
			m.cache[lease.SessionID] = cacheEntry{contacts: list, fetchedAt: m.now()}
		}
		m.mu.Unlock()
		return list, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]Contact), nil
	case <-lease.Ctx.Done():
		return nil, lease.Ctx.Err()
	}
}

// List returns one page of the session's contacts. A slow driver is
// answered from cache, or with an empty loading page when nothing is
// cached yet.
func (m *Manager) List(ctx context.Context, sessionID, tenantID string, q Query) (*Page, error) {
	q = m.normalizeQuery(q)
	lease, err := m.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	if tenantID == "" {
		tenantID = lease.TenantID
	}

	all, err := m.fetch(lease, tenantID)
	if err == nil {
		return paginate(all, q), nil
	}

	log := m.log.WithFields(logrus.Fields{"session": sessionID, "op": "getContacts"})
	if cached, ok := m.cached(sessionID); ok && lease.Ctx.Err() == nil {
		log.WithError(err).WithField("cachedAt", humanize.Time(cached.fetchedAt)).Warn("[contacts] fetch failed, serving cache")
		p := paginate(cached.contacts, q)
		p.FromCache = true
		return p, nil
	}
	if session.IsTimeout(err) {
		log.Warn("[contacts] fetch timed out with empty cache")
		return &Page{
			Contacts:     []Contact{},
			Page:         q.Page,
			Limit:        q.Limit,
			Loading:      true,
			RetryAfterMs: m.cfg.RetryAfter.Milliseconds(),
		}, nil
	}
	if lease.Ctx.Err() != nil {
		return nil, err
	}
	log.WithError(err).Error("[contacts] fetch failed")
	return nil, &session.DriverError{Op: "getContacts", Cause: err}
}

func (m *Manager) normalizeQuery(q Query) Query {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = m.cfg.PageSize
	}
	if m.cfg.MaxPageSize > 0 && q.Limit > m.cfg.MaxPageSize {
		q.Limit = m.cfg.MaxPageSize
	}
	return q
}

// Get resolves a single contact by phone number or address.
func (m *Manager) Get(ctx context.Context, sessionID, phone string) (Contact, error) {
	lease, err := m.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return Contact{}, err
	}
	defer lease.Release()

	id := driver.Address(phone)
	raw, err := session.Await(lease.Ctx, "getContact", m.cfg.FetchTimeout, func(ctx context.Context) (driver.Contact, error) {
		return lease.Driver.Contact(ctx, id)
	})
	switch {
	case errors.Is(err, driver.ErrNotFound):
		return Contact{}, ErrContactNotFound
	case err != nil:
		return Contact{}, wrapDriver("getContact", err)
	}
	c := fromDriver(raw, driver.PhoneFromAddress(id))
	if p, ok := m.lastPresence(sessionID, c.ID); ok {
		c.LastSeen = p.LastSeen
	}
	return c, nil
}

// NumberCheck is the registration status of one queried number.
type NumberCheck struct {
	Number string `json:"number"`
	Exists bool   `json:"exists"`
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// CheckNumbers reports which numbers are registered. Failures are recorded
// per entry; only an unusable session fails the whole call.
func (m *Manager) CheckNumbers(ctx context.Context, sessionID string, numbers []string) ([]NumberCheck, error) {
	lease, err := m.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	out := make([]NumberCheck, 0, len(numbers))
	for _, n := range numbers {
		res := NumberCheck{Number: n}
		phone := driver.NormalizePhone(n)
		if len(phone) < MinPhoneDigits {
			res.Error = "invalid phone number"
			out = append(out, res)
			continue
		}
		st, err := session.Await(lease.Ctx, "checkNumber", m.cfg.CheckTimeout, func(ctx context.Context) (driver.NumberStatus, error) {
			return lease.Driver.CheckNumber(ctx, phone)
		})
		if err != nil {
			if lease.Ctx.Err() != nil {
				return nil, err
			}
			res.Error = err.Error()
		} else {
			res.Exists, res.ID = st.Exists, st.ID
		}
		out = append(out, res)
	}
	return out, nil
}

// Block blocks or unblocks a contact. Repeating the same call is harmless.
func (m *Manager) Block(ctx context.Context, sessionID, phone string, block bool) error {
	lease, err := m.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer lease.Release()

	id := driver.Address(phone)
	err = session.AwaitErr(lease.Ctx, "setBlocked", m.cfg.FetchTimeout, func(ctx context.Context) error {
		return lease.Driver.SetBlocked(ctx, id, block)
	})
	if err != nil {
		return wrapDriver("setBlocked", err)
	}

	m.mu.Lock()
	if e, ok := m.cache[sessionID]; ok {
		updated := make([]Contact, len(e.contacts))
		copy(updated, e.contacts)
		for i := range updated {
			if updated[i].ID == id {
				updated[i].IsBlocked = block
			}
		}
		e.contacts = updated
		m.cache[sessionID] = e
	}
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"session": sessionID, "contact": id, "blocked": block}).Info("[contacts] block state changed")
	return nil
}

// DeleteContacts removes persisted contacts of a tenant by id.
func (m *Manager) DeleteContacts(ctx context.Context, tenantID string, ids []uint) (int64, error) {
	return m.repo.DeleteByIDs(ctx, tenantID, ids)
}

// ClearSession removes every persisted contact a session contributed.
func (m *Manager) ClearSession(ctx context.Context, tenantID, sessionID string) (int64, error) {
	return m.repo.DeleteBySession(ctx, tenantID, sessionID)
}

// wrapDriver leaves the error taxonomy untouched and wraps anything else.
func wrapDriver(op string, err error) error {
	var (
		te *session.TimeoutError
		de *session.DriverError
	)
	if errors.As(err, &te) || errors.As(err, &de) || errors.Is(err, context.Canceled) {
		return err
	}
	return &session.DriverError{Op: op, Cause: err}
}
