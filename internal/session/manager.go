package session

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/whatsapp-automation/waweb/internal/driver"
	"github.com/whatsapp-automation/waweb/internal/events"
)

// Config holds lifecycle timings and the auth artifact layout.
type Config struct {
	AuthDir    string
	AuthPrefix string

	InitTimeout       time.Duration
	LogoutTimeout     time.Duration
	KeepAliveInterval time.Duration
	ProbeTimeout      time.Duration
	ReconnectDelay    time.Duration
	LivenessTimeout   time.Duration

	ProbeConcurrency int
	RestoreWorkers   int
}

func DefaultConfig() Config {
	return Config{
		AuthDir:           "./sessions",
		AuthPrefix:        "session-",
		InitTimeout:       60 * time.Second,
		LogoutTimeout:     10 * time.Second,
		KeepAliveInterval: 30 * time.Second,
		ProbeTimeout:      10 * time.Second,
		ReconnectDelay:    5 * time.Second,
		LivenessTimeout:   3 * time.Second,
		ProbeConcurrency:  8,
		RestoreWorkers:    4,
	}
}

// Ref identifies a session to observers.
type Ref struct {
	ID       string
	TenantID string
}

// Observer receives every driver event of every session after the
// lifecycle state has been updated. Calls for one session are sequential
// and in emission order.
type Observer interface {
	HandleEvent(ref Ref, evt driver.Event)
	SessionRemoved(ref Ref)
}

// ErrInvalidID rejects ids that cannot name an auth directory.
var ErrInvalidID = errors.New("invalid session id")

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// Manager owns every session: creation, teardown, state transitions,
// reconnection and keep-alive.
type Manager struct {
	cfg     Config
	store   *Store
	factory driver.Factory
	pub     events.Publisher
	log     *logrus.Entry
	now     func() time.Time

	obsMu     sync.RWMutex
	observers []Observer

	locks keyedMutex

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started sync.Once
}

func NewManager(cfg Config, store *Store, factory driver.Factory, pub events.Publisher, log *logrus.Entry) *Manager {
	if pub == nil {
		pub = events.Discard
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		store:   store,
		factory: factory,
		pub:     pub,
		log:     log.WithField("component", "session"),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// AddObserver registers a consumer of driver events. Register observers
// before sessions are created.
func (m *Manager) AddObserver(o Observer) {
	m.obsMu.Lock()
	m.observers = append(m.observers, o)
	m.obsMu.Unlock()
}

func (m *Manager) authDir(id string) string {
	return filepath.Join(m.cfg.AuthDir, m.cfg.AuthPrefix+id)
}

func (m *Manager) sessionLog(s *Session) *logrus.Entry {
	return m.log.WithFields(logrus.Fields{"session": s.ID, "tenant": s.TenantID})
}

// Create provisions a driver for id and starts it. A READY or still
// initializing session is returned as is together with ErrSessionExists.
func (m *Manager) Create(ctx context.Context, id, tenantID string) (Snapshot, error) {
	if !validID.MatchString(id) {
		return Snapshot{}, errors.Wrapf(ErrInvalidID, "%q", id)
	}
	if m.ctx.Err() != nil {
		return Snapshot{}, errors.New("session manager is shut down")
	}

	unlock := m.locks.Lock(id)
	if old := m.store.Get(id); old != nil {
		if old.Status() == StatusReady || old.isInitializing() {
			unlock()
			return old.Snapshot(), ErrSessionExists
		}
		m.sessionLog(old).WithField("status", old.Status()).Info("[session] replacing stale session")
		if m.store.CompareAndRemove(id, old) {
			m.teardown(old, false)
			m.notifyRemoved(old)
		}
	}

	s, err := m.provision(id, tenantID)
	if err != nil {
		unlock()
		m.log.WithError(err).WithField("session", id).Error("[session] provisioning failed")
		return Snapshot{}, &InitializationError{ID: id, Cause: err}
	}
	m.store.Put(s)
	unlock()

	log := m.sessionLog(s)
	log.Info("[session] initializing")

	ictx, stop := bind(ctx, s.ctx)
	err = AwaitErr(ictx, "initialize", m.cfg.InitTimeout, s.drv.Initialize)
	stop()
	s.setInitializing(false)
	if err != nil {
		log.WithError(err).WithField("status", s.Status()).Error("[session] initialize failed")
		unlock := m.locks.Lock(id)
		if m.store.CompareAndRemove(id, s) {
			m.teardown(s, false)
			m.notifyRemoved(s)
		}
		unlock()
		return Snapshot{}, &InitializationError{ID: id, Cause: err}
	}
	return s.Snapshot(), nil
}

func (m *Manager) provision(id, tenantID string) (*Session, error) {
	dir := m.authDir(id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create auth dir")
	}
	now := m.now()
	tenantID, err := recordMeta(dir, tenantID, now)
	if err != nil {
		m.log.WithError(err).WithField("session", id).Warn("[session] could not write meta file")
	}
	s := newSession(m.ctx, id, tenantID, dir, now)
	drv, err := m.factory(driver.Options{
		SessionID: id,
		TenantID:  tenantID,
		AuthDir:   dir,
		Handler:   s.enqueue,
		Logger:    m.sessionLog(s),
	})
	if err != nil {
		s.cancel()
		return nil, errors.Wrap(err, "build driver")
	}
	s.drv = drv

	m.wg.Add(1)
	go m.run(s)
	return s, nil
}

// teardown stops the session's loop and timers and force terminates its
// driver, optionally logging out first. Failures are logged, never returned.
func (m *Manager) teardown(s *Session, logout bool) {
	log := m.sessionLog(s)
	s.cancel()

	if logout {
		if err := AwaitErr(context.Background(), "logout", m.cfg.LogoutTimeout, s.drv.Logout); err != nil {
			log.WithError(err).Warn("[session] logout failed, forcing termination")
		}
	}
	err := AwaitErr(context.Background(), "destroy", m.cfg.LogoutTimeout, func(context.Context) error {
		return s.drv.Destroy()
	})
	if err != nil {
		log.WithError(err).Warn("[session] driver termination failed")
	}

	select {
	case <-s.loopDone:
	case <-time.After(m.cfg.LogoutTimeout):
		log.Warn("[session] event loop did not stop in time")
	}
}

func (m *Manager) notifyRemoved(s *Session) {
	ref := Ref{ID: s.ID, TenantID: s.TenantID}
	for _, o := range m.observerList() {
		o.SessionRemoved(ref)
	}
}

func (m *Manager) observerList() []Observer {
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	return append([]Observer(nil), m.observers...)
}

// Destroy logs the session out, terminates its driver, deletes its auth
// artifacts and drops it. It reports false when there was nothing to
// destroy and never fails otherwise.
func (m *Manager) Destroy(ctx context.Context, id string) bool {
	return m.destroyIf(ctx, id, nil)
}

func (m *Manager) destroyIf(_ context.Context, id string, keep func(*Session) bool) bool {
	s := m.store.Get(id)
	if s == nil {
		return false
	}
	unlock := m.locks.Lock(id)
	defer unlock()
	if keep != nil && keep(s) {
		return false
	}
	if !m.store.CompareAndRemove(id, s) {
		return false
	}

	log := m.sessionLog(s)
	log.WithField("status", s.Status()).Info("[session] destroying")
	m.teardown(s, true)
	if err := os.RemoveAll(s.AuthDir); err != nil {
		log.WithError(err).Warn("[session] could not delete auth artifacts")
	}
	m.notifyRemoved(s)
	m.pub.Publish(events.New(s.ID, s.TenantID, events.SessionDestroyed{}))
	log.Info("[session] destroyed")
	return true
}

// Restart force terminates the session, keeping its auth artifacts, and
// creates it again for the same tenant.
func (m *Manager) Restart(ctx context.Context, id string) (Snapshot, error) {
	s := m.store.Get(id)
	if s == nil {
		return Snapshot{}, ErrSessionNotFound
	}
	unlock := m.locks.Lock(id)
	if m.store.CompareAndRemove(id, s) {
		m.sessionLog(s).Info("[session] restarting")
		m.teardown(s, false)
		m.notifyRemoved(s)
	}
	unlock()
	return m.Create(ctx, id, s.TenantID)
}

// Get returns the stored snapshot without checking liveness.
func (m *Manager) Get(id string) (Snapshot, error) {
	s := m.store.Get(id)
	if s == nil {
		return Snapshot{}, ErrSessionNotFound
	}
	return s.Snapshot(), nil
}

// Status returns a snapshot. A session claiming READY is probed first and
// downgraded to DISCONNECTED if the driver does not confirm the connection
// within the liveness budget.
func (m *Manager) Status(ctx context.Context, id string) (Snapshot, error) {
	s := m.store.Get(id)
	if s == nil {
		return Snapshot{}, ErrSessionNotFound
	}
	if s.Status() != StatusReady {
		return s.Snapshot(), nil
	}

	state, err := Await(ctx, "getState", m.cfg.LivenessTimeout, s.drv.State)
	if err != nil && ctx.Err() != nil {
		return Snapshot{}, ctx.Err()
	}
	if err == nil && state == driver.StateConnected {
		return s.Snapshot(), nil
	}

	reason := "liveness check failed"
	log := m.sessionLog(s)
	if err != nil {
		log = log.WithError(err)
	} else {
		reason = "driver state " + string(state)
	}
	if s.downgrade(m.now()) {
		log.Warn("[session] stale READY status, downgraded to DISCONNECTED")
		m.pub.Publish(events.New(s.ID, s.TenantID, events.Disconnected{Reason: reason}))
	}
	return s.Snapshot(), nil
}

// List returns every live session.
func (m *Manager) List() []Snapshot {
	return m.store.List()
}

// Acquire leases the driver of a READY session.
func (m *Manager) Acquire(ctx context.Context, id string) (*Lease, error) {
	s := m.store.Get(id)
	if s == nil {
		return nil, ErrSessionNotFound
	}
	if st := s.Status(); st != StatusReady {
		return nil, &NotReadyError{ID: id, Status: st}
	}
	s.touch(m.now())
	lctx, stop := bind(ctx, s.ctx)
	return &Lease{
		SessionID: s.ID,
		TenantID:  s.TenantID,
		Driver:    s.drv,
		Ctx:       lctx,
		release:   stop,
	}, nil
}

// Lookup resolves the owner of a live session in any state.
func (m *Manager) Lookup(id string) (Ref, bool) {
	s := m.store.Get(id)
	if s == nil {
		return Ref{}, false
	}
	return Ref{ID: s.ID, TenantID: s.TenantID}, true
}

// CleanInactive destroys every session that is not READY and has been idle
// for longer than maxIdle. It returns the destroyed ids.
func (m *Manager) CleanInactive(ctx context.Context, maxIdle time.Duration) []string {
	now := m.now()
	stale := func(s *Session) bool {
		st, last := s.idleState()
		return st != StatusReady && now.Sub(last) > maxIdle
	}

	var removed []string
	for _, s := range m.store.all() {
		if !stale(s) {
			continue
		}
		_, last := s.idleState()
		m.sessionLog(s).WithFields(logrus.Fields{
			"status":    s.Status(),
			"idleSince": humanize.Time(last),
		}).Info("[cleanup] reclaiming idle session")
		if m.destroyIf(ctx, s.ID, func(cur *Session) bool { return cur != s || !stale(cur) }) {
			removed = append(removed, s.ID)
		}
	}
	if len(removed) > 0 {
		m.log.WithField("sessions", removed).Infof("[cleanup] removed %d inactive sessions", len(removed))
	}
	return removed
}

// Start launches the process-wide keep-alive loop.
func (m *Manager) Start() {
	m.started.Do(func() {
		m.wg.Add(1)
		go m.keepAliveLoop()
		m.log.WithField("interval", m.cfg.KeepAliveInterval).Info("[keepalive] started")
	})
}

// Shutdown stops timers and closes every driver in parallel. Auth
// artifacts are kept so the sessions are restored on the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()

	sessions := m.store.all()
	m.log.WithField("sessions", len(sessions)).Info("[session] shutting down")

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			if m.store.CompareAndRemove(s.ID, s) {
				m.teardown(s, false)
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info("[session] shutdown complete")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "session shutdown")
	}
}

// bind derives a context that ends with either parent or owner.
func bind(parent, owner context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(owner, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// keyedMutex serializes lifecycle operations per session id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
