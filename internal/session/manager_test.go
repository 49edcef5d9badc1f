package session

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-automation/waweb/internal/driver"
	"github.com/whatsapp-automation/waweb/internal/driver/drivertest"
	"github.com/whatsapp-automation/waweb/internal/events"
)

const wait = 2 * time.Second
const tick = 5 * time.Millisecond

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.Out = io.Discard
	return logrus.NewEntry(l)
}

type fixture struct {
	m   *Manager
	fac *drivertest.Factory
	hub *events.Hub
	cfg Config
}

func newFixture(t *testing.T, tweak ...func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.AuthDir = t.TempDir()
	cfg.InitTimeout = time.Second
	cfg.LogoutTimeout = 200 * time.Millisecond
	cfg.ReconnectDelay = 20 * time.Millisecond
	cfg.LivenessTimeout = 50 * time.Millisecond
	cfg.ProbeTimeout = 50 * time.Millisecond
	for _, fn := range tweak {
		fn(&cfg)
	}

	fac := drivertest.NewFactory()
	hub := events.NewHub(quietLog())
	m := NewManager(cfg, NewStore(), fac.New, hub, quietLog())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return &fixture{m: m, fac: fac, hub: hub, cfg: cfg}
}

func (f *fixture) waitStatus(t *testing.T, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := f.m.Get(id)
		return err == nil && snap.Status == want
	}, wait, tick, "session %s never reached %s", id, want)
}

func (f *fixture) ready(t *testing.T, id, tenant string) *drivertest.Fake {
	t.Helper()
	_, err := f.m.Create(context.Background(), id, tenant)
	require.NoError(t, err)
	fake := f.fac.Last(id)
	fake.Emit(driver.Ready{Info: driver.AccountInfo{PushName: "Acme", Platform: "android", Phone: "905550000000"}})
	f.waitStatus(t, id, StatusReady)
	return fake
}

func collect(t *testing.T, sub *events.Subscription, n int) []events.Kind {
	t.Helper()
	var kinds []events.Kind
	deadline := time.After(wait)
	for len(kinds) < n {
		select {
		case e := <-sub.C:
			kinds = append(kinds, e.Kind())
		case <-deadline:
			t.Fatalf("got %v, wanted %d events", kinds, n)
		}
	}
	return kinds
}

func TestScenarioQRThenReadyThenDestroy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	snap, err := f.m.Create(ctx, "s1", "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusInitializing, snap.Status)

	fake := f.fac.Last("s1")
	fake.Emit(driver.QR{Code: "2@abc"})
	f.waitStatus(t, "s1", StatusQRPending)
	snap, _ = f.m.Get("s1")
	assert.Equal(t, "2@abc", snap.QR)
	assert.Nil(t, snap.Info)

	fake.Emit(driver.Ready{Info: driver.AccountInfo{PushName: "Acme"}})
	f.waitStatus(t, "s1", StatusReady)
	snap, err = f.m.Status(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, snap.Status)
	assert.Empty(t, snap.QR)
	require.NotNil(t, snap.Info)
	assert.Equal(t, "Acme", snap.Info.PushName)

	assert.True(t, f.m.Destroy(ctx, "s1"))
	_, err = f.m.Status(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCreateOnReadySessionReturnsExisting(t *testing.T) {
	f := newFixture(t)
	f.ready(t, "s1", "t1")

	snap, err := f.m.Create(context.Background(), "s1", "t1")
	assert.ErrorIs(t, err, ErrSessionExists)
	assert.Equal(t, StatusReady, snap.Status)
	assert.Equal(t, 1, f.fac.Count())
}

func TestConcurrentCreatesBuildOneDriver(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.fac.Configure = func(fk *drivertest.Fake) {
		fk.InitializeFn = func(ctx context.Context) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.m.Create(context.Background(), "s1", "t1")
		}()
	}
	require.Eventually(t, func() bool { return f.fac.Count() >= 1 }, wait, tick)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, f.fac.Count())
	var created int
	for _, err := range errs {
		if err == nil {
			created++
		} else {
			assert.ErrorIs(t, err, ErrSessionExists)
		}
	}
	assert.Equal(t, 1, created)
}

func TestCreateReplacesStaleSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Create(context.Background(), "s1", "t1")
	require.NoError(t, err)
	first := f.fac.Last("s1")
	first.Emit(driver.QR{Code: "old"})
	f.waitStatus(t, "s1", StatusQRPending)

	_, err = f.m.Create(context.Background(), "s1", "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, f.fac.Count())
	assert.EqualValues(t, 1, first.DestroyCalls.Load())
	assert.EqualValues(t, 0, first.LogoutCalls.Load())
}

func TestReadyNeverSkipsAuthenticated(t *testing.T) {
	f := newFixture(t)
	sub := f.hub.Subscribe(events.SessionRoom("s1"))

	_, err := f.m.Create(context.Background(), "s1", "t1")
	require.NoError(t, err)
	f.fac.Last("s1").Emit(driver.Ready{Info: driver.AccountInfo{PushName: "Acme"}})

	assert.Equal(t, []events.Kind{events.KindAuthenticated, events.KindReady}, collect(t, sub, 2))
}

func TestInvalidTransitionsAreDropped(t *testing.T) {
	f := newFixture(t)
	fake := f.ready(t, "s1", "t1")

	fake.Emit(driver.QR{Code: "late"})
	fake.Emit(driver.Authenticated{})
	fake.Emit(driver.AuthFailure{Message: "bad"})
	f.waitStatus(t, "s1", StatusAuthFailure)

	snap, _ := f.m.Get("s1")
	assert.Empty(t, snap.QR)
	assert.Nil(t, snap.Info)
}

func TestInitializeFailureRemovesEntry(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("chromium crashed")
	f.fac.Configure = func(fk *drivertest.Fake) {
		fk.InitializeFn = func(context.Context) error { return boom }
	}

	_, err := f.m.Create(context.Background(), "s1", "t1")
	var ierr *InitializationError
	require.ErrorAs(t, err, &ierr)
	assert.ErrorIs(t, err, boom)
	_, err = f.m.Get("s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.EqualValues(t, 1, f.fac.Last("s1").DestroyCalls.Load())
}

func TestInitializeTimeout(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.InitTimeout = 30 * time.Millisecond })
	block := make(chan struct{})
	defer close(block)
	f.fac.Configure = func(fk *drivertest.Fake) {
		fk.InitializeFn = func(context.Context) error { <-block; return nil }
	}

	_, err := f.m.Create(context.Background(), "s1", "t1")
	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "initialize", terr.Op)
	assert.EqualValues(t, 30, terr.AfterMs())
	assert.Equal(t, 0, f.m.store.Len())
}

func TestInitializePanicIsDriverError(t *testing.T) {
	f := newFixture(t)
	f.fac.Configure = func(fk *drivertest.Fake) {
		fk.InitializeFn = func(context.Context) error { panic("nil page") }
	}
	_, err := f.m.Create(context.Background(), "s1", "t1")
	var derr *DriverError
	require.ErrorAs(t, err, &derr)
	assert.Contains(t, derr.Error(), "nil page")
}

func TestCreateRejectsPathLikeIDs(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"", "../etc", "a/b", "."} {
		_, err := f.m.Create(context.Background(), id, "t1")
		assert.ErrorIs(t, err, ErrInvalidID, id)
	}
}

func TestDestroyTwiceEvenWhenLogoutFails(t *testing.T) {
	f := newFixture(t)
	f.fac.Configure = func(fk *drivertest.Fake) {
		fk.LogoutFn = func(context.Context) error { return errors.New("page closed") }
		fk.DestroyFn = func() error { return errors.New("browser gone") }
	}
	fake := f.ready(t, "s1", "t1")
	sub := f.hub.Subscribe(events.TenantRoom("t1"))
	authDir := filepath.Join(f.cfg.AuthDir, "session-s1")
	require.DirExists(t, authDir)

	assert.True(t, f.m.Destroy(context.Background(), "s1"))
	assert.False(t, f.m.Destroy(context.Background(), "s1"))

	assert.EqualValues(t, 1, fake.LogoutCalls.Load())
	assert.EqualValues(t, 1, fake.DestroyCalls.Load())
	assert.NoDirExists(t, authDir)
	assert.Equal(t, []events.Kind{events.KindSessionDestroyed}, collect(t, sub, 1))
}

func TestConcurrentDestroyHasOneWinner(t *testing.T) {
	f := newFixture(t)
	f.ready(t, "s1", "t1")

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = f.m.Destroy(context.Background(), "s1")
		}()
	}
	wg.Wait()

	var wins int
	for _, ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

func TestDestroyDuringCreateFailsCreateFast(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.InitTimeout = 5 * time.Second })
	f.fac.Configure = func(fk *drivertest.Fake) {
		fk.InitializeFn = func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}
	}

	errc := make(chan error, 1)
	go func() {
		_, err := f.m.Create(context.Background(), "s1", "t1")
		errc <- err
	}()
	require.Eventually(t, func() bool { return f.m.store.Get("s1") != nil }, wait, tick)

	start := time.Now()
	assert.True(t, f.m.Destroy(context.Background(), "s1"))
	select {
	case err := <-errc:
		var ierr *InitializationError
		assert.ErrorAs(t, err, &ierr)
		assert.Less(t, time.Since(start), time.Second)
	case <-time.After(wait):
		t.Fatal("create kept running after destroy")
	}
}

func TestLeaseCancelledByDestroy(t *testing.T) {
	f := newFixture(t)
	f.ready(t, "s1", "t1")

	lease, err := f.m.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	defer lease.Release()

	f.m.Destroy(context.Background(), "s1")
	select {
	case <-lease.Ctx.Done():
	case <-time.After(wait):
		t.Fatal("lease context survived destroy")
	}
}

func TestAcquireRequiresReady(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Acquire(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.m.Create(context.Background(), "s1", "t1")
	require.NoError(t, err)
	f.fac.Last("s1").Emit(driver.QR{Code: "x"})
	f.waitStatus(t, "s1", StatusQRPending)

	_, err = f.m.Acquire(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrSessionNotReady)
	var nre *NotReadyError
	require.ErrorAs(t, err, &nre)
	assert.Equal(t, StatusQRPending, nre.Status)
	assert.True(t, nre.NeedsQR())
}

func TestReconnectOnceAfterDisconnect(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ReconnectDelay = 100 * time.Millisecond })
	fake := f.ready(t, "s1", "t1")

	fake.Emit(driver.Disconnected{Reason: "NAVIGATION"})
	fake.Emit(driver.Disconnected{Reason: "NAVIGATION"})

	require.Eventually(t, func() bool { return fake.InitCalls.Load() == 2 }, wait, tick)
	f.waitStatus(t, "s1", StatusInitializing)
	time.Sleep(5 * f.cfg.ReconnectDelay)
	assert.EqualValues(t, 2, fake.InitCalls.Load())

	fake.Emit(driver.Ready{Info: driver.AccountInfo{PushName: "Acme"}})
	f.waitStatus(t, "s1", StatusReady)
}

func TestNoReconnectAfterLogout(t *testing.T) {
	f := newFixture(t)
	fake := f.ready(t, "s1", "t1")

	fake.Emit(driver.Disconnected{Reason: driver.ReasonLogout, LoggedOut: true})
	f.waitStatus(t, "s1", StatusDisconnected)
	time.Sleep(5 * f.cfg.ReconnectDelay)
	assert.EqualValues(t, 1, fake.InitCalls.Load())
}

func TestStatusDowngradesStaleReady(t *testing.T) {
	f := newFixture(t)
	fake := f.ready(t, "s1", "t1")
	sub := f.hub.Subscribe(events.SessionRoom("s1"))

	fake.SetState(driver.StateDisconnected)
	snap, err := f.m.Status(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, snap.Status)
	assert.Nil(t, snap.Info)
	assert.Equal(t, []events.Kind{events.KindDisconnected}, collect(t, sub, 1))
}

func TestStatusDowngradesOnHungProbe(t *testing.T) {
	f := newFixture(t)
	block := make(chan struct{})
	defer close(block)
	f.fac.Configure = func(fk *drivertest.Fake) {
		fk.StateFn = func(context.Context) (driver.ConnState, error) {
			<-block
			return driver.StateConnected, nil
		}
	}
	f.ready(t, "s1", "t1")

	start := time.Now()
	snap, err := f.m.Status(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, snap.Status)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCleanInactiveSparesReady(t *testing.T) {
	f := newFixture(t)
	f.ready(t, "ready", "t1")
	_, err := f.m.Create(context.Background(), "pending", "t2")
	require.NoError(t, err)
	f.fac.Last("pending").Emit(driver.QR{Code: "x"})
	f.waitStatus(t, "pending", StatusQRPending)

	later := time.Now().Add(2 * time.Hour)
	f.m.now = func() time.Time { return later }

	removed := f.m.CleanInactive(context.Background(), time.Hour)
	assert.Equal(t, []string{"pending"}, removed)
	_, err = f.m.Get("ready")
	assert.NoError(t, err)
	_, err = f.m.Get("pending")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestKeepAliveRefreshesActivity(t *testing.T) {
	f := newFixture(t)
	fake := f.ready(t, "s1", "t1")
	fake.SetState(driver.StateConnecting)

	later := time.Now().Add(time.Hour)
	f.m.now = func() time.Time { return later }
	f.m.probeReady()

	snap, _ := f.m.Get("s1")
	assert.True(t, snap.LastActivity.Equal(later))
	assert.Equal(t, StatusReady, snap.Status)
}

func TestRestartKeepsAuthArtifacts(t *testing.T) {
	f := newFixture(t)
	first := f.ready(t, "s1", "t1")

	snap, err := f.m.Restart(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "t1", snap.TenantID)
	assert.EqualValues(t, 0, first.LogoutCalls.Load())
	assert.EqualValues(t, 1, first.DestroyCalls.Load())
	assert.Len(t, f.fac.All("s1"), 2)
	assert.DirExists(t, filepath.Join(f.cfg.AuthDir, "session-s1"))

	_, err = f.m.Restart(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRestoreFromAuthDir(t *testing.T) {
	f := newFixture(t)
	for id, tenant := range map[string]string{"a": "t1", "b": "t2"} {
		dir := filepath.Join(f.cfg.AuthDir, "session-"+id)
		require.NoError(t, os.MkdirAll(dir, 0o700))
		require.NoError(t, writeMeta(dir, sessionMeta{TenantID: tenant, CreatedAt: time.Now()}))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(f.cfg.AuthDir, "unrelated"), 0o700))

	restored, failed, err := f.m.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, restored)
	assert.Equal(t, 0, failed)

	snap, err := f.m.Get("b")
	require.NoError(t, err)
	assert.Equal(t, "t2", snap.TenantID)
	_, err = f.m.Get("unrelated")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRecreateKeepsSessionMeta(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.cfg.AuthDir, "session-s1")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	born := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, writeMeta(dir, sessionMeta{TenantID: "t1", CreatedAt: born}))

	snap, err := f.m.Create(context.Background(), "s1", "")
	require.NoError(t, err)
	assert.Equal(t, "t1", snap.TenantID, "stored owner is kept")

	_, err = f.m.Restart(context.Background(), "s1")
	require.NoError(t, err)

	meta, err := readMeta(dir)
	require.NoError(t, err)
	assert.Equal(t, "t1", meta.TenantID)
	assert.True(t, born.Equal(meta.CreatedAt), "created at %s", meta.CreatedAt)
}

func TestRestoreWithoutMetaWritesOne(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.cfg.AuthDir, "session-bare")
	require.NoError(t, os.MkdirAll(dir, 0o700))

	restored, _, err := f.m.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	meta, err := readMeta(dir)
	require.NoError(t, err)
	assert.Empty(t, meta.TenantID)
	assert.False(t, meta.CreatedAt.IsZero())
	first := meta.CreatedAt

	tenant, err := recordMeta(dir, "t9", first.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "t9", tenant)
	tenant, err = recordMeta(dir, "", first.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "t9", tenant, "an empty tenant never replaces a stored one")

	meta, err = readMeta(dir)
	require.NoError(t, err)
	assert.Equal(t, "t9", meta.TenantID)
	assert.True(t, first.Equal(meta.CreatedAt))
}

type recordingObserver struct {
	mu      sync.Mutex
	events  []driver.Event
	removed []string
}

func (r *recordingObserver) HandleEvent(_ Ref, evt driver.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recordingObserver) SessionRemoved(ref Ref) {
	r.mu.Lock()
	r.removed = append(r.removed, ref.ID)
	r.mu.Unlock()
}

func (r *recordingObserver) snapshot() ([]driver.Event, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]driver.Event(nil), r.events...), append([]string(nil), r.removed...)
}

func TestObserversSeeEventsInOrder(t *testing.T) {
	f := newFixture(t)
	obs := &recordingObserver{}
	f.m.AddObserver(obs)
	fake := f.ready(t, "s1", "t1")

	for i := 0; i < 50; i++ {
		fake.Emit(driver.Ack{MessageIDs: []string{string(rune('A' + i%26))}, Level: i})
	}
	require.Eventually(t, func() bool {
		evts, _ := obs.snapshot()
		return len(evts) == 51
	}, wait, tick)

	evts, _ := obs.snapshot()
	for i, e := range evts[1:] {
		assert.Equal(t, i, e.(driver.Ack).Level)
	}

	f.m.Destroy(context.Background(), "s1")
	_, removed := obs.snapshot()
	assert.Equal(t, []string{"s1"}, removed)
}

func TestShutdownKeepsAuthAndSkipsLogout(t *testing.T) {
	f := newFixture(t)
	fake := f.ready(t, "s1", "t1")
	f.m.Start()

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	require.NoError(t, f.m.Shutdown(ctx))

	assert.EqualValues(t, 0, fake.LogoutCalls.Load())
	assert.EqualValues(t, 1, fake.DestroyCalls.Load())
	assert.DirExists(t, filepath.Join(f.cfg.AuthDir, "session-s1"))
	_, err := f.m.Create(context.Background(), "s2", "t1")
	assert.Error(t, err)
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(StatusInitializing, StatusQRPending))
	assert.True(t, CanTransition(StatusQRPending, StatusQRPending))
	assert.True(t, CanTransition(StatusAuthenticated, StatusReady))
	assert.False(t, CanTransition(StatusInitializing, StatusReady))
	assert.False(t, CanTransition(StatusQRPending, StatusReady))
	assert.False(t, CanTransition(StatusReady, StatusQRPending))
	for _, from := range []Status{StatusQRPending, StatusAuthenticated, StatusReady} {
		assert.True(t, CanTransition(from, StatusDisconnected), from)
		assert.True(t, CanTransition(from, StatusAuthFailure), from)
	}
}
