package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
)

const metaFile = "session.json"

// sessionMeta is persisted next to the auth store so a restart can give
// the session back to its tenant.
type sessionMeta struct {
	TenantID  string    `json:"tenantId"`
	CreatedAt time.Time `json:"createdAt"`
}

func writeMeta(dir string, meta sessionMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal meta")
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), data, 0o600); err != nil {
		return errors.Wrap(err, "write meta")
	}
	return nil
}

// recordMeta merges the session's owner into dir's meta file. The first
// creation time is kept, and an empty tenant never replaces a stored one.
// It returns the tenant the session belongs to.
func recordMeta(dir, tenantID string, now time.Time) (string, error) {
	meta, err := readMeta(dir)
	if err != nil {
		// missing or unreadable meta is written from scratch
		meta = sessionMeta{}
	}
	next := meta
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	if tenantID != "" {
		next.TenantID = tenantID
	}
	if next.TenantID == meta.TenantID && next.CreatedAt.Equal(meta.CreatedAt) {
		return next.TenantID, nil
	}
	return next.TenantID, writeMeta(dir, next)
}

func readMeta(dir string) (sessionMeta, error) {
	var meta sessionMeta
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, errors.Wrap(err, "parse meta")
	}
	return meta, nil
}

// Discover lists the session ids that have auth artifacts on disk.
func (m *Manager) Discover() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.AuthDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read auth dir")
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), m.cfg.AuthPrefix) {
			continue
		}
		id := strings.TrimPrefix(e.Name(), m.cfg.AuthPrefix)
		if validID.MatchString(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Restore recreates every session found on disk. Sessions start in
// parallel on a bounded worker pool.
func (m *Manager) Restore(ctx context.Context) (restored, failed int, err error) {
	ids, err := m.Discover()
	if err != nil {
		return 0, 0, err
	}
	if len(ids) == 0 {
		m.log.WithField("dir", m.cfg.AuthDir).Info("[startup] no sessions to restore")
		return 0, 0, nil
	}

	pool, err := ants.NewPool(max(1, m.cfg.RestoreWorkers))
	if err != nil {
		return 0, 0, errors.Wrap(err, "restore pool")
	}
	defer pool.Release()

	var (
		wg        sync.WaitGroup
		ok, fails atomic.Int32
	)
	for _, id := range ids {
		meta, merr := readMeta(m.authDir(id))
		if merr != nil {
			m.log.WithError(merr).WithField("session", id).Warn("[startup] session meta missing, restoring without tenant")
		}
		wg.Add(1)
		task := func() {
			defer wg.Done()
			_, cerr := m.Create(ctx, id, meta.TenantID)
			if cerr != nil && !errors.Is(cerr, ErrSessionExists) {
				fails.Add(1)
				m.log.WithError(cerr).WithField("session", id).Warn("[startup] restore failed")
				return
			}
			ok.Add(1)
		}
		if serr := pool.Submit(task); serr != nil {
			wg.Done()
			fails.Add(1)
			m.log.WithError(serr).WithField("session", id).Error("[startup] could not schedule restore")
		}
	}
	wg.Wait()

	m.log.Infof("[startup] session restore complete: %d restored, %d failed", ok.Load(), fails.Load())
	return int(ok.Load()), int(fails.Load()), nil
}
