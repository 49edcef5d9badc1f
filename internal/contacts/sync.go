package contacts

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/waweb/internal/session"
	"github.com/whatsapp-automation/waweb/internal/storage"
)

// ItemError records why one contact could not be persisted.
type ItemError struct {
	ContactID string `json:"contactId"`
	Error     string `json:"error"`
}

// SyncResult summarizes one persistence pass.
type SyncResult struct {
	SessionID string      `json:"sessionId"`
	TenantID  string      `json:"tenantId"`
	Total     int         `json:"total"`
	Created   int         `json:"created"`
	Updated   int         `json:"updated"`
	Unchanged int         `json:"unchanged"`
	Skipped   int         `json:"skipped"`
	Failed    int         `json:"failed"`
	Errors    []ItemError `json:"errors,omitempty"`
	FromCache bool        `json:"fromCache"`
	Pending   bool        `json:"pending"`
}

// Sync mirrors the session's contacts into storage for tenantID.
//
// Whatever is cached is persisted before returning. A background refresh
// is always scheduled; it fetches a fresh list, replaces the cache and
// persists again. With nothing cached the result is only Pending.
func (m *Manager) Sync(ctx context.Context, sessionID, tenantID string) (*SyncResult, error) {
	lease, err := m.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if tenantID == "" {
		tenantID = lease.TenantID
	}
	lease.Release()

	res := &SyncResult{SessionID: sessionID, TenantID: tenantID}
	if cached, ok := m.cached(sessionID); ok {
		res.FromCache = true
		m.persist(ctx, res, cached.contacts)
	} else {
		res.Pending = true
	}
	m.refreshAsync(sessionID, tenantID)

	m.log.WithFields(logrus.Fields{
		"session": sessionID,
		"tenant":  tenantID,
		"created": res.Created,
		"updated": res.Updated,
		"failed":  res.Failed,
	}).Info("[contacts] sync requested")
	return res, nil
}

func (m *Manager) refreshAsync(sessionID, tenantID string) {
	m.mu.Lock()
	if m.syncing[sessionID] {
		m.mu.Unlock()
		m.log.WithField("session", sessionID).Debug("[contacts] refresh already running")
		return
	}
	m.syncing[sessionID] = true
	m.mu.Unlock()

	err := m.pool.Submit(func() {
		defer func() {
			m.mu.Lock()
			delete(m.syncing, sessionID)
			m.mu.Unlock()
		}()
		m.refresh(sessionID, tenantID)
	})
	if err != nil {
		m.mu.Lock()
		delete(m.syncing, sessionID)
		m.mu.Unlock()
		m.log.WithError(err).WithField("session", sessionID).Warn("[contacts] refresh not scheduled")
	}
}

func (m *Manager) refresh(sessionID, tenantID string) {
	log := m.log.WithFields(logrus.Fields{"session": sessionID, "tenant": tenantID})

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SyncTimeout)
	defer cancel()
	lease, err := m.sessions.Acquire(ctx, sessionID)
	if err != nil {
		log.WithError(err).Debug("[contacts] refresh skipped")
		return
	}
	defer lease.Release()

	list, err := m.fetch(lease, tenantID)
	if err != nil {
		log.WithError(err).Warn("[contacts] background refresh failed")
		return
	}
	res := &SyncResult{SessionID: sessionID, TenantID: tenantID}
	m.persist(lease.Ctx, res, list)
	log.WithFields(logrus.Fields{
		"total":   res.Total,
		"created": res.Created,
		"updated": res.Updated,
		"skipped": res.Skipped,
		"failed":  res.Failed,
	}).Info("[contacts] background refresh persisted")
}

func (m *Manager) persist(ctx context.Context, res *SyncResult, list []Contact) {
	for _, c := range list {
		res.Total++
		if n := len(c.Phone); n < MinPhoneDigits || n > MaxPhoneDigits {
			res.Skipped++
			continue
		}
		if ctx.Err() != nil {
			res.Failed++
			res.Errors = append(res.Errors, ItemError{ContactID: c.ID, Error: ctx.Err().Error()})
			continue
		}

		row, created, err := m.repo.FindOrCreate(ctx, toRecord(res, c))
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, ItemError{ContactID: c.ID, Error: err.Error()})
			continue
		}
		switch {
		case created:
			res.Created++
		case row.Name != c.Name:
			if err := m.repo.UpdateName(ctx, row.ID, c.Name); err != nil {
				res.Failed++
				res.Errors = append(res.Errors, ItemError{ContactID: c.ID, Error: err.Error()})
				continue
			}
			res.Updated++
		default:
			res.Unchanged++
		}
	}
}

func toRecord(res *SyncResult, c Contact) storage.Contact {
	return storage.Contact{
		TenantID:   res.TenantID,
		WhatsAppID: c.ID,
		SessionID:  res.SessionID,
		Phone:      c.Phone,
		Name:       c.Name,
		IsSaved:    c.IsSaved,
		IsBusiness: c.IsBusiness,
		IsBlocked:  c.IsBlocked,
		LastSeen:   c.LastSeen,
	}
}

var _ Sessions = (*session.Manager)(nil)
