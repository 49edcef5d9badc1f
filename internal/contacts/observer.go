package contacts

import (
	"context"
	"time"

	"github.com/whatsapp-automation/waweb/internal/driver"
	"github.com/whatsapp-automation/waweb/internal/events"
	"github.com/whatsapp-automation/waweb/internal/session"
)

// PresenceInfo is the last presence the driver reported for a contact.
type PresenceInfo struct {
	ID        string     `json:"id"`
	Known     bool       `json:"known"`
	Available bool       `json:"available"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// Presence subscribes to a contact's presence and returns what is known so
// far. Updates arrive as driver events and are recorded as they come.
func (m *Manager) Presence(ctx context.Context, sessionID, phone string) (PresenceInfo, error) {
	lease, err := m.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return PresenceInfo{}, err
	}
	defer lease.Release()

	id := driver.Address(phone)
	err = session.AwaitErr(lease.Ctx, "subscribePresence", m.cfg.FetchTimeout, func(ctx context.Context) error {
		return lease.Driver.SubscribePresence(ctx, id)
	})
	if err != nil {
		return PresenceInfo{}, wrapDriver("subscribePresence", err)
	}
	if p, ok := m.lastPresence(sessionID, id); ok {
		return p, nil
	}
	return PresenceInfo{ID: id}, nil
}

func (m *Manager) lastPresence(sessionID, id string) (PresenceInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.presence[sessionID][id]
	return p, ok
}

func (m *Manager) recordPresence(sessionID string, e driver.Presence) {
	now := m.now()
	p := PresenceInfo{ID: e.ID, Known: true, Available: e.Available, UpdatedAt: &now}
	if !e.LastSeen.IsZero() {
		seen := e.LastSeen
		p.LastSeen = &seen
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.presence[sessionID]
	if !ok {
		byID = make(map[string]PresenceInfo)
		m.presence[sessionID] = byID
	}
	byID[e.ID] = p
}

func (m *Manager) attachPresence(sessionID string, list []Contact) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID := m.presence[sessionID]
	if len(byID) == 0 {
		return
	}
	for i := range list {
		if p, ok := byID[list[i].ID]; ok && p.LastSeen != nil {
			list[i].LastSeen = p.LastSeen
		}
	}
}

// HandleEvent implements session.Observer.
func (m *Manager) HandleEvent(ref session.Ref, evt driver.Event) {
	switch e := evt.(type) {
	case driver.ContactChanged:
		m.mu.Lock()
		delete(m.cache, ref.ID)
		m.gen[ref.ID]++
		m.mu.Unlock()
		m.pub.Publish(events.New(ref.ID, ref.TenantID, events.ContactUpdated{ContactID: e.ID}))
	case driver.Presence:
		m.recordPresence(ref.ID, e)
	case driver.GroupJoined:
		m.pub.Publish(events.New(ref.ID, ref.TenantID, events.GroupJoined{GroupID: e.GroupID, Name: e.Name}))
	case driver.GroupLeft:
		m.pub.Publish(events.New(ref.ID, ref.TenantID, events.GroupLeft{GroupID: e.GroupID}))
	}
}

// SessionRemoved implements session.Observer.
func (m *Manager) SessionRemoved(ref session.Ref) {
	m.mu.Lock()
	delete(m.cache, ref.ID)
	delete(m.presence, ref.ID)
	m.gen[ref.ID]++
	m.mu.Unlock()
}

var _ session.Observer = (*Manager)(nil)
