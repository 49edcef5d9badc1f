package contacts

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/whatsapp-automation/waweb/internal/driver"
	"github.com/whatsapp-automation/waweb/internal/session"
)

// Chat types accepted by ChatQuery.Type.
const (
	ChatTypeAll        = "all"
	ChatTypeIndividual = "individual"
	ChatTypeGroup      = "group"
)

type ChatQuery struct {
	Page       int
	Limit      int
	Search     string
	Type       string
	UnreadOnly bool
}

type Chat struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone,omitempty"`
	IsGroup      bool      `json:"isGroup"`
	UnreadCount  int       `json:"unreadCount"`
	LastActivity time.Time `json:"lastActivity"`
}

type ChatPage struct {
	Chats        []Chat `json:"chats"`
	Total        int    `json:"total"`
	Page         int    `json:"page"`
	Limit        int    `json:"limit"`
	HasMore      bool   `json:"hasMore"`
	Loading      bool   `json:"loading,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// Chats lists the session's conversations, most recent first.
func (m *Manager) Chats(ctx context.Context, sessionID string, q ChatQuery) (*ChatPage, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = m.cfg.ChatPageSize
	}
	if m.cfg.MaxPageSize > 0 && q.Limit > m.cfg.MaxPageSize {
		q.Limit = m.cfg.MaxPageSize
	}
	lease, err := m.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	raw, err := session.Await(lease.Ctx, "getChats", m.cfg.FetchTimeout, lease.Driver.Chats)
	if err != nil {
		if session.IsTimeout(err) {
			m.log.WithField("session", sessionID).Warn("[contacts] chat listing timed out")
			return &ChatPage{Chats: []Chat{}, Page: q.Page, Limit: q.Limit, Loading: true, RetryAfterMs: m.cfg.RetryAfter.Milliseconds()}, nil
		}
		return nil, wrapDriver("getChats", err)
	}

	names := m.nameIndex(sessionID)
	needle := strings.ToLower(strings.TrimSpace(q.Search))
	chats := make([]Chat, 0, len(raw))
	for _, rc := range raw {
		switch {
		case q.Type == ChatTypeGroup && !rc.IsGroup,
			q.Type == ChatTypeIndividual && rc.IsGroup,
			q.UnreadOnly && rc.UnreadCount == 0:
			continue
		}
		c := Chat{ID: rc.ID, Name: rc.Name, IsGroup: rc.IsGroup, UnreadCount: rc.UnreadCount, LastActivity: rc.LastActivity}
		if !rc.IsGroup {
			c.Phone = driver.PhoneFromAddress(rc.ID)
		}
		if c.Name == "" {
			if n, ok := names[c.Phone]; ok {
				c.Name = n
			} else if c.Phone != "" {
				c.Name = "+" + c.Phone
			} else {
				c.Name = c.ID
			}
		}
		if needle != "" && !strings.Contains(strings.ToLower(c.Name), needle) && !strings.Contains(c.Phone, needle) {
			continue
		}
		chats = append(chats, c)
	}
	sort.SliceStable(chats, func(i, j int) bool {
		return chats[i].LastActivity.After(chats[j].LastActivity)
	})

	p := &ChatPage{Chats: []Chat{}, Total: len(chats), Page: q.Page, Limit: q.Limit}
	start, end := pageBounds(len(chats), q.Page, q.Limit)
	p.Chats = chats[start:end]
	p.HasMore = end < len(chats)
	return p, nil
}

func (m *Manager) nameIndex(sessionID string) map[string]string {
	e, _ := m.cached(sessionID)
	idx := make(map[string]string, len(e.contacts))
	for _, c := range e.contacts {
		if c.HasRealName {
			idx[c.Phone] = c.Name
		}
	}
	return idx
}

// Groups lists the groups the session's account belongs to.
func (m *Manager) Groups(ctx context.Context, sessionID string) ([]driver.Group, error) {
	lease, err := m.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	groups, err := session.Await(lease.Ctx, "getGroups", m.cfg.FetchTimeout, lease.Driver.Groups)
	if err != nil {
		return nil, wrapDriver("getGroups", err)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return strings.ToLower(groups[i].Name) < strings.ToLower(groups[j].Name)
	})
	return groups, nil
}
