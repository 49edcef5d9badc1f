package whatsmeow

import (
	"sort"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/proto/waHistorySync"

	"github.com/whatsapp-automation/waweb/internal/driver"
)

// chatIndex is the in-memory chat list. whatsmeow keeps no chat table of its
// own, so it is rebuilt from history sync and live traffic.
type chatIndex struct {
	mu    sync.RWMutex
	chats map[string]*driver.Chat
}

func newChatIndex() *chatIndex {
	return &chatIndex{chats: make(map[string]*driver.Chat)}
}

func (c *chatIndex) touch(id, name string, at time.Time, unread bool) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.chats[id]
	if !ok {
		ch = &driver.Chat{ID: id, IsGroup: driver.IsGroupAddress(id)}
		c.chats[id] = ch
	}
	if name != "" {
		ch.Name = name
	}
	if at.After(ch.LastActivity) {
		ch.LastActivity = at
	}
	if unread {
		ch.UnreadCount++
	}
}

func (c *chatIndex) remove(id string) {
	c.mu.Lock()
	delete(c.chats, id)
	c.mu.Unlock()
}

func (c *chatIndex) name(id string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ch, ok := c.chats[id]; ok {
		return ch.Name
	}
	return ""
}

// loadHistory merges history-sync conversations and returns how many were
// applied.
func (c *chatIndex) loadHistory(convs []*waHistorySync.Conversation) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, conv := range convs {
		id := conv.GetID()
		if id == "" {
			continue
		}
		ch, ok := c.chats[id]
		if !ok {
			ch = &driver.Chat{ID: id, IsGroup: driver.IsGroupAddress(id)}
			c.chats[id] = ch
		}
		if name := conv.GetName(); name != "" {
			ch.Name = name
		}
		ch.UnreadCount = int(conv.GetUnreadCount())
		if ts := conv.GetConversationTimestamp(); ts > 0 {
			if at := time.Unix(int64(ts), 0); at.After(ch.LastActivity) {
				ch.LastActivity = at
			}
		}
		n++
	}
	return n
}

// list returns a copy ordered by most recent activity.
func (c *chatIndex) list() []driver.Chat {
	c.mu.RLock()
	out := make([]driver.Chat, 0, len(c.chats))
	for _, ch := range c.chats {
		out = append(out, *ch)
	}
	c.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
