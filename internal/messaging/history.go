package messaging

import (
	"strings"
	"sync"
)

// ring keeps the newest size messages of one session.
type ring struct {
	buf   []Message
	start int
	n     int
}

func newRing(size int) *ring {
	return &ring{buf: make([]Message, size)}
}

func (r *ring) push(m Message) {
	if len(r.buf) == 0 {
		return
	}
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = m
		r.n++
		return
	}
	r.buf[r.start] = m
	r.start = (r.start + 1) % len(r.buf)
}

// at returns the i-th newest message.
func (r *ring) at(i int) *Message {
	return &r.buf[(r.start+r.n-1-i)%len(r.buf)]
}

func (r *ring) remove(id string) bool {
	kept := make([]Message, 0, r.n)
	for i := r.n - 1; i >= 0; i-- {
		if m := r.at(i); m.ID != id {
			kept = append(kept, *m)
		}
	}
	if len(kept) == r.n {
		return false
	}
	clear(r.buf)
	r.start, r.n = 0, 0
	for _, m := range kept {
		r.push(m)
	}
	return true
}

// history indexes recent messages per session.
type history struct {
	size int

	mu       sync.RWMutex
	sessions map[string]*ring
}

func newHistory(size int) *history {
	return &history{size: size, sessions: make(map[string]*ring)}
}

func (h *history) add(sessionID string, m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.sessions[sessionID]
	if !ok {
		r = newRing(h.size)
		h.sessions[sessionID] = r
	}
	r.push(m)
}

// find returns up to limit messages, newest first, that match keep.
func (h *history) find(sessionID string, limit int, keep func(*Message) bool) []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := []Message{}
	r, ok := h.sessions[sessionID]
	if !ok {
		return out
	}
	for i := 0; i < r.n && (limit <= 0 || len(out) < limit); i++ {
		if m := r.at(i); keep(m) {
			out = append(out, *m)
		}
	}
	return out
}

func (h *history) setAck(sessionID, messageID, status string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.sessions[sessionID]
	if !ok {
		return false
	}
	for i := 0; i < r.n; i++ {
		if m := r.at(i); m.ID == messageID {
			m.Ack = status
			return true
		}
	}
	return false
}

func (h *history) remove(sessionID, messageID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.sessions[sessionID]
	return ok && r.remove(messageID)
}

func (h *history) drop(sessionID string) {
	h.mu.Lock()
	delete(h.sessions, sessionID)
	h.mu.Unlock()
}

// History returns the newest messages of a chat, or of every chat when
// chatID is empty.
func (h *Handler) History(sessionID, chatID string, limit int) []Message {
	if limit <= 0 {
		limit = h.cfg.HistoryPageSize
	}
	return h.history.find(sessionID, limit, func(m *Message) bool {
		return chatID == "" || m.ChatID == chatID
	})
}

// Search returns the newest messages whose body contains query, ignoring
// case.
func (h *Handler) Search(sessionID, query string, limit int) []Message {
	if limit <= 0 {
		limit = h.cfg.HistoryPageSize
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return []Message{}
	}
	return h.history.find(sessionID, limit, func(m *Message) bool {
		return strings.Contains(strings.ToLower(m.Body), q)
	})
}
