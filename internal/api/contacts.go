package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/spf13/cast"

	"github.com/whatsapp-automation/waweb/internal/contacts"
)

// GET /api/sessions/{id}/contacts?page=&limit=&search=&saved=
func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ref, _ := s.sessions.Lookup(sessionID(r))
	page, err := s.contacts.List(r.Context(), ref.ID, ref.TenantID, contacts.Query{
		Page:      cast.ToInt(q.Get("page")),
		Limit:     cast.ToInt(q.Get("limit")),
		Search:    q.Get("search"),
		SavedOnly: cast.ToBool(q.Get("saved")),
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writePage(w, page.Loading, page.RetryAfterMs, page)
}

// writePage answers 202 with Retry-After while the first fetch is still
// running.
func writePage(w http.ResponseWriter, loading bool, retryAfterMs int64, body interface{}) {
	if !loading {
		writeJSON(w, http.StatusOK, body)
		return
	}
	secs := (retryAfterMs + 999) / 1000
	w.Header().Set("Retry-After", strconv.FormatInt(max(secs, 1), 10))
	writeJSON(w, http.StatusAccepted, body)
}

// GET /api/sessions/{id}/contacts/{phone}
func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	c, err := s.contacts.Get(r.Context(), sessionID(r), mux.Vars(r)["phone"])
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// CheckRequest for POST /api/sessions/{id}/contacts/check
type CheckRequest struct {
	Numbers []string `json:"numbers"`
}

func (s *Server) handleCheckNumbers(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Numbers) == 0 {
		writeError(w, http.StatusBadRequest, "numbers required")
		return
	}
	res, err := s.contacts.CheckNumbers(r.Context(), sessionID(r), req.Numbers)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": res})
}

// POST /api/sessions/{id}/contacts/sync
func (s *Server) handleSyncContacts(w http.ResponseWriter, r *http.Request) {
	ref, _ := s.sessions.Lookup(sessionID(r))
	res, err := s.contacts.Sync(r.Context(), ref.ID, ref.TenantID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Pending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// DELETE /api/sessions/{id}/contacts drops every stored contact the
// session contributed.
func (s *Server) handleClearContacts(w http.ResponseWriter, r *http.Request) {
	ref, _ := s.sessions.Lookup(sessionID(r))
	n, err := s.contacts.ClearSession(r.Context(), ref.TenantID, ref.ID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"deleted": n,
	})
}

// DeleteContactsRequest for POST /api/sessions/{id}/contacts/delete
type DeleteContactsRequest struct {
	IDs []uint `json:"ids"`
}

func (s *Server) handleDeleteContacts(w http.ResponseWriter, r *http.Request) {
	var req DeleteContactsRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids required")
		return
	}
	ref, _ := s.sessions.Lookup(sessionID(r))
	n, err := s.contacts.DeleteContacts(r.Context(), ref.TenantID, req.IDs)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"deleted": n,
	})
}

// POST /api/sessions/{id}/contacts/{phone}/block and .../unblock
func (s *Server) handleBlock(block bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.contacts.Block(r.Context(), sessionID(r), mux.Vars(r)["phone"], block); err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"blocked": block,
		})
	}
}

// GET /api/sessions/{id}/contacts/{phone}/presence
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	info, err := s.contacts.Presence(r.Context(), sessionID(r), mux.Vars(r)["phone"])
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GET /api/sessions/{id}/chats?page=&limit=&search=&type=&unread=
func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := s.contacts.Chats(r.Context(), sessionID(r), contacts.ChatQuery{
		Page:       cast.ToInt(q.Get("page")),
		Limit:      cast.ToInt(q.Get("limit")),
		Search:     q.Get("search"),
		Type:       q.Get("type"),
		UnreadOnly: cast.ToBool(q.Get("unread")),
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writePage(w, page.Loading, page.RetryAfterMs, page)
}

// GET /api/sessions/{id}/groups
func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.contacts.Groups(r.Context(), sessionID(r))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"groups": groups,
		"total":  len(groups),
	})
}
