package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/whatsapp-automation/waweb/internal/session"
)

// CreateSessionRequest for POST /api/sessions
type CreateSessionRequest struct {
	SessionID string `json:"sessionId"`
	TenantID  string `json:"tenantId"` // admins only
}

// POST /api/sessions
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	p := principalOf(r)
	if !p.Admin && p.TenantID == "" {
		writeError(w, http.StatusUnauthorized, HeaderTenant+" header required")
		return
	}

	var req CreateSessionRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	tenant := p.TenantID
	if p.Admin && req.TenantID != "" {
		tenant = req.TenantID
	}

	// Foreign sessions must not leak through the "exists" answer.
	if ref, ok := s.sessions.Lookup(req.SessionID); ok && !p.canSee(ref.TenantID) {
		writeError(w, http.StatusConflict, "session id unavailable")
		return
	}

	snap, err := s.sessions.Create(r.Context(), req.SessionID, tenant)
	if errors.Is(err, session.ErrSessionExists) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":  true,
			"existing": true,
			"session":  snap,
		})
		return
	}
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"session": snap,
	})
}

// GET /api/sessions
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	p := principalOf(r)
	out := make([]session.Snapshot, 0)
	for _, snap := range s.sessions.List() {
		if p.canSee(snap.TenantID) {
			out = append(out, snap)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": out,
		"total":    len(out),
	})
}

// GET /api/sessions/{id}
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.Status(r.Context(), sessionID(r))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// DELETE /api/sessions/{id}
func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.Destroy(r.Context(), sessionID(r)) {
		s.writeErr(w, r, session.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// POST /api/sessions/{id}/restart
func (s *Server) handleRestartSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.Restart(r.Context(), sessionID(r))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"session": snap,
	})
}
