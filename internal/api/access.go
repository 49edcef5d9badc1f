package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/whatsapp-automation/waweb/internal/session"
)

// principal is the caller identity. The upstream auth layer supplies it in
// headers.
type principal struct {
	TenantID string
	Admin    bool
}

func principalOf(r *http.Request) principal {
	return principal{
		TenantID: strings.TrimSpace(r.Header.Get(HeaderTenant)),
		Admin:    strings.EqualFold(r.Header.Get(HeaderRole), RoleAdmin),
	}
}

func (p principal) canSee(tenantID string) bool {
	return p.Admin || (p.TenantID != "" && p.TenantID == tenantID)
}

// sessionAccess rejects requests for sessions owned by another tenant.
// Foreign sessions look exactly like missing ones.
func (s *Server) sessionAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principalOf(r)
		if !p.Admin && p.TenantID == "" {
			writeError(w, http.StatusUnauthorized, HeaderTenant+" header required")
			return
		}
		ref, ok := s.sessions.Lookup(mux.Vars(r)["id"])
		if !ok || !p.canSee(ref.TenantID) {
			s.writeErr(w, r, session.ErrSessionNotFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sessionID(r *http.Request) string {
	return mux.Vars(r)["id"]
}
