// Package api binds the session, contact and messaging managers to HTTP
// and streams hub events over websockets.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/waweb/internal/contacts"
	"github.com/whatsapp-automation/waweb/internal/events"
	"github.com/whatsapp-automation/waweb/internal/messaging"
	"github.com/whatsapp-automation/waweb/internal/session"
)

const (
	HeaderTenant    = "X-Tenant-ID"
	HeaderRole      = "X-Role"
	HeaderRequestID = "X-Request-ID"
	RoleAdmin       = "admin"
)

// Server represents the HTTP API server
type Server struct {
	WorkerID string

	sessions *session.Manager
	contacts *contacts.Manager
	messages *messaging.Handler
	hub      *events.Hub
	log      *logrus.Entry
	started  time.Time
}

func NewServer(workerID string, sessions *session.Manager, cm *contacts.Manager, mh *messaging.Handler, hub *events.Hub, log *logrus.Logger) *Server {
	return &Server{
		WorkerID: workerID,
		sessions: sessions,
		contacts: cm,
		messages: mh,
		hub:      hub,
		log:      log.WithField("component", "api"),
		started:  time.Now(),
	}
}

// Router returns a mux router with every route and middleware attached.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestID, s.logging)
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers HTTP routes
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	// Sessions
	api.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	sr := api.PathPrefix("/sessions/{id}").Subrouter()
	sr.Use(s.sessionAccess)
	sr.HandleFunc("", s.handleSessionStatus).Methods(http.MethodGet)
	sr.HandleFunc("", s.handleDestroySession).Methods(http.MethodDelete)
	sr.HandleFunc("/restart", s.handleRestartSession).Methods(http.MethodPost)

	// Messages
	sr.HandleFunc("/messages", s.handleSendText).Methods(http.MethodPost)
	sr.HandleFunc("/messages", s.handleHistory).Methods(http.MethodGet)
	sr.HandleFunc("/messages/media", s.handleSendMedia).Methods(http.MethodPost)
	sr.HandleFunc("/messages/bulk", s.handleSendBulk).Methods(http.MethodPost)
	sr.HandleFunc("/messages/search", s.handleSearch).Methods(http.MethodGet)
	sr.HandleFunc("/messages/{messageId}", s.handleDeleteMessage).Methods(http.MethodDelete)

	// Contacts
	sr.HandleFunc("/contacts", s.handleListContacts).Methods(http.MethodGet)
	sr.HandleFunc("/contacts", s.handleClearContacts).Methods(http.MethodDelete)
	sr.HandleFunc("/contacts/delete", s.handleDeleteContacts).Methods(http.MethodPost)
	sr.HandleFunc("/contacts/check", s.handleCheckNumbers).Methods(http.MethodPost)
	sr.HandleFunc("/contacts/sync", s.handleSyncContacts).Methods(http.MethodPost)
	sr.HandleFunc("/contacts/{phone}", s.handleGetContact).Methods(http.MethodGet)
	sr.HandleFunc("/contacts/{phone}/block", s.handleBlock(true)).Methods(http.MethodPost)
	sr.HandleFunc("/contacts/{phone}/unblock", s.handleBlock(false)).Methods(http.MethodPost)
	sr.HandleFunc("/contacts/{phone}/presence", s.handlePresence).Methods(http.MethodGet)

	// Chats and groups
	sr.HandleFunc("/chats", s.handleChats).Methods(http.MethodGet)
	sr.HandleFunc("/groups", s.handleGroups).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": true, "message": message})
}

// decode reads a JSON body into v, reporting a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 96<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	return true
}

type ctxKey int

const requestIDKey ctxKey = iota

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		rid, _ := r.Context().Value(requestIDKey).(string)
		s.log.WithFields(logrus.Fields{
			"request": rid,
			"status":  rec.status,
			"took":    time.Since(start).Round(time.Millisecond),
		}).Infof("%s %s", r.Method, r.URL.Path)
	})
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts := map[session.Status]int{}
	for _, snap := range s.sessions.List() {
		counts[snap.Status]++
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"healthy":     true,
		"worker_id":   s.WorkerID,
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"sessions":    counts,
		"subscribers": s.hub.Subscribers(),
	})
}
