package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cast"

	"github.com/whatsapp-automation/waweb/internal/messaging"
)

// SendRequest for POST /api/sessions/{id}/messages
type SendRequest struct {
	To       string `json:"to"`
	Message  string `json:"message"`
	QuotedID string `json:"quotedMessageId"`
}

func (s *Server) handleSendText(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.messages.SendText(r.Context(), sessionID(r), req.To, req.Message, messaging.SendOptions{QuotedID: req.QuotedID})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SendMediaRequest for POST /api/sessions/{id}/messages/media
type SendMediaRequest struct {
	To       string             `json:"to"`
	Media    messaging.MediaRef `json:"media"`
	Caption  string             `json:"caption"`
	QuotedID string             `json:"quotedMessageId"`
}

func (s *Server) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	var req SendMediaRequest
	if !decode(w, r, &req) {
		return
	}
	// Files on the worker's disk are not for remote callers.
	req.Media.Path = ""
	res, err := s.messages.SendMedia(r.Context(), sessionID(r), req.To, req.Media, req.Caption, messaging.SendOptions{QuotedID: req.QuotedID})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// BulkRequest for POST /api/sessions/{id}/messages/bulk. Delays are in
// milliseconds; Messages overrides the body per recipient.
type BulkRequest struct {
	Recipients  []string          `json:"recipients"`
	Message     string            `json:"message"`
	Messages    map[string]string `json:"messages"`
	DelayMs     interface{}       `json:"delay"`
	RandomDelay interface{}       `json:"randomDelay"`
	MinDelayMs  interface{}       `json:"minDelay"`
	MaxDelayMs  interface{}       `json:"maxDelay"`
}

func (req BulkRequest) options() messaging.BulkOptions {
	return messaging.BulkOptions{
		Delay:       time.Duration(cast.ToInt64(req.DelayMs)) * time.Millisecond,
		RandomDelay: cast.ToBool(req.RandomDelay),
		MinDelay:    time.Duration(cast.ToInt64(req.MinDelayMs)) * time.Millisecond,
		MaxDelay:    time.Duration(cast.ToInt64(req.MaxDelayMs)) * time.Millisecond,
	}
}

func (s *Server) handleSendBulk(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.messages.SendBulk(r.Context(), sessionID(r), req.Recipients, req.Message, req.options(), req.Messages)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /api/sessions/{id}/messages?chatId=&limit=
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	chatID := q.Get("chatId")
	if chatID == "" {
		writeError(w, http.StatusBadRequest, "chatId required")
		return
	}
	msgs := s.messages.History(sessionID(r), chatID, cast.ToInt(q.Get("limit")))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": msgs,
		"total":    len(msgs),
	})
}

// GET /api/sessions/{id}/messages/search?q=&limit=
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	msgs := s.messages.Search(sessionID(r), q.Get("q"), cast.ToInt(q.Get("limit")))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": msgs,
		"total":    len(msgs),
	})
}

// DELETE /api/sessions/{id}/messages/{messageId}?chatId=&forEveryone=
func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	chatID := q.Get("chatId")
	if chatID == "" {
		writeError(w, http.StatusBadRequest, "chatId required")
		return
	}
	err := s.messages.DeleteMessage(r.Context(), sessionID(r), chatID, mux.Vars(r)["messageId"], cast.ToBool(q.Get("forEveryone")))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
