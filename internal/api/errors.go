package api

import (
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/pkg/errors"

	"github.com/whatsapp-automation/waweb/internal/contacts"
	"github.com/whatsapp-automation/waweb/internal/messaging"
	"github.com/whatsapp-automation/waweb/internal/session"
)

// writeErr maps the error taxonomy onto a status code and body.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		rid, _ := r.Context().Value(requestIDKey).(string)
		s.log.WithError(err).WithField("request", rid).Warnf("%s %s failed", r.Method, r.URL.Path)
	}
	writeJSON(w, status, body)
}

func errorResponse(err error) (int, map[string]interface{}) {
	body := map[string]interface{}{"error": true, "message": err.Error()}

	var (
		verrs    validation.Errors
		notReady *session.NotReadyError
		timeout  *session.TimeoutError
		initErr  *session.InitializationError
		drvErr   *session.DriverError
		sendErr  *messaging.SendError
	)
	if errors.As(err, &sendErr) {
		body["recipient"] = sendErr.Recipient
	}

	switch {
	case errors.As(err, &verrs):
		body["message"] = "validation failed"
		body["fields"] = verrs
		return http.StatusBadRequest, body
	case errors.Is(err, session.ErrInvalidID):
		return http.StatusBadRequest, body
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, contacts.ErrContactNotFound):
		return http.StatusNotFound, body
	case errors.As(err, &notReady):
		body["status"] = notReady.Status
		if notReady.NeedsQR() {
			body["action"] = "scan_qr"
		} else {
			body["action"] = "wait"
		}
		return http.StatusConflict, body
	case errors.Is(err, session.ErrSessionExists):
		return http.StatusConflict, body
	case errors.As(err, &timeout):
		body["op"] = timeout.Op
		body["afterMs"] = timeout.AfterMs()
		return http.StatusGatewayTimeout, body
	case errors.As(err, &initErr):
		return http.StatusBadGateway, body
	case errors.As(err, &drvErr), sendErr != nil:
		return http.StatusBadGateway, body
	}
	body["message"] = "internal error"
	return http.StatusInternalServerError, body
}
