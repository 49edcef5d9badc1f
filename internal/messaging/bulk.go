package messaging

import (
	"context"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/waweb/internal/driver"
)

// BulkItem is the outcome for one recipient of a bulk send.
type BulkItem struct {
	Recipient string     `json:"recipient"`
	Success   bool       `json:"success"`
	MessageID string     `json:"messageId,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// BulkResult lists one item per recipient, in input order.
type BulkResult struct {
	Total      int        `json:"total"`
	Successful int        `json:"successful"`
	Failed     int        `json:"failed"`
	Results    []BulkItem `json:"results"`
}

// SendBulk sends body to every recipient, one after another, pausing
// between sends. overrides maps a recipient's digits to a replacement
// body. A failed recipient does not stop the run; cancelling ctx marks
// every recipient not yet sent as failed.
func (h *Handler) SendBulk(ctx context.Context, sessionID string, recipients []string, body string, opts BulkOptions, overrides map[string]string) (*BulkResult, error) {
	if err := (validation.Errors{
		"recipients": validation.Validate(recipients, validation.Required),
		"body":       validation.Validate(body, validation.Required),
		"options":    opts.Validate(),
	}).Filter(); err != nil {
		return nil, err
	}

	byDigits := make(map[string]string, len(overrides))
	for k, v := range overrides {
		byDigits[driver.NormalizePhone(k)] = v
	}

	log := h.log.WithFields(logrus.Fields{"session": sessionID, "recipients": len(recipients)})
	log.Info("[bulk] starting")

	pace := newPacer(opts, h.cfg.DefaultDelay, h.seed())
	res := &BulkResult{Total: len(recipients), Results: make([]BulkItem, 0, len(recipients))}
	for i, rcpt := range recipients {
		if i > 0 {
			if err := h.sleep(ctx, pace.next()); err != nil {
				res.cancelRest(recipients[i:], err)
				break
			}
		}
		if err := ctx.Err(); err != nil {
			res.cancelRest(recipients[i:], err)
			break
		}

		text := body
		if o, ok := byDigits[driver.NormalizePhone(rcpt)]; ok && o != "" {
			text = o
		}
		item := BulkItem{Recipient: rcpt}
		sent, err := h.SendText(ctx, sessionID, rcpt, text, SendOptions{})
		if err != nil {
			item.Error = err.Error()
			res.Failed++
			log.WithError(err).WithField("index", i).Warn("[bulk] recipient failed")
		} else {
			ts := sent.Timestamp
			item.Success, item.MessageID, item.Timestamp = true, sent.MessageID, &ts
			res.Successful++
		}
		res.Results = append(res.Results, item)
	}

	log.WithFields(logrus.Fields{"successful": res.Successful, "failed": res.Failed}).Info("[bulk] finished")
	return res, nil
}

func (r *BulkResult) cancelRest(rest []string, err error) {
	for _, rcpt := range rest {
		r.Results = append(r.Results, BulkItem{Recipient: rcpt, Error: err.Error()})
		r.Failed++
	}
}
