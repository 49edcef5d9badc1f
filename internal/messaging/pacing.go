package messaging

import (
	"context"
	"math/rand"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ============================================
// BULK PACING
// ============================================

// BulkOptions controls the pause between two consecutive bulk sends.
// With RandomDelay set each pause is drawn from [MinDelay, MaxDelay];
// otherwise Delay is used, falling back to the configured default.
type BulkOptions struct {
	Delay       time.Duration `json:"delay"`
	RandomDelay bool          `json:"randomDelay"`
	MinDelay    time.Duration `json:"minDelay"`
	MaxDelay    time.Duration `json:"maxDelay"`
}

func (o BulkOptions) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.Delay, validation.Min(time.Duration(0))),
		validation.Field(&o.MinDelay,
			validation.Min(time.Duration(0)),
			validation.When(o.RandomDelay, validation.Max(o.MaxDelay).Error("must not exceed maxDelay")),
		),
		validation.Field(&o.MaxDelay, validation.When(o.RandomDelay, validation.Required)),
	)
}

// pacer yields the pause before each send after the first.
type pacer struct {
	opts     BulkOptions
	fallback time.Duration
	rnd      *rand.Rand
}

func newPacer(opts BulkOptions, fallback time.Duration, seed int64) *pacer {
	return &pacer{opts: opts, fallback: fallback, rnd: rand.New(rand.NewSource(seed))}
}

func (p *pacer) next() time.Duration {
	if p.opts.RandomDelay {
		span := int64(p.opts.MaxDelay - p.opts.MinDelay)
		if span <= 0 {
			return p.opts.MinDelay
		}
		return p.opts.MinDelay + time.Duration(p.rnd.Int63n(span+1))
	}
	if p.opts.Delay > 0 {
		return p.opts.Delay
	}
	return p.fallback
}

// sleepCtx waits for d or until ctx ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
