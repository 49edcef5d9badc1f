// Package jobs runs the worker's scheduled maintenance tasks.
package jobs

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Sweeper destroys sessions idle for longer than maxIdle and returns their
// ids. *session.Manager implements it.
type Sweeper interface {
	CleanInactive(ctx context.Context, maxIdle time.Duration) []string
}

type Scheduler struct {
	cron *cron.Cron
	log  *logrus.Entry
	ctx  context.Context
	stop context.CancelFunc
}

func NewScheduler(log *logrus.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	entry := log.WithField("component", "jobs")
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		log:  entry,
		ctx:  ctx,
		stop: cancel,
	}
}

// Add registers fn under spec. A panicking job is logged and the schedule
// keeps running.
func (s *Scheduler) Add(name, spec string, fn func(ctx context.Context)) error {
	_, err := s.cron.AddFunc(spec, func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.WithField("job", name).Errorf("[jobs] panic: %v", r)
			}
		}()
		start := time.Now()
		fn(s.ctx)
		s.log.WithFields(logrus.Fields{"job": name, "took": time.Since(start).Round(time.Millisecond)}).Debug("[jobs] done")
	})
	if err != nil {
		return errors.Wrapf(err, "schedule %s (%q)", name, spec)
	}
	return nil
}

// AddIdleSweep periodically destroys sessions idle for longer than maxIdle.
func (s *Scheduler) AddIdleSweep(spec string, maxIdle time.Duration, sw Sweeper) error {
	return s.Add("idle-sweep", spec, func(ctx context.Context) {
		removed := sw.CleanInactive(ctx, maxIdle)
		if len(removed) > 0 {
			s.log.WithField("sessions", removed).Infof("[jobs] removed %d idle sessions", len(removed))
		}
	})
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs, cancels the running ones' context and waits for
// them until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for running jobs")
	}
}
