package session

import (
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/whatsapp-automation/waweb/internal/driver"
)

// keepAliveLoop probes every READY session on a fixed interval until the
// manager shuts down.
func (m *Manager) keepAliveLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			m.log.Info("[keepalive] stopped")
			return
		case <-ticker.C:
			m.probeReady()
		}
	}
}

// probeReady queries the live connection state of each READY session. A
// bad state is only logged; the driver's own disconnect event drives the
// transition.
func (m *Manager) probeReady() {
	ready := m.store.withStatus(StatusReady)
	if len(ready) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(max(1, m.cfg.ProbeConcurrency))

	var unhealthy int
	results := make([]bool, len(ready))
	for i, s := range ready {
		g.Go(func() error {
			state, err := Await(s.ctx, "keepalive", m.cfg.ProbeTimeout, s.drv.State)
			if s.ctx.Err() != nil {
				return nil
			}
			log := m.sessionLog(s)
			switch {
			case err != nil:
				log.WithError(err).Warn("[keepalive] state probe failed")
			case state != driver.StateConnected:
				log.WithField("state", state).Warn("[keepalive] session not connected")
			default:
				results[i] = true
			}
			if s.Status() == StatusReady {
				s.touch(m.now())
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, ok := range results {
		if !ok {
			unhealthy++
		}
	}
	m.log.WithField("unhealthy", unhealthy).Debugf("[keepalive] probed %d ready sessions", len(ready))
}
