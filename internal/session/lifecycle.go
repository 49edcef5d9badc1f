package session

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/waweb/internal/driver"
	"github.com/whatsapp-automation/waweb/internal/events"
)

// run is the single consumer of a session's driver events.
func (m *Manager) run(s *Session) {
	defer m.wg.Done()
	defer close(s.loopDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt := <-s.events:
			m.handle(s, evt)
		}
	}
}

func (m *Manager) handle(s *Session, evt driver.Event) {
	log := m.sessionLog(s)

	switch e := evt.(type) {
	case driver.QR:
		if m.apply(s, StatusQRPending, func() { s.qr, s.qrImage = e.Code, e.Image }) {
			log.Info("[session] QR code issued")
			m.publish(s, events.QRIssued{Code: e.Code, Image: e.Image})
		}

	case driver.Authenticated:
		if m.apply(s, StatusAuthenticated, nil) {
			log.Info("[session] authenticated")
			m.publish(s, events.Authenticated{})
		}

	case driver.Ready:
		// A restored login goes straight to ready; record the
		// authenticated step so READY is never entered from elsewhere.
		if st := s.Status(); st != StatusAuthenticated && st != StatusReady {
			if m.apply(s, StatusAuthenticated, nil) {
				m.publish(s, events.Authenticated{})
			}
		}
		info := e.Info
		if m.apply(s, StatusReady, func() { s.info = &info }) {
			log.WithFields(logrus.Fields{"pushname": info.PushName, "platform": info.Platform}).Info("[session] ready")
			m.publish(s, events.Ready{Info: info})
		}

	case driver.Disconnected:
		if m.apply(s, StatusDisconnected, nil) {
			log.WithField("reason", e.Reason).Warn("[session] disconnected")
			m.publish(s, events.Disconnected{Reason: e.Reason})
			if !e.LoggedOut && e.Reason != driver.ReasonLogout {
				m.scheduleReconnect(s)
			}
		}

	case driver.AuthFailure:
		if m.apply(s, StatusAuthFailure, nil) {
			log.WithField("reason", e.Message).Error("[session] authentication failure")
			m.publish(s, events.AuthFailure{Message: e.Message})
		}
	}

	ref := Ref{ID: s.ID, TenantID: s.TenantID}
	for _, o := range m.observerList() {
		o.HandleEvent(ref, evt)
	}
}

// apply runs one FSM edge and logs rejected ones.
func (m *Manager) apply(s *Session, to Status, mutate func()) bool {
	from, ok := s.transition(to, m.now(), mutate)
	if !ok {
		m.sessionLog(s).WithFields(logrus.Fields{"from": from, "to": to}).Debug("[session] ignoring invalid transition")
	}
	return ok
}

func (m *Manager) publish(s *Session, p events.Payload) {
	m.pub.Publish(events.New(s.ID, s.TenantID, p))
}

// scheduleReconnect arranges exactly one re-initialize attempt after the
// reconnect delay. The driver retries internally, so a failed attempt is
// not retried here.
func (m *Manager) scheduleReconnect(s *Session) {
	if !s.claimReconnect() {
		return
	}
	log := m.sessionLog(s)
	log.WithField("delay", m.cfg.ReconnectDelay).Info("[reconnect] scheduled")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer s.releaseReconnect()

		t := time.NewTimer(m.cfg.ReconnectDelay)
		defer t.Stop()
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
		}

		if st := s.Status(); st != StatusDisconnected && st != StatusAuthFailure {
			log.WithField("status", st).Debug("[reconnect] no longer needed")
			return
		}
		if !m.apply(s, StatusInitializing, nil) {
			return
		}
		log.Info("[reconnect] re-initializing driver")
		err := AwaitErr(s.ctx, "reconnect", m.cfg.InitTimeout, s.drv.Initialize)
		if err == nil || s.ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("[reconnect] attempt failed")
		if m.apply(s, StatusDisconnected, nil) {
			m.publish(s, events.Disconnected{Reason: "reconnect failed"})
		}
	}()
}
