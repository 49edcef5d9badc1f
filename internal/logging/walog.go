package logging

import (
	"github.com/sirupsen/logrus"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// WALogger routes whatsmeow's logs through logrus.
type WALogger struct {
	entry *logrus.Entry
}

// NewWALogger returns a whatsmeow logger tagged with module.
func NewWALogger(entry *logrus.Entry, module string) *WALogger {
	return &WALogger{entry: entry.WithField("module", module)}
}

func (w *WALogger) Debugf(msg string, args ...interface{}) { w.entry.Debugf(msg, args...) }
func (w *WALogger) Infof(msg string, args ...interface{})  { w.entry.Infof(msg, args...) }
func (w *WALogger) Warnf(msg string, args ...interface{})  { w.entry.Warnf(msg, args...) }
func (w *WALogger) Errorf(msg string, args ...interface{}) { w.entry.Errorf(msg, args...) }

// Sub nests module names the way whatsmeow's stdout logger does.
func (w *WALogger) Sub(module string) waLog.Logger {
	parent, _ := w.entry.Data["module"].(string)
	if parent != "" {
		module = parent + "/" + module
	}
	return &WALogger{entry: w.entry.WithField("module", module)}
}

var _ waLog.Logger = (*WALogger)(nil)
