package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesOptions(t *testing.T) {
	_, _, err := New(Options{Level: "loud"})
	assert.Error(t, err)

	_, _, err = New(Options{Format: "xml"})
	assert.Error(t, err)

	l, c, err := New(Options{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)
	assert.NoError(t, c.Close())
}

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "worker.log")
	l, c, err := New(Options{File: path})
	require.NoError(t, err)

	l.WithField("component", "test").Info("[test] hello")
	require.NoError(t, c.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "[test] hello")
	assert.Contains(t, string(raw), "component=test")
}

func TestWALoggerNestsModules(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.Out = &buf
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	wa := NewWALogger(logrus.NewEntry(l), "Client")
	wa.Sub("Socket").Warnf("frame %d dropped", 7)

	assert.Contains(t, buf.String(), "module=Client/Socket")
	assert.Contains(t, buf.String(), "frame 7 dropped")
}
