// Package whatsmeow implements driver.Driver on top of go.mau.fi/whatsmeow.
// Each driver owns one device store (store.db) inside the session's auth
// directory.
package whatsmeow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/whatsapp-automation/waweb/internal/config"
	"github.com/whatsapp-automation/waweb/internal/driver"
	"github.com/whatsapp-automation/waweb/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

const storeFile = "store.db"

var errClosed = errors.New("driver destroyed")

// Proxies assigns outbound proxies to sessions. *config.ProxyPool
// implements it.
type Proxies interface {
	ForSession(sessionID string) *config.ProxyConfig
	MarkBlocked(sessionID string)
	Release(sessionID string)
}

// Config is shared by every driver the factory builds.
type Config struct {
	OSName        string
	PrintQR       bool
	MaxMediaBytes int64
	Proxies       Proxies
}

// NewFactory returns a driver.Factory producing whatsmeow clients.
func NewFactory(cfg Config) driver.Factory {
	if cfg.OSName != "" {
		platform := waCompanionReg.DeviceProps_CHROME
		store.DeviceProps.Os = proto.String(cfg.OSName)
		store.DeviceProps.PlatformType = &platform
	}
	if cfg.MaxMediaBytes <= 0 {
		cfg.MaxMediaBytes = 64 << 20
	}
	return func(opts driver.Options) (driver.Driver, error) {
		return New(cfg, opts)
	}
}

// Driver is one whatsmeow client bound to a session.
type Driver struct {
	cfg       Config
	sessionID string
	emit      driver.Handler
	log       *logrus.Entry

	container *sqlstore.Container
	client    *whatsmeow.Client
	chats     *chatIndex

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// New opens (or creates) the device store under opts.AuthDir and builds an
// unconnected client.
func New(cfg Config, opts driver.Options) (*Driver, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "whatsmeow")

	if err := os.MkdirAll(opts.AuthDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create auth dir")
	}
	dbPath := filepath.Join(opts.AuthDir, storeFile)
	dbURI := fmt.Sprintf("file:%s?_foreign_keys=on", dbPath)

	ctx, cancel := context.WithCancel(context.Background())
	container, err := sqlstore.New(ctx, "sqlite3", dbURI, logging.NewWALogger(log, "Database"))
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "open device store")
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		cancel()
		_ = container.Close()
		return nil, errors.Wrap(err, "load device")
	}

	client := whatsmeow.NewClient(device, logging.NewWALogger(log, "Client"))
	// Reconnection belongs to the session manager.
	client.EnableAutoReconnect = false
	client.AutoTrustIdentity = true

	d := &Driver{
		cfg:       cfg,
		sessionID: opts.SessionID,
		emit:      opts.Handler,
		log:       log,
		container: container,
		client:    client,
		chats:     newChatIndex(),
		ctx:       ctx,
		cancel:    cancel,
	}
	if d.emit == nil {
		d.emit = func(driver.Event) {}
	}
	client.AddEventHandler(d.handleEvent)
	return d, nil
}

// Initialize connects the client. Unpaired devices get a QR channel first;
// codes and the final outcome arrive as events.
func (d *Driver) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.client.IsConnected() {
		return nil
	}
	if err := d.applyProxy(); err != nil {
		return err
	}

	if d.client.Store.ID == nil {
		qrChan, err := d.client.GetQRChannel(d.ctx)
		if err != nil && !errors.Is(err, whatsmeow.ErrQRStoreContainsID) {
			return errors.Wrap(err, "QR channel")
		}
		if qrChan != nil {
			go d.watchQR(qrChan)
		}
	}

	d.log.Info("[connect] connecting to WhatsApp")
	if err := d.client.Connect(); err != nil {
		if d.cfg.Proxies != nil && isProxyError(err) {
			d.cfg.Proxies.MarkBlocked(d.sessionID)
		}
		return errors.Wrap(err, "connect")
	}
	return nil
}

func (d *Driver) applyProxy() error {
	if d.cfg.Proxies == nil {
		return nil
	}
	px := d.cfg.Proxies.ForSession(d.sessionID)
	if px == nil {
		return nil
	}
	if err := d.client.SetProxyAddress(px.URL()); err != nil {
		return errors.Wrapf(err, "set proxy %s", px)
	}
	d.log.WithField("proxy", px.String()).Info("[connect] using proxy")
	return nil
}

func (d *Driver) State(ctx context.Context) (driver.ConnState, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return driver.StateDisconnected, nil
	}

	paired := d.client.Store.ID != nil
	switch {
	case !paired:
		return driver.StateUnpaired, nil
	case !d.client.IsConnected():
		return driver.StateDisconnected, nil
	case !d.client.IsLoggedIn():
		return driver.StateConnecting, nil
	default:
		return driver.StateConnected, nil
	}
}

// Logout unlinks the device and deletes its keys from the store.
func (d *Driver) Logout(ctx context.Context) error {
	if d.client.Store.ID == nil {
		return nil
	}
	if err := d.client.Logout(ctx); err != nil {
		return errors.Wrap(err, "logout")
	}
	return nil
}

// Destroy disconnects and closes the device store. Auth data stays on disk.
func (d *Driver) Destroy() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.client.RemoveEventHandlers()
	d.client.Disconnect()
	d.cancel()
	if d.cfg.Proxies != nil {
		d.cfg.Proxies.Release(d.sessionID)
	}
	if err := d.container.Close(); err != nil {
		return errors.Wrap(err, "close device store")
	}
	return nil
}

func (d *Driver) ownJID() types.JID {
	if d.client.Store.ID == nil {
		return types.EmptyJID
	}
	return d.client.Store.ID.ToNonAD()
}

// isProxyError reports connect failures that point at the proxy rather
// than at WhatsApp.
func isProxyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"proxy", "socks", "connection refused", "no route to host", "i/o timeout"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func parseJID(addr string) (types.JID, error) {
	jid, err := types.ParseJID(driver.Address(addr))
	if err != nil {
		return types.EmptyJID, errors.Wrapf(err, "invalid address %q", addr)
	}
	if jid.User == "" {
		return types.EmptyJID, errors.Errorf("invalid address %q", addr)
	}
	return jid, nil
}

var _ driver.Driver = (*Driver)(nil)
