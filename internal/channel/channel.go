// Package channel carries screen data between devices over a softbus
// session. Each DataBuffer is sent as one stream message.
package channel

import (
	"sync"

	"github.com/babelcloud/dscreen/internal/databuffer"
	"github.com/babelcloud/dscreen/internal/errcode"
	"github.com/babelcloud/dscreen/internal/softbus"
	"github.com/babelcloud/dscreen/internal/util"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const (
	DefaultPackageName = "ohos.dhardware.dscreen"
	DefaultSessionName = "ohos.dhardware.dscreen.data"
)

// Listener receives channel events.
type Listener interface {
	OnSessionOpened()
	// OnSessionClosed also reports a failed open.
	OnSessionClosed()
	OnDataReceived(data *databuffer.DataBuffer)
}

// Names selects the softbus package and session names.
type Names struct {
	PackageName string
	SessionName string
}

// ScreenDataChannel is a data channel to one peer device.
type ScreenDataChannel struct {
	adapter   softbus.Adapter
	peerDevID string
	names     Names

	mu        sync.Mutex
	sessionID int32
	listener  Listener
}

var _ softbus.Listener = (*ScreenDataChannel)(nil)

// NewScreenDataChannel returns a channel to peerDevID. Empty names fall
// back to the defaults.
func NewScreenDataChannel(adapter softbus.Adapter, peerDevID string, names Names) *ScreenDataChannel {
	if names.PackageName == "" {
		names.PackageName = DefaultPackageName
	}
	if names.SessionName == "" {
		names.SessionName = DefaultSessionName
	}
	return &ScreenDataChannel{
		adapter:   adapter,
		peerDevID: peerDevID,
		names:     names,
	}
}

// PeerDevID returns the peer this channel talks to.
func (c *ScreenDataChannel) PeerDevID() string {
	return c.peerDevID
}

// SessionID returns the current session id, 0 when no session is open.
func (c *ScreenDataChannel) SessionID() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// CreateSession registers the session server and the softbus listener for
// this peer. listener receives the channel's events.
func (c *ScreenDataChannel) CreateSession(listener Listener) error {
	if listener == nil {
		return errors.Wrap(errcode.ErrTransNullValue, "channel listener")
	}
	if c.adapter == nil {
		return errors.Wrap(errcode.ErrTransNullValue, "softbus adapter")
	}
	if err := c.adapter.CreateSoftbusSessionServer(c.names.PackageName, c.names.SessionName, c.peerDevID); err != nil {
		return errors.Wrapf(errcode.ErrTransCreateSession, "create session server for %s: %v", c.peerDevID, err)
	}
	if err := c.adapter.RegisterSoftbusListener(c, c.names.SessionName, c.peerDevID); err != nil {
		_ = c.adapter.RemoveSoftbusSessionServer(c.names.PackageName, c.names.SessionName, c.peerDevID)
		return errors.Wrapf(errcode.ErrTransCreateSession, "register listener for %s: %v", c.peerDevID, err)
	}

	c.mu.Lock()
	c.listener = listener
	c.mu.Unlock()
	util.GetLogger().Debug("Data channel session created", "peer", c.peerDevID, "session", c.names.SessionName)
	return nil
}

// OpenSession opens the session to the peer. The outcome arrives through
// the listener.
func (c *ScreenDataChannel) OpenSession() error {
	if c.adapter == nil {
		return errors.Wrap(errcode.ErrTransNullValue, "softbus adapter")
	}
	id, err := c.adapter.OpenSoftbusSession(c.names.SessionName, c.names.SessionName, c.peerDevID)
	if err != nil {
		return errors.Wrapf(errcode.ErrTransOpenSession, "open session to %s: %v", c.peerDevID, err)
	}
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
	util.GetLogger().Debug("Data channel opening", "peer", c.peerDevID, "id", id)
	return nil
}

// CloseSession closes the open session. Closing a channel without an open
// session fails with ErrTransSessionNotOpen.
func (c *ScreenDataChannel) CloseSession() error {
	c.mu.Lock()
	id := c.sessionID
	c.sessionID = 0
	c.mu.Unlock()

	if id == 0 {
		return errors.Wrapf(errcode.ErrTransSessionNotOpen, "close session to %s", c.peerDevID)
	}
	if err := c.adapter.CloseSoftbusSession(id); err != nil {
		return errors.Wrapf(errcode.ErrTransError, "close session %d: %v", id, err)
	}
	util.GetLogger().Debug("Data channel closed", "peer", c.peerDevID, "id", id)
	return nil
}

// SendData sends the buffer's current range as one stream message.
func (c *ScreenDataChannel) SendData(data *databuffer.DataBuffer) error {
	if data == nil {
		return errors.Wrap(errcode.ErrTransNullValue, "screen data")
	}
	id := c.SessionID()
	if id == 0 {
		return errors.Wrapf(errcode.ErrTransSessionNotOpen, "send to %s", c.peerDevID)
	}
	if err := c.adapter.SendSoftbusStream(id, data.Bytes()); err != nil {
		return errors.Wrapf(errcode.ErrTransSendFailed, "send %d bytes on session %d: %v", data.Size(), id, err)
	}
	return nil
}

// ReleaseSession removes the session server and the softbus listener. The
// session itself should be closed first.
func (c *ScreenDataChannel) ReleaseSession() error {
	c.mu.Lock()
	c.listener = nil
	c.mu.Unlock()
	if c.adapter == nil {
		return errors.Wrap(errcode.ErrTransNullValue, "softbus adapter")
	}

	err := multierr.Combine(
		c.adapter.RemoveSoftbusSessionServer(c.names.PackageName, c.names.SessionName, c.peerDevID),
		c.adapter.UnRegisterSoftbusListener(c.names.SessionName, c.peerDevID),
	)
	if err != nil {
		return errors.Wrapf(errcode.ErrTransError, "release session for %s: %v", c.peerDevID, err)
	}
	return nil
}

func (c *ScreenDataChannel) currentListener() Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

// OnSessionOpened implements softbus.Listener.
func (c *ScreenDataChannel) OnSessionOpened(sessionID int32, result int32) {
	logger := util.GetLogger()
	if result != errcode.DHSuccess.Int32() {
		logger.Error("Data channel open failed", "peer", c.peerDevID, "id", sessionID, "result", errcode.Code(result))
		c.mu.Lock()
		if c.sessionID == sessionID {
			c.sessionID = 0
		}
		c.mu.Unlock()
		if l := c.currentListener(); l != nil {
			l.OnSessionClosed()
		}
		return
	}

	c.mu.Lock()
	c.sessionID = sessionID
	l := c.listener
	c.mu.Unlock()
	logger.Info("Data channel opened", "peer", c.peerDevID, "id", sessionID)
	if l != nil {
		l.OnSessionOpened()
	}
}

// OnSessionClosed implements softbus.Listener.
func (c *ScreenDataChannel) OnSessionClosed(sessionID int32) {
	c.mu.Lock()
	if c.sessionID == sessionID {
		c.sessionID = 0
	}
	l := c.listener
	c.mu.Unlock()
	util.GetLogger().Info("Data channel closed by peer", "peer", c.peerDevID, "id", sessionID)
	if l != nil {
		l.OnSessionClosed()
	}
}

// OnBytesReceived implements softbus.Listener. Screen data only travels as
// stream messages, so bytes are dropped.
func (c *ScreenDataChannel) OnBytesReceived(sessionID int32, data []byte) {
	util.GetLogger().Warn("Data channel does not accept bytes", "peer", c.peerDevID, "id", sessionID, "size", len(data))
}

// OnStreamReceived implements softbus.Listener.
func (c *ScreenDataChannel) OnStreamReceived(sessionID int32, data []byte) {
	if len(data) == 0 {
		util.GetLogger().Warn("Empty stream message dropped", "peer", c.peerDevID, "id", sessionID)
		return
	}
	l := c.currentListener()
	if l == nil {
		return
	}
	l.OnDataReceived(databuffer.FromBytes(data))
}
