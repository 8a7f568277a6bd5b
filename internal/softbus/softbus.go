// Package softbus is the session-oriented transport between devices. A
// session is a point-to-point, message-preserving pipe between a named
// session on this device and a named session on a peer device. Sessions to
// one peer share a single multiplexed link.
package softbus

import (
	"time"

	"github.com/google/uuid"
)

// Listener receives session events for one (session name, peer) pair.
type Listener interface {
	// OnSessionOpened reports the outcome of an open, result 0 on success.
	OnSessionOpened(sessionID int32, result int32)
	// OnSessionClosed reports that the peer or the link closed the session.
	OnSessionClosed(sessionID int32)
	OnBytesReceived(sessionID int32, data []byte)
	OnStreamReceived(sessionID int32, data []byte)
}

// Adapter is the transport surface the screen data channel depends on.
type Adapter interface {
	CreateSoftbusSessionServer(pkgName, sessionName, peerDevID string) error
	RemoveSoftbusSessionServer(pkgName, sessionName, peerDevID string) error
	// OpenSoftbusSession starts opening a session and returns its id at
	// once. The outcome is delivered through Listener.OnSessionOpened.
	OpenSoftbusSession(mySessionName, peerSessionName, peerDevID string) (int32, error)
	CloseSoftbusSession(sessionID int32) error
	SendSoftbusBytes(sessionID int32, data []byte) error
	SendSoftbusStream(sessionID int32, data []byte) error
	RegisterSoftbusListener(listener Listener, sessionName, peerDevID string) error
	UnRegisterSoftbusListener(sessionName, peerDevID string) error
}

// LinkType selects how links to peers are carried.
type LinkType string

const (
	LinkTCP       LinkType = "tcp"
	LinkWebSocket LinkType = "ws"
)

const (
	DefaultListenAddr       = ":7788"
	DefaultWSPath           = "/softbus"
	DefaultDialTimeout      = 5 * time.Second
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultMaxFrameSize     = 64 * 1024 * 1024
)

// Config configures a Bus.
type Config struct {
	// DeviceID identifies this device to peers.
	DeviceID   string
	ListenAddr string
	Link       LinkType
	// WSPath is the HTTP path of the WebSocket endpoint.
	WSPath string
	// Peers maps peer device ids to their link addresses.
	Peers            map[string]string
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	MaxFrameSize     int
}

// DefaultConfig returns a TCP configuration with a random device id.
func DefaultConfig() Config {
	return Config{
		DeviceID:         uuid.NewString(),
		ListenAddr:       DefaultListenAddr,
		Link:             LinkTCP,
		WSPath:           DefaultWSPath,
		DialTimeout:      DefaultDialTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
		MaxFrameSize:     DefaultMaxFrameSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DeviceID == "" {
		c.DeviceID = d.DeviceID
	}
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.Link == "" {
		c.Link = d.Link
	}
	if c.WSPath == "" {
		c.WSPath = d.WSPath
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	return c
}
