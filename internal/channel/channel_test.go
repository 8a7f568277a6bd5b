package channel

import (
	"sync"
	"testing"

	"github.com/babelcloud/dscreen/internal/databuffer"
	"github.com/babelcloud/dscreen/internal/errcode"
	"github.com/babelcloud/dscreen/internal/softbus"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockAdapter records softbus calls.
type MockAdapter struct {
	mu        sync.Mutex
	servers   map[string]bool
	listeners map[string]softbus.Listener
	sent      [][]byte
	closed    []int32
	nextID    int32
	openErr   error
	closeErr  error
}

func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		servers:   make(map[string]bool),
		listeners: make(map[string]softbus.Listener),
		nextID:    7,
	}
}

func (m *MockAdapter) CreateSoftbusSessionServer(pkgName, sessionName, peerDevID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[sessionName+"/"+peerDevID] = true
	return nil
}

func (m *MockAdapter) RemoveSoftbusSessionServer(pkgName, sessionName, peerDevID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionName + "/" + peerDevID
	if !m.servers[key] {
		return errcode.ErrSoftbusSessionServer
	}
	delete(m.servers, key)
	return nil
}

func (m *MockAdapter) OpenSoftbusSession(mySessionName, peerSessionName, peerDevID string) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return 0, m.openErr
	}
	return m.nextID, nil
}

func (m *MockAdapter) CloseSoftbusSession(sessionID int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, sessionID)
	return m.closeErr
}

func (m *MockAdapter) SendSoftbusBytes(sessionID int32, data []byte) error { return nil }

func (m *MockAdapter) SendSoftbusStream(sessionID int32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, append([]byte(nil), data...))
	return nil
}

func (m *MockAdapter) RegisterSoftbusListener(listener softbus.Listener, sessionName, peerDevID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[sessionName+"/"+peerDevID] = listener
	return nil
}

func (m *MockAdapter) UnRegisterSoftbusListener(sessionName, peerDevID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, sessionName+"/"+peerDevID)
	return nil
}

// MockListener counts channel events.
type MockListener struct {
	opened   int
	closed   int
	received []*databuffer.DataBuffer
}

func (l *MockListener) OnSessionOpened() { l.opened++ }
func (l *MockListener) OnSessionClosed() { l.closed++ }
func (l *MockListener) OnDataReceived(data *databuffer.DataBuffer) {
	l.received = append(l.received, data)
}

func TestCreateSessionRegistersServerAndListener(t *testing.T) {
	adapter := NewMockAdapter()
	ch := NewScreenDataChannel(adapter, "dev-b", Names{})

	assert.ErrorIs(t, ch.CreateSession(nil), errcode.ErrTransNullValue)
	assert.Empty(t, adapter.servers)

	require.NoError(t, ch.CreateSession(&MockListener{}))
	key := DefaultSessionName + "/dev-b"
	assert.True(t, adapter.servers[key])
	assert.Same(t, ch, adapter.listeners[key])

	require.NoError(t, ch.ReleaseSession())
	assert.Empty(t, adapter.servers)
	assert.Empty(t, adapter.listeners)
	assert.ErrorIs(t, ch.ReleaseSession(), errcode.ErrTransError, "second release finds nothing to remove")
}

func TestOpenAndCloseSession(t *testing.T) {
	adapter := NewMockAdapter()
	listener := &MockListener{}
	ch := NewScreenDataChannel(adapter, "dev-b", Names{SessionName: "custom"})
	require.NoError(t, ch.CreateSession(listener))

	assert.ErrorIs(t, ch.CloseSession(), errcode.ErrTransSessionNotOpen)
	require.NoError(t, ch.OpenSession())
	ch.OnSessionOpened(7, 0)
	assert.Equal(t, 1, listener.opened)
	assert.Equal(t, int32(7), ch.SessionID())

	require.NoError(t, ch.CloseSession())
	assert.Equal(t, []int32{7}, adapter.closed)
	assert.ErrorIs(t, ch.CloseSession(), errcode.ErrTransSessionNotOpen, "close is not idempotent")
}

func TestOpenFailures(t *testing.T) {
	adapter := NewMockAdapter()
	adapter.openErr = errors.New("no route")
	listener := &MockListener{}
	ch := NewScreenDataChannel(adapter, "dev-b", Names{})
	require.NoError(t, ch.CreateSession(listener))
	assert.ErrorIs(t, ch.OpenSession(), errcode.ErrTransOpenSession)

	adapter.openErr = nil
	require.NoError(t, ch.OpenSession())
	ch.OnSessionOpened(7, errcode.ErrSoftbusNoPeer.Int32())
	assert.Equal(t, 0, listener.opened)
	assert.Equal(t, 1, listener.closed, "failed open is reported as closed")
	assert.Zero(t, ch.SessionID())
}

func TestSendData(t *testing.T) {
	adapter := NewMockAdapter()
	ch := NewScreenDataChannel(adapter, "dev-b", Names{})
	require.NoError(t, ch.CreateSession(&MockListener{}))

	data := databuffer.FromBytes([]byte("frame"))
	assert.ErrorIs(t, ch.SendData(nil), errcode.ErrTransNullValue)
	assert.ErrorIs(t, ch.SendData(data), errcode.ErrTransSessionNotOpen)

	ch.OnSessionOpened(3, 0)
	require.NoError(t, ch.SendData(data))
	require.NoError(t, data.SetRange(1, 3))
	require.NoError(t, ch.SendData(data))
	assert.Equal(t, [][]byte{[]byte("frame"), []byte("ram")}, adapter.sent)
}

func TestInboundEvents(t *testing.T) {
	adapter := NewMockAdapter()
	listener := &MockListener{}
	ch := NewScreenDataChannel(adapter, "dev-a", Names{})
	require.NoError(t, ch.CreateSession(listener))

	ch.OnSessionOpened(9, 0)
	payload := []byte{1, 2, 3}
	ch.OnStreamReceived(9, payload)
	payload[0] = 0xff
	ch.OnStreamReceived(9, nil)
	ch.OnBytesReceived(9, []byte("ignored"))

	require.Len(t, listener.received, 1)
	assert.Equal(t, []byte{1, 2, 3}, listener.received[0].Bytes(), "received data is copied")
	assert.Equal(t, 3, listener.received[0].Capacity())

	ch.OnSessionClosed(9)
	assert.Equal(t, 1, listener.closed)
	assert.Zero(t, ch.SessionID())

	require.NoError(t, ch.ReleaseSession())
	ch.OnStreamReceived(9, []byte{4})
	assert.Len(t, listener.received, 1, "released channel drops data")
}
