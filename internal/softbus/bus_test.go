package softbus

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/babelcloud/dscreen/internal/errcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPkg     = "ohos.dhardware.dscreen"
	testSession = "ohos.dhardware.dscreen.data"
)

type opened struct {
	id     int32
	result int32
}

type received struct {
	id   int32
	data []byte
}

// MockListener records softbus events on buffered channels.
type MockListener struct {
	opened  chan opened
	closed  chan int32
	bytes   chan received
	streams chan received
}

func NewMockListener() *MockListener {
	return &MockListener{
		opened:  make(chan opened, 8),
		closed:  make(chan int32, 8),
		bytes:   make(chan received, 64),
		streams: make(chan received, 64),
	}
}

func (l *MockListener) OnSessionOpened(id int32, result int32) { l.opened <- opened{id, result} }
func (l *MockListener) OnSessionClosed(id int32)               { l.closed <- id }
func (l *MockListener) OnBytesReceived(id int32, data []byte)  { l.bytes <- received{id, data} }
func (l *MockListener) OnStreamReceived(id int32, data []byte) { l.streams <- received{id, data} }

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for softbus event")
	}
	var zero T
	return zero
}

func newBus(t *testing.T, id string, linkType LinkType) *Bus {
	t.Helper()
	b := NewBus(Config{DeviceID: id, ListenAddr: "127.0.0.1:0", Link: linkType, HandshakeTimeout: 2 * time.Second})
	require.NoError(t, b.Listen())
	t.Cleanup(func() { b.Close() })
	return b
}

// newPair returns two buses that know each other, with a session server
// and listener registered on both sides.
func newPair(t *testing.T, linkType LinkType) (a, b *Bus, la, lb *MockListener) {
	a = newBus(t, "dev-a", linkType)
	b = newBus(t, "dev-b", linkType)
	a.AddPeer("dev-b", b.Addr().String())
	b.AddPeer("dev-a", a.Addr().String())

	la, lb = NewMockListener(), NewMockListener()
	require.NoError(t, a.CreateSoftbusSessionServer(testPkg, testSession, "dev-b"))
	require.NoError(t, a.RegisterSoftbusListener(la, testSession, "dev-b"))
	require.NoError(t, b.CreateSoftbusSessionServer(testPkg, testSession, "dev-a"))
	require.NoError(t, b.RegisterSoftbusListener(lb, testSession, "dev-a"))
	return a, b, la, lb
}

func TestSessionRoundTrip(t *testing.T) {
	for _, linkType := range []LinkType{LinkTCP, LinkWebSocket} {
		t.Run(string(linkType), func(t *testing.T) {
			a, b, la, lb := newPair(t, linkType)

			id, err := a.OpenSoftbusSession(testSession, testSession, "dev-b")
			require.NoError(t, err)
			assert.NotZero(t, id)
			assert.Equal(t, opened{id, 0}, recv(t, la.opened))
			remote := recv(t, lb.opened)
			assert.Zero(t, remote.result)

			for i := 0; i < 3; i++ {
				payload := bytes.Repeat([]byte{byte(i + 1)}, 1000*(i+1))
				require.NoError(t, a.SendSoftbusStream(id, payload))
			}
			for i := 0; i < 3; i++ {
				got := recv(t, lb.streams)
				assert.Equal(t, remote.id, got.id)
				assert.Len(t, got.data, 1000*(i+1), "message boundaries are preserved")
				assert.Equal(t, byte(i+1), got.data[0])
			}

			require.NoError(t, a.SendSoftbusBytes(id, []byte("ping")))
			assert.Equal(t, []byte("ping"), recv(t, lb.bytes).data)

			require.NoError(t, b.SendSoftbusStream(remote.id, []byte("reply")))
			assert.Equal(t, received{id, []byte("reply")}, recv(t, la.streams))

			require.NoError(t, a.CloseSoftbusSession(id))
			assert.Equal(t, remote.id, recv(t, lb.closed))
			select {
			case <-la.closed:
				t.Fatal("local close must not be reported back")
			case <-time.After(100 * time.Millisecond):
			}
			assert.ErrorIs(t, a.SendSoftbusStream(id, []byte("x")), errcode.ErrSoftbusSessionUnknown)
		})
	}
}

func TestOpenRejectedWithoutSessionServer(t *testing.T) {
	a, b, la, _ := newPair(t, LinkTCP)
	require.NoError(t, b.RemoveSoftbusSessionServer(testPkg, testSession, "dev-a"))

	id, err := a.OpenSoftbusSession(testSession, testSession, "dev-b")
	require.NoError(t, err)
	got := recv(t, la.opened)
	assert.Equal(t, id, got.id)
	assert.Equal(t, errcode.ErrSoftbusSessionServer.Int32(), got.result)
	assert.ErrorIs(t, a.SendSoftbusStream(id, []byte("x")), errcode.ErrSoftbusSessionUnknown)
}

func TestOpenUnknownPeer(t *testing.T) {
	a := newBus(t, "dev-a", LinkTCP)
	la := NewMockListener()
	require.NoError(t, a.RegisterSoftbusListener(la, testSession, "dev-x"))

	_, err := a.OpenSoftbusSession(testSession, testSession, "dev-x")
	require.NoError(t, err)
	assert.Equal(t, errcode.ErrSoftbusNoPeer.Int32(), recv(t, la.opened).result)
}

func TestOpenRequiresListener(t *testing.T) {
	a := newBus(t, "dev-a", LinkTCP)
	_, err := a.OpenSoftbusSession(testSession, testSession, "dev-b")
	assert.ErrorIs(t, err, errcode.ErrSoftbusNoListener)

	_, err = a.OpenSoftbusSession("", testSession, "dev-b")
	assert.ErrorIs(t, err, errcode.ErrStringParamEmpty)
	assert.ErrorIs(t, a.RegisterSoftbusListener(nil, testSession, "dev-b"), errcode.ErrTransNullValue)
	assert.ErrorIs(t, a.CloseSoftbusSession(42), errcode.ErrSoftbusSessionUnknown)
}

func TestPeerClosePropagates(t *testing.T) {
	a, b, la, lb := newPair(t, LinkTCP)

	id, err := a.OpenSoftbusSession(testSession, testSession, "dev-b")
	require.NoError(t, err)
	require.Zero(t, recv(t, la.opened).result)
	recv(t, lb.opened)

	require.NoError(t, b.Close())
	assert.Equal(t, id, recv(t, la.closed))
}

func TestPeerRegistry(t *testing.T) {
	b := NewBus(Config{DeviceID: "dev-a", Peers: map[string]string{"dev-b": "10.0.0.2:7788"}})
	assert.Equal(t, map[string]string{"dev-b": "10.0.0.2:7788"}, b.Peers())

	b.AddPeer("dev-c", "10.0.0.2:7788")
	assert.Equal(t, map[string]string{"dev-c": "10.0.0.2:7788"}, b.Peers(), "address moves to the new device")

	b.AddPeer("dev-c", "10.0.0.3:7788")
	b.RemovePeer("dev-missing")
	assert.Equal(t, map[string]string{"dev-c": "10.0.0.3:7788"}, b.Peers())
	assert.Equal(t, "dev-a", b.DeviceID())
}

func TestFrameCodec(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, kindStream, []byte("hello")))
	require.NoError(t, writeFrame(&buf, kindBytes, nil))

	kind, payload, err := readFrame(&buf, 16)
	require.NoError(t, err)
	assert.Equal(t, kindStream, kind)
	assert.Equal(t, []byte("hello"), payload)

	kind, payload, err = readFrame(&buf, 16)
	require.NoError(t, err)
	assert.Equal(t, kindBytes, kind)
	assert.Empty(t, payload)

	require.NoError(t, writeFrame(&buf, kindStream, make([]byte, 32)))
	_, _, err = readFrame(&buf, 16)
	assert.Error(t, err)
}

func TestHelloValidation(t *testing.T) {
	data, err := hello{Session: "s", From: "f", Device: "d"}.marshal()
	require.NoError(t, err)
	h, err := parseHello(data)
	require.NoError(t, err)
	assert.Equal(t, hello{Session: "s", From: "f", Device: "d"}, h)

	for _, bad := range []string{`not json`, `{"session":"s"}`, `{"device":"d"}`, `{"protocol":"0","session":"s","device":"d"}`} {
		_, err := parseHello([]byte(bad))
		assert.Error(t, err, fmt.Sprintf("hello %q", bad))
	}

	result, err := parseAccept(acceptPayload(errcode.ErrSoftbusNoListener.Int32()))
	require.NoError(t, err)
	assert.Equal(t, errcode.ErrSoftbusNoListener.Int32(), result)
}
