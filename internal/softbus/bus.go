package softbus

import (
	"context"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/dscreen/internal/errcode"
	"github.com/babelcloud/dscreen/internal/util"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/vishalkuo/bimap"
	"github.com/xtaci/smux"
	"k8s.io/utils/keymutex"
)

type sessionKey struct {
	name string
	peer string
}

type session struct {
	id       int32
	name     string
	peerName string
	peer     string

	mu     sync.Mutex
	wmu    sync.Mutex
	stream *smux.Stream
	open   bool
	closed bool
}

// attach binds an established stream. It fails if the session was closed
// while the handshake ran.
func (s *session) attach(stream *smux.Stream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.stream = stream
	s.open = true
	return true
}

// markClosed reports whether the session had already been closed.
func (s *session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.closed
	s.closed = true
	s.open = false
	return was
}

func (s *session) send(kind frameKind, data []byte) error {
	s.mu.Lock()
	stream, open := s.stream, s.open
	s.mu.Unlock()
	if !open || stream == nil {
		return errors.Wrapf(errcode.ErrTransSessionNotOpen, "session %d", s.id)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := writeFrame(stream, kind, data); err != nil {
		return errors.Wrapf(errcode.ErrTransSendFailed, "session %d: %v", s.id, err)
	}
	return nil
}

// Bus implements Adapter over smux links carried by TCP or WebSocket.
type Bus struct {
	cfg Config

	mu        sync.Mutex
	servers   map[sessionKey]string
	listeners map[sessionKey]Listener
	sessions  map[int32]*session
	nextID    atomic.Int32

	peers    *bimap.BiMap[string, string]
	peersMu  sync.RWMutex
	outbound *linkMap
	inbound  *linkMap
	dialLock keymutex.KeyMutex

	ln         net.Listener
	httpServer *http.Server
	upgrader   websocket.Upgrader
	closed     chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

var _ Adapter = (*Bus)(nil)

// NewBus returns a bus for cfg. Call Listen to accept inbound sessions.
func NewBus(cfg Config) *Bus {
	cfg = cfg.withDefaults()
	b := &Bus{
		cfg:       cfg,
		servers:   make(map[sessionKey]string),
		listeners: make(map[sessionKey]Listener),
		sessions:  make(map[int32]*session),
		peers:     bimap.NewBiMap[string, string](),
		outbound:  newLinkMap(),
		inbound:   newLinkMap(),
		dialLock:  keymutex.NewHashed(64),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		closed: make(chan struct{}),
	}
	for id, addr := range cfg.Peers {
		b.AddPeer(id, addr)
	}
	return b
}

// DeviceID returns the id this bus announces to peers.
func (b *Bus) DeviceID() string {
	return b.cfg.DeviceID
}

// AddPeer maps a peer device id to its link address, replacing any device
// previously reachable at addr.
func (b *Bus) AddPeer(deviceID, addr string) {
	b.peersMu.Lock()
	defer b.peersMu.Unlock()

	if old, ok := b.peers.GetInverse(addr); ok && old != deviceID {
		b.peers.Delete(old)
	}
	b.peers.Delete(deviceID)
	b.peers.Insert(deviceID, addr)
}

// RemovePeer forgets a peer and closes the outbound link to it.
func (b *Bus) RemovePeer(deviceID string) {
	b.peersMu.Lock()
	b.peers.Delete(deviceID)
	b.peersMu.Unlock()

	if l, ok := b.outbound.Get(deviceID); ok {
		l.Mux.Close()
	}
}

// Peers returns a copy of the peer registry.
func (b *Bus) Peers() map[string]string {
	b.peersMu.RLock()
	defer b.peersMu.RUnlock()

	out := make(map[string]string)
	for id, addr := range b.peers.GetForwardMap() {
		out[id] = addr
	}
	return out
}

func (b *Bus) peerAddr(deviceID string) (string, bool) {
	b.peersMu.RLock()
	defer b.peersMu.RUnlock()
	return b.peers.Get(deviceID)
}

// Listen starts accepting links on the configured address.
func (b *Bus) Listen() error {
	ln, err := net.Listen("tcp", b.cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(errcode.ErrSoftbusLinkFailed, "listen on %s: %v", b.cfg.ListenAddr, err)
	}
	b.ln = ln
	logger := util.GetLogger()

	switch b.cfg.Link {
	case LinkWebSocket:
		router := mux.NewRouter()
		router.HandleFunc(b.cfg.WSPath, b.handleWebSocket).Methods(http.MethodGet)
		b.httpServer = &http.Server{Handler: router, ReadHeaderTimeout: b.cfg.HandshakeTimeout}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if err := b.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("Softbus websocket server stopped", "error", err)
			}
		}()
	default:
		b.wg.Add(1)
		go b.acceptTCP(ln)
	}
	logger.Info("Softbus listening", "addr", ln.Addr().String(), "link", b.cfg.Link, "device", b.cfg.DeviceID)
	return nil
}

// Addr returns the listening address, or nil before Listen.
func (b *Bus) Addr() net.Addr {
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

func (b *Bus) acceptTCP(ln net.Listener) {
	defer b.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-b.closed:
			default:
				util.GetLogger().Error("Softbus accept failed", "error", err)
			}
			return
		}
		session, err := smux.Server(conn, smuxConfig())
		if err != nil {
			util.GetLogger().Error("Failed to create smux session", "remote", conn.RemoteAddr().String(), "error", err)
			conn.Close()
			continue
		}
		b.serveLink(session, conn.RemoteAddr().String())
	}
}

func (b *Bus) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.GetLogger().Error("Softbus websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	session, err := smux.Server(newWSConn(conn), smuxConfig())
	if err != nil {
		util.GetLogger().Error("Failed to create smux session", "remote", r.RemoteAddr, "error", err)
		conn.Close()
		return
	}
	b.serveLink(session, r.RemoteAddr)
}

func (b *Bus) serveLink(session *smux.Session, remote string) {
	select {
	case <-b.closed:
		session.Close()
		return
	default:
	}
	l := b.inbound.Set(remote, &link{Mux: session, Remote: remote})
	util.GetLogger().Debug("Softbus link accepted", "remote", remote)
	b.wg.Add(1)
	go b.processLink(l)
}

// processLink accepts streams on an inbound link until it closes.
func (b *Bus) processLink(l *link) {
	defer b.wg.Done()
	defer b.inbound.Delete(l.Key, l.Token)
	defer func() {
		if r := recover(); r != nil {
			util.GetLogger().Error("Recovered from softbus link goroutine", "remote", l.Remote, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	for {
		stream, err := l.Mux.AcceptStream()
		if err != nil {
			util.GetLogger().Debug("Softbus link closed", "remote", l.Remote, "error", err)
			return
		}
		go b.acceptSession(stream, l.Remote)
	}
}

func (b *Bus) acceptSession(stream *smux.Stream, remote string) {
	logger := util.GetLogger()
	stream.SetReadDeadline(time.Now().Add(b.cfg.HandshakeTimeout))
	kind, payload, err := readFrame(stream, b.cfg.MaxFrameSize)
	if err != nil || kind != kindHello {
		logger.Warn("Softbus stream without hello", "remote", remote, "kind", kind, "error", err)
		stream.Close()
		return
	}
	h, err := parseHello(payload)
	if err != nil {
		logger.Warn("Softbus bad hello", "remote", remote, "error", err)
		_ = writeFrame(stream, kindAccept, acceptPayload(errcode.ErrTransIllegalParam.Int32()))
		stream.Close()
		return
	}

	key := sessionKey{name: h.Session, peer: h.Device}
	b.mu.Lock()
	_, hasServer := b.servers[key]
	l := b.listeners[key]
	b.mu.Unlock()
	if !hasServer || l == nil {
		reject := errcode.ErrSoftbusSessionServer
		if hasServer {
			reject = errcode.ErrSoftbusNoListener
		}
		logger.Warn("Softbus session rejected", "session", h.Session, "peer", h.Device, "reason", reject)
		_ = writeFrame(stream, kindAccept, acceptPayload(reject.Int32()))
		stream.Close()
		return
	}

	s := &session{id: b.nextID.Add(1), name: h.Session, peerName: h.From, peer: h.Device}
	s.attach(stream)
	b.mu.Lock()
	b.sessions[s.id] = s
	b.mu.Unlock()

	if err := writeFrame(stream, kindAccept, acceptPayload(errcode.DHSuccess.Int32())); err != nil {
		logger.Error("Softbus accept reply failed", "session", s.id, "error", err)
		b.removeSession(s.id)
		stream.Close()
		return
	}
	stream.SetReadDeadline(time.Time{})
	logger.Info("Softbus session accepted", "id", s.id, "session", h.Session, "peer", h.Device, "from", h.From)
	l.OnSessionOpened(s.id, errcode.DHSuccess.Int32())
	b.readLoop(s, stream)
}

// CreateSoftbusSessionServer implements Adapter.
func (b *Bus) CreateSoftbusSessionServer(pkgName, sessionName, peerDevID string) error {
	if pkgName == "" || sessionName == "" || peerDevID == "" {
		return errors.Wrap(errcode.ErrStringParamEmpty, "create session server")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.servers[sessionKey{name: sessionName, peer: peerDevID}] = pkgName
	util.GetLogger().Debug("Session server created", "pkg", pkgName, "session", sessionName, "peer", peerDevID)
	return nil
}

// RemoveSoftbusSessionServer implements Adapter.
func (b *Bus) RemoveSoftbusSessionServer(pkgName, sessionName, peerDevID string) error {
	if pkgName == "" || sessionName == "" || peerDevID == "" {
		return errors.Wrap(errcode.ErrStringParamEmpty, "remove session server")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := sessionKey{name: sessionName, peer: peerDevID}
	if _, ok := b.servers[key]; !ok {
		return errors.Wrapf(errcode.ErrSoftbusSessionServer, "no session server %s for %s", sessionName, peerDevID)
	}
	delete(b.servers, key)
	return nil
}

// RegisterSoftbusListener implements Adapter.
func (b *Bus) RegisterSoftbusListener(listener Listener, sessionName, peerDevID string) error {
	if listener == nil {
		return errors.Wrap(errcode.ErrTransNullValue, "softbus listener")
	}
	if sessionName == "" || peerDevID == "" {
		return errors.Wrap(errcode.ErrStringParamEmpty, "register softbus listener")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[sessionKey{name: sessionName, peer: peerDevID}] = listener
	return nil
}

// UnRegisterSoftbusListener implements Adapter.
func (b *Bus) UnRegisterSoftbusListener(sessionName, peerDevID string) error {
	if sessionName == "" || peerDevID == "" {
		return errors.Wrap(errcode.ErrStringParamEmpty, "unregister softbus listener")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, sessionKey{name: sessionName, peer: peerDevID})
	return nil
}

func (b *Bus) listenerFor(s *session) Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listeners[sessionKey{name: s.name, peer: s.peer}]
}

func (b *Bus) lookup(id int32) (*session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		return nil, errors.Wrapf(errcode.ErrSoftbusSessionUnknown, "session %d", id)
	}
	return s, nil
}

func (b *Bus) removeSession(id int32) {
	b.mu.Lock()
	delete(b.sessions, id)
	b.mu.Unlock()
}

// OpenSoftbusSession implements Adapter.
func (b *Bus) OpenSoftbusSession(mySessionName, peerSessionName, peerDevID string) (int32, error) {
	if mySessionName == "" || peerSessionName == "" || peerDevID == "" {
		return 0, errors.Wrap(errcode.ErrStringParamEmpty, "open session")
	}
	select {
	case <-b.closed:
		return 0, errors.Wrap(errcode.ErrTransOpenSession, "bus closed")
	default:
	}

	s := &session{id: b.nextID.Add(1), name: mySessionName, peerName: peerSessionName, peer: peerDevID}
	if b.listenerFor(s) == nil {
		return 0, errors.Wrapf(errcode.ErrSoftbusNoListener, "session %s for %s", mySessionName, peerDevID)
	}
	b.mu.Lock()
	b.sessions[s.id] = s
	b.mu.Unlock()

	go b.establish(s)
	return s.id, nil
}

func (b *Bus) establish(s *session) {
	logger := util.GetLogger()
	stream, err := b.handshake(s)
	if err == nil && !s.attach(stream) {
		stream.Close()
		logger.Debug("Session closed while opening", "id", s.id)
		return
	}

	l := b.listenerFor(s)
	if err != nil {
		logger.Error("Open softbus session failed", "id", s.id, "session", s.name, "peer", s.peer, "error", err)
		s.markClosed()
		b.removeSession(s.id)
		if l != nil {
			l.OnSessionOpened(s.id, errcode.Of(err).Int32())
		}
		return
	}
	logger.Info("Softbus session opened", "id", s.id, "session", s.name, "peer", s.peer)
	if l != nil {
		l.OnSessionOpened(s.id, errcode.DHSuccess.Int32())
	}
	b.readLoop(s, stream)
}

func (b *Bus) handshake(s *session) (*smux.Stream, error) {
	l, err := b.linkTo(s.peer)
	if err != nil {
		return nil, err
	}
	stream, err := l.Mux.OpenStream()
	if err != nil {
		l.Mux.Close()
		return nil, errors.Wrapf(errcode.ErrSoftbusLinkFailed, "open stream to %s: %v", s.peer, err)
	}

	payload, err := hello{Session: s.peerName, From: s.name, Device: b.cfg.DeviceID}.marshal()
	if err != nil {
		stream.Close()
		return nil, errors.Wrap(errcode.ErrTransOpenSession, err.Error())
	}
	if err := writeFrame(stream, kindHello, payload); err != nil {
		stream.Close()
		return nil, errors.Wrapf(errcode.ErrTransOpenSession, "send hello: %v", err)
	}
	stream.SetReadDeadline(time.Now().Add(b.cfg.HandshakeTimeout))
	kind, reply, err := readFrame(stream, b.cfg.MaxFrameSize)
	if err != nil || kind != kindAccept {
		stream.Close()
		return nil, errors.Wrapf(errcode.ErrTransOpenSession, "await accept: kind %d: %v", kind, err)
	}
	result, err := parseAccept(reply)
	if err != nil {
		stream.Close()
		return nil, errors.Wrap(errcode.ErrTransOpenSession, err.Error())
	}
	if result != errcode.DHSuccess.Int32() {
		stream.Close()
		return nil, errors.Wrapf(errcode.Code(result), "peer %s rejected session %s", s.peer, s.peerName)
	}
	stream.SetReadDeadline(time.Time{})
	return stream, nil
}

// linkTo returns the outbound link to peer, dialing it if needed.
func (b *Bus) linkTo(peer string) (*link, error) {
	b.dialLock.LockKey(peer)
	defer b.dialLock.UnlockKey(peer)

	if l, ok := b.outbound.Get(peer); ok && !l.Mux.IsClosed() {
		return l, nil
	}
	addr, ok := b.peerAddr(peer)
	if !ok {
		return nil, errors.Wrapf(errcode.ErrSoftbusNoPeer, "device %s", peer)
	}
	sess, err := b.dialLink(context.Background(), addr)
	if err != nil {
		return nil, errors.Wrap(errcode.ErrSoftbusLinkFailed, err.Error())
	}
	l := b.outbound.Set(peer, &link{Mux: sess, Remote: addr})
	util.GetLogger().Info("Softbus link connected", "peer", peer, "addr", addr, "link", b.cfg.Link)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case <-sess.CloseChan():
		case <-b.closed:
			sess.Close()
		}
		if b.outbound.Delete(l.Key, l.Token) {
			util.GetLogger().Info("Softbus link closed", "peer", peer)
		}
	}()
	return l, nil
}

// readLoop delivers frames until the stream ends. OnSessionClosed fires
// only when the session was not closed locally.
func (b *Bus) readLoop(s *session, stream *smux.Stream) {
	logger := util.GetLogger()
	for {
		kind, payload, err := readFrame(stream, b.cfg.MaxFrameSize)
		if err != nil {
			logger.Debug("Softbus session read ended", "id", s.id, "error", err)
			break
		}
		l := b.listenerFor(s)
		if l == nil {
			logger.Warn("No listener, frame dropped", "id", s.id, "session", s.name, "peer", s.peer)
			continue
		}
		switch kind {
		case kindBytes:
			l.OnBytesReceived(s.id, payload)
		case kindStream:
			l.OnStreamReceived(s.id, payload)
		default:
			logger.Warn("Unexpected softbus frame", "id", s.id, "kind", kind)
		}
	}

	stream.Close()
	b.removeSession(s.id)
	if s.markClosed() {
		return
	}
	logger.Info("Softbus session closed by peer", "id", s.id, "session", s.name, "peer", s.peer)
	if l := b.listenerFor(s); l != nil {
		l.OnSessionClosed(s.id)
	}
}

// CloseSoftbusSession implements Adapter.
func (b *Bus) CloseSoftbusSession(sessionID int32) error {
	s, err := b.lookup(sessionID)
	if err != nil {
		return err
	}
	b.removeSession(sessionID)
	s.markClosed()
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream != nil {
		if err := stream.Close(); err != nil {
			return errors.Wrapf(errcode.ErrTransError, "close session %d: %v", sessionID, err)
		}
	}
	util.GetLogger().Info("Softbus session closed", "id", sessionID)
	return nil
}

// SendSoftbusBytes implements Adapter.
func (b *Bus) SendSoftbusBytes(sessionID int32, data []byte) error {
	s, err := b.lookup(sessionID)
	if err != nil {
		return err
	}
	return s.send(kindBytes, data)
}

// SendSoftbusStream implements Adapter. Each call arrives as exactly one
// OnStreamReceived on the peer.
func (b *Bus) SendSoftbusStream(sessionID int32, data []byte) error {
	if len(data) > b.cfg.MaxFrameSize {
		return errors.Wrapf(errcode.ErrTransIllegalParam, "stream of %d bytes exceeds %d", len(data), b.cfg.MaxFrameSize)
	}
	s, err := b.lookup(sessionID)
	if err != nil {
		return err
	}
	return s.send(kindStream, data)
}

// Close stops listening and closes every link and session.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		if b.httpServer != nil {
			err = b.httpServer.Close()
		} else if b.ln != nil {
			err = b.ln.Close()
		}
		for _, l := range b.inbound.Drain() {
			l.Mux.Close()
		}
		for _, l := range b.outbound.Drain() {
			l.Mux.Close()
		}
		b.wg.Wait()
	})
	return err
}
