package softbus

import (
	"context"
	"io"
	"net"
	"net/url"
	"sync"

	"github.com/dchest/uniuri"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/xtaci/smux"
)

// link is a multiplexed connection to one peer. Outbound links are keyed by
// the peer device id, inbound ones by the remote address.
type link struct {
	Mux    *smux.Session
	Token  string
	Key    string
	Remote string
}

type linkMap struct {
	links map[string]*link
	mu    sync.RWMutex
}

func newLinkMap() *linkMap {
	return &linkMap{
		links: map[string]*link{},
	}
}

func (lm *linkMap) Len() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	return len(lm.links)
}

func (lm *linkMap) Get(key string) (*link, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	l, ok := lm.links[key]
	return l, ok
}

func (lm *linkMap) Set(key string, l *link) *link {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	l.Key = key
	l.Token = uniuri.NewLen(32)
	lm.links[key] = l
	return l
}

// Delete removes the link under key only if it is still the one carrying
// token, so a replaced link is never removed by its predecessor's cleanup.
func (lm *linkMap) Delete(key, token string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if l, ok := lm.links[key]; ok && l.Token == token {
		delete(lm.links, key)
		return true
	}
	return false
}

func (lm *linkMap) Drain() []*link {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	out := make([]*link, 0, len(lm.links))
	for key, l := range lm.links {
		out = append(out, l)
		delete(lm.links, key)
	}
	return out
}

func smuxConfig() *smux.Config {
	cfg := smux.DefaultConfig()
	cfg.MaxReceiveBuffer = 16 * 1024 * 1024
	cfg.MaxStreamBuffer = 4 * 1024 * 1024
	return cfg
}

// wsConn adapts a WebSocket connection to the byte stream smux expects.
// Each write is sent as one binary message.
type wsConn struct {
	conn *websocket.Conn
	r    io.Reader
	wmu  sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			mt, r, err := c.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func (b *Bus) dialLink(ctx context.Context, addr string) (*smux.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.DialTimeout)
	defer cancel()

	var conn io.ReadWriteCloser
	switch b.cfg.Link {
	case LinkWebSocket:
		u := url.URL{Scheme: "ws", Host: addr, Path: b.cfg.WSPath}
		ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to dial websocket link %s", u.String())
		}
		conn = newWSConn(ws)
	default:
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to dial tcp link %s", addr)
		}
		conn = c
	}

	session, err := smux.Client(conn, smuxConfig())
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "failed to create smux session over link %s", addr)
	}
	return session, nil
}
