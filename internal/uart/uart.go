// Package uart reads a byte-stream device into a ByteRing. The receive
// goroutine either copies each chunk into the ring (irq mode) or reads
// straight into the ring's storage and advances the write cursor
// afterwards (dma mode).
package uart

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/babelcloud/dscreen/internal/bytering"
	"github.com/babelcloud/dscreen/internal/errcode"
	"github.com/babelcloud/dscreen/internal/util"
	"github.com/pkg/errors"
)

// RxMode selects how received bytes reach the ring.
type RxMode string

const (
	RxIRQ RxMode = "irq"
	RxDMA RxMode = "dma"
)

const (
	DefaultRingSize = 4096
	irqChunkSize    = 64
)

// ParseRxMode validates a mode name.
func ParseRxMode(s string) (RxMode, error) {
	switch m := RxMode(s); m {
	case RxIRQ, RxDMA:
		return m, nil
	}
	return "", errors.Wrapf(errcode.ErrBadValue, "unknown rx mode %q", s)
}

// Port buffers a device's received bytes in a ring.
type Port struct {
	src  io.ReadCloser
	ring *bytering.Ring
	mode RxMode

	received atomic.Uint64
	notify   chan struct{}
	errMu    sync.Mutex
	err      error
	done     chan struct{}
	started  atomic.Bool
	once     sync.Once
}

// Open opens the device at path.
func Open(path string, ringSize int, mode RxMode) (*Port, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	p, err := New(f, ringSize, mode)
	if err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

// New wraps src. The ring holds at most ringSize-1 bytes; older bytes are
// overwritten when readers fall behind.
func New(src io.ReadCloser, ringSize int, mode RxMode) (*Port, error) {
	if src == nil {
		return nil, errors.Wrap(errcode.ErrTransNullValue, "uart source")
	}
	if _, err := ParseRxMode(string(mode)); err != nil {
		return nil, err
	}
	ring, err := bytering.New(ringSize)
	if err != nil {
		return nil, errors.Wrapf(err, "uart ring of %d bytes", ringSize)
	}
	return &Port{
		src:    src,
		ring:   ring,
		mode:   mode,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the receive goroutine.
func (p *Port) Start() {
	if p.started.CompareAndSwap(false, true) {
		go p.receive()
	}
}

func (p *Port) receive() {
	defer close(p.done)
	logger := util.GetLogger()
	scratch := make([]byte, irqChunkSize)

	for {
		var n int
		var err error
		if span := p.ring.FreeSpan(); p.mode == RxDMA && len(span) > 0 {
			n, err = p.src.Read(span)
			p.ring.PutZero(n)
		} else {
			// Full ring in dma mode falls back to copying so the overwrite
			// happens under the ring lock.
			n, err = p.src.Read(scratch)
			p.ring.Write(scratch[:n])
		}
		if n > 0 {
			p.received.Add(uint64(n))
			select {
			case p.notify <- struct{}{}:
			default:
			}
		}
		if err != nil {
			if err != io.EOF {
				logger.Error("Uart receive failed", "mode", p.mode, "error", err)
				p.errMu.Lock()
				p.err = err
				p.errMu.Unlock()
			}
			return
		}
	}
}

// Read copies buffered bytes into b, consuming them in bytering.ReadCut
// mode.
func (p *Port) Read(b []byte, mode bytering.ReadMode) int {
	return p.ring.Read(b, mode)
}

// Buffered returns the number of unread bytes.
func (p *Port) Buffered() int {
	return p.ring.UsedSize()
}

// Received returns the total number of bytes received.
func (p *Port) Received() uint64 {
	return p.received.Load()
}

// Notify returns a channel signalled after each receive.
func (p *Port) Notify() <-chan struct{} {
	return p.notify
}

// Done is closed when the receive goroutine exits.
func (p *Port) Done() <-chan struct{} {
	return p.done
}

// Err returns the receive error, nil on EOF or while running.
func (p *Port) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Close closes the device and releases the ring once receiving stopped.
func (p *Port) Close() error {
	var err error
	p.once.Do(func() {
		err = p.src.Close()
		if !p.started.Load() {
			p.ring.Deinit()
			return
		}
		go func() {
			<-p.done
			p.ring.Deinit()
		}()
	})
	return err
}
