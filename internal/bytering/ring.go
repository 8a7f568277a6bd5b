// Package bytering implements a fixed-capacity circular byte buffer with
// overwrite-on-full semantics, used underneath byte-stream device ports.
//
// put == get means empty, so a ring of capacity N holds at most N-1 bytes.
// Writes never block: when the write cursor catches up with the read
// cursor the oldest byte is discarded.
package bytering

import (
	"sync"

	"github.com/babelcloud/dscreen/internal/errcode"
	"github.com/babelcloud/dscreen/internal/util"
)

// ReadMode selects whether Read consumes data.
type ReadMode int

const (
	// ReadCopy leaves the read cursor in place so data can be read again.
	ReadCopy ReadMode = iota
	// ReadCut advances the read cursor past the returned bytes.
	ReadCut
)

func (m ReadMode) String() string {
	switch m {
	case ReadCopy:
		return "copy"
	case ReadCut:
		return "cut"
	default:
		return "unknown"
	}
}

// Ring is a byte ring buffer. The zero value is unusable until Init.
type Ring struct {
	mu   sync.Mutex
	buf  []byte
	size int
	put  int
	get  int
}

// New allocates a ring of the given capacity.
func New(capacity int) (*Ring, error) {
	r := &Ring{}
	if err := r.Init(capacity); err != nil {
		return nil, err
	}
	return r, nil
}

// Init allocates zeroed storage. A zero capacity leaves the ring unusable:
// every later operation returns 0.
func (r *Ring) Init(capacity int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if capacity <= 0 {
		util.GetLogger().Error("Byte ring init with invalid capacity", "capacity", capacity)
		return errcode.ErrBadValue
	}
	r.buf = make([]byte, capacity)
	r.size = capacity
	r.put = 0
	r.get = 0
	return nil
}

// Deinit frees the storage and zeroes all cursors.
func (r *Ring) Deinit() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = nil
	r.size = 0
	r.put = 0
	r.get = 0
}

// Capacity returns the allocated size, one more than the usable size.
func (r *Ring) Capacity() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// UsedSize returns the number of readable bytes.
func (r *Ring) UsedSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used()
}

// FreeSize returns how many bytes can be written without discarding data.
func (r *Ring) FreeSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return 0
	}
	return r.size - 1 - r.used()
}

func (r *Ring) used() int {
	if r.size == 0 {
		return 0
	}
	return (r.put - r.get + r.size) % r.size
}

// Write pushes p byte by byte, discarding the oldest byte whenever the
// ring is full. It returns len(p), or 0 if the ring is not initialized.
func (r *Ring) Write(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		util.GetLogger().Error("Byte ring write before init", "len", len(p))
		return 0
	}
	for _, b := range p {
		r.buf[r.put] = b
		r.put = (r.put + 1) % r.size
		if r.put == r.get {
			r.get = (r.get + 1) % r.size
		}
	}
	return len(p)
}

// Read copies up to len(p) readable bytes into p. In ReadCut mode the bytes
// are consumed; in ReadCopy mode the same bytes are returned again by the
// next Read until a Write changes the ring.
func (r *Ring) Read(p []byte, mode ReadMode) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 || len(p) == 0 {
		return 0
	}
	n := r.used()
	if n == 0 {
		return 0
	}
	if n > len(p) {
		n = len(p)
	}

	first := r.size - r.get
	if first > n {
		first = n
	}
	copy(p, r.buf[r.get:r.get+first])
	copy(p[first:n], r.buf[:n-first])

	if mode == ReadCut {
		r.get = (r.get + n) % r.size
	}
	return n
}

// WritableSpan returns the contiguous storage starting at the write cursor.
// Bytes placed there become readable only after PutZero. Writing into the
// span may overwrite unread data, exactly as Write would.
func (r *Ring) WritableSpan() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil
	}
	return r.buf[r.put:r.size]
}

// FreeSpan returns the contiguous storage at the write cursor that holds no
// unread data. It is empty when the ring is full or the free space starts
// at the beginning of the storage.
func (r *Ring) FreeSpan() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil
	}
	end := r.size
	switch {
	case r.get > r.put:
		end = r.get - 1
	case r.get == 0:
		end = r.size - 1
	}
	return r.buf[r.put:end]
}

// PutZero advances the write cursor by n bytes that were written into the
// storage directly (for example by a DMA engine). The read cursor moves with
// the same overwrite rule as Write, so at most capacity-1 bytes stay readable.
func (r *Ring) PutZero(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		util.GetLogger().Error("Byte ring put before init", "len", n)
		return 0
	}
	if n <= 0 {
		return 0
	}
	overflow := r.used()+n > r.size-1
	r.put = (r.put + n) % r.size
	if overflow {
		r.get = (r.put + 1) % r.size
	}
	return n
}
