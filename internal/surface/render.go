package surface

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

// ErrClosed is returned by writes to a closed surface.
var ErrClosed = errors.New("surface closed")

// FileRender appends every frame to a writer, producing a raw elementary
// stream that players such as ffplay accept directly.
type FileRender struct {
	mu     sync.Mutex
	w      io.WriteCloser
	frames int
	bytes  int64
	closed bool
}

// NewFileRender returns a render surface writing to w. Close closes w.
func NewFileRender(w io.WriteCloser) *FileRender {
	return &FileRender{w: w}
}

// WriteFrame implements Surface.
func (r *FileRender) WriteFrame(data []byte, pts int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	n, err := r.w.Write(data)
	r.bytes += int64(n)
	if err != nil {
		return errors.Wrapf(err, "failed to write frame pts=%d", pts)
	}
	r.frames++
	return nil
}

// Stats returns how many frames and bytes were rendered.
func (r *FileRender) Stats() (frames int, bytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames, r.bytes
}

// Close implements Surface.
func (r *FileRender) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.w.Close()
}
