// Package surface defines the drawable surfaces screen frames are written
// to: encoder input surfaces on the source side and render targets on the
// sink side.
package surface

// Surface consumes frames. Implementations must be safe for use by one
// writer goroutine while Close is called from another.
type Surface interface {
	// WriteFrame hands one frame to the surface. pts is in microseconds.
	WriteFrame(data []byte, pts int64) error
	// Close releases the surface; later writes fail.
	Close() error
}
