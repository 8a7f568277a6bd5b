package surface

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordSurface collects written frames.
type recordSurface struct {
	mu     sync.Mutex
	frames [][]byte
	pts    []int64
}

func (s *recordSurface) WriteFrame(data []byte, pts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), data...))
	s.pts = append(s.pts, pts)
	return nil
}

func (s *recordSurface) Close() error { return nil }

type nopCloser struct{ bytes.Buffer }

func (n *nopCloser) Close() error { return nil }

var (
	sps   = []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x1f}
	pps   = []byte{0x00, 0x00, 0x00, 0x01, 0x68, 0xce, 0x3c, 0x80}
	idr   = []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x21}
	slice = []byte{0x00, 0x00, 0x01, 0x41, 0x9a, 0x02}
)

func stream(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func TestCaptureGroupsAccessUnits(t *testing.T) {
	input := stream(sps, pps, idr, slice, slice)
	rec := &recordSurface{}

	n, err := NewCapture(bytes.NewReader(input), 500, true).Run(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, rec.frames, 3)
	assert.Equal(t, stream(sps, pps, idr), rec.frames[0])
	assert.Equal(t, slice, rec.frames[1])
	assert.Equal(t, slice, rec.frames[2])
	assert.LessOrEqual(t, rec.pts[0], rec.pts[1])
}

func TestCaptureWithoutGrouping(t *testing.T) {
	input := stream([]byte{0xff, 0xee}, sps, pps, idr)
	rec := &recordSurface{}

	n, err := NewCapture(bytes.NewReader(input), 500, false).Run(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, sps, rec.frames[0], "leading garbage is dropped")
	assert.Equal(t, idr, rec.frames[2])
}

func TestCaptureTrailingNonVCLIsFlushed(t *testing.T) {
	rec := &recordSurface{}
	n, err := NewCapture(bytes.NewReader(stream(idr, sps)), 500, true).Run(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, sps, rec.frames[1])
}

func TestCaptureStopsOnCancel(t *testing.T) {
	var parts [][]byte
	for i := 0; i < 100; i++ {
		parts = append(parts, idr)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	n, err := NewCapture(bytes.NewReader(stream(parts...)), 10, true).Run(ctx, &recordSurface{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, n, 100)
}

func TestFileRender(t *testing.T) {
	out := &nopCloser{}
	r := NewFileRender(out)
	require.NoError(t, r.WriteFrame(idr, 0))
	require.NoError(t, r.WriteFrame(slice, 33000))

	frames, size := r.Stats()
	assert.Equal(t, 2, frames)
	assert.Equal(t, int64(len(idr)+len(slice)), size)
	assert.Equal(t, stream(idr, slice), out.Bytes())

	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.WriteFrame(idr, 0), ErrClosed)
	assert.NoError(t, r.Close())
}
