package passthrough

import (
	"sync"
	"testing"
	"time"

	"github.com/babelcloud/dscreen/internal/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type output struct {
	index uint32
	info  codec.BufferInfo
	flag  codec.Flag
}

// recordCallback collects codec events on channels.
type recordCallback struct {
	inputs  chan uint32
	outputs chan output
	mu      sync.Mutex
	errors  []int32
}

func newRecordCallback() *recordCallback {
	return &recordCallback{
		inputs:  make(chan uint32, 64),
		outputs: make(chan output, 64),
	}
}

func (r *recordCallback) OnError(errorType int32, errorCode int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, errorType)
}

func (r *recordCallback) OnInputBufferAvailable(index uint32) { r.inputs <- index }

func (r *recordCallback) OnOutputBufferAvailable(index uint32, info codec.BufferInfo, flag codec.Flag) {
	r.outputs <- output{index: index, info: info, flag: flag}
}

func (r *recordCallback) OnOutputFormatChanged(format codec.Format) {}

type recordSurface struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *recordSurface) WriteFrame(data []byte, pts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), data...))
	return nil
}

func (s *recordSurface) Close() error { return nil }

func (s *recordSurface) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

var format = codec.Format{Mime: "video/avc", Width: 1280, Height: 720, FrameRate: 30}

func waitOutput(t *testing.T, cb *recordCallback) output {
	t.Helper()
	select {
	case out := <-cb.outputs:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("no output buffer")
	}
	return output{}
}

func TestNewRejectsUnknownMime(t *testing.T) {
	_, err := New("video/vp9", true)
	assert.ErrorIs(t, err, ErrUnsupportedMime)
}

func TestEncoderEmitsSurfaceFrames(t *testing.T) {
	enc, err := New("video/avc", true)
	require.NoError(t, err)
	cb := newRecordCallback()
	require.NoError(t, enc.SetCallback(cb))
	require.NoError(t, enc.Configure(format))

	in, err := enc.CreateInputSurface()
	require.NoError(t, err)

	idr := []byte{0, 0, 0, 1, 0x65, 0x88}
	assert.Error(t, in.WriteFrame(idr, 0), "writes before start fail")

	require.NoError(t, enc.Prepare())
	require.NoError(t, enc.Start())

	require.NoError(t, in.WriteFrame([]byte{0, 0, 0, 1, 0x67, 0x42, 0, 0, 0, 1, 0x68, 0xce}, 0))
	require.NoError(t, in.WriteFrame(idr, 33))
	require.NoError(t, in.WriteFrame([]byte{0, 0, 1, 0x41, 0x9a}, 66))

	config := waitOutput(t, cb)
	assert.Equal(t, codec.FlagCodecConfig, config.flag)
	key := waitOutput(t, cb)
	assert.Equal(t, codec.FlagSyncFrame, key.flag)
	assert.Equal(t, int64(33), key.info.PresentationTimeUs)
	assert.Equal(t, idr, enc.GetOutputBuffer(key.index))
	delta := waitOutput(t, cb)
	assert.Equal(t, codec.FlagNone, delta.flag)

	require.NoError(t, enc.ReleaseOutputBuffer(key.index, false))
	assert.Nil(t, enc.GetOutputBuffer(key.index))
	assert.ErrorIs(t, enc.ReleaseOutputBuffer(key.index, false), ErrInvalidIndex)

	require.NoError(t, enc.Flush())
	require.NoError(t, enc.Stop())
	require.NoError(t, enc.Release())
	assert.ErrorIs(t, enc.Release(), ErrInvalidState)
}

func TestDecoderRendersQueuedInput(t *testing.T) {
	dec, err := New("video/avc", false)
	require.NoError(t, err)
	cb := newRecordCallback()
	require.NoError(t, dec.SetCallback(cb))
	require.NoError(t, dec.Configure(format))

	assert.Error(t, dec.Prepare(), "decoder needs an output surface")
	out := &recordSurface{}
	require.NoError(t, dec.SetOutputSurface(out))
	require.NoError(t, dec.Prepare())
	require.NoError(t, dec.Start())

	var idx uint32
	select {
	case idx = <-cb.inputs:
	case <-time.After(2 * time.Second):
		t.Fatal("no input buffer announced")
	}

	buf := dec.GetInputBuffer(idx)
	require.NotNil(t, buf)
	n := copy(buf, []byte{0, 0, 0, 1, 0x65, 0x01})
	require.NoError(t, dec.QueueInputBuffer(idx, codec.BufferInfo{Size: n, PresentationTimeUs: 10}, codec.FlagNone))
	assert.Nil(t, dec.GetInputBuffer(idx), "queued buffer is owned by the codec")

	o := waitOutput(t, cb)
	require.NoError(t, dec.ReleaseOutputBuffer(o.index, true))
	assert.Equal(t, 1, out.count())
	assert.Equal(t, []byte{0, 0, 0, 1, 0x65, 0x01}, out.frames[0])

	require.NoError(t, dec.Stop())
	assert.Nil(t, dec.GetInputBuffer(idx))
	require.NoError(t, dec.Release())
}

func TestDecoderRejectsOversizedRange(t *testing.T) {
	dec, err := New("video/hevc", false)
	require.NoError(t, err)
	cb := newRecordCallback()
	require.NoError(t, dec.SetCallback(cb))
	f := format
	f.Mime = "video/hevc"
	f.MaxInputSize = 4
	require.NoError(t, dec.Configure(f))
	require.NoError(t, dec.SetOutputSurface(&recordSurface{}))
	require.NoError(t, dec.Prepare())
	require.NoError(t, dec.Start())
	defer dec.Release()

	idx := <-cb.inputs
	require.Len(t, dec.GetInputBuffer(idx), 4)
	assert.ErrorIs(t, dec.QueueInputBuffer(idx, codec.BufferInfo{Size: 5}, codec.FlagNone), ErrInvalidIndex)
}

func TestRoleChecks(t *testing.T) {
	enc, err := New("video/mp4v-es", true)
	require.NoError(t, err)
	assert.ErrorIs(t, enc.SetOutputSurface(&recordSurface{}), ErrWrongRole)

	dec, err := New("video/mp4v-es", false)
	require.NoError(t, err)
	require.NoError(t, dec.Configure(codec.Format{Mime: "video/mp4v-es", Width: 1, Height: 1}))
	_, err = dec.CreateInputSurface()
	assert.ErrorIs(t, err, ErrWrongRole)
	assert.ErrorIs(t, dec.Start(), ErrInvalidState)
}
