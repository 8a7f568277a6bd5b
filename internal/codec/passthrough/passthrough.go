// Package passthrough implements the codec interface without transcoding:
// the encoder emits the elementary-stream frames written to its input
// surface and the decoder renders queued input unchanged. It lets the
// transport run end to end when frames are already encoded, e.g. a screen
// capture delivered as H.264.
package passthrough

import (
	"sync"

	"github.com/babelcloud/dscreen/internal/codec"
	"github.com/babelcloud/dscreen/internal/surface"
	"github.com/babelcloud/dscreen/internal/util"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pkg/errors"
)

const (
	// DefaultInputBuffers is the decoder input pool size.
	DefaultInputBuffers = 8
	// DefaultMaxInputSize is the decoder input buffer size when the format
	// does not set one.
	DefaultMaxInputSize = 2 * 1024 * 1024

	jobQueueSize = 64
)

// Error types reported through Callback.OnError.
const (
	ErrorTypeInternal int32 = 1
	ErrorTypeSurface  int32 = 2
)

var supportedMimes = map[string]bool{
	"video/avc":     true,
	"video/hevc":    true,
	"video/mp4v-es": true,
}

type state int

const (
	stateInit state = iota
	stateConfigured
	statePrepared
	stateRunning
	stateStopped
	stateReleased
)

var stateNames = [...]string{"init", "configured", "prepared", "running", "stopped", "released"}

func (s state) String() string {
	return stateNames[s]
}

var (
	ErrUnsupportedMime = errors.New("unsupported mime type")
	ErrInvalidState    = errors.New("invalid codec state")
	ErrInvalidIndex    = errors.New("invalid buffer index")
	ErrWrongRole       = errors.New("operation not supported by this codec role")
)

type job struct {
	input uint32
	data  []byte
	info  codec.BufferInfo
	flag  codec.Flag
}

// Codec is a passthrough encoder or decoder.
type Codec struct {
	mu      sync.Mutex
	encoder bool
	mime    string
	state   state
	cb      codec.Callback
	format  codec.Format

	input  *inputSurface
	output surface.Surface

	inputBufs  [][]byte
	inputOwned []bool

	outputs map[uint32]outputFrame
	nextOut uint32

	jobs chan job
	done chan struct{}
	wg   sync.WaitGroup
}

type outputFrame struct {
	data []byte
	pts  int64
}

// New creates a codec for mime.
func New(mime string, encoder bool) (*Codec, error) {
	if !supportedMimes[mime] {
		return nil, errors.Wrapf(ErrUnsupportedMime, "%s", mime)
	}
	return &Codec{
		encoder: encoder,
		mime:    mime,
		outputs: make(map[uint32]outputFrame),
	}, nil
}

// Factory creates passthrough codecs.
var Factory codec.Factory = codec.FactoryFunc(func(mime string, encoder bool) (codec.Codec, error) {
	return New(mime, encoder)
})

func (c *Codec) role() string {
	if c.encoder {
		return "encoder"
	}
	return "decoder"
}

func (c *Codec) checkState(op string, allowed ...state) error {
	for _, s := range allowed {
		if c.state == s {
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidState, "%s %s in state %s", c.role(), op, c.state)
}

// SetCallback implements codec.Codec.
func (c *Codec) SetCallback(cb codec.Callback) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkState("set callback", stateInit, stateConfigured); err != nil {
		return err
	}
	c.cb = cb
	return nil
}

// Configure implements codec.Codec.
func (c *Codec) Configure(format codec.Format) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkState("configure", stateInit); err != nil {
		return err
	}
	if format.Mime != "" && format.Mime != c.mime {
		return errors.Wrapf(ErrUnsupportedMime, "format mime %s on %s codec", format.Mime, c.mime)
	}
	if format.Width <= 0 || format.Height <= 0 {
		return errors.Errorf("invalid format size %dx%d", format.Width, format.Height)
	}
	if format.MaxInputSize <= 0 {
		format.MaxInputSize = DefaultMaxInputSize
	}
	c.format = format
	c.state = stateConfigured
	return nil
}

// CreateInputSurface implements codec.Codec.
func (c *Codec) CreateInputSurface() (surface.Surface, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.encoder {
		return nil, errors.Wrap(ErrWrongRole, "create input surface")
	}
	if err := c.checkState("create input surface", stateConfigured); err != nil {
		return nil, err
	}
	if c.input == nil {
		c.input = &inputSurface{codec: c}
	}
	return c.input, nil
}

// SetOutputSurface implements codec.Codec.
func (c *Codec) SetOutputSurface(s surface.Surface) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder {
		return errors.Wrap(ErrWrongRole, "set output surface")
	}
	if s == nil {
		return errors.New("output surface is nil")
	}
	if err := c.checkState("set output surface", stateConfigured, statePrepared, stateStopped); err != nil {
		return err
	}
	c.output = s
	return nil
}

// Prepare implements codec.Codec.
func (c *Codec) Prepare() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkState("prepare", stateConfigured, stateStopped, statePrepared); err != nil {
		return err
	}
	if c.cb == nil {
		return errors.Errorf("%s prepare without callback", c.role())
	}
	if !c.encoder && c.output == nil {
		return errors.New("decoder prepare without output surface")
	}
	c.state = statePrepared
	return nil
}

// Start implements codec.Codec.
func (c *Codec) Start() error {
	c.mu.Lock()
	if err := c.checkState("start", statePrepared); err != nil {
		c.mu.Unlock()
		return err
	}
	c.jobs = make(chan job, jobQueueSize)
	c.done = make(chan struct{})
	c.state = stateRunning

	var announce []uint32
	if !c.encoder {
		if c.inputBufs == nil {
			c.inputBufs = make([][]byte, DefaultInputBuffers)
		}
		c.inputOwned = make([]bool, len(c.inputBufs))
		for i := range c.inputBufs {
			c.inputOwned[i] = true
			announce = append(announce, uint32(i))
		}
	}
	jobs, done, cb := c.jobs, c.done, c.cb
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(jobs, done, cb, announce)
	util.GetLogger().Debug("Passthrough codec started", "role", c.role(), "mime", c.mime)
	return nil
}

func (c *Codec) run(jobs <-chan job, done <-chan struct{}, cb codec.Callback, announce []uint32) {
	defer c.wg.Done()

	for _, idx := range announce {
		cb.OnInputBufferAvailable(idx)
	}
	for {
		select {
		case <-done:
			return
		case j := <-jobs:
			c.process(j, cb)
		}
	}
}

func (c *Codec) process(j job, cb codec.Callback) {
	c.mu.Lock()
	if c.state != stateRunning {
		c.mu.Unlock()
		return
	}
	idx := c.nextOut
	c.nextOut++
	c.outputs[idx] = outputFrame{data: j.data, pts: j.info.PresentationTimeUs}
	if !c.encoder && int(j.input) < len(c.inputOwned) {
		c.inputOwned[j.input] = true
	}
	c.mu.Unlock()

	info := codec.BufferInfo{PresentationTimeUs: j.info.PresentationTimeUs, Size: len(j.data)}
	cb.OnOutputBufferAvailable(idx, info, j.flag)
	if !c.encoder {
		cb.OnInputBufferAvailable(j.input)
	}
}

// Flush implements codec.Codec. Pending jobs and unreleased outputs are
// discarded.
func (c *Codec) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkState("flush", stateRunning); err != nil {
		return err
	}
	for {
		select {
		case <-c.jobs:
			continue
		default:
		}
		break
	}
	c.outputs = make(map[uint32]outputFrame)
	return nil
}

// Stop implements codec.Codec.
func (c *Codec) Stop() error {
	c.mu.Lock()
	if err := c.checkState("stop", stateRunning); err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = stateStopped
	close(c.done)
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

// Release implements codec.Codec.
func (c *Codec) Release() error {
	c.mu.Lock()
	if c.state == stateReleased {
		c.mu.Unlock()
		return errors.Wrapf(ErrInvalidState, "%s already released", c.role())
	}
	if c.state == stateRunning {
		close(c.done)
	}
	c.state = stateReleased
	c.inputBufs = nil
	c.outputs = nil
	c.cb = nil
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

// GetInputBuffer implements codec.Codec.
func (c *Codec) GetInputBuffer(index uint32) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder || c.state != stateRunning || int(index) >= len(c.inputBufs) || !c.inputOwned[index] {
		return nil
	}
	if c.inputBufs[index] == nil {
		c.inputBufs[index] = make([]byte, c.format.MaxInputSize)
	}
	return c.inputBufs[index]
}

// QueueInputBuffer implements codec.Codec.
func (c *Codec) QueueInputBuffer(index uint32, info codec.BufferInfo, flag codec.Flag) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder {
		return errors.Wrap(ErrWrongRole, "queue input buffer")
	}
	if err := c.checkState("queue input", stateRunning); err != nil {
		return err
	}
	if int(index) >= len(c.inputBufs) || !c.inputOwned[index] || c.inputBufs[index] == nil {
		return errors.Wrapf(ErrInvalidIndex, "input %d", index)
	}
	buf := c.inputBufs[index]
	if info.Offset < 0 || info.Size < 0 || info.Offset+info.Size > len(buf) {
		return errors.Wrapf(ErrInvalidIndex, "input %d range %d+%d exceeds %d", index, info.Offset, info.Size, len(buf))
	}
	data := append([]byte(nil), buf[info.Offset:info.Offset+info.Size]...)
	c.inputOwned[index] = false

	select {
	case c.jobs <- job{input: index, data: data, info: info, flag: flag}:
		return nil
	default:
		c.inputOwned[index] = true
		return errors.Errorf("decoder job queue full, input %d", index)
	}
}

// GetOutputBuffer implements codec.Codec.
func (c *Codec) GetOutputBuffer(index uint32) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, ok := c.outputs[index]
	if !ok {
		return nil
	}
	return out.data
}

// ReleaseOutputBuffer implements codec.Codec. Decoders write the frame to
// the output surface when render is set.
func (c *Codec) ReleaseOutputBuffer(index uint32, render bool) error {
	c.mu.Lock()
	out, ok := c.outputs[index]
	if !ok {
		c.mu.Unlock()
		return errors.Wrapf(ErrInvalidIndex, "output %d", index)
	}
	delete(c.outputs, index)
	dst, cb := c.output, c.cb
	c.mu.Unlock()

	if !render || c.encoder || dst == nil {
		return nil
	}
	if err := dst.WriteFrame(out.data, out.pts); err != nil {
		util.GetLogger().Error("Decoder render failed", "output", index, "error", err)
		if cb != nil {
			cb.OnError(ErrorTypeSurface, -1)
		}
		return errors.Wrapf(err, "render output %d", index)
	}
	return nil
}

// encode queues a frame written to the encoder input surface.
func (c *Codec) encode(data []byte, pts int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkState("encode", stateRunning); err != nil {
		return err
	}
	frame := append([]byte(nil), data...)
	j := job{data: frame, info: codec.BufferInfo{PresentationTimeUs: pts, Size: len(frame)}, flag: c.frameFlag(frame)}
	select {
	case c.jobs <- j:
		return nil
	default:
		util.GetLogger().Warn("Encoder busy, dropping frame", "pts", pts, "size", len(frame))
		return nil
	}
}

func (c *Codec) frameFlag(frame []byte) codec.Flag {
	if c.mime != "video/avc" {
		return codec.FlagNone
	}
	var au h264.AnnexB
	if err := au.Unmarshal(frame); err != nil {
		return codec.FlagNone
	}
	config := len(au) > 0
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeIDR:
			return codec.FlagSyncFrame
		case h264.NALUTypeSPS, h264.NALUTypePPS:
		default:
			config = false
		}
	}
	if config {
		return codec.FlagCodecConfig
	}
	return codec.FlagNone
}

// inputSurface is the encoder input surface.
type inputSurface struct {
	codec *Codec
}

func (s *inputSurface) WriteFrame(data []byte, pts int64) error {
	return s.codec.encode(data, pts)
}

func (s *inputSurface) Close() error {
	return nil
}
