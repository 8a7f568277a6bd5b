package processor

import (
	"sync"

	"github.com/babelcloud/dscreen/internal/codec"
	"github.com/babelcloud/dscreen/internal/databuffer"
	"github.com/babelcloud/dscreen/internal/errcode"
	"github.com/babelcloud/dscreen/internal/param"
	"github.com/babelcloud/dscreen/internal/surface"
	"github.com/babelcloud/dscreen/internal/util"
	"github.com/pkg/errors"
)

// ImageSourceProcessor encodes frames written to its input surface and hands
// each encoded frame to the listener as a DataBuffer.
type ImageSourceProcessor struct {
	factory codec.Factory
	opts    Options

	// opMu serialises lifecycle calls. mu guards the fields read by codec
	// callbacks and is never held across a codec call that may wait for
	// them.
	opMu    sync.Mutex
	mu      sync.Mutex
	state   state
	encoder codec.Codec
	input   surface.Surface
	format  codec.Format

	listener listenerRef[SourceListener]
}

// NewImageSourceProcessor returns an unconfigured source processor.
func NewImageSourceProcessor(factory codec.Factory, opts Options) *ImageSourceProcessor {
	return &ImageSourceProcessor{
		factory: factory,
		opts:    opts.withDefaults(),
	}
}

// ConfigureImageProcessor creates and configures the encoder for remote's
// codec and obtains its input surface.
func (p *ImageSourceProcessor) ConfigureImageProcessor(local, remote param.VideoParam, listener SourceListener) error {
	if listener == nil {
		return errors.Wrap(errcode.ErrTransNullValue, "source processor listener")
	}
	format, err := codecFormat(remote)
	if err != nil {
		return err
	}

	p.opMu.Lock()
	defer p.opMu.Unlock()
	if st := p.getState(); st != stateUnconfigured {
		return errors.Wrapf(errcode.ErrCodecConfigureFailed, "source processor is %s", st)
	}

	encoder, err := createCodec(p.factory, format, true)
	if err != nil {
		return err
	}
	if err := encoder.SetCallback(&sourceCallback{p: p}); err != nil {
		_ = encoder.Release()
		return errors.Wrapf(errcode.ErrCodecConfigureFailed, "set callback: %v", err)
	}
	if err := encoder.Configure(format); err != nil {
		_ = encoder.Release()
		return errors.Wrapf(errcode.ErrCodecConfigureFailed, "configure %s: %v", format.Mime, err)
	}
	input, err := encoder.CreateInputSurface()
	if err != nil || input == nil {
		_ = encoder.Release()
		return errors.Wrapf(errcode.ErrCodecSurfaceError, "create input surface: %v", err)
	}

	p.mu.Lock()
	p.encoder = encoder
	p.input = input
	p.format = format
	p.state = stateConfigured
	p.mu.Unlock()
	p.listener.set(listener)
	util.GetLogger().Debug("Source processor configured",
		"mime", format.Mime, "width", format.Width, "height", format.Height, "fps", format.FrameRate,
		"local_width", local.VideoWidth, "local_height", local.VideoHeight)
	return nil
}

// GetImageSurface returns the encoder input surface, or nil before
// ConfigureImageProcessor.
func (p *ImageSourceProcessor) GetImageSurface() surface.Surface {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input
}

// StartImageProcessor prepares and starts the encoder.
func (p *ImageSourceProcessor) StartImageProcessor() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	encoder, st := p.snapshot()
	if encoder == nil {
		return errors.Wrap(errcode.ErrProcessorNotInit, "start source processor")
	}
	switch st {
	case stateStarted:
		return nil
	case stateConfigured, stateStopped:
	default:
		return errors.Wrapf(errcode.ErrProcessorNotInit, "start source processor in state %s", st)
	}
	if err := encoder.Prepare(); err != nil {
		return errors.Wrapf(errcode.ErrCodecPrepareFailed, "prepare encoder: %v", err)
	}
	p.setState(stateStarted)
	if err := encoder.Start(); err != nil {
		p.setState(st)
		return errors.Wrapf(errcode.ErrCodecStartFailed, "start encoder: %v", err)
	}
	util.GetLogger().Info("Source processor started")
	return nil
}

// StopImageProcessor flushes and stops a started encoder. Stopping a
// processor that is not running is a no-op.
func (p *ImageSourceProcessor) StopImageProcessor() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	encoder, st := p.snapshot()
	if encoder == nil {
		return errors.Wrap(errcode.ErrProcessorNotInit, "stop source processor")
	}
	if st != stateStarted {
		return nil
	}
	return p.stop(encoder)
}

func (p *ImageSourceProcessor) stop(encoder codec.Codec) error {
	// The codec is stopped even when flush fails.
	p.setState(stateStopped)
	flushErr := encoder.Flush()
	if err := encoder.Stop(); err != nil {
		return errors.Wrapf(errcode.ErrCodecStopFailed, "stop encoder: %v", err)
	}
	if flushErr != nil {
		return errors.Wrapf(errcode.ErrCodecStopFailed, "flush encoder: %v", flushErr)
	}
	util.GetLogger().Info("Source processor stopped")
	return nil
}

// ReleaseImageProcessor stops the encoder if needed and releases it. The
// processor cannot be configured again.
func (p *ImageSourceProcessor) ReleaseImageProcessor() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.listener.detach()
	encoder, st := p.snapshot()
	if encoder == nil {
		return errors.Wrap(errcode.ErrProcessorNotInit, "release source processor")
	}
	if st == stateStarted {
		if err := p.stop(encoder); err != nil {
			util.GetLogger().Warn("Stop before release failed", "error", err)
		}
	}
	err := encoder.Release()
	p.mu.Lock()
	p.encoder = nil
	p.input = nil
	p.state = stateReleased
	p.mu.Unlock()
	if err != nil {
		return errors.Wrapf(errcode.ErrCodecReleaseFailed, "release encoder: %v", err)
	}
	return nil
}

func (p *ImageSourceProcessor) snapshot() (codec.Codec, state) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder, p.state
}

func (p *ImageSourceProcessor) getState() state {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *ImageSourceProcessor) setState(s state) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *ImageSourceProcessor) onOutput(index uint32, info codec.BufferInfo, flag codec.Flag) {
	p.mu.Lock()
	encoder := p.encoder
	running := p.state == stateStarted
	mime := p.format.Mime
	p.mu.Unlock()
	if encoder == nil || !running {
		return
	}
	defer func() {
		if err := encoder.ReleaseOutputBuffer(index, false); err != nil {
			util.GetLogger().Warn("Release encoder output failed", "index", index, "error", err)
		}
	}()

	if info.Size <= 0 || info.Size > p.opts.MaxBufferSize {
		util.GetLogger().Error("Encoded frame size out of range", "size", info.Size, "max", p.opts.MaxBufferSize)
		return
	}
	out := encoder.GetOutputBuffer(index)
	if out == nil || info.Offset < 0 || info.Offset+info.Size > len(out) {
		util.GetLogger().Error("Encoder output buffer unavailable", "index", index, "offset", info.Offset, "size", info.Size)
		return
	}

	data := databuffer.New(info.Size)
	copy(data.Data(), out[info.Offset:info.Offset+info.Size])
	data.SetInt64(databuffer.KeyPTS, info.PresentationTimeUs)
	var key int32
	if flag&codec.FlagSyncFrame != 0 {
		key = 1
	}
	data.SetInt32(databuffer.KeyKeyFrame, key)
	data.SetString(databuffer.KeyCodec, mime)

	if l, ok := p.listener.get(); ok {
		l.OnImageProcessDone(data)
	}
}

type sourceCallback struct {
	p *ImageSourceProcessor
}

func (c *sourceCallback) OnError(errorType int32, errorCode int32) {
	util.GetLogger().Error("Encoder error", "type", errorType, "code", errorCode)
	if l, ok := c.p.listener.get(); ok {
		l.OnProcessorStateNotify(codecError(errorType, errorCode))
	}
}

// OnInputBufferAvailable is unused: the encoder is fed through its surface.
func (c *sourceCallback) OnInputBufferAvailable(index uint32) {}

func (c *sourceCallback) OnOutputBufferAvailable(index uint32, info codec.BufferInfo, flag codec.Flag) {
	c.p.onOutput(index, info, flag)
}

func (c *sourceCallback) OnOutputFormatChanged(format codec.Format) {
	util.GetLogger().Debug("Encoder output format changed", "mime", format.Mime, "width", format.Width, "height", format.Height)
}
