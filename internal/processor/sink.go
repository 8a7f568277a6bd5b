package processor

import (
	"sync"

	"github.com/babelcloud/dscreen/internal/codec"
	"github.com/babelcloud/dscreen/internal/databuffer"
	"github.com/babelcloud/dscreen/internal/errcode"
	"github.com/babelcloud/dscreen/internal/param"
	"github.com/babelcloud/dscreen/internal/queue"
	"github.com/babelcloud/dscreen/internal/surface"
	"github.com/babelcloud/dscreen/internal/util"
	"github.com/pkg/errors"
)

// ImageSinkProcessor decodes received screen data onto an output surface. A
// dedicated decode goroutine pairs queued data with free codec input
// buffers.
type ImageSinkProcessor struct {
	factory codec.Factory
	opts    Options

	opMu    sync.Mutex
	mu      sync.Mutex
	state   state
	decoder codec.Codec
	output  surface.Surface
	format  codec.Format

	videoData *queue.DropQueue[*databuffer.DataBuffer]
	indexes   *queue.DropQueue[uint32]
	done      chan struct{}
	wg        sync.WaitGroup

	listener listenerRef[StateListener]
}

// NewImageSinkProcessor returns an unconfigured sink processor.
func NewImageSinkProcessor(factory codec.Factory, opts Options) *ImageSinkProcessor {
	opts = opts.withDefaults()
	return &ImageSinkProcessor{
		factory:   factory,
		opts:      opts,
		videoData: queue.New[*databuffer.DataBuffer](opts.QueueMaxSize),
		indexes:   queue.New[uint32](opts.QueueMaxSize),
	}
}

// ConfigureImageProcessor creates and configures the decoder for local's
// codec. SetImageSurface must follow before StartImageProcessor.
func (p *ImageSinkProcessor) ConfigureImageProcessor(local, remote param.VideoParam, listener StateListener) error {
	if listener == nil {
		return errors.Wrap(errcode.ErrTransNullValue, "sink processor listener")
	}
	format, err := codecFormat(local)
	if err != nil {
		return err
	}

	p.opMu.Lock()
	defer p.opMu.Unlock()
	if st := p.getState(); st != stateUnconfigured {
		return errors.Wrapf(errcode.ErrCodecConfigureFailed, "sink processor is %s", st)
	}

	decoder, err := createCodec(p.factory, format, false)
	if err != nil {
		return err
	}
	if err := decoder.SetCallback(&sinkCallback{p: p}); err != nil {
		_ = decoder.Release()
		return errors.Wrapf(errcode.ErrCodecConfigureFailed, "set callback: %v", err)
	}
	if err := decoder.Configure(format); err != nil {
		_ = decoder.Release()
		return errors.Wrapf(errcode.ErrCodecConfigureFailed, "configure %s: %v", format.Mime, err)
	}

	p.mu.Lock()
	p.decoder = decoder
	p.format = format
	p.state = stateConfigured
	p.mu.Unlock()
	p.listener.set(listener)
	util.GetLogger().Debug("Sink processor configured",
		"mime", format.Mime, "width", format.Width, "height", format.Height,
		"remote_width", remote.VideoWidth, "remote_height", remote.VideoHeight)
	return nil
}

// SetImageSurface binds the surface decoded frames are rendered to.
func (p *ImageSinkProcessor) SetImageSurface(s surface.Surface) error {
	if s == nil {
		return errors.Wrap(errcode.ErrTransNullValue, "sink surface")
	}
	p.opMu.Lock()
	defer p.opMu.Unlock()

	decoder, _ := p.snapshot()
	if decoder == nil {
		return errors.Wrap(errcode.ErrProcessorNotInit, "set sink surface")
	}
	if err := decoder.SetOutputSurface(s); err != nil {
		return errors.Wrapf(errcode.ErrCodecSurfaceError, "set output surface: %v", err)
	}
	p.mu.Lock()
	p.output = s
	p.mu.Unlock()
	return nil
}

// StartImageProcessor prepares and starts the decoder and spawns the decode
// goroutine.
func (p *ImageSinkProcessor) StartImageProcessor() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	decoder, st := p.snapshot()
	if decoder == nil {
		return errors.Wrap(errcode.ErrProcessorNotInit, "start sink processor")
	}
	switch st {
	case stateStarted:
		return nil
	case stateConfigured, stateStopped:
	default:
		return errors.Wrapf(errcode.ErrProcessorNotInit, "start sink processor in state %s", st)
	}
	p.mu.Lock()
	hasOutput := p.output != nil
	p.mu.Unlock()
	if !hasOutput {
		return errors.Wrap(errcode.ErrCodecSurfaceError, "sink surface not set")
	}

	if err := decoder.Prepare(); err != nil {
		return errors.Wrapf(errcode.ErrCodecPrepareFailed, "prepare decoder: %v", err)
	}
	p.setState(stateStarted)
	if err := decoder.Start(); err != nil {
		p.setState(st)
		return errors.Wrapf(errcode.ErrCodecStartFailed, "start decoder: %v", err)
	}

	p.done = make(chan struct{})
	p.wg.Add(1)
	go p.decodeLoop(p.done)
	util.GetLogger().Info("Sink processor started")
	return nil
}

// StopImageProcessor stops the decode goroutine and the decoder and clears
// both queues. Stopping a processor that is not running is a no-op.
func (p *ImageSinkProcessor) StopImageProcessor() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	decoder, st := p.snapshot()
	if decoder == nil {
		return errors.Wrap(errcode.ErrProcessorNotInit, "stop sink processor")
	}
	if st != stateStarted {
		return nil
	}
	return p.stop(decoder)
}

func (p *ImageSinkProcessor) stop(decoder codec.Codec) error {
	p.setState(stateStopped)
	close(p.done)
	p.wg.Wait()

	flushErr := decoder.Flush()
	err := decoder.Stop()
	dropped := p.videoData.Clear()
	p.indexes.Clear()
	if err != nil {
		return errors.Wrapf(errcode.ErrCodecStopFailed, "stop decoder: %v", err)
	}
	if flushErr != nil {
		return errors.Wrapf(errcode.ErrCodecStopFailed, "flush decoder: %v", flushErr)
	}
	util.GetLogger().Info("Sink processor stopped", "discarded", dropped)
	return nil
}

// ReleaseImageProcessor stops the decoder if needed and releases it.
func (p *ImageSinkProcessor) ReleaseImageProcessor() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.listener.detach()
	decoder, st := p.snapshot()
	if decoder == nil {
		return errors.Wrap(errcode.ErrProcessorNotInit, "release sink processor")
	}
	if st == stateStarted {
		if err := p.stop(decoder); err != nil {
			util.GetLogger().Warn("Stop before release failed", "error", err)
		}
	}
	err := decoder.Release()
	p.mu.Lock()
	p.decoder = nil
	p.output = nil
	p.state = stateReleased
	p.mu.Unlock()
	p.videoData.Clear()
	p.indexes.Clear()
	if err != nil {
		return errors.Wrapf(errcode.ErrCodecReleaseFailed, "release decoder: %v", err)
	}
	return nil
}

// ProcessImage queues received screen data for decoding. When the queue is
// full the oldest entry is dropped.
func (p *ImageSinkProcessor) ProcessImage(data *databuffer.DataBuffer) error {
	if data == nil {
		return errors.Wrap(errcode.ErrTransNullValue, "screen data")
	}
	if _, evicted := p.videoData.Push(data); evicted {
		util.GetLogger().Warn("Screen data queue full, dropped oldest", "dropped_total", p.videoData.Dropped())
	}
	return nil
}

func (p *ImageSinkProcessor) snapshot() (codec.Codec, state) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.decoder, p.state
}

func (p *ImageSinkProcessor) getState() state {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *ImageSinkProcessor) setState(s state) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *ImageSinkProcessor) decodeLoop(done <-chan struct{}) {
	defer p.wg.Done()
	logger := util.GetLogger()

	for {
		select {
		case <-done:
			return
		default:
		}
		if !queue.WaitAll(p.opts.DecodeWaitTimeout, done, p.videoData, p.indexes) {
			continue
		}

		decoder, _ := p.snapshot()
		if decoder == nil {
			logger.Error("Decoder gone, decode loop exiting")
			return
		}
		data, ok := p.videoData.Pop()
		if !ok {
			continue
		}
		index, ok := p.indexes.Pop()
		if !ok {
			continue
		}
		if err := feed(decoder, index, data); err != nil {
			logger.Error("Decode input failed, frame skipped", "index", index, "error", err)
		}
	}
}

func feed(decoder codec.Codec, index uint32, data *databuffer.DataBuffer) error {
	buf := decoder.GetInputBuffer(index)
	if buf == nil {
		return errors.Wrapf(errcode.ErrCodecQueueFailed, "no input buffer for index %d", index)
	}
	frame := data.Bytes()
	if len(frame) > len(buf) {
		return errors.Wrapf(errcode.ErrCodecQueueFailed, "frame of %d bytes exceeds input buffer of %d", len(frame), len(buf))
	}
	n := copy(buf, frame)

	var pts int64
	data.FindInt64(databuffer.KeyPTS, &pts)
	flag := codec.FlagNone
	var key int32
	if data.FindInt32(databuffer.KeyKeyFrame, &key) && key != 0 {
		flag = codec.FlagSyncFrame
	}
	if err := decoder.QueueInputBuffer(index, codec.BufferInfo{PresentationTimeUs: pts, Size: n}, flag); err != nil {
		return errors.Wrapf(errcode.ErrCodecQueueFailed, "queue input %d: %v", index, err)
	}
	util.Tracef("Queued input buffer %d, %d bytes, pts %d", index, n, pts)
	return nil
}

func (p *ImageSinkProcessor) onInputAvailable(index uint32) {
	if _, evicted := p.indexes.Push(index); evicted {
		util.GetLogger().Warn("Input index queue full, dropped oldest")
	}
}

func (p *ImageSinkProcessor) onOutput(index uint32, info codec.BufferInfo) {
	decoder, st := p.snapshot()
	if decoder == nil || st != stateStarted {
		return
	}
	if err := decoder.ReleaseOutputBuffer(index, true); err != nil {
		util.GetLogger().Error("Render decoded frame failed", "index", index, "pts", info.PresentationTimeUs, "error", err)
	}
}

type sinkCallback struct {
	p *ImageSinkProcessor
}

func (c *sinkCallback) OnError(errorType int32, errorCode int32) {
	util.GetLogger().Error("Decoder error", "type", errorType, "code", errorCode)
	if l, ok := c.p.listener.get(); ok {
		l.OnProcessorStateNotify(codecError(errorType, errorCode))
	}
}

func (c *sinkCallback) OnInputBufferAvailable(index uint32) {
	c.p.onInputAvailable(index)
}

func (c *sinkCallback) OnOutputBufferAvailable(index uint32, info codec.BufferInfo, flag codec.Flag) {
	c.p.onOutput(index, info)
}

func (c *sinkCallback) OnOutputFormatChanged(format codec.Format) {
	util.GetLogger().Debug("Decoder output format changed", "mime", format.Mime, "width", format.Width, "height", format.Height)
}
