// Package processor wraps the video codec for the two directions of screen
// mirroring: ImageSourceProcessor drives an encoder fed by a capture
// surface, ImageSinkProcessor drives a decoder rendering to an output
// surface.
package processor

import (
	"sync"
	"time"

	"github.com/babelcloud/dscreen/internal/codec"
	"github.com/babelcloud/dscreen/internal/databuffer"
	"github.com/babelcloud/dscreen/internal/errcode"
	"github.com/babelcloud/dscreen/internal/param"
	"github.com/pkg/errors"
)

const (
	DefaultMaxBufferSize     = 10 * 1024 * 1024
	DefaultQueueMaxSize      = 1000
	DefaultDecodeWaitTimeout = 5 * time.Second
)

// Options tunes a processor. Zero fields fall back to the defaults.
type Options struct {
	// MaxBufferSize bounds a single encoded frame.
	MaxBufferSize int
	// QueueMaxSize bounds the decoder's data and index queues.
	QueueMaxSize int
	// DecodeWaitTimeout is how long the decode loop waits for data and a
	// free input buffer before re-checking its state.
	DecodeWaitTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxBufferSize <= 0 {
		o.MaxBufferSize = DefaultMaxBufferSize
	}
	if o.QueueMaxSize <= 0 {
		o.QueueMaxSize = DefaultQueueMaxSize
	}
	if o.DecodeWaitTimeout <= 0 {
		o.DecodeWaitTimeout = DefaultDecodeWaitTimeout
	}
	return o
}

// StateListener receives asynchronous codec failures.
type StateListener interface {
	OnProcessorStateNotify(err error)
}

// SourceListener receives encoded frames from an ImageSourceProcessor.
type SourceListener interface {
	StateListener
	OnImageProcessDone(data *databuffer.DataBuffer)
}

type state int

const (
	stateUnconfigured state = iota
	stateConfigured
	stateStarted
	stateStopped
	stateReleased
)

var stateNames = [...]string{"unconfigured", "configured", "started", "stopped", "released"}

func (s state) String() string {
	return stateNames[s]
}

// listenerRef is a non-owning back reference to the processor's owner.
// Release detaches it so late codec events are dropped.
type listenerRef[T any] struct {
	mu sync.RWMutex
	l  T
	ok bool
}

func (r *listenerRef[T]) set(l T) {
	r.mu.Lock()
	r.l, r.ok = l, true
	r.mu.Unlock()
}

func (r *listenerRef[T]) detach() {
	r.mu.Lock()
	var zero T
	r.l, r.ok = zero, false
	r.mu.Unlock()
}

func (r *listenerRef[T]) get() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.l, r.ok
}

func codecFormat(p param.VideoParam) (codec.Format, error) {
	mime, ok := p.CodecType.Mime()
	if !ok {
		return codec.Format{}, errors.Wrapf(errcode.ErrTransIllegalParam, "codec type %d", p.CodecType)
	}
	if !p.VideoFormat.Valid() {
		return codec.Format{}, errors.Wrapf(errcode.ErrTransIllegalParam, "video format %d", p.VideoFormat)
	}
	return codec.Format{
		Mime:        mime,
		Width:       int(p.VideoWidth),
		Height:      int(p.VideoHeight),
		FrameRate:   p.FPS,
		PixelFormat: int32(p.VideoFormat),
	}, nil
}

func createCodec(factory codec.Factory, format codec.Format, encoder bool) (codec.Codec, error) {
	if factory == nil {
		return nil, errors.Wrap(errcode.ErrTransNullValue, "codec factory")
	}
	c, err := factory.CreateByMime(format.Mime, encoder)
	if err != nil {
		return nil, errors.Wrapf(errcode.ErrCodecCreateFailed, "create %s: %v", format.Mime, err)
	}
	if c == nil {
		return nil, errors.Wrapf(errcode.ErrCodecCreateFailed, "create %s: nil codec", format.Mime)
	}
	return c, nil
}

func codecError(errorType, errorCode int32) error {
	return errors.Wrapf(errcode.ErrCodecError, "codec error type %d code %d", errorType, errorCode)
}
