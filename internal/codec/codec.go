// Package codec describes the video codec hardware abstraction the image
// processors drive. A codec is configured once, then exchanges buffers with
// its owner through indices announced on a Callback.
package codec

import (
	"github.com/babelcloud/dscreen/internal/surface"
)

// Flag marks properties of a codec buffer.
type Flag uint32

const (
	FlagNone        Flag = 0
	FlagEOS         Flag = 1 << 0
	FlagSyncFrame   Flag = 1 << 1
	FlagCodecConfig Flag = 1 << 3
)

// BufferInfo describes the valid region of a codec buffer.
type BufferInfo struct {
	PresentationTimeUs int64
	Size               int
	Offset             int
}

// Format configures a codec instance.
type Format struct {
	Mime        string
	Width       int
	Height      int
	FrameRate   float64
	PixelFormat int32
	// MaxInputSize bounds decoder input buffers. Zero lets the codec choose.
	MaxInputSize int
}

// Callback receives codec events. Calls may arrive on codec-owned
// goroutines and must not block for long.
type Callback interface {
	OnError(errorType int32, errorCode int32)
	OnInputBufferAvailable(index uint32)
	OnOutputBufferAvailable(index uint32, info BufferInfo, flag Flag)
	OnOutputFormatChanged(format Format)
}

// Codec is one encoder or decoder instance.
type Codec interface {
	SetCallback(cb Callback) error
	Configure(format Format) error
	// CreateInputSurface returns the surface frames are written into
	// (encoders only). Must be called after Configure.
	CreateInputSurface() (surface.Surface, error)
	// SetOutputSurface binds decoded frames to a render target (decoders only).
	SetOutputSurface(s surface.Surface) error
	Prepare() error
	Start() error
	Flush() error
	Stop() error
	Release() error

	// GetInputBuffer returns the writable input buffer for index, or nil.
	GetInputBuffer(index uint32) []byte
	QueueInputBuffer(index uint32, info BufferInfo, flag Flag) error
	// GetOutputBuffer returns the filled output buffer for index, or nil.
	GetOutputBuffer(index uint32) []byte
	ReleaseOutputBuffer(index uint32, render bool) error
}

// Factory instantiates codecs by MIME type.
type Factory interface {
	CreateByMime(mime string, encoder bool) (Codec, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(mime string, encoder bool) (Codec, error)

func (f FactoryFunc) CreateByMime(mime string, encoder bool) (Codec, error) {
	return f(mime, encoder)
}
