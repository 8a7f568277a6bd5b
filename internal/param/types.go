// Package param holds the negotiated screen parameters exchanged between the
// source and sink sides: video parameters, the codec/format enumerations and
// the display-to-screen mapping.
package param

import (
	"fmt"
	"strings"

	"github.com/babelcloud/dscreen/internal/errcode"
	"github.com/pkg/errors"
)

// Resolution and frame rate bounds accepted by CheckVideoParam.
const (
	MaxScreenWidth  = 2560
	MaxScreenHeight = 2772
	MaxVideoWidth   = 2560
	MaxVideoHeight  = 2772
	MaxFPS          = 60.0
)

// CodecType identifies the video codec used on the wire.
type CodecType uint8

const (
	CodecInvalid CodecType = 0
	CodecH264    CodecType = 1
	CodecH265    CodecType = 2
	CodecMPEG4   CodecType = 3
)

type codecInfo struct {
	name string
	mime string
}

// codecTable is the complete set of supported codecs.
var codecTable = map[CodecType]codecInfo{
	CodecH264:  {name: "h264", mime: "video/avc"},
	CodecH265:  {name: "h265", mime: "video/hevc"},
	CodecMPEG4: {name: "mpeg4", mime: "video/mp4v-es"},
}

// Valid reports whether c is a supported codec.
func (c CodecType) Valid() bool {
	_, ok := codecTable[c]
	return ok
}

// Mime returns the codec MIME type used to instantiate a hardware codec.
func (c CodecType) Mime() (string, bool) {
	info, ok := codecTable[c]
	return info.mime, ok
}

func (c CodecType) String() string {
	if info, ok := codecTable[c]; ok {
		return info.name
	}
	return fmt.Sprintf("codec(%d)", uint8(c))
}

// ParseCodecType maps a codec name ("h264", "h265", "mpeg4") to its type.
func ParseCodecType(s string) (CodecType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, info := range codecTable {
		if info.name == s {
			return c, nil
		}
	}
	return CodecInvalid, errors.Wrapf(errcode.ErrTransIllegalParam, "unknown codec %q", s)
}

// VideoFormat is the raw pixel format fed to the encoder.
type VideoFormat int32

const (
	FormatInvalid  VideoFormat = -1
	FormatYUVI420  VideoFormat = 0
	FormatNV12     VideoFormat = 1
	FormatNV21     VideoFormat = 2
	FormatRGBA8888 VideoFormat = 3
)

var formatNames = map[VideoFormat]string{
	FormatYUVI420:  "yuvi420",
	FormatNV12:     "nv12",
	FormatNV21:     "nv21",
	FormatRGBA8888: "rgba8888",
}

// Valid reports whether f is a supported pixel format.
func (f VideoFormat) Valid() bool {
	_, ok := formatNames[f]
	return ok
}

func (f VideoFormat) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("format(%d)", int32(f))
}

// ParseVideoFormat maps a format name to its value.
func ParseVideoFormat(s string) (VideoFormat, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for f, name := range formatNames {
		if name == s {
			return f, nil
		}
	}
	return FormatInvalid, errors.Wrapf(errcode.ErrTransIllegalParam, "unknown video format %q", s)
}

// VideoParam describes one side of a mirroring session.
type VideoParam struct {
	ScreenWidth  uint32
	ScreenHeight uint32
	VideoWidth   uint32
	VideoHeight  uint32
	FPS          float64
	CodecType    CodecType
	VideoFormat  VideoFormat
}

// DefaultVideoParam returns a 1080p30 H.264 parameter set.
func DefaultVideoParam() VideoParam {
	return VideoParam{
		ScreenWidth:  1920,
		ScreenHeight: 1080,
		VideoWidth:   1920,
		VideoHeight:  1080,
		FPS:          30,
		CodecType:    CodecH264,
		VideoFormat:  FormatNV12,
	}
}

// CheckVideoParam validates codec, format, resolution and frame rate.
func CheckVideoParam(p VideoParam) error {
	if !p.CodecType.Valid() {
		return errors.Wrapf(errcode.ErrTransIllegalParam, "invalid codec type %d", p.CodecType)
	}
	if !p.VideoFormat.Valid() {
		return errors.Wrapf(errcode.ErrTransIllegalParam, "invalid video format %d", p.VideoFormat)
	}
	if p.ScreenWidth == 0 || p.ScreenWidth > MaxScreenWidth ||
		p.ScreenHeight == 0 || p.ScreenHeight > MaxScreenHeight {
		return errors.Wrapf(errcode.ErrTransIllegalParam, "invalid screen size %dx%d", p.ScreenWidth, p.ScreenHeight)
	}
	if p.VideoWidth == 0 || p.VideoWidth > MaxVideoWidth ||
		p.VideoHeight == 0 || p.VideoHeight > MaxVideoHeight {
		return errors.Wrapf(errcode.ErrTransIllegalParam, "invalid video size %dx%d", p.VideoWidth, p.VideoHeight)
	}
	if p.FPS <= 0 || p.FPS > MaxFPS {
		return errors.Wrapf(errcode.ErrTransIllegalParam, "invalid fps %v", p.FPS)
	}
	return nil
}

// Rect is a rectangle in display or screen coordinates.
type Rect struct {
	StartX int32
	StartY int32
	Width  uint32
	Height uint32
}

// MapRelation maps a region of a local display onto a remote screen.
type MapRelation struct {
	DisplayID   uint64
	ScreenID    uint64
	DisplayRect Rect
	ScreenRect  Rect
}
