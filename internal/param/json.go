package param

import (
	"math"

	"github.com/babelcloud/dscreen/internal/errcode"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// JSON keys exchanged between source and sink.
const (
	KeyScreenWidth  = "screenWidth"
	KeyScreenHeight = "screenHeight"
	KeyVideoWidth   = "videoWidth"
	KeyVideoHeight  = "videoHeight"
	KeyFPS          = "fps"
	KeyCodecType    = "codecType"
	KeyColorFormat  = "colorFormat"

	KeyDisplayID   = "displayId"
	KeyScreenID    = "screenId"
	KeyDisplayRect = "displayRect"
	KeyScreenRect  = "screenRect"
	KeyStartX      = "startX"
	KeyStartY      = "startY"
	KeyWidth       = "width"
	KeyHeight      = "height"
)

func parseRoot(data []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, errors.Wrap(errcode.ErrJSONParse, "invalid json")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return gjson.Result{}, errors.Wrap(errcode.ErrJSONParse, "json is not an object")
	}
	return root, nil
}

func numberField(obj gjson.Result, key string, min, max float64, integral bool) (float64, error) {
	r := obj.Get(key)
	if r.Type != gjson.Number {
		return 0, errors.Wrapf(errcode.ErrJSONParse, "field %s missing or not a number", key)
	}
	if r.Num < min || r.Num > max {
		return 0, errors.Wrapf(errcode.ErrJSONParse, "field %s out of range: %v", key, r.Num)
	}
	if integral && r.Num != math.Trunc(r.Num) {
		return 0, errors.Wrapf(errcode.ErrJSONParse, "field %s is not an integer: %v", key, r.Num)
	}
	return r.Num, nil
}

func uint32Field(obj gjson.Result, key string) (uint32, error) {
	v, err := numberField(obj, key, 0, math.MaxUint32, true)
	return uint32(v), err
}

func int32Field(obj gjson.Result, key string) (int32, error) {
	v, err := numberField(obj, key, math.MinInt32, math.MaxInt32, true)
	return int32(v), err
}

func uint64Field(obj gjson.Result, key string) (uint64, error) {
	r := obj.Get(key)
	if r.Type != gjson.Number {
		return 0, errors.Wrapf(errcode.ErrJSONParse, "field %s missing or not a number", key)
	}
	if r.Num < 0 || r.Num != math.Trunc(r.Num) {
		return 0, errors.Wrapf(errcode.ErrJSONParse, "field %s is not an unsigned integer: %v", key, r.Num)
	}
	// Uint parses the raw text so values above 2^53 keep their precision.
	return r.Uint(), nil
}

type setter struct {
	buf []byte
	err error
}

func (s *setter) set(path string, value interface{}) {
	if s.err != nil {
		return
	}
	s.buf, s.err = sjson.SetBytes(s.buf, path, value)
}

// MarshalJSON encodes p with the fixed negotiation keys.
func (p VideoParam) MarshalJSON() ([]byte, error) {
	s := &setter{buf: []byte("{}")}
	s.set(KeyScreenWidth, p.ScreenWidth)
	s.set(KeyScreenHeight, p.ScreenHeight)
	s.set(KeyVideoWidth, p.VideoWidth)
	s.set(KeyVideoHeight, p.VideoHeight)
	s.set(KeyFPS, p.FPS)
	s.set(KeyCodecType, uint8(p.CodecType))
	s.set(KeyColorFormat, int32(p.VideoFormat))
	if s.err != nil {
		return nil, errors.Wrap(s.err, "failed to encode video param")
	}
	return s.buf, nil
}

// UnmarshalJSON decodes data into p. Every field is type and range checked
// before any is assigned: on error p keeps its previous values.
func (p *VideoParam) UnmarshalJSON(data []byte) error {
	root, err := parseRoot(data)
	if err != nil {
		return err
	}

	var next VideoParam
	if next.ScreenWidth, err = uint32Field(root, KeyScreenWidth); err != nil {
		return err
	}
	if next.ScreenHeight, err = uint32Field(root, KeyScreenHeight); err != nil {
		return err
	}
	if next.VideoWidth, err = uint32Field(root, KeyVideoWidth); err != nil {
		return err
	}
	if next.VideoHeight, err = uint32Field(root, KeyVideoHeight); err != nil {
		return err
	}
	if next.FPS, err = numberField(root, KeyFPS, 0, math.MaxFloat64, false); err != nil {
		return err
	}
	codec, err := numberField(root, KeyCodecType, 0, math.MaxUint8, true)
	if err != nil {
		return err
	}
	next.CodecType = CodecType(codec)
	format, err := int32Field(root, KeyColorFormat)
	if err != nil {
		return err
	}
	next.VideoFormat = VideoFormat(format)

	*p = next
	return nil
}

func (r Rect) setInto(s *setter, prefix string) {
	s.set(prefix+"."+KeyStartX, r.StartX)
	s.set(prefix+"."+KeyStartY, r.StartY)
	s.set(prefix+"."+KeyWidth, r.Width)
	s.set(prefix+"."+KeyHeight, r.Height)
}

func parseRect(root gjson.Result, key string) (Rect, error) {
	obj := root.Get(key)
	if !obj.IsObject() {
		return Rect{}, errors.Wrapf(errcode.ErrJSONParse, "field %s missing or not an object", key)
	}
	var r Rect
	var err error
	if r.StartX, err = int32Field(obj, KeyStartX); err != nil {
		return Rect{}, err
	}
	if r.StartY, err = int32Field(obj, KeyStartY); err != nil {
		return Rect{}, err
	}
	if r.Width, err = uint32Field(obj, KeyWidth); err != nil {
		return Rect{}, err
	}
	if r.Height, err = uint32Field(obj, KeyHeight); err != nil {
		return Rect{}, err
	}
	return r, nil
}

// MarshalJSON encodes m with the fixed negotiation keys.
func (m MapRelation) MarshalJSON() ([]byte, error) {
	s := &setter{buf: []byte("{}")}
	// sjson encodes uint64 as a JSON number without float rounding.
	s.set(KeyDisplayID, m.DisplayID)
	s.set(KeyScreenID, m.ScreenID)
	m.DisplayRect.setInto(s, KeyDisplayRect)
	m.ScreenRect.setInto(s, KeyScreenRect)
	if s.err != nil {
		return nil, errors.Wrap(s.err, "failed to encode map relation")
	}
	return s.buf, nil
}

// UnmarshalJSON decodes data into m, leaving m unchanged on error.
func (m *MapRelation) UnmarshalJSON(data []byte) error {
	root, err := parseRoot(data)
	if err != nil {
		return err
	}

	var next MapRelation
	if next.DisplayID, err = uint64Field(root, KeyDisplayID); err != nil {
		return err
	}
	if next.ScreenID, err = uint64Field(root, KeyScreenID); err != nil {
		return err
	}
	if next.DisplayRect, err = parseRect(root, KeyDisplayRect); err != nil {
		return err
	}
	if next.ScreenRect, err = parseRect(root, KeyScreenRect); err != nil {
		return err
	}

	*m = next
	return nil
}
