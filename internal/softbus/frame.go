package softbus

import (
	"encoding/binary"
	"io"

	"github.com/babelcloud/dscreen/internal/version"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type frameKind byte

const (
	kindHello frameKind = iota + 1
	kindAccept
	kindBytes
	kindStream
)

const frameHeaderSize = 5

// writeFrame writes a 4-byte big-endian payload length, the kind byte and
// the payload as one write.
func writeFrame(w io.Writer, kind frameKind, payload []byte) error {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	buf[4] = byte(kind)
	copy(buf[frameHeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader, maxSize int) (frameKind, []byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	size := binary.BigEndian.Uint32(header[:4])
	if int64(size) > int64(maxSize) {
		return 0, nil, errors.Errorf("frame of %d bytes exceeds limit %d", size, maxSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, errors.Wrap(err, "short frame")
	}
	return frameKind(header[4]), payload, nil
}

// hello opens a session: Session names the target session on the receiving
// device, From the opener's own session name. The protocol revision is
// added on the wire and checked when present.
type hello struct {
	Session string
	From    string
	Device  string
}

func (h hello) marshal() ([]byte, error) {
	out := []byte(`{}`)
	var err error
	for _, kv := range [][2]string{{"protocol", version.Protocol}, {"session", h.Session}, {"from", h.From}, {"device", h.Device}} {
		if out, err = sjson.SetBytes(out, kv[0], kv[1]); err != nil {
			return nil, errors.Wrapf(err, "encode hello field %s", kv[0])
		}
	}
	return out, nil
}

func parseHello(data []byte) (hello, error) {
	if !gjson.ValidBytes(data) {
		return hello{}, errors.New("malformed hello")
	}
	if p := gjson.GetBytes(data, "protocol"); p.Exists() && p.String() != version.Protocol {
		return hello{}, errors.Errorf("unsupported protocol %q, want %q", p.String(), version.Protocol)
	}
	h := hello{
		Session: gjson.GetBytes(data, "session").String(),
		From:    gjson.GetBytes(data, "from").String(),
		Device:  gjson.GetBytes(data, "device").String(),
	}
	if h.Session == "" || h.Device == "" {
		return hello{}, errors.New("hello without session or device")
	}
	return h, nil
}

func acceptPayload(result int32) []byte {
	out, _ := sjson.SetBytes([]byte(`{}`), "result", result)
	return out
}

func parseAccept(data []byte) (int32, error) {
	r := gjson.GetBytes(data, "result")
	if r.Type != gjson.Number {
		return 0, errors.New("malformed accept")
	}
	return int32(r.Int()), nil
}
