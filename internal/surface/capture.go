package surface

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"time"

	"github.com/babelcloud/dscreen/internal/util"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pkg/errors"
)

var (
	startCode3 = []byte{0x00, 0x00, 0x01}
	startCode4 = []byte{0x00, 0x00, 0x00, 0x01}
)

const maxNALUSize = 8 * 1024 * 1024

// Capture reads an Annex-B elementary stream and writes it frame by frame
// into a surface at a fixed frame rate, standing in for a screen grabber.
type Capture struct {
	r       io.Reader
	fps     float64
	groupAU bool
}

// NewCapture returns a capture over r. With groupH264 set, parameter sets
// and other non-VCL NAL units are sent together with the following slice so
// that each written frame is one H.264 access unit.
func NewCapture(r io.Reader, fps float64, groupH264 bool) *Capture {
	if fps <= 0 {
		fps = 30
	}
	return &Capture{r: r, fps: fps, groupAU: groupH264}
}

// Run feeds dst until EOF or ctx is cancelled and returns the number of
// frames written. EOF is not an error.
func (c *Capture) Run(ctx context.Context, dst Surface) (int, error) {
	logger := util.GetLogger()

	scanner := bufio.NewScanner(c.r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxNALUSize)
	scanner.Split(splitNALU)

	interval := time.Duration(float64(time.Second) / c.fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	frames := 0
	var pending []byte
	start := time.Now()

	emit := func(frame []byte) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		pts := time.Since(start).Microseconds()
		if err := dst.WriteFrame(frame, pts); err != nil {
			return errors.Wrapf(err, "failed to write captured frame %d", frames)
		}
		frames++
		return nil
	}

	for scanner.Scan() {
		nalu := append([]byte(nil), scanner.Bytes()...)
		if !c.groupAU {
			if err := emit(nalu); err != nil {
				return frames, err
			}
			continue
		}
		pending = append(pending, nalu...)
		if isVCL(nalu) {
			if err := emit(pending); err != nil {
				return frames, err
			}
			pending = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return frames, errors.Wrap(err, "failed to read capture input")
	}
	if len(pending) > 0 {
		if err := emit(pending); err != nil {
			return frames, err
		}
	}

	logger.Info("Capture finished", "frames", frames, "duration", time.Since(start))
	return frames, nil
}

func isVCL(nalu []byte) bool {
	var au h264.AnnexB
	if err := au.Unmarshal(nalu); err != nil || len(au) == 0 || len(au[0]) == 0 {
		return false
	}
	typ := h264.NALUType(au[0][0] & 0x1F)
	return typ >= h264.NALUTypeNonIDR && typ <= h264.NALUTypeIDR
}

// splitNALU is a bufio.SplitFunc returning one start-code prefixed NAL unit
// per token. Bytes before the first start code are discarded.
func splitNALU(data []byte, atEOF bool) (advance int, token []byte, err error) {
	first := bytes.Index(data, startCode3)
	if first < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep the last two bytes, they may begin a start code.
		if len(data) > 2 {
			return len(data) - 2, nil, nil
		}
		return 0, nil, nil
	}
	begin := first
	if first > 0 && data[first-1] == 0x00 {
		begin = first - 1
	}

	next := bytes.Index(data[first+len(startCode3):], startCode3)
	if next < 0 {
		if atEOF {
			return len(data), data[begin:], nil
		}
		return begin, nil, nil
	}
	end := first + len(startCode3) + next
	// A zero just before the next start code belongs to its 4-byte prefix.
	if data[end-1] == 0x00 {
		end--
	}
	return end, data[begin:end], nil
}
