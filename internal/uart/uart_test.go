package uart

import (
	"io"
	"testing"
	"time"

	"github.com/babelcloud/dscreen/internal/bytering"
	"github.com/babelcloud/dscreen/internal/errcode"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitDone(t *testing.T, p *Port) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("receive goroutine did not exit")
	}
}

func TestReceiveKeepsNewestBytes(t *testing.T) {
	for _, mode := range []RxMode{RxIRQ, RxDMA} {
		t.Run(string(mode), func(t *testing.T) {
			pr, pw := io.Pipe()
			p, err := New(pr, 8, mode)
			require.NoError(t, err)
			p.Start()

			go func() {
				pw.Write([]byte("abcdefghij"))
				pw.Close()
			}()
			waitDone(t, p)

			assert.NoError(t, p.Err())
			assert.Equal(t, uint64(10), p.Received())
			assert.Equal(t, 7, p.Buffered())

			out := make([]byte, 16)
			n := p.Read(out, bytering.ReadCopy)
			assert.Equal(t, "defghij", string(out[:n]))
			n = p.Read(out, bytering.ReadCut)
			assert.Equal(t, 7, n)
			assert.Zero(t, p.Buffered())
			require.NoError(t, p.Close())
		})
	}
}

func TestReceiveIncrementally(t *testing.T) {
	pr, pw := io.Pipe()
	p, err := New(pr, 32, RxDMA)
	require.NoError(t, err)
	p.Start()
	defer p.Close()

	out := make([]byte, 32)
	for _, chunk := range []string{"hello ", "uart ", "ring"} {
		_, err := pw.Write([]byte(chunk))
		require.NoError(t, err)
		select {
		case <-p.Notify():
		case <-time.After(2 * time.Second):
			t.Fatal("no receive notification")
		}
		n := p.Read(out, bytering.ReadCut)
		assert.Equal(t, chunk, string(out[:n]))
	}
}

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) { return 0, errors.New("framing error") }
func (failingReader) Close() error               { return nil }

func TestReceiveError(t *testing.T) {
	p, err := New(failingReader{}, 8, RxIRQ)
	require.NoError(t, err)
	p.Start()
	waitDone(t, p)
	assert.EqualError(t, p.Err(), "framing error")
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, 8, RxIRQ)
	assert.ErrorIs(t, err, errcode.ErrTransNullValue)

	pr, _ := io.Pipe()
	_, err = New(pr, 0, RxIRQ)
	assert.ErrorIs(t, err, errcode.ErrBadValue)
	_, err = New(pr, 8, RxMode("poll"))
	assert.ErrorIs(t, err, errcode.ErrBadValue)

	mode, err := ParseRxMode("dma")
	require.NoError(t, err)
	assert.Equal(t, RxDMA, mode)

	p, err := New(pr, 8, RxIRQ)
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.Zero(t, p.Read(make([]byte, 4), bytering.ReadCut), "closed port has no ring")

	_, err = Open("/nonexistent/tty", 8, RxIRQ)
	assert.Error(t, err)
}
