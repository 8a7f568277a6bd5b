package bytering

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRejectsZeroCapacity(t *testing.T) {
	var r Ring
	assert.Error(t, r.Init(0))
	assert.Equal(t, 0, r.Write([]byte("abc")))
	assert.Equal(t, 0, r.Read(make([]byte, 4), ReadCut))
	assert.Equal(t, 0, r.UsedSize())
	assert.Equal(t, 0, r.PutZero(3))
}

func TestWriteThenCutRead(t *testing.T) {
	r, err := New(8)
	require.NoError(t, err)

	assert.Equal(t, 5, r.Write([]byte("hello")))
	assert.Equal(t, 5, r.UsedSize())

	out := make([]byte, 16)
	n := r.Read(out, ReadCut)
	assert.Equal(t, "hello", string(out[:n]))
	assert.Equal(t, 0, r.Read(out, ReadCut), "cut read consumes data")
	assert.Equal(t, 0, r.UsedSize())
}

func TestCopyReadIsRepeatable(t *testing.T) {
	r, err := New(8)
	require.NoError(t, err)
	r.Write([]byte("abc"))

	first := make([]byte, 8)
	second := make([]byte, 8)
	n1 := r.Read(first, ReadCopy)
	n2 := r.Read(second, ReadCopy)
	assert.Equal(t, n1, n2)
	assert.Equal(t, first[:n1], second[:n2])
	assert.Equal(t, 3, r.UsedSize())

	r.Write([]byte("d"))
	n3 := r.Read(first, ReadCopy)
	assert.Equal(t, "abcd", string(first[:n3]))
}

func TestReadCapsAtBufferLength(t *testing.T) {
	r, err := New(16)
	require.NoError(t, err)
	r.Write([]byte("0123456789"))

	out := make([]byte, 4)
	assert.Equal(t, 4, r.Read(out, ReadCut))
	assert.Equal(t, "0123", string(out))
	assert.Equal(t, 6, r.UsedSize())
}

func TestOverwriteDiscardsOldest(t *testing.T) {
	r, err := New(4)
	require.NoError(t, err)

	assert.Equal(t, 6, r.Write([]byte("abcdef")))
	assert.Equal(t, 3, r.UsedSize(), "usable size is capacity-1")

	out := make([]byte, 8)
	n := r.Read(out, ReadCut)
	assert.Equal(t, "def", string(out[:n]))
}

func TestWrapAroundRead(t *testing.T) {
	r, err := New(5)
	require.NoError(t, err)

	out := make([]byte, 8)
	r.Write([]byte("abc"))
	r.Read(out, ReadCut)
	r.Write([]byte("wxyz"))

	n := r.Read(out, ReadCopy)
	assert.Equal(t, "wxyz", string(out[:n]))
}

func TestUsedSizeBoundUnderRandomOps(t *testing.T) {
	const capacity = 32
	r, err := New(capacity)
	require.NoError(t, err)

	var model []byte
	rng := rand.New(rand.NewSource(1))
	out := make([]byte, capacity*2)
	for i := 0; i < 2000; i++ {
		switch rng.Intn(3) {
		case 0:
			chunk := make([]byte, rng.Intn(capacity*2))
			rng.Read(chunk)
			r.Write(chunk)
			model = append(model, chunk...)
			if len(model) > capacity-1 {
				model = model[len(model)-(capacity-1):]
			}
		case 1:
			want := rng.Intn(capacity)
			n := r.Read(out[:want], ReadCut)
			require.True(t, bytes.Equal(model[:n], out[:n]))
			model = model[n:]
		case 2:
			n := r.Read(out, ReadCopy)
			require.True(t, bytes.Equal(model, out[:n]))
		}
		require.LessOrEqual(t, r.UsedSize(), capacity-1)
		require.Equal(t, len(model), r.UsedSize())
	}
}

func TestPutZeroMatchesWrite(t *testing.T) {
	for _, n := range []int{0, 1, 3, 7, 8, 9, 20} {
		viaWrite, err := New(8)
		require.NoError(t, err)
		viaDMA, err := New(8)
		require.NoError(t, err)

		viaWrite.Write([]byte("xy"))
		viaDMA.Write([]byte("xy"))

		payload := bytes.Repeat([]byte{0x5a}, n)
		viaWrite.Write(payload)

		remaining := n
		for remaining > 0 {
			span := viaDMA.WritableSpan()
			chunk := len(span)
			if chunk > remaining {
				chunk = remaining
			}
			copy(span, payload[:chunk])
			viaDMA.PutZero(chunk)
			remaining -= chunk
		}

		assert.Equal(t, viaWrite.UsedSize(), viaDMA.UsedSize(), "n=%d", n)
		a := make([]byte, 8)
		b := make([]byte, 8)
		na := viaWrite.Read(a, ReadCopy)
		nb := viaDMA.Read(b, ReadCopy)
		assert.Equal(t, a[:na], b[:nb], "n=%d", n)
	}
}

func TestPutZeroBulkOverflow(t *testing.T) {
	r, err := New(8)
	require.NoError(t, err)
	assert.Equal(t, 20, r.PutZero(20))
	assert.Equal(t, 7, r.UsedSize())
}

func TestFreeSpanNeverOverlapsUnreadData(t *testing.T) {
	r, err := New(8)
	require.NoError(t, err)
	assert.Len(t, r.FreeSpan(), 7, "get at 0 keeps the last slot free")

	r.Write([]byte("abcde"))
	r.Read(make([]byte, 3), ReadCut)
	// put=5 get=3: free run is [5,8)
	span := r.FreeSpan()
	require.Len(t, span, 3)
	copy(span, "fgh")
	r.PutZero(len(span))
	// put=0 get=3: free run is [0,2)
	assert.Len(t, r.FreeSpan(), 2)
	assert.Equal(t, 5, r.UsedSize())

	r.Write([]byte("ij"))
	assert.Empty(t, r.FreeSpan(), "full ring")
	out := make([]byte, 8)
	n := r.Read(out, ReadCut)
	assert.Equal(t, "defghij", string(out[:n]))
}

func TestDeinit(t *testing.T) {
	r, err := New(8)
	require.NoError(t, err)
	r.Write([]byte("abc"))
	r.Deinit()
	assert.Equal(t, 0, r.Capacity())
	assert.Equal(t, 0, r.UsedSize())
	assert.Nil(t, r.WritableSpan())
}
