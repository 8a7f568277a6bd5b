package databuffer

import (
	"sync"
	"testing"

	"github.com/babelcloud/dscreen/internal/errcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsZeroed(t *testing.T) {
	b := New(16)
	assert.Equal(t, 16, b.Capacity())
	assert.Equal(t, 0, b.Offset())
	assert.Equal(t, 16, b.Size())
	for _, v := range b.Data() {
		assert.Zero(t, v)
	}
}

func TestFromBytesCopies(t *testing.T) {
	src := []byte{1, 2, 3}
	b := FromBytes(src)
	src[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, b.Bytes())
}

func TestSetRange(t *testing.T) {
	const capacity = 10
	for offset := -1; offset <= capacity+1; offset++ {
		for size := -1; size <= capacity+1; size++ {
			b := New(capacity)
			require.NoError(t, b.SetRange(2, 3))

			err := b.SetRange(offset, size)
			valid := offset >= 0 && size >= 0 && offset+size <= capacity
			if valid {
				assert.NoError(t, err, "offset=%d size=%d", offset, size)
				assert.Equal(t, offset, b.Offset())
				assert.Equal(t, size, b.Size())
				assert.Len(t, b.Bytes(), size)
				continue
			}
			assert.ErrorIs(t, err, errcode.ErrBadValue, "offset=%d size=%d", offset, size)
			assert.Equal(t, 2, b.Offset(), "failed SetRange must not move the view")
			assert.Equal(t, 3, b.Size())
		}
	}
}

func TestMetadata(t *testing.T) {
	b := New(1)
	b.SetInt32("i32", 7)
	b.SetInt64("i64", 1<<40)
	b.SetString("s", "h264")

	var i32 int32
	var i64 int64
	var s string
	assert.True(t, b.FindInt32("i32", &i32))
	assert.Equal(t, int32(7), i32)
	assert.True(t, b.FindInt64("i64", &i64))
	assert.Equal(t, int64(1<<40), i64)
	assert.True(t, b.FindString("s", &s))
	assert.Equal(t, "h264", s)

	t.Run("MissingLeavesOutUntouched", func(t *testing.T) {
		out := int32(-1)
		assert.False(t, b.FindInt32("absent", &out))
		assert.Equal(t, int32(-1), out)
	})

	t.Run("TypeMismatch", func(t *testing.T) {
		out := int64(-1)
		assert.False(t, b.FindInt64("i32", &out))
		assert.Equal(t, int64(-1), out)

		str := "keep"
		assert.False(t, b.FindString("i64", &str))
		assert.Equal(t, "keep", str)
	})
}

func TestRangeSharedAcrossGoroutines(t *testing.T) {
	b := FromBytes([]byte("0123456789"))
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				// offset+size is always 10 so every view ends the buffer.
				off := (i + w) % 10
				assert.NoError(t, b.SetRange(off, 10-off))
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				view := b.Bytes()
				assert.LessOrEqual(t, len(view), 10)
				if len(view) > 0 {
					assert.Equal(t, byte('9'), view[len(view)-1])
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, b.Offset()+b.Size())
}
