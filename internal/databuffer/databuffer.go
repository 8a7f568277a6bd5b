// Package databuffer provides DataBuffer, the fixed-capacity byte blob that
// flows through the screen transport pipeline.
package databuffer

import (
	"sync"

	"github.com/babelcloud/dscreen/internal/errcode"
)

// DataBuffer owns a fixed-capacity byte array plus an offset/size view and a
// small named metadata table. Pipeline stages share a *DataBuffer by pointer;
// the storage is released with the last reference.
type DataBuffer struct {
	data []byte

	// mu guards the range and the metadata.
	mu     sync.RWMutex
	offset int
	size   int
	meta   map[string]interface{}
}

// New allocates a zeroed buffer of the given capacity. The initial range
// covers the whole buffer.
func New(capacity int) *DataBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &DataBuffer{
		data: make([]byte, capacity),
		size: capacity,
	}
}

// FromBytes returns a buffer holding a copy of p.
func FromBytes(p []byte) *DataBuffer {
	b := New(len(p))
	copy(b.data, p)
	return b
}

// Capacity returns the fixed size of the backing storage.
func (b *DataBuffer) Capacity() int {
	return len(b.data)
}

// Data returns the whole backing storage.
func (b *DataBuffer) Data() []byte {
	return b.data
}

// Bytes returns the current offset/size view of the storage.
func (b *DataBuffer) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.data[b.offset : b.offset+b.size]
}

// Offset returns the start of the current range.
func (b *DataBuffer) Offset() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.offset
}

// Size returns the length of the current range.
func (b *DataBuffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// SetRange moves the view to [offset, offset+size). The range is left
// untouched and ErrBadValue returned when it does not fit the capacity.
func (b *DataBuffer) SetRange(offset, size int) error {
	capacity := len(b.data)
	if offset < 0 || size < 0 || offset > capacity || size > capacity-offset {
		return errcode.ErrBadValue
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offset = offset
	b.size = size
	return nil
}

func (b *DataBuffer) set(name string, value interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.meta == nil {
		b.meta = make(map[string]interface{})
	}
	b.meta[name] = value
}

func (b *DataBuffer) find(name string) (interface{}, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.meta[name]
	return v, ok
}

// SetInt32 stores a named int32.
func (b *DataBuffer) SetInt32(name string, value int32) {
	b.set(name, value)
}

// SetInt64 stores a named int64.
func (b *DataBuffer) SetInt64(name string, value int64) {
	b.set(name, value)
}

// SetString stores a named string.
func (b *DataBuffer) SetString(name string, value string) {
	b.set(name, value)
}

// FindInt32 looks up a named int32. It reports false, leaving out untouched,
// when the name is absent or holds another type.
func (b *DataBuffer) FindInt32(name string, out *int32) bool {
	v, ok := b.find(name)
	if !ok {
		return false
	}
	i, ok := v.(int32)
	if !ok {
		return false
	}
	*out = i
	return true
}

// FindInt64 looks up a named int64.
func (b *DataBuffer) FindInt64(name string, out *int64) bool {
	v, ok := b.find(name)
	if !ok {
		return false
	}
	i, ok := v.(int64)
	if !ok {
		return false
	}
	*out = i
	return true
}

// FindString looks up a named string.
func (b *DataBuffer) FindString(name string, out *string) bool {
	v, ok := b.find(name)
	if !ok {
		return false
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	*out = s
	return true
}

// Metadata keys set by the pipeline.
const (
	KeyPTS      = "pts"
	KeyKeyFrame = "keyFrame"
	KeyCodec    = "codec"
)
