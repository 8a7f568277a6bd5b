package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	info := Get()
	assert.Equal(t, "dev", info.Version)
	assert.Equal(t, Protocol, info.Protocol)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
	assert.Equal(t, "dscreen version dev, build unknown", info.Short())
}

func TestBuilt(t *testing.T) {
	assert.Equal(t, "Sun Mar 1 10:20:30 2026", Info{BuildTime: "2026-03-01T10:20:30Z"}.Built())
	assert.Equal(t, "unknown", Info{BuildTime: "unknown"}.Built())
}
