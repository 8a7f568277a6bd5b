package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/babelcloud/dscreen/internal/softbus"
	"github.com/babelcloud/dscreen/internal/uart"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceIDIsGeneratedOnce(t *testing.T) {
	home := t.TempDir()
	t.Setenv("DSCREEN_HOME", home)

	id, err := GetDeviceID()
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	again, err := GetDeviceID()
	require.NoError(t, err)
	assert.Equal(t, id, again)

	data, err := os.ReadFile(filepath.Join(home, deviceIDFile))
	require.NoError(t, err)
	assert.Equal(t, id+"\n", string(data))
}

func TestDeviceIDFromEnvironment(t *testing.T) {
	t.Setenv("DSCREEN_HOME", t.TempDir())
	t.Setenv("DSCREEN_DEVICE_ID", "dev-env")

	id, err := GetDeviceID()
	require.NoError(t, err)
	assert.Equal(t, "dev-env", id)
}

func TestSoftbusConfig(t *testing.T) {
	t.Setenv("DSCREEN_DEVICE_ID", "dev-a")
	t.Setenv("DSCREEN_SOFTBUS_LINK", "ws")
	t.Setenv("DSCREEN_SOFTBUS_LISTEN", "127.0.0.1:9000")

	cfg, err := SoftbusConfig()
	require.NoError(t, err)
	assert.Equal(t, "dev-a", cfg.DeviceID)
	assert.Equal(t, softbus.LinkWebSocket, cfg.Link)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, softbus.DefaultWSPath, cfg.WSPath)
	assert.Equal(t, softbus.DefaultDialTimeout, cfg.DialTimeout)

	t.Setenv("DSCREEN_SOFTBUS_LINK", "udp")
	_, err = SoftbusConfig()
	assert.Error(t, err)
}

func TestTransportOptionsDefaults(t *testing.T) {
	opts := TransportOptions()
	assert.Equal(t, 5*time.Second, opts.SessionOpenTimeout)
	assert.Equal(t, time.Second, opts.DataWaitTimeout)
	assert.Equal(t, 1000, opts.QueueMaxSize)
	assert.Equal(t, "ohos.dhardware.dscreen", opts.Names.PackageName)
	assert.Equal(t, "ohos.dhardware.dscreen.data", opts.Names.SessionName)
	assert.Equal(t, 10*1024*1024, opts.Processor.MaxBufferSize)
	assert.Equal(t, 5*time.Second, opts.Processor.DecodeWaitTimeout)

	t.Setenv("DSCREEN_TRANSPORT_SESSION_OPEN_TIMEOUT", "200ms")
	assert.Equal(t, 200*time.Millisecond, TransportOptions().SessionOpenTimeout)
	assert.Equal(t, 200*time.Millisecond, SessionOpenTimeout())
}

func TestUARTSettings(t *testing.T) {
	assert.Equal(t, uart.DefaultRingSize, UARTRingSize())
	mode, err := UARTRxMode()
	require.NoError(t, err)
	assert.Equal(t, uart.RxIRQ, mode)

	t.Setenv("DSCREEN_UART_RX_MODE", "dma")
	mode, err = UARTRxMode()
	require.NoError(t, err)
	assert.Equal(t, uart.RxDMA, mode)
}

func TestPeersOverride(t *testing.T) {
	Set("softbus.peers", map[string]string{"dev-b": "10.0.0.2:7788"})
	defer Set("softbus.peers", map[string]string{})

	assert.Equal(t, map[string]string{"dev-b": "10.0.0.2:7788"}, GetPeers())
}
