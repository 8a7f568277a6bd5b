package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/babelcloud/dscreen/internal/channel"
	"github.com/babelcloud/dscreen/internal/processor"
	"github.com/babelcloud/dscreen/internal/softbus"
	"github.com/babelcloud/dscreen/internal/transport"
	"github.com/babelcloud/dscreen/internal/uart"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const deviceIDFile = "device_id"

var v *viper.Viper

func init() {
	v = viper.New()
	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("DSCREEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("dscreen.home", "DSCREEN_HOME")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, path := range []string{".", "$HOME/.dscreen", "/etc/dscreen"} {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dscreen.home", filepath.Join(xdg.Home, ".dscreen"))
	v.SetDefault("device.id", "")

	v.SetDefault("softbus.listen", softbus.DefaultListenAddr)
	v.SetDefault("softbus.link", string(softbus.LinkTCP))
	v.SetDefault("softbus.ws_path", softbus.DefaultWSPath)
	v.SetDefault("softbus.peers", map[string]string{})
	v.SetDefault("softbus.dial_timeout", softbus.DefaultDialTimeout)
	v.SetDefault("softbus.package_name", channel.DefaultPackageName)
	v.SetDefault("softbus.data_session_name", channel.DefaultSessionName)

	v.SetDefault("transport.session_open_timeout", transport.DefaultSessionOpenTimeout)
	v.SetDefault("transport.data_wait_timeout", transport.DefaultDataWaitTimeout)
	v.SetDefault("transport.queue_max_size", transport.DefaultQueueMaxSize)

	v.SetDefault("processor.decode_wait_timeout", processor.DefaultDecodeWaitTimeout)
	v.SetDefault("processor.max_buffer_size", processor.DefaultMaxBufferSize)
	v.SetDefault("processor.queue_max_size", processor.DefaultQueueMaxSize)

	v.SetDefault("uart.ring_size", uart.DefaultRingSize)
	v.SetDefault("uart.rx_mode", string(uart.RxIRQ))

	v.SetDefault("render.http_listen", ":8088")
}

// Set overrides a key for the rest of the process, typically from a flag.
func Set(key string, value any) {
	v.Set(key, value)
}

// GetHome returns the dscreen home directory
func GetHome() string {
	return v.GetString("dscreen.home")
}

// GetDeviceID returns the configured device id. Without one, an id is
// generated once and kept in the home directory.
func GetDeviceID() (string, error) {
	if id := v.GetString("device.id"); id != "" {
		return id, nil
	}

	path := filepath.Join(GetHome(), deviceIDFile)
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", errors.Wrapf(err, "failed to read %s", path)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(GetHome(), 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create %s", GetHome())
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", errors.Wrapf(err, "failed to write %s", path)
	}
	return id, nil
}

// GetPeers returns the configured peer device addresses
func GetPeers() map[string]string {
	return v.GetStringMapString("softbus.peers")
}

// GetRenderListen returns the WebRTC render signalling address
func GetRenderListen() string {
	return v.GetString("render.http_listen")
}

// SoftbusConfig builds the bus configuration.
func SoftbusConfig() (softbus.Config, error) {
	id, err := GetDeviceID()
	if err != nil {
		return softbus.Config{}, err
	}

	link := softbus.LinkType(v.GetString("softbus.link"))
	switch link {
	case softbus.LinkTCP, softbus.LinkWebSocket:
	default:
		return softbus.Config{}, errors.Errorf("unknown softbus.link %q, want %q or %q", link, softbus.LinkTCP, softbus.LinkWebSocket)
	}

	return softbus.Config{
		DeviceID:    id,
		ListenAddr:  v.GetString("softbus.listen"),
		Link:        link,
		WSPath:      v.GetString("softbus.ws_path"),
		Peers:       GetPeers(),
		DialTimeout: v.GetDuration("softbus.dial_timeout"),
	}, nil
}

// TransportOptions builds the transport and processor tuning.
func TransportOptions() transport.Options {
	return transport.Options{
		SessionOpenTimeout: v.GetDuration("transport.session_open_timeout"),
		DataWaitTimeout:    v.GetDuration("transport.data_wait_timeout"),
		QueueMaxSize:       v.GetInt("transport.queue_max_size"),
		Names: channel.Names{
			PackageName: v.GetString("softbus.package_name"),
			SessionName: v.GetString("softbus.data_session_name"),
		},
		Processor: processor.Options{
			MaxBufferSize:     v.GetInt("processor.max_buffer_size"),
			QueueMaxSize:      v.GetInt("processor.queue_max_size"),
			DecodeWaitTimeout: v.GetDuration("processor.decode_wait_timeout"),
		},
	}
}

// UARTRingSize returns the receive ring size for uart ports
func UARTRingSize() int {
	return v.GetInt("uart.ring_size")
}

// UARTRxMode returns the configured uart receive mode.
func UARTRxMode() (uart.RxMode, error) {
	return uart.ParseRxMode(v.GetString("uart.rx_mode"))
}

// SessionOpenTimeout returns how long a source waits for its data session.
func SessionOpenTimeout() time.Duration {
	return v.GetDuration("transport.session_open_timeout")
}
