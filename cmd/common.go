package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/babelcloud/dscreen/config"
	"github.com/babelcloud/dscreen/internal/errcode"
	"github.com/babelcloud/dscreen/internal/param"
	"github.com/babelcloud/dscreen/internal/softbus"
	"github.com/babelcloud/dscreen/internal/util"
	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// BusOptions are the softbus flags shared by source and sink.
type BusOptions struct {
	Listen string
	Link   string
	Peers  []string
}

func (o *BusOptions) addFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&o.Listen, "listen", "", "Softbus listen address (default from config softbus.listen)")
	flags.StringVar(&o.Link, "link", "", "Softbus link type: tcp or ws (default from config softbus.link)")
	flags.StringArrayVar(&o.Peers, "peer-addr", nil, "Peer address as <device-id>=<host:port>, repeatable")

	cmd.RegisterFlagCompletionFunc("link", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{string(softbus.LinkTCP), string(softbus.LinkWebSocket)}, cobra.ShellCompDirectiveNoFileComp
	})
}

// openBus builds a softbus from config and flags and starts listening.
func openBus(o *BusOptions) (*softbus.Bus, error) {
	if o.Listen != "" {
		config.Set("softbus.listen", o.Listen)
	}
	if o.Link != "" {
		config.Set("softbus.link", o.Link)
	}

	cfg, err := config.SoftbusConfig()
	if err != nil {
		return nil, err
	}
	peers, err := parsePeerAddrs(o.Peers)
	if err != nil {
		return nil, err
	}

	bus := softbus.NewBus(cfg)
	for id, addr := range peers {
		bus.AddPeer(id, addr)
	}
	if err := bus.Listen(); err != nil {
		return nil, errors.Wrap(err, "failed to start softbus")
	}
	fmt.Printf("Device %s listening on %s (%s)\n", color.CyanString(bus.DeviceID()), bus.Addr(), cfg.Link)
	return bus, nil
}

func parsePeerAddrs(values []string) (map[string]string, error) {
	peers := make(map[string]string, len(values))
	for _, v := range values {
		id, addr, ok := strings.Cut(v, "=")
		if !ok || id == "" || addr == "" {
			return nil, errors.Errorf("invalid --peer-addr %q, want <device-id>=<host:port>", v)
		}
		peers[id] = addr
	}
	return peers, nil
}

// loadVideoParam reads a VideoParam JSON file, or returns the default
// parameters when path is empty.
func loadVideoParam(path string) (param.VideoParam, error) {
	p := param.DefaultVideoParam()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, errors.Wrapf(err, "failed to read %s", path)
	}
	if err := p.UnmarshalJSON(data); err != nil {
		return p, errors.Wrapf(err, "invalid video parameters in %s", path)
	}
	if err := param.CheckVideoParam(p); err != nil {
		return p, errors.Wrapf(err, "invalid video parameters in %s", path)
	}
	return p, nil
}

// ownerReport is the transport owner used by the CLI: it prints
// asynchronous failures and stops the command.
type ownerReport struct {
	failed chan errcode.Code
}

func newOwnerReport() *ownerReport {
	return &ownerReport{failed: make(chan errcode.Code, 1)}
}

func (o *ownerReport) OnError(code errcode.Code, reason string) {
	util.GetLogger().Error("Transport error", "code", int32(code), "reason", reason)
	color.New(color.FgRed).Fprintf(os.Stderr, "Error: %s (code %d)\n", reason, int32(code))
	select {
	case o.failed <- code:
	default:
	}
}

// signalContext derives a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// UISpinner wraps spinner for terminal status output
type UISpinner struct {
	sp *spinner.Spinner
}

// NewUISpinner starts a spinner unless debug logging is on, in which case
// the message is logged instead.
func NewUISpinner(message string) *UISpinner {
	s := &UISpinner{}
	if util.IsVerbose() {
		util.GetLogger().Debug(message)
		return s
	}
	s.sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.sp.Prefix = "  "
	s.sp.Suffix = " " + message
	s.sp.Start()
	return s
}

// Success stops the spinner and prints a success message
func (s *UISpinner) Success(message string) {
	s.stop()
	fmt.Printf("  %s %s\n", color.GreenString("✓"), message)
}

// Fail stops the spinner and prints a failure message
func (s *UISpinner) Fail(message string) {
	s.stop()
	fmt.Printf("  %s %s\n", color.RedString("✗"), message)
}

func (s *UISpinner) stop() {
	if s.sp != nil {
		s.sp.Stop()
	}
}
