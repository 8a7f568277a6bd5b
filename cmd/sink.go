package cmd

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/babelcloud/dscreen/config"
	"github.com/babelcloud/dscreen/internal/codec/passthrough"
	"github.com/babelcloud/dscreen/internal/errcode"
	"github.com/babelcloud/dscreen/internal/surface"
	"github.com/babelcloud/dscreen/internal/surface/webrtc"
	"github.com/babelcloud/dscreen/internal/transport"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

const (
	renderFile   = "file"
	renderWebRTC = "webrtc"
)

type SinkOptions struct {
	Bus         BusOptions
	Peer        string
	Output      string
	Render      string
	RenderAddr  string
	VideoParam  string
	RemoteParam string
	KeepOpen    bool
}

func NewSinkCommand() *cobra.Command {
	opts := &SinkOptions{}

	cmd := &cobra.Command{
		Use:   "sink --peer <device-id> [--output <file.h264> | --render webrtc]",
		Short: "Receive and render a mirrored screen from a source device",
		Long: `Accept the screen data session from a source device, decode the received
frames and render them to a file or to browsers over WebRTC.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteSink(cmd.Context(), opts)
		},
		Example: `  # Record the stream mirrored by dev-a into out.h264:
  dscreen sink --peer dev-a --output out.h264

  # Watch the stream in a browser at http://localhost:8088:
  dscreen sink --peer dev-a --render webrtc`,
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Peer, "peer", "", "Source device id")
	flags.StringVarP(&opts.Output, "output", "o", "", "File receiving the decoded stream")
	flags.StringVar(&opts.Render, "render", renderFile, "Render target: file or webrtc")
	flags.StringVar(&opts.RenderAddr, "render-addr", "", "WebRTC signalling address (default from config render.http_listen)")
	flags.StringVar(&opts.VideoParam, "video-param", "", "Local video parameters JSON file")
	flags.StringVar(&opts.RemoteParam, "remote-param", "", "Remote video parameters JSON file (defaults to the local ones)")
	flags.BoolVar(&opts.KeepOpen, "keep-open", false, "Keep waiting for the source after its session closes")
	opts.Bus.addFlags(cmd)
	cmd.MarkFlagRequired("peer")

	cmd.RegisterFlagCompletionFunc("render", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{renderFile, renderWebRTC}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func ExecuteSink(parent context.Context, opts *SinkOptions) error {
	local, err := loadVideoParam(opts.VideoParam)
	if err != nil {
		return err
	}
	remote := local
	if opts.RemoteParam != "" {
		if remote, err = loadVideoParam(opts.RemoteParam); err != nil {
			return err
		}
	}

	render, err := openRender(opts, local.FPS)
	if err != nil {
		return err
	}
	defer render.Close()

	ctx, stop := signalContext(parent)
	defer stop()

	bus, err := openBus(&opts.Bus)
	if err != nil {
		return err
	}
	defer bus.Close()

	trans := transport.NewScreenSinkTrans(bus, passthrough.Factory, config.TransportOptions())
	owner := newOwnerReport()
	if err := trans.RegisterStateCallback(owner); err != nil {
		return err
	}
	if err := trans.SetUp(local, remote, opts.Peer); err != nil {
		return errors.Wrap(err, "failed to set up sink transport")
	}
	if err := trans.SetImageSurface(render); err != nil {
		return multierr.Append(errors.Wrap(err, "failed to bind render surface"), trans.Release())
	}
	if err := trans.Start(); err != nil {
		return multierr.Append(errors.Wrap(err, "failed to start sink transport"), trans.Release())
	}
	fmt.Printf("Waiting for %s. Press %s to stop.\n", color.CyanString(opts.Peer), color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))

	var runErr error
wait:
	for {
		select {
		case code := <-owner.failed:
			if code == errcode.ErrTransSessionClosed && opts.KeepOpen {
				fmt.Printf("Source %s disconnected, waiting for it to reconnect\n", opts.Peer)
				continue
			}
			if code != errcode.ErrTransSessionClosed {
				runErr = errors.Wrap(code, "mirroring stopped")
			}
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	err = multierr.Combine(runErr, trans.Stop(), trans.Release())
	if fr, ok := render.(*surface.FileRender); ok {
		frames, bytes := fr.Stats()
		fmt.Printf("Rendered %d frames (%d bytes) to %s\n", frames, bytes, opts.Output)
	}
	return err
}

func openRender(opts *SinkOptions, fps float64) (surface.Surface, error) {
	switch opts.Render {
	case renderFile:
		if opts.Output == "" {
			return nil, errors.New("--output is required with --render file")
		}
		f, err := os.Create(opts.Output)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create output %s", opts.Output)
		}
		return surface.NewFileRender(f), nil
	case renderWebRTC:
		r, err := webrtc.NewRender(fps)
		if err != nil {
			return nil, err
		}
		addr := opts.RenderAddr
		if addr == "" {
			addr = config.GetRenderListen()
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			r.Close()
			return nil, errors.Wrapf(err, "failed to listen on %s", addr)
		}
		r.Serve(ln)
		fmt.Printf("View the mirrored screen at: %s\n", color.CyanString("http://%s", ln.Addr()))
		return r, nil
	default:
		return nil, errors.Errorf("unknown render %q, want %q or %q", opts.Render, renderFile, renderWebRTC)
	}
}
