package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/babelcloud/dscreen/config"
	"github.com/babelcloud/dscreen/internal/codec/passthrough"
	"github.com/babelcloud/dscreen/internal/surface"
	"github.com/babelcloud/dscreen/internal/transport"
	"github.com/babelcloud/dscreen/internal/util"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

type SourceOptions struct {
	Bus         BusOptions
	Peer        string
	Input       string
	VideoParam  string
	RemoteParam string
	Loop        bool
}

func NewSourceCommand() *cobra.Command {
	opts := &SourceOptions{}

	cmd := &cobra.Command{
		Use:   "source --peer <device-id> --input <file.h264>",
		Short: "Mirror an H.264 stream to a sink device",
		Long: `Open a screen data session to a sink device and stream an Annex-B H.264 file
through the source pipeline (capture surface, encoder, send queue, softbus).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteSource(cmd.Context(), opts)
		},
		Example: `  # Mirror screen.h264 to the sink device dev-b listening on 10.0.0.2:
  dscreen source --peer dev-b --peer-addr dev-b=10.0.0.2:7788 --input screen.h264

  # Use custom video parameters and a WebSocket link:
  dscreen source --peer dev-b --input screen.h264 --video-param 720p.json --link ws`,
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Peer, "peer", "", "Sink device id")
	flags.StringVarP(&opts.Input, "input", "i", "", "Annex-B H.264 file to capture from, - for stdin")
	flags.StringVar(&opts.VideoParam, "video-param", "", "Local video parameters JSON file")
	flags.StringVar(&opts.RemoteParam, "remote-param", "", "Remote video parameters JSON file (defaults to the local ones)")
	flags.BoolVar(&opts.Loop, "loop", false, "Restart the input from the beginning at EOF")
	opts.Bus.addFlags(cmd)
	cmd.MarkFlagRequired("peer")
	cmd.MarkFlagRequired("input")

	return cmd
}

func ExecuteSource(parent context.Context, opts *SourceOptions) error {
	logger := util.GetLogger()

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

	input, err := openInput(opts.Input)
	if err != nil {
		return err
	}
	defer input.Close()

	ctx, stop := signalContext(parent)
	defer stop()

	bus, err := openBus(&opts.Bus)
	if err != nil {
		return err
	}
	defer bus.Close()

	trans := transport.NewScreenSourceTrans(bus, passthrough.Factory, config.TransportOptions())
	owner := newOwnerReport()
	if err := trans.RegisterStateCallback(owner); err != nil {
		return err
	}
	if err := trans.SetUp(local, remote, opts.Peer); err != nil {
		return errors.Wrap(err, "failed to set up source transport")
	}

	sp := NewUISpinner(fmt.Sprintf("Opening session to %s...", opts.Peer))
	if err := trans.Start(ctx); err != nil {
		sp.Fail(fmt.Sprintf("Could not open session to %s", opts.Peer))
		return multierr.Append(errors.Wrap(err, "failed to start source transport"), trans.Release())
	}
	sp.Success(fmt.Sprintf("Session to %s open", color.CyanString(opts.Peer)))
	fmt.Printf("(Mirroring. Press %s to stop.)\n", color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))

	captureCtx, cancelCapture := context.WithCancel(ctx)
	defer cancelCapture()
	type result struct {
		frames int
		err    error
	}
	done := make(chan result, 1)
	go func() {
		total := 0
		for {
			n, err := surface.NewCapture(input, local.FPS, true).Run(captureCtx, trans.GetImageSurface())
			total += n
			if err != nil || !opts.Loop {
				done <- result{total, err}
				return
			}
			seeker, ok := input.(io.Seeker)
			if !ok {
				done <- result{total, nil}
				return
			}
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				done <- result{total, err}
				return
			}
		}
	}()

	var runErr error
	var res result
	select {
	case res = <-done:
		runErr = res.err
	case code := <-owner.failed:
		cancelCapture()
		res = <-done
		runErr = errors.Wrap(code, "mirroring stopped")
	case <-ctx.Done():
		cancelCapture()
		res = <-done
	}
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	logger.Info("Capture finished", "frames", res.frames)

	err = multierr.Combine(runErr, trans.Stop(), trans.Release())
	fmt.Printf("Sent %d frames to %s\n", res.frames, opts.Peer)
	return err
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open input %s", path)
	}
	return f, nil
}
