package cmd

import (
	"fmt"
	"os"

	"github.com/babelcloud/dscreen/internal/param"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"
)

type ParamOptions struct {
	Codec  string
	Format string
	Width  uint32
	Height uint32
	FPS    float64
	Check  string
}

func NewParamCommand() *cobra.Command {
	opts := &ParamOptions{}

	cmd := &cobra.Command{
		Use:   "param",
		Short: "Print or validate video parameters JSON",
		Long: `Print the video parameters negotiated between source and sink as JSON, starting
from the defaults, or validate an existing parameters file with --check.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteParam(cmd, opts)
		},
		Example: `  # Print the default parameters:
  dscreen param

  # Write 720p H.265 parameters to a file:
  dscreen param --codec h265 --width 1280 --height 720 > 720p.json

  # Validate a parameters file:
  dscreen param --check 720p.json`,
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Codec, "codec", "", "Codec type: h264, h265 or mpeg4")
	flags.StringVar(&opts.Format, "format", "", "Pixel format: yuvi420, nv12, nv21 or rgba8888")
	flags.Uint32Var(&opts.Width, "width", 0, "Screen and video width")
	flags.Uint32Var(&opts.Height, "height", 0, "Screen and video height")
	flags.Float64Var(&opts.FPS, "fps", 0, "Frame rate")
	flags.StringVar(&opts.Check, "check", "", "Validate the given parameters file instead of printing")

	cmd.RegisterFlagCompletionFunc("codec", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"h264", "h265", "mpeg4"}, cobra.ShellCompDirectiveNoFileComp
	})
	cmd.RegisterFlagCompletionFunc("format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"yuvi420", "nv12", "nv21", "rgba8888"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func ExecuteParam(cmd *cobra.Command, opts *ParamOptions) error {
	if opts.Check != "" {
		p, err := loadVideoParam(opts.Check)
		if err != nil {
			color.New(color.FgRed).Fprintf(os.Stderr, "✗ %v\n", err)
			return err
		}
		fmt.Printf("%s %s: %dx%d video from %dx%d screen, %s %s at %g fps\n",
			color.GreenString("✓"), opts.Check, p.VideoWidth, p.VideoHeight,
			p.ScreenWidth, p.ScreenHeight, p.CodecType, p.VideoFormat, p.FPS)
		return nil
	}

	p, err := buildVideoParam(opts)
	if err != nil {
		return err
	}
	data, err := p.MarshalJSON()
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), string(pretty.Pretty(data)))
	return nil
}

func buildVideoParam(opts *ParamOptions) (param.VideoParam, error) {
	p := param.DefaultVideoParam()
	if opts.Codec != "" {
		c, err := param.ParseCodecType(opts.Codec)
		if err != nil {
			return p, err
		}
		p.CodecType = c
	}
	if opts.Format != "" {
		f, err := param.ParseVideoFormat(opts.Format)
		if err != nil {
			return p, err
		}
		p.VideoFormat = f
	}
	if opts.Width != 0 {
		p.ScreenWidth, p.VideoWidth = opts.Width, opts.Width
	}
	if opts.Height != 0 {
		p.ScreenHeight, p.VideoHeight = opts.Height, opts.Height
	}
	if opts.FPS != 0 {
		p.FPS = opts.FPS
	}
	if err := param.CheckVideoParam(p); err != nil {
		return p, errors.Wrap(err, "invalid video parameters")
	}
	return p, nil
}
