package cmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/babelcloud/dscreen/config"
	"github.com/babelcloud/dscreen/internal/bytering"
	"github.com/babelcloud/dscreen/internal/uart"
	"github.com/babelcloud/dscreen/internal/util"
	"github.com/spf13/cobra"
)

type UARTOptions struct {
	Mode     string
	RingSize int
	Hex      bool
}

func NewUARTCommand() *cobra.Command {
	opts := &UARTOptions{}

	cmd := &cobra.Command{
		Use:   "uart <device>",
		Short: "Tail a serial device through a receive ring",
		Long: `Read a serial or other byte-stream device into an overwrite ring and print what
arrives. When output falls behind, the oldest buffered bytes are dropped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecuteUART(cmd, args[0], opts)
		},
		Example: `  # Tail a serial console:
  dscreen uart /dev/ttyUSB0

  # Use zero-copy receive and print hex:
  dscreen uart /dev/ttyUSB0 --mode dma --hex`,
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Mode, "mode", "", "Receive mode: irq or dma (default from config uart.rx_mode)")
	flags.IntVar(&opts.RingSize, "ring-size", 0, "Receive ring size in bytes (default from config uart.ring_size)")
	flags.BoolVar(&opts.Hex, "hex", false, "Print received bytes as a hex dump")

	cmd.RegisterFlagCompletionFunc("mode", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{string(uart.RxIRQ), string(uart.RxDMA)}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func ExecuteUART(cmd *cobra.Command, path string, opts *UARTOptions) error {
	if opts.Mode != "" {
		config.Set("uart.rx_mode", opts.Mode)
	}
	if opts.RingSize > 0 {
		config.Set("uart.ring_size", opts.RingSize)
	}
	mode, err := config.UARTRxMode()
	if err != nil {
		return err
	}

	port, err := uart.Open(path, config.UARTRingSize(), mode)
	if err != nil {
		return err
	}
	defer port.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	var out io.Writer = os.Stdout
	if opts.Hex {
		dumper := hex.Dumper(os.Stdout)
		defer dumper.Close()
		out = dumper
	}

	util.GetLogger().Debug("Tailing device", "path", path, "mode", mode, "ring", config.UARTRingSize())
	port.Start()

	buf := make([]byte, config.UARTRingSize())
	drain := func() error {
		for {
			n := port.Read(buf, bytering.ReadCut)
			if n == 0 {
				return nil
			}
			if _, err := out.Write(buf[:n]); err != nil {
				return err
			}
		}
	}

	for {
		select {
		case <-port.Notify():
			if err := drain(); err != nil {
				return err
			}
		case <-port.Done():
			if err := drain(); err != nil {
				return err
			}
			util.GetLogger().Debug("Device closed", "path", path, "received", port.Received())
			return port.Err()
		case <-ctx.Done():
			fmt.Fprintf(os.Stderr, "\nReceived %d bytes from %s\n", port.Received(), path)
			return nil
		}
	}
}
