package cmd

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/babelcloud/dscreen/config"
	"github.com/babelcloud/dscreen/internal/util"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const (
	peerReachable   = "reachable"
	peerUnreachable = "unreachable"
	peerUnchecked   = "-"
)

type PeersOptions struct {
	OutputFormat string
	Probe        bool
	Timeout      time.Duration
}

type peerInfo struct {
	DeviceID string `json:"device_id"`
	Address  string `json:"address"`
	Status   string `json:"status"`
}

func NewPeersCommand() *cobra.Command {
	opts := &PeersOptions{}

	cmd := &cobra.Command{
		Use:     "peers [flags]",
		Aliases: []string{"ls"},
		Short:   "List configured peer devices",
		Long:    "List the peer devices configured under softbus.peers and optionally probe whether their links are reachable.",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecutePeers(opts)
		},
		Example: `  # List peers:
  dscreen peers

  # Check which peers accept connections, as JSON:
  dscreen peers --probe --format json`,
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.OutputFormat, "format", "", "text", "Specify output format. Options are \"text\" (default) or \"json\".")
	flags.BoolVar(&opts.Probe, "probe", false, "Dial each peer to check that it is reachable")
	flags.DurationVar(&opts.Timeout, "timeout", 2*time.Second, "Probe dial timeout")

	cmd.RegisterFlagCompletionFunc("format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"text", "json"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func ExecutePeers(opts *PeersOptions) error {
	peers := listPeers(config.GetPeers(), opts.Probe, opts.Timeout)

	if opts.OutputFormat == "json" {
		data, err := json.MarshalIndent(peers, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal peers: %v", err)
		}
		fmt.Println(string(data))
		return nil
	}

	rows := make([]map[string]interface{}, 0, len(peers))
	for _, p := range peers {
		status := color.New(color.Faint).Sprint(p.Status)
		switch p.Status {
		case peerReachable:
			status = color.GreenString(p.Status)
		case peerUnreachable:
			status = color.RedString(p.Status)
		}
		rows = append(rows, map[string]interface{}{
			"device_id": color.New(color.FgCyan).Sprint(p.DeviceID),
			"address":   p.Address,
			"status":    status,
		})
	}
	util.RenderTable(os.Stdout, []util.TableColumn{
		{Header: "DEVICE ID", Key: "device_id"},
		{Header: "ADDRESS", Key: "address"},
		{Header: "STATUS", Key: "status"},
	}, rows)
	return nil
}

// listPeers returns peers sorted by device id, dialing each concurrently
// when probe is set.
func listPeers(peers map[string]string, probe bool, timeout time.Duration) []peerInfo {
	out := make([]peerInfo, 0, len(peers))
	for id, addr := range peers {
		out = append(out, peerInfo{DeviceID: id, Address: addr, Status: peerUnchecked})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })

	if !probe {
		return out
	}
	var wg sync.WaitGroup
	for i := range out {
		wg.Add(1)
		go func(p *peerInfo) {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", p.Address, timeout)
			if err != nil {
				util.GetLogger().Debug("Peer probe failed", "peer", p.DeviceID, "addr", p.Address, "error", err)
				p.Status = peerUnreachable
				return
			}
			conn.Close()
			p.Status = peerReachable
		}(&out[i])
	}
	wg.Wait()
	return out
}
