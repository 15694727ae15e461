package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/chatmesh/meshd/internal/config"
	"github.com/chatmesh/meshd/internal/db"
	"github.com/chatmesh/meshd/internal/peer"
	"github.com/chatmesh/meshd/internal/protocol"
	"github.com/chatmesh/meshd/internal/store"
	"github.com/chatmesh/meshd/internal/transport"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var peersAddr string

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "list known peers",
	Long: `peers prints the peers recorded in the local database with their
derived state. With --addr it asks a running node instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if peersAddr != "" {
			return remotePeers(cmd.Context(), cmd.OutOrStdout(), cfg, peersAddr)
		}
		return localPeers(cmd.Context(), cmd.OutOrStdout(), cfg)
	},
}

func init() {
	peersCmd.Flags().StringVar(&peersAddr, "addr", "", "ip:port of a running node to query")
}

func localPeers(ctx context.Context, out io.Writer, cfg *config.Config) error {
	gdb, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close(gdb) }()

	peers, err := store.NewPeerStore(gdb).List(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tADDRESS\tSTATE\tLAST HEARTBEAT")
	for _, p := range peers {
		seen := "never"
		if p.LastHeartbeat != nil {
			seen = humanize.RelTime(*p.LastHeartbeat, now, "ago", "from now")
		}
		state := p.StateAt(now, cfg.Heartbeat.LivenessTimeout)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Addr(), state, seen)
	}
	_ = w.Flush()

	stats := peer.Count(peers, now, cfg.Heartbeat.LivenessTimeout)
	_, _ = fmt.Fprintf(out, "%d peers: %d online, %d offline, %d unknown\n", stats.Total, stats.Online, stats.Offline, stats.Unknown)
	return nil
}

func remotePeers(ctx context.Context, out io.Writer, cfg *config.Config, target string) error {
	addr, err := config.ParseAddress(target)
	if err != nil {
		return err
	}

	client := transport.NewClient(addr.IP, addr.Port, transport.ClientOptions{
		Identity: transport.Identity{Port: cfg.Port},
		Timeout:  cfg.Timeouts.Request,
	})
	resp, err := client.Send(ctx, protocol.MustRequest(protocol.ActionListPeers, nil))
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("%s answered %s: %s", addr, resp.Status, resp.Message)
	}

	var listing protocol.PeerListing
	if err := resp.DecodeData(&listing); err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tADDRESS\tSTATE")
	for _, p := range listing.Peers {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", p.PeerID, peer.Key(p.IP, p.Port), p.State)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "%d peers known to %s\n", listing.Total, addr)
	return nil
}
