package cli

import (
	"fmt"
	"time"

	"github.com/chatmesh/meshd/internal/config"
	"github.com/chatmesh/meshd/internal/transport"
	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping ip:port",
	Short: "check that a peer completes a handshake",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		addr, err := config.ParseAddress(args[0])
		if err != nil {
			return err
		}

		client := transport.NewClient(addr.IP, addr.Port, transport.ClientOptions{
			Identity: transport.Identity{Port: cfg.Port},
		})
		start := time.Now()
		if err := client.Ping(cmd.Context(), cfg.Timeouts.Liveness); err != nil {
			return fmt.Errorf("%s unreachable: %w", addr, err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s answered in %s\n", addr, time.Since(start).Round(time.Millisecond))
		return nil
	},
}
