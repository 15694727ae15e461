package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/chatmesh/meshd/internal/node"
	"github.com/spf13/cobra"
)

var showProgress bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the P2P node",
	Long: `serve starts the P2P listener, resolves this node's identity with the
bootstrap peers and keeps heartbeats and replication running until
interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		n, err := node.New(node.Options{Config: cfg, Logger: log})
		if err != nil {
			log.Errorf("Failed to create node: %v", err)
			return err
		}
		defer func() {
			if err := n.Close(); err != nil {
				log.Warnf("Failed to close node cleanly: %v", err)
			}
		}()

		if showProgress {
			bars := newDownloadBars(cmd.ErrOrStderr())
			defer n.Bus().Subscribe(bars.handle)()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := n.Start(ctx); err != nil {
			log.Errorf("Node stopped: %v", err)
			return err
		}
		log.Info("Node stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&showProgress, "progress", false, "draw a progress bar per download")
}
