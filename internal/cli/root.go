// Package cli is the meshd command line.
package cli

import (
	"fmt"
	"os"

	"github.com/chatmesh/meshd/internal/config"
	"github.com/chatmesh/meshd/internal/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath    string
	portFlag      int
	bootstrapFlag string
	dataDirFlag   string
	logLevelFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "meshd",
	Short: "peer to peer backbone for chat servers",
	Long: `meshd connects independent chat servers into a mesh: peers discover
each other, report liveness with heartbeats and replicate file content
missing locally in fixed-size chunks.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "meshd.yaml", "path to the config file")
	flags.IntVarP(&portFlag, "port", "p", 0, "P2P listen port")
	flags.StringVar(&bootstrapFlag, "bootstrap", "", "bootstrap peers as ip:port,ip:port")
	flags.StringVar(&dataDirFlag, "data-dir", "", "directory for the database and bucket")
	flags.StringVar(&logLevelFlag, "log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(filesCmd)
	rootCmd.AddCommand(pingCmd)
}

// loadConfig reads the config file and applies flags the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = portFlag
	}
	if flags.Changed("bootstrap") {
		cfg.BootstrapNodes = bootstrapFlag
	}
	if flags.Changed("data-dir") {
		cfg.SetDataDir(dataDirFlag)
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevelFlag
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	log := logger.New(cmd.ErrOrStderr(), logger.ParseLevel(cfg.LogLevel))
	return cfg, log, nil
}
