package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/chatmesh/meshd/internal/bucket"
	"github.com/chatmesh/meshd/internal/config"
	"github.com/chatmesh/meshd/internal/db"
	"github.com/chatmesh/meshd/internal/replication"
	"github.com/chatmesh/meshd/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	fileIDFlag   string
	fileMimeFlag string
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "manage replicated files",
}

var filesAddCmd = &cobra.Command{
	Use:   "add file-path",
	Short: "publish a local file",
	Long: `add copies a file into the node's bucket and records its metadata so
peers missing it can download it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		repl, closeDB, err := offlineReplicator(cfg, log)
		if err != nil {
			return err
		}
		defer closeDB()

		f, created, err := repl.Publish(cmd.Context(), args[0], fileIDFlag, fileMimeFlag)
		if err != nil {
			return err
		}
		verb := "published"
		if !created {
			verb = "already published"
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s, %s) sha256:%s\n", verb, f.FileID, f.MimeType, humanize.Bytes(uint64(f.Size)), f.Hash)
		return nil
	},
}

var filesListCmd = &cobra.Command{
	Use:   "list",
	Short: "list known file metadata",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		repl, closeDB, err := offlineReplicator(cfg, log)
		if err != nil {
			return err
		}
		defer closeDB()

		files, local, err := repl.Files(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "FILE ID\tNAME\tSIZE\tCHUNKS\tLOCAL")
		for i, f := range files {
			chunks := replication.TotalChunks(f.Size, int64(cfg.Replication.ChunkSize))
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\n", f.FileID, f.Name, humanize.Bytes(uint64(f.Size)), chunks, local[i])
		}
		return w.Flush()
	},
}

func init() {
	filesAddCmd.Flags().StringVar(&fileIDFlag, "id", "", "file id, defaults to the file's base name")
	filesAddCmd.Flags().StringVar(&fileMimeFlag, "mime", "", "mime type, guessed from the extension when empty")

	filesCmd.AddCommand(filesAddCmd)
	filesCmd.AddCommand(filesListCmd)
}

// offlineReplicator opens the node's storage without any networking, for
// commands that only touch local state.
func offlineReplicator(cfg *config.Config, log *logrus.Logger) (*replication.Replicator, func(), error) {
	gdb, err := db.Open(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	b, err := bucket.New(cfg.BucketDir())
	if err != nil {
		_ = db.Close(gdb)
		return nil, nil, err
	}

	repl := replication.New(replication.Config{
		ChunkSize: cfg.Replication.ChunkSize,
	}, store.NewFileStore(gdb), b, nil, nil, nil, log)
	return repl, func() { _ = db.Close(gdb) }, nil
}
