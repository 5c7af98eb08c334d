package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"ingestflow/config"
	"ingestflow/models"
	"ingestflow/replay"
	"ingestflow/writer"
)

var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Share golden data packs through S3",
	Long: `Pack pushes captured packs to the bucket named by capture.store, pulls them
back and lists what is stored. Credentials come from capture.store or the
default AWS chain.`,
}

var packConfig string

var packPushCmd = &cobra.Command{
	Use:   "push <file>",
	Short: "Validate and upload a pack",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		n := 0
		err = replay.Read(f, func(models.RawVenueEvent) error { n++; return nil })
		f.Close()
		if err != nil {
			return fmt.Errorf("%s is not a valid pack: %w", args[0], err)
		}
		if n == 0 {
			return fmt.Errorf("%s holds no events", args[0])
		}

		store, err := openPackStore(cmd)
		if err != nil {
			return err
		}
		key, err := store.Push(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%d events)\n", key, n)
		return nil
	},
}

var packPullCmd = &cobra.Command{
	Use:   "pull <name> [dst]",
	Short: "Download a pack",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dst := filepath.Base(args[0])
		if len(args) == 2 {
			dst = args[1]
		}
		store, err := openPackStore(cmd)
		if err != nil {
			return err
		}
		return store.Pull(cmd.Context(), args[0], dst)
	},
}

var packListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored packs as JSON lines",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openPackStore(cmd)
		if err != nil {
			return err
		}
		packs, err := store.List(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, p := range packs {
			if err := enc.Encode(p); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	packCmd.PersistentFlags().StringVarP(&packConfig, "config", "c", config.DefaultConfigPath, "configuration file")
	packCmd.AddCommand(packPushCmd, packPullCmd, packListCmd)
	rootCmd.AddCommand(packCmd)
}

func openPackStore(cmd *cobra.Command) (*writer.PackStore, error) {
	cfg, err := config.LoadConfig(packConfig)
	if err != nil {
		return nil, err
	}
	return writer.NewPackStore(cmd.Context(), cfg.Capture.Store, cfg.App.Version)
}
