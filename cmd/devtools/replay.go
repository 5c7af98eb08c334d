package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"ingestflow/config"
	"ingestflow/models"
	"ingestflow/replay"
)

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Replay a golden data pack",
	Long: `Replay reads a JSONL pack of raw venue events, normalises it through a fresh
pipeline and prints one JSON line per canonical event or rejection.

Symbols are inferred from the pack. A configuration file supplies scales,
dedup policies and tolerances; without one the defaults apply.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

var (
	replayConfig  string
	replayRejects bool
	replayShards  int
)

func init() {
	replayCmd.Flags().StringVarP(&replayConfig, "config", "c", "", "configuration file")
	replayCmd.Flags().BoolVar(&replayRejects, "rejects", true, "print rejections")
	replayCmd.Flags().IntVar(&replayShards, "shards", 1, "pipeline shards; output order across streams is only stable with one")
	rootCmd.AddCommand(replayCmd)
}

// output is one printed line.
type output struct {
	Type   string                 `json:"type"`
	Event  *models.CanonicalEvent `json:"event,omitempty"`
	Reject *models.RejectedEvent  `json:"reject,omitempty"`
}

type summary struct {
	Type     string                      `json:"type"`
	Read     int                         `json:"read"`
	Accepted int                         `json:"accepted"`
	Rejected map[models.RejectReason]int `json:"rejected"`
	Drops    uint64                      `json:"drops"`
	Skipped  []string                    `json:"unresolved_symbols,omitempty"`
}

func loadReplayConfig() (*config.Config, error) {
	if replayConfig == "" {
		return config.Parse(nil)
	}
	return config.LoadConfig(replayConfig)
}

func runReplay(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read pack: %w", err)
	}
	cfg, err := loadReplayConfig()
	if err != nil {
		return err
	}

	raws, err := replay.ReadAll(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	syms, skipped := replay.InferSymbols(cfg, raws)

	h, err := replay.NewHarness(cfg, syms, replay.WithShards(replayShards))
	if err != nil {
		return err
	}
	res, err := h.Run(cmd.Context(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), res, skipped)
}

func printResult(w io.Writer, res replay.Result, skipped []string) error {
	enc := json.NewEncoder(w)
	for i := range res.Events {
		if err := enc.Encode(output{Type: "event", Event: &res.Events[i]}); err != nil {
			return err
		}
	}
	if replayRejects {
		for i := range res.Rejects {
			if err := enc.Encode(output{Type: "reject", Reject: &res.Rejects[i]}); err != nil {
				return err
			}
		}
	}
	return enc.Encode(summary{
		Type:     "summary",
		Read:     res.Read,
		Accepted: len(res.Events),
		Rejected: res.RejectCounts(),
		Drops:    res.Drops,
		Skipped:  skipped,
	})
}
