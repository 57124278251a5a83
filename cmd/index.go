package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/face-auth/internal/config"
	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the face search index",
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the HNSW face index and save it to HNSW_INDEX_PATH",
	Long: `Rebuild the in-memory HNSW index from every reference embedding in the
directory and persist it, so the next serve start can load it instead of
building it again.`,
	RunE: runIndexRebuild,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexRebuildCmd)
}

func runIndexRebuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := config.Load()
	if cfg.Database.HNSWIndexPath == "" {
		return errors.New("HNSW_INDEX_PATH environment variable is required")
	}
	// the index is rebuilt below, don't load a possibly stale copy first
	cfg.Database.HNSWEnabled = false

	rt, err := newRuntime(ctx, cfg, runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	start := time.Now()
	if err := rt.indexed.RebuildHNSW(ctx); err != nil {
		return err
	}
	if err := rt.indexed.SaveHNSWIndex(); err != nil {
		return err
	}
	fmt.Printf("Face index rebuilt with %d reference embeddings in %s (saved to %s)\n",
		rt.indexed.HNSWCount(), time.Since(start).Round(time.Millisecond), cfg.Database.HNSWIndexPath)
	return nil
}
