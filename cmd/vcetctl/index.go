package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vcetai/vcet-assist/engine/ingest"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Index the document directory and persist the store",
	Long: `Reads every supported document under DATA_DIR, chunks and embeds it,
and writes the index to STORE_DIR (or the configured Qdrant collection).
An existing store is replaced.`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	retriever, closeIndex, err := buildIndex(cfg, logger)
	if err != nil {
		return err
	}
	defer closeIndex()

	docs, err := ingest.NewDirSource(cfg.DataDir).Load(ctx)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return fmt.Errorf("no documents found in %s", cfg.DataDir)
	}

	start := time.Now()
	cmd.Printf("Indexing %d documents from %s...\n", len(docs), cfg.DataDir)
	if err := retriever.BuildFromDocuments(ctx, docs); err != nil {
		return fmt.Errorf("build failed: %w", err)
	}
	if err := retriever.Persist(ctx); err != nil {
		return fmt.Errorf("persist failed: %w", err)
	}
	cmd.Printf("Indexed %d chunks in %s\n", retriever.Len(), time.Since(start).Round(time.Millisecond))
	return nil
}
