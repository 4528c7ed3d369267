package main

import (
	"errors"
	"fmt"
	"strings"

	"circles/api/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Push every decision, message and policy into Meilisearch",
	RunE:  runReindex,
}

func runReindex(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if strings.TrimSpace(cfg.MeiliURL) == "" {
		return errors.New("reindex needs CIRCLES_MEILI_URL")
	}

	ctx := cmd.Context()
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	searchService, closeSearch := newSearch(cfg, db, logger)
	defer closeSearch()

	count, err := searchService.ReindexAll(ctx)
	if err != nil {
		return fmt.Errorf("reindex after %d records: %w", count, err)
	}
	logger.Info("reindex complete", zap.Int("records", count))
	fmt.Fprintf(cmd.OutOrStdout(), "indexed %d records\n", count)
	return nil
}
