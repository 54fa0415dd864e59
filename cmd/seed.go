package main

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kcx-hq/kcx-01-sub007/internal/database"
	"github.com/kcx-hq/kcx-01-sub007/internal/memstore"
	"github.com/kcx-hq/kcx-01-sub007/internal/names"
)

func newSeedCmd() *cobra.Command {
	var sample bool
	var dataset string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Migrate the development schema and load a JSON dataset into Postgres",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var data memstore.Dataset
			switch {
			case sample:
				data = memstore.SampleDataset()
			case dataset != "":
				var err error
				if data, err = memstore.ReadDataset(dataset); err != nil {
					return err
				}
			default:
				return errors.New("one of --sample or --dataset is required")
			}

			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			db, err := database.New(ctx, cfg.DSN(), logger)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(ctx); err != nil {
				return err
			}
			refs := data.References()
			if err := db.Seed(ctx, refs, data.Uploads, data.Facts); err != nil {
				return err
			}
			// Upserted reference rows may rename keys that serve has cached.
			if rc := connectCache(ctx, cfg, logger); rc != nil {
				defer rc.Close()
				if err := names.NewResolver(db, rc, 0, logger).Invalidate(ctx, refs); err != nil {
					logger.Warn("name cache not invalidated", zap.Error(err))
				}
			}
			logger.Info("seed complete", zap.String("dsn", cfg.RedactedDSN()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&sample, "sample", false, "load the built-in sample dataset")
	cmd.Flags().StringVar(&dataset, "dataset", "", "JSON dataset file")
	cmd.MarkFlagsMutuallyExclusive("sample", "dataset")
	return cmd
}
