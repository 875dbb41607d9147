package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/discoversutd/discover/internal/db"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply embedded database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, lm, log, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer syncLoggers(lm)

			d, err := db.Open(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.Migrate(ctx); err != nil {
				return err
			}
			log.Info("Migrations applied", zap.String("dialect", string(d.Dialect())))
			return nil
		},
	}
}
