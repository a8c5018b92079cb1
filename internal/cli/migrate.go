package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"transcodeq/internal/storage"
)

func MigrateCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, dialect, err := storage.OpenSQL(app.cfg.Database.Driver, app.cfg.Database.URL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := storage.Migrate(db, dialect); err != nil {
				return err
			}
			version, err := storage.MigrationVersion(db, dialect)
			if err != nil {
				return err
			}
			app.logger.Info("migrations applied", "dialect", dialect, "version", version)
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return nil
		},
	}
}
