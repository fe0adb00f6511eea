package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Spatial-NVR/SpatialRTLS/internal/database"
)

func newMigrateCommand(a *app) *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := database.Open(database.FromSettings(a.cfg.System.Database))
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			migrator := database.NewMigrator(db)
			out := cmd.OutOrStdout()

			if status {
				migrations, err := migrator.GetStatus(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tNAME\tAPPLIED")
				for _, mig := range migrations {
					applied := "pending"
					if mig.Applied() {
						applied = mig.AppliedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%d\t%s\t%s\n", mig.Version, mig.Name, applied)
				}
				return w.Flush()
			}

			n, err := migrator.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "applied %d migration(s) to %s\n", n, db.Path())
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "list migrations and whether they are applied")
	return cmd
}
