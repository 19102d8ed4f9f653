package cmd

import (
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/grader/internal/database"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			db, err := database.Connect(c.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			return database.MigrateUp(db, log)
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			db, err := database.Connect(c.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			return database.MigrateDown(db, steps, log)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	cmd.AddCommand(down)

	return cmd
}
