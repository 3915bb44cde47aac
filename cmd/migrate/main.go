package main

import (
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"PerpSim/internal/observability"
	"PerpSim/internal/persistence"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	var migrator *persistence.Migrator
	var db *sql.DB

	rootCmd := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply or roll back the simulation schema",
		SilenceUsage: true,
		Long: `Environment:
  PERPSIM_POSTGRES_DSN    Postgres connection string
  PERPSIM_MIGRATIONS_DIR  path to migrations directory (default: migrations)`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			pgURL := os.Getenv("PERPSIM_POSTGRES_DSN")
			if pgURL == "" {
				pgURL = "postgres://localhost:5432/perpsim?sslmode=disable"
			}
			dir := os.Getenv("PERPSIM_MIGRATIONS_DIR")
			if dir == "" {
				dir = "migrations"
			}

			var err error
			db, err = sql.Open("postgres", pgURL)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			migrator = persistence.NewMigrator(db, dir, observability.NewLogger("migrate"))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if db != nil {
				db.Close()
			}
		},
	}

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrator.Up(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrator.Down(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			RunE: func(cmd *cobra.Command, args []string) error {
				statuses, err := migrator.Status(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tFILE\tAPPLIED AT")
				for _, s := range statuses {
					at := "pending"
					if s.Applied {
						at = s.AppliedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", s.Version, s.Filename, at)
				}
				return w.Flush()
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
