package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-fit-flow/internal/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run cloud database migrations",
	Long: `Connect to PostgreSQL and apply the cloud backend schema.

Reads the DSN from --postgres-dsn flag, FITFLOW_POSTGRES_DSN env var, or config file.
Migrations are idempotent and safe to re-run.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	dsn := viper.GetString("postgres_dsn")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := connectPostgres(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()

	out := cmd.OutOrStdout()
	if err := postgres.Migrate(ctx, pool, func(name string) {
		fmt.Fprintf(out, "applied %s\n", name)
	}); err != nil {
		return err
	}
	fmt.Fprintln(out, "migrations complete")
	return nil
}
