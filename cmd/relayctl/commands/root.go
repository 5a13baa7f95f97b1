package commands

import (
	"encoding/json"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mabilbao/layer-webhooks-sendgrid/internal/store"
)

var (
	dbDriver     string
	databaseURL  string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "Operate the email relay",
	Long: `relayctl inspects and retries the relay's background jobs and
encodes or decodes reply addresses.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	_ = godotenv.Load()

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&dbDriver, "driver", envOr("DB_DRIVER", store.DriverSQLite), "database driver (sqlite3 or postgres)")
	rootCmd.PersistentFlags().StringVar(&databaseURL, "db", envOr("DATABASE_URL", "file:relay.db?_busy_timeout=5000"), "database connection string")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "text", "output format (text, json)")

	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(addressCmd)
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func openDB() (*sqlx.DB, error) {
	return store.Open(dbDriver, databaseURL)
}

func outputJSON(v interface{}) error {
	enc := json.NewEncoder(rootCmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
