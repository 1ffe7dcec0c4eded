package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deskhubhq/deskhub/internal/config"
	"github.com/deskhubhq/deskhub/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:   "deskhub",
		Short: "Customer service inbox core",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the inbox server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return store.Migrate(cfg.Postgres.DSN())
		},
	}

	root.AddCommand(serveCmd, migrateCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
