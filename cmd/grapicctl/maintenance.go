package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/your-org/grapic/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending Postgres schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Database.Driver != "postgres" {
			return errors.New("migrations only apply to the postgres driver")
		}
		db, err := storage.NewPostgresStore(cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()

		applied, err := db.Migrate(cmd.Context())
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Println("Schema is up to date")
			return nil
		}
		for _, v := range applied {
			fmt.Printf("Applied %s\n", v)
		}
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retry sweep over stale and failed photos",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		rep, err := a.Sweeper().Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Stale: %d  Orphaned: %d  Retried: %d  Waiting: %d  Exhausted: %d\n",
			rep.Stale, rep.Orphaned, rep.Retried, rep.Waiting, rep.Exhausted)
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete events past their expiry with their photos and images",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := buildApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Service.CleanupExpired(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d expired event(s)\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd, sweepCmd, cleanupCmd)
}

