package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/your-org/grapic/internal/app"
	"github.com/your-org/grapic/internal/config"
	"github.com/your-org/grapic/internal/observability"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "grapicctl",
	Short: "Administer a grapic deployment",
	Long: `grapicctl runs maintenance jobs against the configured backends
(migrate, sweep, cleanup) and talks to a running API for event and upload
commands.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "path to config file")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if _, err := os.Stat(path); err != nil {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	observability.SetupLogger(cfg.Logging.Level, "text")
	return cfg, nil
}

// buildApp connects the backends. The in-process executor needs the face
// models to run anything, so they are loaded only in that mode.
func buildApp(ctx context.Context, cfg *config.Config) (*app.App, error) {
	return app.Build(ctx, cfg, app.Options{Extractor: cfg.Pipeline.Executor == "local"})
}

func mustGetString(cmd *cobra.Command, name string) string {
	val, err := cmd.Flags().GetString(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

func mustGetBool(cmd *cobra.Command, name string) bool {
	val, err := cmd.Flags().GetBool(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}
