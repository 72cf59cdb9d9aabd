package main

import (
	"fmt"
	"os"

	"github.com/artpar/tablegate/bootstrap"
	"github.com/artpar/tablegate/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var hotReload bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the tablegate HTTP API.

The server will:
  - Load configuration from tablegate.yaml (or --config), .env and
    TABLEGATE_* environment variables
  - Connect to the database and create the engine's own tables
  - Serve /api/{model}, /schema/{model}, /health and /metrics

Environment variables (for Docker deployments):
  TABLEGATE_DATABASE_URL     - sqlite://, postgres:// or mysql:// URL
  TABLEGATE_SCHEMA_DIRS      - schema directories, comma separated
  TABLEGATE_SERVER_PORT      - server port (default: 8080)
  TABLEGATE_LOG_LEVEL        - debug, info, warn, error

Examples:
  tablegate serve
  tablegate serve --config /etc/tablegate/config.yaml
  tablegate serve -d ./schemas -d /shared/schemas`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "reload grants and log level when the config file changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	holderLogger := bootstrap.NewLogger(cfg.Logging, nil)
	var holder *config.Holder
	if _, statErr := os.Stat(cfgFile); statErr == nil && len(schemaDirs) == 0 {
		holder, err = config.NewHolder(cfgFile, holderLogger)
		if err != nil {
			return err
		}
		if hotReload {
			if err := holder.WatchFile(); err != nil {
				holderLogger.Warn().Err(err).Msg("config hot reload disabled")
			}
			holder.WatchSignals()
		}
	} else {
		holder = config.NewStaticHolder(cfg, zerolog.Nop())
	}

	app, err := bootstrap.New(cmd.Context(), holder, bootstrap.Options{Version: version})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return app.Run(cmd.Context())
}
