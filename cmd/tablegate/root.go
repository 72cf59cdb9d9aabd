package main

import (
	"fmt"
	"os"

	"github.com/artpar/tablegate/config"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile    string
	schemaDirs []string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tablegate",
	Short: "Schema-driven CRUD and query API over relational tables",
	Long: `tablegate reads declarative schema documents (JSON or YAML) describing
existing database tables and serves listing, record CRUD, relationship
management and custom actions over them, gated by permission slugs.

Quick start:
  tablegate validate            # Check every schema document
  tablegate schema products     # Print a compiled schema
  tablegate serve               # Start the HTTP API`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "tablegate.yaml", "config file path")
	rootCmd.PersistentFlags().StringSliceVarP(&schemaDirs, "schema-dir", "d", nil, "schema directories, searched in order (overrides config)")
}

// loadConfig reads the config file, or the environment when the file does
// not exist, and applies command line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return nil, err
	}
	if len(schemaDirs) > 0 {
		cfg.Schema.Dirs = schemaDirs
	}
	return cfg, nil
}
