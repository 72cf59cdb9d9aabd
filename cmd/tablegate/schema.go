package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/artpar/tablegate/bootstrap"
	"github.com/artpar/tablegate/core/schema"
	"github.com/artpar/tablegate/ports"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var schemaContexts string

var schemaCmd = &cobra.Command{
	Use:   "schema <model>",
	Short: "Print a compiled schema document",
	Long: `Load, compile and print the schema document for a model as JSON.

Contexts restrict the document: list, form, detail, meta or full.
Several contexts print one document per context.

Examples:
  tablegate schema products
  tablegate schema products --context list,form`,
	Args: cobra.ExactArgs(1),
	RunE: runSchema,
}

func init() {
	rootCmd.AddCommand(schemaCmd)

	schemaCmd.Flags().StringVar(&schemaContexts, "context", "", "comma separated contexts")
}

func runSchema(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ld, err := bootstrap.NewLoader(cfg, nil, ports.NopMetrics{}, zerolog.Nop())
	if err != nil {
		return err
	}

	payload, err := ld.Document(context.Background(), args[0], schema.ParseContexts(schemaContexts))
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
