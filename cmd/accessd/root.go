package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-access/internal/app"
)

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "accessd",
		Short:         "Access control and audit service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newSeedCmd())
	root.AddCommand(newAuditCmd())
	root.AddCommand(newJobsCmd())
	return root
}

// loadRuntime reads configuration and connects the configured stores.
func loadRuntime(cmd *cobra.Command) (*app.Container, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, err
	}
	return app.NewContainer(cmd.Context(), cfg, app.NewLogger(cfg))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
