package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-access/internal/seed"
)

func newSeedCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "seed --file seed.yaml",
		Short: "Load policy, roles, actors and IP rules from a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				return errors.New("--file is required")
			}
			file, err := seed.LoadFile(path)
			if err != nil {
				return err
			}
			container, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			defer container.Close()

			res, err := seed.Apply(cmd.Context(), container.Service, file, container.Logger)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVarP(&path, "file", "f", "", "seed file path")
	return cmd
}
