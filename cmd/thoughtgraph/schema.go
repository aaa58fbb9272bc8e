package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cybersemics/em-sub013/domain/documents"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Upgrade the local store to the current schema version",
	Long: `schema opens the local store, migrates documents written by older
versions and prints the resulting schema version.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		container, cleanup, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		version, err := container.Service.SchemaVersion(ctx)
		if err != nil {
			return err
		}
		thoughts, lexemes := container.Service.Stats()
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (current %d), %d thoughts, %d lexemes\n",
			version, documents.CurrentSchemaVersion, thoughts, lexemes)
		return nil
	},
}
