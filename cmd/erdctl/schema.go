package main

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ekaya-inc/erd2dataverse/pkg/models"
	"github.com/ekaya-inc/erd2dataverse/pkg/schema"
)

func newSchemaCmd(a *app) *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "schema <file>",
		Short: "Print the Dataverse schema generated from a Mermaid ER diagram",
		Long: `Generate the Dataverse table, column, relationship and choice definitions
for a diagram and print them as JSON. Diagrams with blocking errors are
rejected; run "erdctl validate" to list them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readDiagram(cmd, args[0])
			if err != nil {
				return err
			}

			s, an, err := a.validation.GenerateSchema(content, a.options(), schema.Options{
				PublisherPrefix: strings.ToLower(strings.TrimSpace(prefix)),
			})
			if err != nil {
				if an != nil && models.HasErrors(an.Warnings) {
					printWarnings(cmd.ErrOrStderr(), an.Warnings)
				}
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(s)
		},
	}
	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "Publisher customization prefix")
	_ = cmd.MarkFlagRequired("prefix")
	return cmd
}
