package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ekaya-inc/erd2dataverse/pkg/autofix"
	"github.com/ekaya-inc/erd2dataverse/pkg/models"
)

func newFixCmd(a *app) *cobra.Command {
	var (
		types string
		write bool
	)

	cmd := &cobra.Command{
		Use:   "fix <file>",
		Short: "Apply automatic fixes to a Mermaid ER diagram",
		Long: `Validate the diagram, apply fixes for the selected warnings and print the
fixed diagram to stdout. With --write the file is updated in place.
Applied and failed fixes are reported on stderr.

--types accepts "all", "autoFixableOnly" or a comma separated list of
warning types such as missing_primary_key,invalid_attribute_name.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if write && args[0] == "-" {
				return fmt.Errorf("--write cannot be used with stdin")
			}
			content, err := readDiagram(cmd, args[0])
			if err != nil {
				return err
			}

			initial, err := a.validation.Validate(content, a.options())
			if err != nil {
				return err
			}
			result, err := a.validation.BulkFix(content, initial.Warnings, parseSelection(types), a.options())
			if err != nil {
				return err
			}

			report := cmd.ErrOrStderr()
			for _, f := range result.AppliedFixes {
				fmt.Fprintf(report, "%s %s: %s\n", color.GreenString("fixed "), f.Type, f.Description)
			}
			for _, f := range result.FailedFixes {
				fmt.Fprintf(report, "%s %s: %s\n", color.YellowString("skipped"), f.Type, f.Reason)
			}
			printWarnings(report, result.RemainingWarnings)

			if write {
				if len(result.AppliedFixes) == 0 {
					fmt.Fprintln(report, "nothing to fix")
					return nil
				}
				info, err := os.Stat(args[0])
				if err != nil {
					return err
				}
				if err := os.WriteFile(args[0], []byte(result.FixedContent), info.Mode().Perm()); err != nil {
					return fmt.Errorf("failed to write %s: %w", args[0], err)
				}
				color.New(color.FgGreen).Fprintf(report, "wrote %s (%d fixes)\n", args[0], len(result.AppliedFixes))
			} else {
				fmt.Fprint(cmd.OutOrStdout(), result.FixedContent)
				if !strings.HasSuffix(result.FixedContent, "\n") {
					fmt.Fprintln(cmd.OutOrStdout())
				}
			}

			if !result.Summary.IsValid {
				return errInvalid
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&types, "types", "t", string(autofix.ModeAutoFixableOnly), "Warnings to fix")
	cmd.Flags().BoolVarP(&write, "write", "w", false, "Write the fixed diagram back to the file")
	return cmd
}

// parseSelection maps the --types flag onto an autofix.Selection.
func parseSelection(raw string) autofix.Selection {
	raw = strings.TrimSpace(raw)
	switch autofix.FixMode(raw) {
	case "", autofix.ModeAutoFixableOnly:
		return autofix.AutoFixableOnly()
	case autofix.ModeAll:
		return autofix.Selection{Mode: autofix.ModeAll}
	}

	var types []models.WarningType
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, models.WarningType(t))
		}
	}
	if len(types) == 0 {
		return autofix.AutoFixableOnly()
	}
	return autofix.Selection{Mode: autofix.ModeTypes, Types: types}
}
