package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ekaya-inc/erd2dataverse/pkg/models"
	"github.com/ekaya-inc/erd2dataverse/pkg/services"
)

// errInvalid signals blocking findings; main exits non-zero.
var errInvalid = errors.New("diagram has blocking errors")

func newValidateCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a Mermaid ER diagram",
		Long: `Validate a Mermaid ER diagram against Dataverse naming, structure and
relationship rules. Exits non-zero when any finding has error severity.
Use "-" to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readDiagram(cmd, args[0])
			if err != nil {
				return err
			}
			result, err := a.validation.Validate(content, a.options())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch format {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			case "text":
				printValidation(out, result)
			default:
				return fmt.Errorf("unknown format %q", format)
			}

			if !result.Success {
				return errInvalid
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format (text, json)")
	return cmd
}

var severityColor = map[models.Severity]*color.Color{
	models.SeverityError:   color.New(color.FgRed, color.Bold),
	models.SeverityWarning: color.New(color.FgYellow),
	models.SeverityInfo:    color.New(color.FgCyan),
}

func printWarnings(out io.Writer, warnings []models.Warning) {
	for _, w := range warnings {
		label := severityColor[w.Severity].Sprintf("%-7s", w.Severity)
		fixable := ""
		if w.AutoFixable {
			fixable = color.GreenString(" [fixable]")
		}
		fmt.Fprintf(out, "%s %s: %s%s\n", label, w.Type, w.Message, fixable)
		if w.Suggestion != "" {
			fmt.Fprintf(out, "        %s\n", color.New(color.Faint).Sprint(w.Suggestion))
		}
	}
}

func printValidation(out io.Writer, result *services.ValidationResult) {
	s := result.Summary
	fmt.Fprintf(out, "%d entities, %d relationships\n", s.TotalEntities, s.TotalRelationships)

	if d := result.CDMDetection; d != nil && len(d.Matches) > 0 {
		for _, m := range d.Matches {
			fmt.Fprintf(out, "standard table match: %s -> %s (%.0f%%)\n", m.Entity, m.CDMEntity, m.Confidence*100)
		}
	}

	printWarnings(out, result.Warnings)

	summary := fmt.Sprintf("%d errors, %d warnings, %d info, %d auto-fixable", s.Errors, s.Warnings, s.Info, s.AutoFixable)
	if s.IsValid {
		color.New(color.FgGreen).Fprintf(out, "valid: %s\n", summary)
	} else {
		color.New(color.FgRed).Fprintf(out, "invalid: %s\n", summary)
		if s.AutoFixable > 0 {
			fmt.Fprintln(out, `run "erdctl fix" to apply the automatic fixes`)
		}
	}
}
