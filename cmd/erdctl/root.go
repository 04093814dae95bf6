package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/erd2dataverse/pkg/cdm"
	"github.com/ekaya-inc/erd2dataverse/pkg/config"
	"github.com/ekaya-inc/erd2dataverse/pkg/services"
	"github.com/ekaya-inc/erd2dataverse/pkg/validation"
)

// Version is set at build time via ldflags
var Version = "dev"

// app holds what every subcommand needs once flags are parsed.
type app struct {
	configPath   string
	fkStrictness string
	cdmThreshold float64
	useCDM       bool
	cdmEntities  []string
	verbose      bool

	validation services.ValidationService
	logger     *zap.Logger
}

func (a *app) options() services.ValidationOptions {
	opts := services.ValidationOptions{EntityChoice: cdm.ChoiceCustom, SelectedCDMEntities: a.cdmEntities}
	if a.useCDM {
		opts.EntityChoice = cdm.ChoiceCDM
	}
	return opts
}

// setup loads .env and config, applies flag overrides and builds the
// validation service.
func (a *app) setup(cmd *cobra.Command) error {
	_ = godotenv.Load()

	cfg, err := config.LoadFile(a.configPath, Version)
	if err != nil {
		return err
	}
	if !cmd.Flags().Changed("fk-strictness") {
		a.fkStrictness = cfg.Validation.FKStrictness
	}
	if !cmd.Flags().Changed("cdm-threshold") {
		a.cdmThreshold = cfg.Validation.CDMThreshold
	}
	switch validation.FKStrictness(a.fkStrictness) {
	case validation.FKLenient, validation.FKStrict:
	default:
		return fmt.Errorf("--fk-strictness must be %q or %q", validation.FKLenient, validation.FKStrict)
	}

	a.logger = zap.NewNop()
	if a.verbose {
		if a.logger, err = zap.NewDevelopment(); err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
	}

	validator := validation.New(validation.Options{FKStrictness: validation.FKStrictness(a.fkStrictness)})
	a.validation = services.NewValidationService(validator, cdm.NewMatcher(a.cdmThreshold, a.logger), a.logger)
	return nil
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "erdctl",
		Short: "Validate, fix and convert Mermaid ER diagrams for Dataverse",
		Long: `erdctl runs the erd2dataverse parser, validator, auto-fixer and schema
generator on local Mermaid files.

Examples:

  erdctl validate model.mmd
  erdctl fix --write model.mmd
  erdctl schema --prefix cr model.mmd
`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "config.yaml", "Config file (optional)")
	flags.StringVar(&a.fkStrictness, "fk-strictness", string(validation.FKLenient), "Foreign key check: lenient or strict")
	flags.Float64Var(&a.cdmThreshold, "cdm-threshold", cdm.DefaultThreshold, "Minimum confidence for a standard table match")
	flags.BoolVar(&a.useCDM, "cdm", false, "Reuse matched standard Dataverse tables instead of creating custom ones")
	flags.StringSliceVar(&a.cdmEntities, "cdm-entities", nil, "Limit --cdm to these entities")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Log diagnostics to stderr")

	root.AddCommand(newValidateCmd(a), newFixCmd(a), newSchemaCmd(a))
	return root
}

// readDiagram reads a file, or stdin when path is "-".
func readDiagram(cmd *cobra.Command, path string) (string, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("%s is empty", path)
	}
	return string(data), nil
}
