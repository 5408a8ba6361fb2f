package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/sitekick/pkg/config"
	"github.com/openfroyo/sitekick/pkg/runner"
)

func newValidateCommand(opts *rootOptions) *cobra.Command {
	var (
		files  []string
		dump   bool
		output string
	)

	cmd := &cobra.Command{
		Use:   "validate [files...]",
		Short: "Validate a task file",
		Long: `Validate parses a task file, runs its settings script, substitutes tokens
and checks every task and host declaration. Policy files referenced by the
task file are compiled as well. Nothing is read from or written to any host.`,
		Example: `  # Validate a task file
  sitekick validate deploy/shop.cue

  # Show the task file after settings and tokens are applied
  sitekick validate -f deploy/ --dump -o yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(output, outputJSON, outputYAML); err != nil {
				return err
			}
			sources := append(files, args...)
			if len(sources) == 0 {
				return fmt.Errorf("no task files given")
			}

			ctx := cmd.Context()
			file, err := config.NewCUEParser().Parse(ctx, sources)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, e := range file.Errors {
				fmt.Fprintf(out, "%s: %s\n", e.Severity, e.String())
			}
			if file.HasErrors() {
				return fmt.Errorf("%s is invalid", file.Name)
			}

			tel, err := opts.newTelemetry("")
			if err != nil {
				return err
			}
			defer func() { _ = tel.Shutdown(ctx) }()

			policies, err := runner.NewPolicyEngine(ctx, file, tel)
			if err != nil {
				return err
			}
			if policies != nil {
				log.Debug().Int("policies", len(policies.ListPolicies())).Msg("Policies compiled")
			}

			if dump {
				if output == outputJSON {
					data, err := config.ExportJSON(file)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(out, string(data))
					return err
				}
				return writeYAML(out, file)
			}

			fmt.Fprintf(out, "%s is valid (%d tasks)\n", file.Name, len(file.Tasks))
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "task files or directories")
	cmd.Flags().BoolVar(&dump, "dump", false, "print the evaluated task file")
	cmd.Flags().StringVarP(&output, "output", "o", outputYAML, "dump format (json, yaml)")

	return cmd
}
