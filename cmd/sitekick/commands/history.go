package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/sitekick/pkg/topology"
)

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var (
		limit  int
		output string
		prune  time.Duration
		host   string
		site   string
		app    string
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show run history",
		Long: `History lists recorded runs, newest first. Given a run id it shows the
run's tasks with their reported entries. With --host and --site it shows the
recent tasks that targeted one application.`,
		Example: `  # List the last runs
  sitekick history

  # Show one run
  sitekick history 0b6f9f3e-3c1a-4f0e-9d55-5f3b2a1c7e42

  # Show what happened to an application
  sitekick history --host web01 --site Shop --app api

  # Forget runs older than 30 days
  sitekick history --prune 720h`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(output, outputTable, outputJSON, outputYAML); err != nil {
				return err
			}
			if opts.noHistory {
				return fmt.Errorf("history is disabled by --no-history")
			}
			if (host == "") != (site == "") {
				return fmt.Errorf("--host and --site must be given together")
			}

			ctx := cmd.Context()
			store, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			if store == nil {
				return fmt.Errorf("no history database configured")
			}
			defer func() {
				if err := store.Close(); err != nil {
					log.Warn().Err(err).Msg("Failed to close history")
				}
			}()

			out := cmd.OutOrStdout()
			switch {
			case prune > 0:
				n, err := store.PruneRuns(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Pruned %d runs\n", n)
				return nil

			case len(args) == 1:
				run, err := store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				results, err := store.ListTaskResults(ctx, run.ID)
				if err != nil {
					return err
				}
				if output != outputTable {
					doc := struct {
						Run   any `json:"run" yaml:"run"`
						Tasks any `json:"tasks" yaml:"tasks"`
					}{run, results}
					if output == outputJSON {
						return writeJSON(out, doc)
					}
					return writeYAML(out, doc)
				}
				fmt.Fprintf(out, "Run %s (%s): %s\n\n", run.ID, run.TaskFile, run.Status)
				return printTaskResults(out, results, output)

			case host != "":
				results, err := store.ListTargetHistory(ctx, host, site, topology.ApplicationPath(app), limit)
				if err != nil {
					return err
				}
				return printTaskResults(out, results, output)

			default:
				runs, err := store.ListRuns(ctx, limit, 0)
				if err != nil {
					return err
				}
				return printRuns(out, runs, output)
			}
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of entries to show")
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format (table, json, yaml)")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete runs started longer ago than this")
	cmd.Flags().StringVar(&host, "host", "", "show the history of an application on this host")
	cmd.Flags().StringVar(&site, "site", "", "site of the application")
	cmd.Flags().StringVar(&app, "app", "", "application path (default: site root)")

	return cmd
}
