package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/sitekick/pkg/config"
	"github.com/openfroyo/sitekick/pkg/policy"
	"github.com/openfroyo/sitekick/pkg/runner"
	"github.com/openfroyo/sitekick/pkg/telemetry"
)

// watchDebounce collapses bursts of file events into one re-run.
const watchDebounce = 500 * time.Millisecond

func newRunCommand(opts *rootOptions) *cobra.Command {
	var (
		files         []string
		dryRun        bool
		stopOnFailure bool
		watch         bool
		metricsAddr   string
		output        string
		backend       backendFlags
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a task file",
		Long: `Run parses a CUE task file and runs its tasks in declaration order. Every
task is checked against the policies, verified and then executed. The run and
its outcome entries are recorded in the history database.

With --watch the task file is run again after every change to it. The policy
files it references are reloaded as they change and apply from the next run
on; the policy settings of the task file are read once when watching starts.`,
		Example: `  # Run a task file
  sitekick run -f deploy/shop.cue

  # Preview a run without changing any host
  sitekick run -f deploy/ --dry-run

  # Re-run on every change and expose metrics
  sitekick run -f deploy/shop.cue --watch --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(output, outputText, outputJSON, outputYAML); err != nil {
				return err
			}
			fallback, err := backend.hostConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			s, err := opts.openSession(ctx, metricsAddr)
			if err != nil {
				return err
			}
			defer func() {
				if err := s.Close(); err != nil {
					log.Warn().Err(err).Msg("Failed to close session")
				}
			}()

			ro := runOptions{
				dryRun:        dryRun,
				stopOnFailure: stopOnFailure,
				fallback:      fallback,
				output:        output,
				out:           cmd.OutOrStdout(),
			}
			runOnce := func() (*config.TaskFile, error) {
				file, err := config.NewCUEParser().Load(ctx, files...)
				if err != nil {
					return file, err
				}
				if watch && ro.policies == nil {
					if ro.policies, err = watchPolicies(ctx, file, s.tel); err != nil {
						return file, err
					}
				}
				report, err := opts.runTaskFile(ctx, s, file, ro)
				if err != nil {
					return file, err
				}
				if !report.Successful {
					return file, errRunFailed
				}
				return file, nil
			}

			_, err = runOnce()
			if !watch {
				return err
			}
			if err != nil {
				log.Error().Err(err).Msg("Run failed")
			}
			return watchAndRun(ctx, files, func() {
				if _, err := runOnce(); err != nil {
					log.Error().Err(err).Msg("Run failed")
				}
			})
		},
	}

	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "task files or directories")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "evaluate policies and verify without executing")
	cmd.Flags().BoolVar(&stopOnFailure, "stop-on-failure", false, "skip remaining tasks after a failure")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "run again whenever the task or policy files change")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format (text, json, yaml)")
	backend.register(cmd.Flags())
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// watchPolicies builds the policy engine of file and keeps it in step with
// the policy files until ctx is done. It returns nil when file has no
// policies enabled.
func watchPolicies(ctx context.Context, file *config.TaskFile, tel *telemetry.Telemetry) (*policy.Engine, error) {
	eng, err := runner.NewPolicyEngine(ctx, file, tel)
	if err != nil || eng == nil {
		return nil, err
	}
	if paths := runner.PolicyPaths(file); len(paths) > 0 {
		if err := eng.WatchPolicies(ctx, paths); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// watchAndRun calls rerun after the task files in sources change, until ctx
// is done.
func watchAndRun(ctx context.Context, sources []string, rerun func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	paths := append([]string{}, sources...)
	for _, dir := range watchDirs(paths) {
		if err := watcher.Add(dir); err != nil {
			log.Warn().Err(err).Str("path", dir).Msg("Failed to watch path")
		}
	}
	log.Info().Strs("paths", paths).Msg("Watching for changes")

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !isWatchedFile(event.Name) {
				continue
			}
			log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("File changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(watchDebounce)
			fire = timer.C

		case <-fire:
			fire = nil
			log.Info().Msg("Change detected, running again")
			rerun()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}

// watchDirs returns the directories to watch for paths. Files are watched
// through their directory so that editors replacing them are noticed.
func watchDirs(paths []string) []string {
	seen := make(map[string]bool)
	var dirs []string
	add := func(dir string) {
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			add(filepath.Dir(p))
			continue
		}
		_ = filepath.WalkDir(p, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				add(path)
			}
			return nil
		})
	}
	return dirs
}

// isWatchedFile reports whether name is a task source. Policy files are
// watched by the policy engine.
func isWatchedFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".cue", ".json", ".star":
		return true
	}
	return false
}

// validationError joins task file errors into one error.
func validationError(errs []config.ValidationError) error {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.String()
	}
	return errors.New("invalid task:\n  " + strings.Join(msgs, "\n  "))
}
