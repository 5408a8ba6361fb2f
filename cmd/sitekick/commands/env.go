package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/sitekick/pkg/config"
	"github.com/openfroyo/sitekick/pkg/policy"
	"github.com/openfroyo/sitekick/pkg/runner"
	"github.com/openfroyo/sitekick/pkg/stores"
	"github.com/openfroyo/sitekick/pkg/telemetry"
)

// newTelemetry builds telemetry for one command. Logs go through the global
// logger set up by main. Metrics are served only when metricsAddr is set.
func (o *rootOptions) newTelemetry(metricsAddr string) (*telemetry.Telemetry, error) {
	tel, err := telemetry.NewTelemetry(o.telemetryConfig(metricsAddr))
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	tel.Logger = telemetry.WrapLogger(log.Logger)
	return tel, nil
}

// telemetryConfig starts from the production profile for
// --environment production. Tracing follows --trace-exporter either way.
func (o *rootOptions) telemetryConfig(metricsAddr string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if o.environment == "production" {
		cfg = telemetry.ProductionConfig()
	}
	cfg.ServiceVersion = o.version
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "dev"
	}
	if o.environment != "" {
		cfg.Environment = o.environment
	}
	cfg.Tracing.Enabled = o.traceExporter != "" && o.traceExporter != "none"
	if cfg.Tracing.Enabled {
		cfg.Tracing.Exporter = o.traceExporter
		cfg.Tracing.Endpoint = o.otlpEndpoint
	}
	cfg.Metrics.Enabled = metricsAddr != ""
	cfg.Metrics.ListenAddress = metricsAddr
	return cfg
}

// openStore opens the history database, or returns nil with --no-history.
func (o *rootOptions) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if o.noHistory || o.historyDB == "" {
		return nil, nil
	}
	store, err := stores.Open(ctx, o.historyDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open history %s: %w", o.historyDB, err)
	}
	return store, nil
}

// session is everything a command needs to run task files.
type session struct {
	tel     *telemetry.Telemetry
	store   *stores.SQLiteStore
	metrics *http.Server
}

func (o *rootOptions) openSession(ctx context.Context, metricsAddr string) (*session, error) {
	tel, err := o.newTelemetry(metricsAddr)
	if err != nil {
		return nil, err
	}
	store, err := o.openStore(ctx)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}
	s := &session{tel: tel, store: store}
	if server := tel.Metrics.StartMetricsServer(); server != nil {
		s.metrics = server
		log.Info().Str("addr", metricsAddr).Msg("Serving metrics")
	}
	return s, nil
}

func (s *session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if s.metrics != nil {
		errs = append(errs, s.metrics.Shutdown(ctx))
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	errs = append(errs, s.tel.Shutdown(ctx))
	return errors.Join(errs...)
}

// runOptions controls how a task file is run.
type runOptions struct {
	dryRun        bool
	stopOnFailure bool
	fallback      *config.HostConfig
	output        string
	out           io.Writer

	// policies replaces the per-run policy engine when set.
	policies *policy.Engine
}

// runTaskFile resolves the hosts of file, runs it and prints the report.
func (o *rootOptions) runTaskFile(ctx context.Context, s *session, file *config.TaskFile, ro runOptions) (*runner.RunReport, error) {
	hosts := runner.NewHosts()
	defer func() {
		if err := hosts.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close host connections")
		}
	}()
	if err := hosts.Resolve(file, ro.fallback); err != nil {
		return nil, err
	}

	policies := ro.policies
	if policies == nil {
		var err error
		if policies, err = runner.NewPolicyEngine(ctx, file, s.tel); err != nil {
			return nil, err
		}
	}

	opts := runner.Options{
		Accessor:      hosts.Accessor(),
		Policies:      policies,
		Telemetry:     s.tel,
		Environment:   o.environment,
		DryRun:        ro.dryRun,
		StopOnFailure: ro.stopOnFailure,
	}
	if s.store != nil {
		opts.Store = s.store
	}
	r, err := runner.New(opts)
	if err != nil {
		return nil, err
	}

	report, err := r.Run(ctx, file)
	if err != nil {
		return nil, err
	}
	if err := printReport(ro.out, report, ro.output); err != nil {
		return report, err
	}
	return report, nil
}

// errRunFailed is returned when a run completes with failed tasks.
var errRunFailed = errors.New("run did not succeed")
