package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/openfroyo/sitekick/pkg/deployment"
	"github.com/openfroyo/sitekick/pkg/telemetry"
	"github.com/openfroyo/sitekick/pkg/topology"
)

// MinPlatformVersion is the oldest platform major version the engine can administer.
const MinPlatformVersion = 7

// Reconciler brings a host's topology in line with install and uninstall intents.
//
// Verify and Execute calls against the same host are serialized for the whole
// open, mutate and commit sequence. Calls against different hosts run
// independently. A Reconciler is safe for concurrent use.
type Reconciler struct {
	accessor topology.Accessor
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	locks    hostLocks
}

// NewReconciler creates a reconciler over accessor. Nil telemetry arguments
// are replaced by no-op implementations.
func NewReconciler(accessor topology.Accessor, logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer) *Reconciler {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	if tracer == nil {
		tracer = telemetry.NopTracer()
	}
	return &Reconciler{
		accessor: accessor,
		logger:   logger.NewComponentLogger("engine"),
		metrics:  metrics,
		tracer:   tracer,
		locks:    hostLocks{locks: make(map[string]chan struct{})},
	}
}

// Execute dispatches intent to ExecuteInstall or ExecuteUninstall.
func (r *Reconciler) Execute(ctx context.Context, intent Intent) (*deployment.Result, error) {
	switch in := intent.(type) {
	case InstallIntent:
		return r.ExecuteInstall(ctx, in)
	case *InstallIntent:
		return r.ExecuteInstall(ctx, *in)
	case UninstallIntent:
		return r.ExecuteUninstall(ctx, in)
	case *UninstallIntent:
		return r.ExecuteUninstall(ctx, *in)
	default:
		return nil, NewPermanentError(fmt.Sprintf("unsupported intent type %T", intent), nil).
			WithCode(ErrCodeValidation)
	}
}

// step runs inside an open session while the host lock is held.
type step func(ctx context.Context, sess topology.Session, result *deployment.Result, log *telemetry.Logger) error

// reconcile wraps a step with host serialization, session scoping and telemetry.
// The returned result is never nil.
func (r *Reconciler) reconcile(ctx context.Context, action Action, target Target, fn step) (*deployment.Result, error) {
	ctx, span := r.tracer.StartReconcileSpan(ctx, string(action), target.Host, target.Site, target.Application)
	defer span.End()

	log := r.logger.WithTarget(target.Host, target.Site, target.Application).WithField("action", string(action))
	timer := telemetry.NewTimer()
	r.metrics.ReconciliationStarted()

	result := deployment.NewResult()
	err := r.withSession(ctx, action, target.Host, result, log, fn)

	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
	case !result.Successful():
		outcome = "failure"
	}
	for _, entry := range result.Entries() {
		r.metrics.RecordOutcomeEntry(string(entry.Kind))
		telemetry.AddOutcomeEvent(span, string(entry.Kind), entry.Message)
	}
	r.metrics.RecordReconciliation(string(action), outcome, timer.Duration())
	span.SetAttributes(
		telemetry.AttrSuccessful.Bool(result.Successful()),
		telemetry.AttrEntriesCount.Int(result.Len()),
	)

	if err != nil {
		var ee *EngineError
		if errors.As(err, &ee) {
			r.metrics.RecordError(string(ee.Class), ee.Code)
			span.SetAttributes(
				telemetry.AttrErrorClass.String(string(ee.Class)),
				telemetry.AttrErrorCode.String(ee.Code),
			)
		}
		telemetry.RecordError(span, err)
		log.WithError(err).Error("reconciliation failed")
		return result, err
	}

	telemetry.RecordSuccess(span)
	log.WithField("successful", result.Successful()).
		WithField("duration", timer.Duration().String()).
		Info("reconciliation finished")
	return result, nil
}

func (r *Reconciler) withSession(ctx context.Context, action Action, host string, result *deployment.Result, log *telemetry.Logger, fn step) error {
	unlock, err := r.locks.lock(ctx, host)
	if err != nil {
		result.AddFailure("Gave up waiting for host '%s': %v", host, err)
		return classify("failed to acquire host lock", err).WithResource(host).WithOperation(string(action))
	}
	defer unlock()

	sess, err := r.accessor.Open(ctx, host)
	if err != nil {
		result.AddFailure("Unable to open a session on host '%s': %v", host, err)
		return classify("failed to open topology session", err).WithResource(host).WithOperation(string(action))
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.WithError(cerr).Warn("failed to close topology session")
		}
	}()

	return fn(ctx, sess, result, log)
}

// commit publishes the session, reporting a failure entry if the platform refuses.
func commit(ctx context.Context, sess topology.Session, host string, result *deployment.Result) error {
	if err := sess.Commit(ctx); err != nil {
		result.AddFailure("Failed to commit changes on host '%s': %v", host, err)
		return classify("failed to commit topology changes", err).WithResource(host).WithOperation("commit")
	}
	return nil
}

// requirePlatform fails execution on platforms older than MinPlatformVersion.
func requirePlatform(reg *topology.Registry, host string, action Action, result *deployment.Result) error {
	if reg.PlatformVersion >= MinPlatformVersion {
		return nil
	}
	result.AddFailure("Cannot %s on platform version %d; version %d or later is required",
		action, reg.PlatformVersion, MinPlatformVersion)
	return NewPermanentError(fmt.Sprintf("platform version %d is not supported", reg.PlatformVersion), nil).
		WithCode(ErrCodeUnsupportedPlatform).
		WithResource(host).
		WithOperation(string(action))
}

// hostLocks serializes work per host. A lock is a one-slot channel so that
// waiting honours context cancellation.
type hostLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func (h *hostLocks) lock(ctx context.Context, host string) (func(), error) {
	h.mu.Lock()
	ch, ok := h.locks[host]
	if !ok {
		ch = make(chan struct{}, 1)
		h.locks[host] = ch
	}
	h.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
