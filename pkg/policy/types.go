package policy

import (
	"time"

	"github.com/openfroyo/sitekick/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity stops execution.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The package must define a
	// "deny" set of strings or {message, severity} objects.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with sitekick.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Target is the host:site/app the violating intent addresses.
	Target string `json:"target,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Remediation provides suggested fixes.
	Remediation string `json:"remediation,omitempty"`
}

// PolicyResult represents the result of evaluating one intent.
type PolicyResult struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists violations that don't block operations.
	Warnings []PolicyViolation `json:"warnings,omitempty"`

	// Failures lists policies that could not be evaluated.
	Failures []string `json:"failures,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// PolicyInput is the document bound to input in Rego.
type PolicyInput struct {
	Intent  IntentDocument `json:"intent"`
	Context *PolicyContext `json:"context"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// User is the user performing the operation.
	User string `json:"user,omitempty"`

	// Environment is the environment (e.g., "production", "staging").
	Environment string `json:"environment,omitempty"`

	// RunID is the run the intent belongs to.
	RunID string `json:"run_id,omitempty"`

	// TaskFile is the name of the task file being run.
	TaskFile string `json:"task_file,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// DryRun indicates if this is a dry-run evaluation.
	DryRun bool `json:"dry_run"`

	// Metadata contains additional context metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// IntentDocument is the Rego view of an intent. Secrets are reduced to
// presence flags.
type IntentDocument struct {
	Action          string `json:"action"`
	Host            string `json:"host"`
	Site            string `json:"site"`
	Application     string `json:"application"`
	PhysicalPath    string `json:"physical_path,omitempty"`
	ApplicationPool string `json:"application_pool,omitempty"`
	RuntimeVersion  string `json:"runtime_version,omitempty"`
	PipelineMode    string `json:"pipeline_mode,omitempty"`
	Enable32Bit     bool   `json:"enable_32bit,omitempty"`

	Identity *IdentityDocument `json:"identity,omitempty"`

	// Authentication lists toggled modules.
	Authentication map[string]bool `json:"authentication,omitempty"`

	SitePort     int  `json:"site_port,omitempty"`
	PreserveSite bool `json:"preserve_site,omitempty"`
	PreservePool bool `json:"preserve_pool,omitempty"`
}

// IdentityDocument describes a pool identity without its password.
type IdentityDocument struct {
	Type        string `json:"type"`
	Username    string `json:"username,omitempty"`
	HasPassword bool   `json:"has_password"`
}

// NewIntentDocument builds the Rego view of intent.
func NewIntentDocument(intent engine.Intent) IntentDocument {
	target := intent.Target()
	doc := IntentDocument{
		Action:      string(intent.Action()),
		Host:        target.Host,
		Site:        target.Site,
		Application: target.Application,
	}

	switch in := intent.(type) {
	case *engine.InstallIntent:
		fillInstall(&doc, *in)
	case engine.InstallIntent:
		fillInstall(&doc, in)
	case *engine.UninstallIntent:
		doc.PreserveSite, doc.PreservePool = in.PreserveSite, in.PreservePool
	case engine.UninstallIntent:
		doc.PreserveSite, doc.PreservePool = in.PreserveSite, in.PreservePool
	}
	return doc
}

func fillInstall(doc *IntentDocument, in engine.InstallIntent) {
	doc.PhysicalPath = in.PhysicalPath
	doc.ApplicationPool = in.PoolName()
	doc.RuntimeVersion = string(in.RuntimeVersion)
	doc.PipelineMode = string(in.PipelineMode)
	doc.Enable32Bit = in.Enable32Bit
	doc.SitePort = in.SitePort
	if in.Identity.Type != "" {
		doc.Identity = &IdentityDocument{
			Type:        string(in.Identity.Type),
			Username:    in.Identity.Username,
			HasPassword: in.Identity.Password != "",
		}
	}
	if len(in.Authentication) > 0 {
		doc.Authentication = make(map[string]bool, len(in.Authentication))
		for mode, enabled := range in.Authentication {
			doc.Authentication[string(mode)] = enabled
		}
	}
}

// PolicyBundle represents a collection of related policies.
type PolicyBundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`
}
