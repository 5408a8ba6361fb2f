package config

import (
	"fmt"
	"time"

	"github.com/openfroyo/sitekick/pkg/engine"
	"github.com/openfroyo/sitekick/pkg/topology"
)

// Backend names how a host's config document is reached.
type Backend string

const (
	// BackendFile reads and writes the document on the local disk.
	BackendFile Backend = "file"

	// BackendSSH reaches the document over SFTP.
	BackendSSH Backend = "ssh"
)

// TaskFile is a parsed and validated task file.
type TaskFile struct {
	// Name identifies the task file in run history.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Settings are the token values substituted into task strings.
	Settings map[string]string `json:"settings,omitempty" yaml:"settings,omitempty"`

	// SettingsScript is a Starlark script whose string, int and bool
	// globals are added to Settings.
	SettingsScript string `json:"settings_script,omitempty" yaml:"settings_script,omitempty"`

	// Hosts maps host names used by tasks to their backends.
	Hosts map[string]HostConfig `json:"hosts,omitempty" yaml:"hosts,omitempty" validate:"dive"`

	// Tasks run in declaration order.
	Tasks []TaskConfig `json:"tasks" yaml:"tasks" validate:"required,min=1,dive"`

	// Policy configures the intent guard.
	Policy *PolicyConfig `json:"policy,omitempty" yaml:"policy,omitempty"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files" yaml:"source_files"`

	// ParsedAt is when the task file was parsed.
	ParsedAt time.Time `json:"parsed_at" yaml:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// HostConfig describes how to reach one host.
type HostConfig struct {
	Backend Backend `json:"backend" yaml:"backend" validate:"required,oneof=file ssh"`

	// ConfigPath overrides the platform's default document location.
	ConfigPath string `json:"config_path,omitempty" yaml:"config_path,omitempty"`

	// PlatformVersion fixes the platform version. When zero the ssh backend
	// probes it and the file backend assumes the current platform.
	PlatformVersion int `json:"platform_version,omitempty" yaml:"platform_version,omitempty" validate:"gte=0"`

	SSH *SSHSettings `json:"ssh,omitempty" yaml:"ssh,omitempty" validate:"required_if=Backend ssh"`
}

// SSHSettings are the connection settings of an ssh backend.
type SSHSettings struct {
	Address               string        `json:"address,omitempty" yaml:"address,omitempty"`
	Port                  int           `json:"port,omitempty" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	User                  string        `json:"user" yaml:"user" validate:"required"`
	AuthMethod            string        `json:"auth_method,omitempty" yaml:"auth_method,omitempty" validate:"omitempty,oneof=password key agent"`
	Password              string        `json:"password,omitempty" yaml:"-"`
	PrivateKeyPath        string        `json:"private_key_path,omitempty" yaml:"private_key_path,omitempty"`
	KnownHostsPath        string        `json:"known_hosts_path,omitempty" yaml:"known_hosts_path,omitempty"`
	InsecureIgnoreHostKey bool          `json:"insecure_ignore_host_key,omitempty" yaml:"insecure_ignore_host_key,omitempty"`
	ConnectionTimeout     string        `json:"connection_timeout,omitempty" yaml:"connection_timeout,omitempty"`
	VersionCommand        string        `json:"version_command,omitempty" yaml:"version_command,omitempty"`
}

// Timeout parses ConnectionTimeout. It returns zero when unset.
func (s SSHSettings) Timeout() (time.Duration, error) {
	if s.ConnectionTimeout == "" {
		return 0, nil
	}
	return time.ParseDuration(s.ConnectionTimeout)
}

// TaskConfig is one install or uninstall task.
type TaskConfig struct {
	// ID is the task key in the task file.
	ID string `json:"id" yaml:"id" validate:"required"`

	Action      engine.Action `json:"action" yaml:"action" validate:"required,oneof=install uninstall"`
	Host        string        `json:"host" yaml:"host" validate:"required"`
	Site        string        `json:"site" yaml:"site" validate:"required"`
	Application string        `json:"application" yaml:"application"`

	// Uninstall options.
	PreserveSite bool `json:"preserve_site,omitempty" yaml:"preserve_site,omitempty"`
	PreservePool bool `json:"preserve_pool,omitempty" yaml:"preserve_pool,omitempty"`

	// Install options.
	PhysicalPath     string          `json:"physical_path,omitempty" yaml:"physical_path,omitempty" validate:"required_if=Action install"`
	Pool             string          `json:"pool,omitempty" yaml:"pool,omitempty"`
	RuntimeVersion   string          `json:"runtime_version,omitempty" yaml:"runtime_version,omitempty" validate:"omitempty,oneof=v2.0 v4.0"`
	PipelineMode     string          `json:"pipeline_mode,omitempty" yaml:"pipeline_mode,omitempty" validate:"omitempty,oneof=Integrated Classic"`
	Enable32Bit      bool            `json:"enable_32bit,omitempty" yaml:"enable_32bit,omitempty"`
	Identity         *IdentityConfig `json:"identity,omitempty" yaml:"identity,omitempty"`
	Authentication   map[string]bool `json:"authentication,omitempty" yaml:"authentication,omitempty" validate:"dive,keys,oneof=anonymous basic digest windows,endkeys"`
	SitePhysicalPath string          `json:"site_physical_path,omitempty" yaml:"site_physical_path,omitempty"`
	SitePort         int             `json:"site_port,omitempty" yaml:"site_port,omitempty" validate:"omitempty,min=1,max=65535"`
}

// IdentityConfig is the process identity of an application pool.
type IdentityConfig struct {
	Type     string `json:"type" yaml:"type" validate:"required,oneof=LocalSystem LocalService NetworkService ApplicationPoolIdentity SpecificUser"`
	Username string `json:"username,omitempty" yaml:"username,omitempty" validate:"required_if=Type SpecificUser"`
	Password string `json:"password,omitempty" yaml:"-"`
}

// PolicyConfig configures policy enforcement.
type PolicyConfig struct {
	// Enabled indicates if policy enforcement is enabled.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Paths lists policy files or directories, relative to the task file.
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty"`

	// Builtin enables the built-in intent rules.
	Builtin bool `json:"builtin,omitempty" yaml:"builtin,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty" yaml:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty" yaml:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty" yaml:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "tasks.shop_api.site").
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message" yaml:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" yaml:"severity"`
}

func (e ValidationError) String() string {
	loc := e.Path
	if e.File != "" {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	if loc == "" {
		return e.Message
	}
	return loc + ": " + e.Message
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output is the output data from Starlark.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}

// Intent converts the task into an engine intent.
func (t TaskConfig) Intent() engine.Intent {
	if t.Action == engine.ActionUninstall {
		return engine.UninstallIntent{
			Host:            t.Host,
			Site:            t.Site,
			ApplicationPath: t.Application,
			PreserveSite:    t.PreserveSite,
			PreservePool:    t.PreservePool,
		}
	}

	intent := engine.InstallIntent{
		Host:             t.Host,
		Site:             t.Site,
		ApplicationPath:  t.Application,
		PhysicalPath:     t.PhysicalPath,
		ApplicationPool:  t.Pool,
		RuntimeVersion:   topology.RuntimeVersion(t.RuntimeVersion),
		PipelineMode:     topology.PipelineMode(t.PipelineMode),
		Enable32Bit:      t.Enable32Bit,
		SitePhysicalPath: t.SitePhysicalPath,
		SitePort:         t.SitePort,
	}
	if t.Identity != nil {
		intent.Identity = topology.ProcessIdentity{
			Type:     topology.IdentityType(t.Identity.Type),
			Username: t.Identity.Username,
			Password: t.Identity.Password,
		}
	}
	for mode, enabled := range t.Authentication {
		intent.SetAuthentication(topology.AuthenticationMode(mode), enabled)
	}
	return intent
}

// Intents converts every task in declaration order.
func (f *TaskFile) Intents() []engine.Intent {
	intents := make([]engine.Intent, len(f.Tasks))
	for i, t := range f.Tasks {
		intents[i] = t.Intent()
	}
	return intents
}

// HasErrors reports whether parsing or validation produced any error.
func (f *TaskFile) HasErrors() bool {
	for _, e := range f.Errors {
		if e.Severity == "error" {
			return true
		}
	}
	return false
}
