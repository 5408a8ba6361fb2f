package engine

import (
	"fmt"

	"github.com/openfroyo/sitekick/pkg/topology"
)

// Action names the execution step an intent is dispatched to.
type Action string

const (
	// ActionInstall creates or updates a site, application and pool.
	ActionInstall Action = "install"

	// ActionUninstall removes an application and whatever it leaves unused.
	ActionUninstall Action = "uninstall"

	// ActionVerify is the read-only preflight for either intent.
	ActionVerify Action = "verify"
)

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionInstall, ActionUninstall, ActionVerify:
		return nil
	default:
		return fmt.Errorf("invalid action: %s", a)
	}
}

// Target identifies the application an intent addresses.
type Target struct {
	Host        string `json:"host"`
	Site        string `json:"site"`
	Application string `json:"application"`
}

// String renders the target as host:site/app.
func (t Target) String() string {
	return t.Host + ":" + t.Site + t.Application
}

// Intent is a declared change to one host's topology. It is either an
// InstallIntent or an UninstallIntent.
type Intent interface {
	// Action returns the execution step the intent is dispatched to.
	Action() Action

	// Target returns the host, site and normalized application path.
	Target() Target

	isIntent()
}

// DefaultSitePort is the http port of sites created by install.
const DefaultSitePort = 80

// InstallIntent declares an application that must exist under a site and run
// in a given application pool.
type InstallIntent struct {
	Host            string `json:"host"`
	Site            string `json:"site"`
	ApplicationPath string `json:"application_path"`
	PhysicalPath    string `json:"physical_path"`

	// ApplicationPool defaults to the site name.
	ApplicationPool string `json:"application_pool,omitempty"`

	// RuntimeVersion defaults to v4.0.
	RuntimeVersion topology.RuntimeVersion `json:"runtime_version,omitempty"`

	// PipelineMode defaults to Integrated.
	PipelineMode topology.PipelineMode `json:"pipeline_mode,omitempty"`

	Enable32Bit bool `json:"enable_32bit,omitempty"`

	// Identity is left untouched on existing pools when Type is empty.
	Identity topology.ProcessIdentity `json:"identity,omitempty"`

	// Authentication lists only the modules to toggle; others keep their state.
	Authentication map[topology.AuthenticationMode]bool `json:"authentication,omitempty"`

	// SitePhysicalPath is the root content directory of a site created by install.
	SitePhysicalPath string `json:"site_physical_path,omitempty"`

	// SitePort is the http port of a site created by install. Defaults to 80.
	SitePort int `json:"site_port,omitempty"`
}

// Action implements Intent.
func (InstallIntent) Action() Action { return ActionInstall }

// Target implements Intent.
func (i InstallIntent) Target() Target {
	return Target{Host: i.Host, Site: i.Site, Application: topology.ApplicationPath(i.ApplicationPath)}
}

func (InstallIntent) isIntent() {}

// PoolName returns the application pool the intent installs into.
func (i InstallIntent) PoolName() string {
	if i.ApplicationPool != "" {
		return i.ApplicationPool
	}
	return i.Site
}

func (i InstallIntent) desiredPool() topology.ApplicationPool {
	pool := topology.ApplicationPool{
		Name:           i.PoolName(),
		RuntimeVersion: i.RuntimeVersion,
		PipelineMode:   i.PipelineMode,
		Enable32Bit:    i.Enable32Bit,
		Identity:       i.Identity,
	}
	if pool.RuntimeVersion == "" {
		pool.RuntimeVersion = topology.RuntimeV4
	}
	if pool.PipelineMode == "" {
		pool.PipelineMode = topology.PipelineIntegrated
	}
	return pool
}

func (i InstallIntent) sitePort() int {
	if i.SitePort > 0 {
		return i.SitePort
	}
	return DefaultSitePort
}

// DisableAllAuthentication turns every authentication module off.
func (i *InstallIntent) DisableAllAuthentication() {
	i.Authentication = make(map[topology.AuthenticationMode]bool)
	for _, mode := range topology.AuthenticationModes() {
		i.Authentication[mode] = false
	}
}

// DisableAllAuthenticationBut turns every authentication module off except enabled.
func (i *InstallIntent) DisableAllAuthenticationBut(enabled topology.AuthenticationMode) {
	i.DisableAllAuthentication()
	i.Authentication[enabled] = true
}

// SetAuthentication toggles a single authentication module.
func (i *InstallIntent) SetAuthentication(mode topology.AuthenticationMode, enabled bool) {
	if i.Authentication == nil {
		i.Authentication = make(map[topology.AuthenticationMode]bool)
	}
	i.Authentication[mode] = enabled
}

// UninstallIntent declares an application that must no longer exist.
type UninstallIntent struct {
	Host            string `json:"host"`
	Site            string `json:"site"`
	ApplicationPath string `json:"application_path"`

	// PreserveSite keeps the site even if it ends up with no applications.
	PreserveSite bool `json:"preserve_site,omitempty"`

	// PreservePool keeps the application's pool even if nothing else uses it.
	PreservePool bool `json:"preserve_pool,omitempty"`
}

// Action implements Intent.
func (UninstallIntent) Action() Action { return ActionUninstall }

// Target implements Intent.
func (u UninstallIntent) Target() Target {
	return Target{Host: u.Host, Site: u.Site, Application: topology.ApplicationPath(u.ApplicationPath)}
}

func (UninstallIntent) isIntent() {}
