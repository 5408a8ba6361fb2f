package topology

import (
	"strconv"
	"strings"
)

// RuntimeVersion is the managed runtime loaded by an application pool.
type RuntimeVersion string

const (
	// RuntimeV2 loads the 2.0 managed runtime.
	RuntimeV2 RuntimeVersion = "v2.0"

	// RuntimeV4 loads the 4.0 managed runtime.
	RuntimeV4 RuntimeVersion = "v4.0"

	// RuntimeNone runs the pool without managed code.
	RuntimeNone RuntimeVersion = ""
)

// PipelineMode is the request pipeline mode of an application pool.
type PipelineMode string

const (
	PipelineIntegrated PipelineMode = "Integrated"
	PipelineClassic    PipelineMode = "Classic"
)

// IdentityType is the process identity an application pool runs as.
type IdentityType string

const (
	IdentityLocalSystem             IdentityType = "LocalSystem"
	IdentityLocalService            IdentityType = "LocalService"
	IdentityNetworkService          IdentityType = "NetworkService"
	IdentityApplicationPoolIdentity IdentityType = "ApplicationPoolIdentity"
	IdentitySpecificUser            IdentityType = "SpecificUser"
)

// AuthenticationMode names an authentication module that can be toggled per application.
type AuthenticationMode string

const (
	AuthAnonymous AuthenticationMode = "anonymous"
	AuthBasic     AuthenticationMode = "basic"
	AuthDigest    AuthenticationMode = "digest"
	AuthWindows   AuthenticationMode = "windows"
)

// AuthenticationModes lists every known authentication mode in a stable order.
func AuthenticationModes() []AuthenticationMode {
	return []AuthenticationMode{AuthAnonymous, AuthBasic, AuthDigest, AuthWindows}
}

// ProcessIdentity describes the account an application pool worker runs under.
// Username and Password are only meaningful for IdentitySpecificUser.
type ProcessIdentity struct {
	Type     IdentityType `json:"type,omitempty"`
	Username string       `json:"username,omitempty"`
	Password string       `json:"-"`
}

// ApplicationPool is a named, shareable worker pool.
type ApplicationPool struct {
	Name           string          `json:"name"`
	RuntimeVersion RuntimeVersion  `json:"runtime_version"`
	PipelineMode   PipelineMode    `json:"pipeline_mode"`
	Enable32Bit    bool            `json:"enable_32bit"`
	Identity       ProcessIdentity `json:"identity"`
}

// Binding is a site binding such as protocol "http" with information "*:80:".
type Binding struct {
	Protocol    string `json:"protocol"`
	Information string `json:"information"`
}

// Application is a path-addressable unit within a site.
type Application struct {
	// Path is unique within the owning site and always starts with "/".
	Path string `json:"path"`

	// ApplicationPoolName is a lookup key into the host-wide pool table.
	ApplicationPoolName string `json:"application_pool"`

	// PhysicalPath is the content directory served at Path.
	PhysicalPath string `json:"physical_path"`

	// Authentication holds explicit per-application module toggles.
	Authentication map[AuthenticationMode]bool `json:"authentication,omitempty"`
}

// Site is a top-level hosted endpoint owning zero or more applications.
type Site struct {
	Name         string         `json:"name"`
	ID           int64          `json:"id"`
	Bindings     []Binding      `json:"bindings,omitempty"`
	Applications []*Application `json:"applications"`
}

// ApplicationPath turns an application name as written in a task ("vdir",
// "/vdir" or "") into the site-relative path the platform stores ("/vdir", "/").
func ApplicationPath(name string) string {
	return "/" + strings.TrimPrefix(name, "/")
}

// HTTPBinding returns the wildcard http binding for a port.
func HTTPBinding(port int) Binding {
	return Binding{Protocol: "http", Information: "*:" + strconv.Itoa(port) + ":"}
}
