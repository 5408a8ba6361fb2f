package policy

import (
	"time"
)

// Built-in policy names.
const (
	PolicyPhysicalPath    = "physical-path"
	PolicyProcessIdentity = "process-identity"
	PolicyRootApplication = "root-application"
	PolicyLegacyRuntime   = "legacy-runtime"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		physicalPathPolicy(),
		processIdentityPolicy(),
		rootApplicationPolicy(),
		legacyRuntimePolicy(),
	}
}

func builtinPolicy(name, description string, severity Severity, tags []string, rego string) Policy {
	now := time.Now()
	return Policy{
		Name:        name,
		Description: description,
		Rego:        rego,
		Severity:    severity,
		Enabled:     true,
		Builtin:     true,
		Tags:        tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// physicalPathPolicy requires install intents to map content to an absolute path.
func physicalPathPolicy() Policy {
	return builtinPolicy(PolicyPhysicalPath,
		"Install intents must declare an absolute physical path",
		SeverityError,
		[]string{"install", "content"},
		`package sitekick.policies.physical_path

import rego.v1

deny contains violation if {
	input.intent.action == "install"
	object.get(input.intent, "physical_path", "") == ""
	violation := {
		"message": sprintf("Application '%s' in site '%s' has no physical path", [input.intent.application, input.intent.site]),
		"severity": "error",
		"remediation": "Set physical_path to the directory holding the application content",
	}
}

deny contains violation if {
	input.intent.action == "install"
	path := object.get(input.intent, "physical_path", "")
	path != ""
	not absolute(path)
	violation := {
		"message": sprintf("Physical path '%s' is not absolute", [path]),
		"severity": "error",
		"remediation": "Use a drive-qualified or UNC path",
	}
}

# Drive letter, UNC share or rooted path.
absolute(path) if regex.match("^[A-Za-z]:[\\\\/]", path)

absolute(path) if startswith(path, "\\\\")

absolute(path) if startswith(path, "/")
`)
}

// processIdentityPolicy checks the account an application pool runs as.
func processIdentityPolicy() Policy {
	return builtinPolicy(PolicyProcessIdentity,
		"Application pools must run under a complete, non-system identity",
		SeverityError,
		[]string{"install", "security"},
		`package sitekick.policies.process_identity

import rego.v1

deny contains violation if {
	input.intent.identity.type == "SpecificUser"
	object.get(input.intent.identity, "username", "") == ""
	violation := {
		"message": sprintf("Application pool '%s' runs as SpecificUser without a username", [input.intent.application_pool]),
		"severity": "error",
		"remediation": "Set identity.username or choose a built-in identity",
	}
}

deny contains violation if {
	input.intent.identity.type == "SpecificUser"
	not input.intent.identity.has_password
	violation := {
		"message": sprintf("Application pool '%s' runs as SpecificUser without a password", [input.intent.application_pool]),
		"severity": "warning",
	}
}

deny contains violation if {
	input.intent.identity.type == "LocalSystem"
	violation := {
		"message": sprintf("Application pool '%s' runs as LocalSystem", [input.intent.application_pool]),
		"severity": "warning",
		"remediation": "Prefer ApplicationPoolIdentity",
	}
}
`)
}

// rootApplicationPolicy flags uninstalls that remove a site's root application.
func rootApplicationPolicy() Policy {
	return builtinPolicy(PolicyRootApplication,
		"Warns when an uninstall removes the root application of a site",
		SeverityWarning,
		[]string{"uninstall"},
		`package sitekick.policies.root_application

import rego.v1

deny contains violation if {
	input.intent.action == "uninstall"
	input.intent.application == "/"
	violation := {
		"message": sprintf("Uninstall removes the root application of site '%s'", [input.intent.site]),
		"severity": "warning",
	}
}
`)
}

// legacyRuntimePolicy flags pools on the 2.0 managed runtime.
func legacyRuntimePolicy() Policy {
	return builtinPolicy(PolicyLegacyRuntime,
		"Warns when an application pool is pinned to the v2.0 runtime",
		SeverityWarning,
		[]string{"install", "runtime"},
		`package sitekick.policies.legacy_runtime

import rego.v1

deny contains violation if {
	input.intent.action == "install"
	input.intent.runtime_version == "v2.0"
	violation := {
		"message": sprintf("Application pool '%s' uses the v2.0 runtime", [input.intent.application_pool]),
		"severity": "warning",
		"remediation": "Use runtime_version v4.0",
	}
}
`)
}
