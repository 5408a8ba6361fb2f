package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// tokenPattern matches {{name}} with optional inner spaces.
var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// ReplaceTokens replaces every {{name}} in s with settings[name]. Unknown
// tokens are left in place and returned in order of first appearance.
func ReplaceTokens(s string, settings map[string]string) (string, []string) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	var missing []string
	seen := make(map[string]bool)
	out := tokenPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := tokenPattern.FindStringSubmatch(m)[1]
		if v, ok := settings[name]; ok {
			return v
		}
		if !seen[name] {
			seen[name] = true
			missing = append(missing, name)
		}
		return m
	})
	return out, missing
}

// substituteTokens replaces tokens in every task string and host config
// path of file. Each unresolved token is reported once per field.
func substituteTokens(file *TaskFile) []ValidationError {
	var errs []ValidationError
	replace := func(path string, field *string) {
		out, missing := ReplaceTokens(*field, file.Settings)
		*field = out
		for _, name := range missing {
			errs = append(errs, ValidationError{
				Path:     path,
				Message:  fmt.Sprintf("unknown setting %q", name),
				Severity: "error",
			})
		}
	}

	hostNames := make([]string, 0, len(file.Hosts))
	for name := range file.Hosts {
		hostNames = append(hostNames, name)
	}
	sort.Strings(hostNames)
	for _, name := range hostNames {
		h := file.Hosts[name]
		replace("hosts."+name+".config_path", &h.ConfigPath)
		if h.SSH != nil {
			ssh := *h.SSH
			replace("hosts."+name+".ssh.address", &ssh.Address)
			replace("hosts."+name+".ssh.user", &ssh.User)
			replace("hosts."+name+".ssh.password", &ssh.Password)
			replace("hosts."+name+".ssh.private_key_path", &ssh.PrivateKeyPath)
			h.SSH = &ssh
		}
		file.Hosts[name] = h
	}

	for i := range file.Tasks {
		t := &file.Tasks[i]
		prefix := "tasks." + t.ID + "."
		replace(prefix+"host", &t.Host)
		replace(prefix+"site", &t.Site)
		replace(prefix+"application", &t.Application)
		replace(prefix+"physical_path", &t.PhysicalPath)
		replace(prefix+"pool", &t.Pool)
		replace(prefix+"site_physical_path", &t.SitePhysicalPath)
		if t.Identity != nil {
			id := *t.Identity
			replace(prefix+"identity.username", &id.Username)
			replace(prefix+"identity.password", &id.Password)
			t.Identity = &id
		}
	}
	return errs
}
