package runner

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/openfroyo/sitekick/pkg/config"
	"github.com/openfroyo/sitekick/pkg/policy"
	"github.com/openfroyo/sitekick/pkg/telemetry"
)

// NewPolicyEngine builds the policy engine a task file asks for. It returns
// nil when the file has no policy section or enforcement is disabled.
// Relative policy paths are resolved against the directory of the first
// source file.
func NewPolicyEngine(ctx context.Context, file *config.TaskFile, tel *telemetry.Telemetry) (*policy.Engine, error) {
	if file.Policy == nil || !file.Policy.Enabled {
		return nil, nil
	}
	if tel == nil {
		tel = telemetry.Nop()
	}

	eng, err := policy.NewEngine(tel.Logger.Zerolog(), tel.Metrics)
	if err != nil {
		return nil, err
	}
	if !file.Policy.Builtin {
		eng.DisableBuiltins()
	}

	paths := PolicyPaths(file)
	if len(paths) > 0 {
		if err := eng.LoadPolicies(ctx, paths); err != nil {
			return nil, fmt.Errorf("task file %s: %w", file.Name, err)
		}
	}
	return eng, nil
}

// PolicyPaths returns the policy paths of file, resolved against the
// directory of its first source file.
func PolicyPaths(file *config.TaskFile) []string {
	if file.Policy == nil {
		return nil
	}
	base := "."
	if len(file.SourceFiles) > 0 {
		base = filepath.Dir(file.SourceFiles[0])
	}
	paths := make([]string, len(file.Policy.Paths))
	for i, p := range file.Policy.Paths {
		if filepath.IsAbs(p) {
			paths[i] = p
		} else {
			paths[i] = filepath.Join(base, p)
		}
	}
	return paths
}
