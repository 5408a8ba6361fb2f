package engine

import (
	"context"
	"strings"

	"github.com/openfroyo/sitekick/pkg/deployment"
	"github.com/openfroyo/sitekick/pkg/telemetry"
	"github.com/openfroyo/sitekick/pkg/topology"
)

// Verify is the read-only preflight for intent. It reports whether the
// platform is supported and whether the target site and application exist,
// and for installs whether the pool exists and a physical path is set.
//
// Verify never commits and never fails on a missing target: every check
// result is Good or Alert. Its outcome does not gate Execute.
func (r *Reconciler) Verify(ctx context.Context, intent Intent) (*deployment.Result, error) {
	target := intent.Target()
	return r.reconcile(ctx, ActionVerify, target, func(ctx context.Context, sess topology.Session, result *deployment.Result, log *telemetry.Logger) error {
		reg := sess.Registry()

		if reg.PlatformVersion < MinPlatformVersion {
			result.AddAlert("Platform version %d is not supported; version %d or later is required",
				reg.PlatformVersion, MinPlatformVersion)
		}

		if site := reg.Site(target.Site); site != nil {
			result.AddGood("'%s' site exists", target.Site)
			if site.Application(target.Application) != nil {
				result.AddGood("Found application '%s'", target.Application)
			} else {
				result.AddAlert("Couldn't find application '%s'", target.Application)
			}
		} else {
			result.AddAlert("'%s' site DOES NOT exist", target.Site)
		}

		install, ok := asInstall(intent)
		if !ok {
			return nil
		}
		pool := install.PoolName()
		if reg.ApplicationPool(pool) != nil {
			result.AddGood("Application pool '%s' exists", pool)
		} else {
			result.AddAlert("Application pool '%s' does not exist", pool)
		}
		if strings.TrimSpace(install.PhysicalPath) != "" {
			result.AddGood("Physical path '%s' is set", install.PhysicalPath)
		} else {
			result.AddAlert("No physical path set for application '%s'", target.Application)
		}
		log.Debug("verification finished")
		return nil
	})
}

func asInstall(intent Intent) (InstallIntent, bool) {
	switch in := intent.(type) {
	case InstallIntent:
		return in, true
	case *InstallIntent:
		return *in, true
	}
	return InstallIntent{}, false
}
