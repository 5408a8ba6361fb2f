package engine

import (
	"context"

	"github.com/openfroyo/sitekick/pkg/deployment"
	"github.com/openfroyo/sitekick/pkg/telemetry"
	"github.com/openfroyo/sitekick/pkg/topology"
)

// ExecuteUninstall removes the target application. Its pool is removed too
// when no application on any site still uses it, unless PreservePool is set.
// The site is removed when the uninstall leaves it without applications,
// unless PreserveSite is set. A site that was already empty is kept when the
// application is not found.
//
// A missing site or application is not an error: the session is committed
// with no changes and the result reports what was not deleted. The result
// always ends with three Good entries, one each for the application, the
// pool and the site.
//
// Hosts older than MinPlatformVersion are not supported: execution is
// refused before anything is touched, the result carries a Failure and the
// returned error is permanent.
func (r *Reconciler) ExecuteUninstall(ctx context.Context, intent UninstallIntent) (*deployment.Result, error) {
	target := intent.Target()
	return r.reconcile(ctx, ActionUninstall, target, func(ctx context.Context, sess topology.Session, result *deployment.Result, log *telemetry.Logger) error {
		reg := sess.Registry()
		if err := requirePlatform(reg, target.Host, ActionUninstall, result); err != nil {
			return err
		}

		var (
			appDeleted  bool
			poolDeleted bool
			siteDeleted bool
			poolName    string
		)

		if site := reg.Site(target.Site); site != nil {
			if app := site.Application(target.Application); app != nil {
				site.RemoveApplication(app)
				appDeleted = true
				poolName = app.ApplicationPoolName

				if poolName != "" && !intent.PreservePool {
					poolDeleted = removeIfOrphaned(reg, poolName, log)
				}

				if !intent.PreserveSite && len(site.Applications) == 0 {
					reg.RemoveSite(site)
					siteDeleted = true
				}
			} else {
				log.Debugf("application %s not found, nothing to remove", target.Application)
			}
		} else {
			log.Debugf("site %s not found, nothing to remove", target.Site)
		}

		if err := commit(ctx, sess, target.Host, result); err != nil {
			return err
		}

		if appDeleted {
			result.AddGood("Virtual Directory '%s' was deleted successfully.", intent.ApplicationPath)
			r.metrics.RecordResourceRemoved("application")
		} else {
			result.AddGood("Virtual Directory '%s' was not deleted.", intent.ApplicationPath)
		}
		if poolDeleted {
			result.AddGood("Application Pool '%s' was deleted successfully.", poolName)
			r.metrics.RecordResourceRemoved("pool")
		} else {
			result.AddGood("Application Pool '%s' was not deleted.", poolName)
		}
		if siteDeleted {
			result.AddGood("Site '%s' was deleted successfully.", target.Site)
			r.metrics.RecordResourceRemoved("site")
		} else {
			result.AddGood("Site '%s' was not deleted.", target.Site)
		}
		return nil
	})
}

// removeIfOrphaned removes the named pool when nothing references it any more.
// The application being uninstalled must already be gone from reg.
func removeIfOrphaned(reg *topology.Registry, poolName string, log *telemetry.Logger) bool {
	if !IsOrphaned(reg, poolName) {
		log.WithPool(poolName).
			WithField("references", len(PoolReferences(reg, poolName))).
			Debug("pool still in use")
		return false
	}
	pool := reg.ApplicationPool(poolName)
	if pool == nil {
		return false
	}
	return reg.RemoveApplicationPool(pool)
}
