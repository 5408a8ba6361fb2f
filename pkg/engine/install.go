package engine

import (
	"context"
	"strings"

	"github.com/openfroyo/sitekick/pkg/deployment"
	"github.com/openfroyo/sitekick/pkg/telemetry"
	"github.com/openfroyo/sitekick/pkg/topology"
)

// ExecuteInstall makes the pool, the site and the application match intent,
// creating what is missing and updating what differs, then commits once.
// An intent without a physical path is reported as a failure and nothing is
// committed. Hosts older than MinPlatformVersion are refused the same way as
// in ExecuteUninstall.
func (r *Reconciler) ExecuteInstall(ctx context.Context, intent InstallIntent) (*deployment.Result, error) {
	target := intent.Target()
	return r.reconcile(ctx, ActionInstall, target, func(ctx context.Context, sess topology.Session, result *deployment.Result, log *telemetry.Logger) error {
		if strings.TrimSpace(intent.PhysicalPath) == "" {
			result.AddFailure("No physical path set for application '%s'; nothing was changed", target.Application)
			return nil
		}

		reg := sess.Registry()
		if err := requirePlatform(reg, target.Host, ActionInstall, result); err != nil {
			return err
		}

		poolName := intent.PoolName()
		if intent.ApplicationPool == "" {
			result.AddAlert("No application pool specified for '%s', using '%s'", target.Application, poolName)
		}

		var created []string
		if ensurePool(reg, intent.desiredPool(), result) {
			created = append(created, "pool")
		}
		if ensureSite(reg, intent, poolName, result) {
			created = append(created, "site")
		}

		site, err := MustSite(reg, target.Site)
		if err != nil {
			return err
		}
		if ensureApplication(site, target.Application, poolName, intent, result) {
			created = append(created, "application")
		}

		if err := commit(ctx, sess, target.Host, result); err != nil {
			return err
		}
		for _, kind := range created {
			r.metrics.RecordResourceCreated(kind)
		}
		log.WithPool(poolName).WithField("created", created).Debug("install committed")
		return nil
	})
}

// ensurePool creates or updates the pool and reports whether it was created.
func ensurePool(reg *topology.Registry, desired topology.ApplicationPool, result *deployment.Result) bool {
	pool := reg.ApplicationPool(desired.Name)
	if pool == nil {
		if desired.Identity.Type == "" {
			desired.Identity.Type = topology.IdentityApplicationPoolIdentity
		}
		reg.AddApplicationPool(&desired)
		result.AddGood("Created application pool '%s'", desired.Name)
		return true
	}

	if updatePool(pool, desired) {
		result.AddGood("Updated application pool '%s'", desired.Name)
	} else {
		result.AddGood("Application pool '%s' already up to date", desired.Name)
	}
	return false
}

func updatePool(pool *topology.ApplicationPool, desired topology.ApplicationPool) bool {
	changed := false
	if pool.RuntimeVersion != desired.RuntimeVersion {
		pool.RuntimeVersion = desired.RuntimeVersion
		changed = true
	}
	if pool.PipelineMode != desired.PipelineMode {
		pool.PipelineMode = desired.PipelineMode
		changed = true
	}
	if pool.Enable32Bit != desired.Enable32Bit {
		pool.Enable32Bit = desired.Enable32Bit
		changed = true
	}
	if desired.Identity.Type != "" && pool.Identity != desired.Identity {
		pool.Identity = desired.Identity
		changed = true
	}
	return changed
}

// ensureSite creates the site with an http binding if it is missing and
// reports whether it was created.
func ensureSite(reg *topology.Registry, intent InstallIntent, poolName string, result *deployment.Result) bool {
	if reg.Site(intent.Site) != nil {
		result.AddGood("Site '%s' exists", intent.Site)
		return false
	}

	site := reg.AddSite(&topology.Site{
		Name:     intent.Site,
		Bindings: []topology.Binding{topology.HTTPBinding(intent.sitePort())},
	})
	if intent.SitePhysicalPath != "" && intent.Target().Application != "/" {
		site.AddApplication(&topology.Application{
			Path:                "/",
			ApplicationPoolName: poolName,
			PhysicalPath:        intent.SitePhysicalPath,
		})
	}
	result.AddGood("Created site '%s'", intent.Site)
	return true
}

// ensureApplication creates the application or repoints it and reports
// whether it was created.
func ensureApplication(site *topology.Site, path, poolName string, intent InstallIntent, result *deployment.Result) bool {
	app := site.Application(path)
	if app == nil {
		app = &topology.Application{
			Path:                path,
			ApplicationPoolName: poolName,
			PhysicalPath:        intent.PhysicalPath,
		}
		if len(intent.Authentication) > 0 {
			app.Authentication = make(map[topology.AuthenticationMode]bool, len(intent.Authentication))
			for mode, enabled := range intent.Authentication {
				app.Authentication[mode] = enabled
			}
		}
		site.AddApplication(app)
		result.AddGood("Created application '%s'", path)
		return true
	}

	changed := false
	if app.ApplicationPoolName != poolName {
		app.ApplicationPoolName = poolName
		changed = true
	}
	if app.PhysicalPath != intent.PhysicalPath {
		app.PhysicalPath = intent.PhysicalPath
		changed = true
	}
	for mode, enabled := range intent.Authentication {
		if current, ok := app.Authentication[mode]; ok && current == enabled {
			continue
		}
		if app.Authentication == nil {
			app.Authentication = make(map[topology.AuthenticationMode]bool)
		}
		app.Authentication[mode] = enabled
		changed = true
	}

	if changed {
		result.AddGood("Updated application '%s'", path)
	} else {
		result.AddGood("Application '%s' already up to date", path)
	}
	return false
}
