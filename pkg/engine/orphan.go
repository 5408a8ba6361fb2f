package engine

import (
	"fmt"

	"github.com/openfroyo/sitekick/pkg/topology"
)

// Reference is one application that names a pool.
type Reference struct {
	Site        string `json:"site"`
	Application string `json:"application"`
}

// PoolReferences returns every application on every site of reg whose pool
// reference equals poolName, in registry order.
func PoolReferences(reg *topology.Registry, poolName string) []Reference {
	var refs []Reference
	for _, site := range reg.Sites {
		for _, app := range site.Applications {
			if app.ApplicationPoolName == poolName {
				refs = append(refs, Reference{Site: site.Name, Application: app.Path})
			}
		}
	}
	return refs
}

// IsOrphaned reports whether no application on any site of reg references
// poolName. It must be evaluated against the topology after the application
// being uninstalled has been removed.
func IsOrphaned(reg *topology.Registry, poolName string) bool {
	for _, site := range reg.Sites {
		for _, app := range site.Applications {
			if app.ApplicationPoolName == poolName {
				return false
			}
		}
	}
	return true
}

// MustSite returns the named site or a permanent error naming it. It is for
// lookups where the site is known to exist; a miss is a contract violation.
func MustSite(reg *topology.Registry, name string) (*topology.Site, error) {
	if site := reg.Site(name); site != nil {
		return site, nil
	}
	return nil, NewPermanentError(fmt.Sprintf("unable to find site named '%s'", name), nil).
		WithCode(ErrCodeNotFound).
		WithResource(name)
}
