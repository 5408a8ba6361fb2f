package topology

// Registry is the snapshot of one host's sites and application pools.
// Lookups return the first exact match; mutators remove by reference.
type Registry struct {
	// PlatformVersion is the major version of the hosting platform.
	PlatformVersion int `json:"platform_version"`

	Sites            []*Site            `json:"sites"`
	ApplicationPools []*ApplicationPool `json:"application_pools"`
}

// NewRegistry returns an empty registry for the given platform version.
func NewRegistry(platformVersion int) *Registry {
	return &Registry{PlatformVersion: platformVersion}
}

// Site returns the site with the exact name, or nil.
func (r *Registry) Site(name string) *Site {
	for _, s := range r.Sites {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// AddSite appends a site. If the site has no ID, the next free ID is assigned.
func (r *Registry) AddSite(site *Site) *Site {
	if site.ID == 0 {
		site.ID = r.nextSiteID()
	}
	r.Sites = append(r.Sites, site)
	return site
}

// RemoveSite removes the given site by reference and reports whether it was present.
func (r *Registry) RemoveSite(site *Site) bool {
	for i, s := range r.Sites {
		if s == site {
			r.Sites = append(r.Sites[:i], r.Sites[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Registry) nextSiteID() int64 {
	var maxID int64
	for _, s := range r.Sites {
		if s.ID > maxID {
			maxID = s.ID
		}
	}
	return maxID + 1
}

// ApplicationPool returns the pool with the exact name, or nil.
func (r *Registry) ApplicationPool(name string) *ApplicationPool {
	for _, p := range r.ApplicationPools {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// AddApplicationPool appends a pool.
func (r *Registry) AddApplicationPool(pool *ApplicationPool) *ApplicationPool {
	r.ApplicationPools = append(r.ApplicationPools, pool)
	return pool
}

// RemoveApplicationPool removes the given pool by reference and reports whether it was present.
func (r *Registry) RemoveApplicationPool(pool *ApplicationPool) bool {
	for i, p := range r.ApplicationPools {
		if p == pool {
			r.ApplicationPools = append(r.ApplicationPools[:i], r.ApplicationPools[i+1:]...)
			return true
		}
	}
	return false
}

// Application returns the first application whose path equals path, or nil.
func (s *Site) Application(path string) *Application {
	for _, a := range s.Applications {
		if a.Path == path {
			return a
		}
	}
	return nil
}

// AddApplication appends an application to the site.
func (s *Site) AddApplication(app *Application) *Application {
	s.Applications = append(s.Applications, app)
	return app
}

// RemoveApplication removes the given application by reference and reports whether it was present.
func (s *Site) RemoveApplication(app *Application) bool {
	for i, a := range s.Applications {
		if a == app {
			s.Applications = append(s.Applications[:i], s.Applications[i+1:]...)
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the registry. Nil slices stay nil.
func (r *Registry) Clone() *Registry {
	if r == nil {
		return nil
	}
	out := &Registry{PlatformVersion: r.PlatformVersion}
	if r.ApplicationPools != nil {
		out.ApplicationPools = make([]*ApplicationPool, 0, len(r.ApplicationPools))
		for _, p := range r.ApplicationPools {
			cp := *p
			out.ApplicationPools = append(out.ApplicationPools, &cp)
		}
	}
	if r.Sites != nil {
		out.Sites = make([]*Site, 0, len(r.Sites))
		for _, s := range r.Sites {
			out.Sites = append(out.Sites, s.clone())
		}
	}
	return out
}

func (s *Site) clone() *Site {
	out := &Site{Name: s.Name, ID: s.ID}
	if s.Bindings != nil {
		out.Bindings = make([]Binding, len(s.Bindings))
		copy(out.Bindings, s.Bindings)
	}
	if s.Applications != nil {
		out.Applications = make([]*Application, 0, len(s.Applications))
		for _, a := range s.Applications {
			ca := *a
			if a.Authentication != nil {
				ca.Authentication = make(map[AuthenticationMode]bool, len(a.Authentication))
				for k, v := range a.Authentication {
					ca.Authentication[k] = v
				}
			}
			out.Applications = append(out.Applications, &ca)
		}
	}
	return out
}
