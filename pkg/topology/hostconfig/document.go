package hostconfig

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/openfroyo/sitekick/pkg/topology"
)

// DefaultApplicationPool is the pool an application without an explicit
// applicationPool attribute runs in, unless applicationDefaults says otherwise.
const DefaultApplicationPool = "DefaultAppPool"

// rawNode captures an element this package does not model.
type rawNode struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Content []byte     `xml:",innerxml"`
}

// The container types below (document down to applicationNode) decode and
// encode themselves through ordered so that their children are written back
// in document order. The platform rejects a configuration whose
// <configSections> is not the first child.

type document struct {
	ordered
	AppHost   appHostSection
	Locations []*locationNode
	Attrs     []xml.Attr
}

type appHostSection struct {
	ordered
	Pools poolsSection
	Sites sitesSection
	Attrs []xml.Attr
}

type poolsSection struct {
	ordered
	Add   []*poolNode
	Attrs []xml.Attr
}

type poolNode struct {
	ordered
	Name                  string
	ManagedRuntimeVersion *string
	ManagedPipelineMode   string
	Enable32Bit           string
	ProcessModel          *processModelNode
	Attrs                 []xml.Attr
}

type processModelNode struct {
	IdentityType string     `xml:"identityType,attr,omitempty"`
	UserName     string     `xml:"userName,attr,omitempty"`
	Password     string     `xml:"password,attr,omitempty"`
	Attrs        []xml.Attr `xml:",any,attr"`
	Extra        []rawNode  `xml:",any"`
}

type sitesSection struct {
	ordered
	Site                []*siteNode
	ApplicationDefaults *applicationDefaultsNode
	Attrs               []xml.Attr
}

type applicationDefaultsNode struct {
	ApplicationPool string     `xml:"applicationPool,attr,omitempty"`
	Attrs           []xml.Attr `xml:",any,attr"`
	Extra           []rawNode  `xml:",any"`
}

type siteNode struct {
	ordered
	Name         string
	ID           int64
	Applications []*applicationNode
	Bindings     *bindingsNode
	Attrs        []xml.Attr
}

type applicationNode struct {
	ordered
	Path               string
	ApplicationPool    string
	VirtualDirectories []*virtualDirectoryNode
	Attrs              []xml.Attr
}

type virtualDirectoryNode struct {
	Path         string     `xml:"path,attr"`
	PhysicalPath string     `xml:"physicalPath,attr"`
	Attrs        []xml.Attr `xml:",any,attr"`
	Extra        []rawNode  `xml:",any"`
}

type bindingsNode struct {
	Binding []*bindingNode `xml:"binding"`
	Attrs   []xml.Attr     `xml:",any,attr"`
	Extra   []rawNode      `xml:",any"`
}

type bindingNode struct {
	Protocol           string     `xml:"protocol,attr"`
	BindingInformation string     `xml:"bindingInformation,attr"`
	Attrs              []xml.Attr `xml:",any,attr"`
}

type locationNode struct {
	Path      string         `xml:"path,attr"`
	WebServer *webServerNode `xml:"system.webServer"`
	Attrs     []xml.Attr     `xml:",any,attr"`
	Extra     []rawNode      `xml:",any"`
}

type webServerNode struct {
	Security *securityNode `xml:"security"`
	Attrs    []xml.Attr    `xml:",any,attr"`
	Extra    []rawNode     `xml:",any"`
}

type securityNode struct {
	Authentication *authenticationNode `xml:"authentication"`
	Attrs          []xml.Attr          `xml:",any,attr"`
	Extra          []rawNode           `xml:",any"`
}

type authenticationNode struct {
	Anonymous *toggleNode `xml:"anonymousAuthentication"`
	Basic     *toggleNode `xml:"basicAuthentication"`
	Digest    *toggleNode `xml:"digestAuthentication"`
	Windows   *toggleNode `xml:"windowsAuthentication"`
	Attrs     []xml.Attr  `xml:",any,attr"`
	Extra     []rawNode   `xml:",any"`
}

type toggleNode struct {
	Enabled bool       `xml:"enabled,attr"`
	Attrs   []xml.Attr `xml:",any,attr"`
	Extra   []rawNode  `xml:",any"`
}

func (a *authenticationNode) toggle(mode topology.AuthenticationMode) **toggleNode {
	switch mode {
	case topology.AuthAnonymous:
		return &a.Anonymous
	case topology.AuthBasic:
		return &a.Basic
	case topology.AuthDigest:
		return &a.Digest
	case topology.AuthWindows:
		return &a.Windows
	}
	return nil
}

// decode parses an applicationHost.config document.
func decode(data []byte) (*document, error) {
	doc := &document{}
	if err := xml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse host config: %w", err)
	}
	return doc, nil
}

// encode renders the document with an XML declaration.
func encode(doc *document) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "    ")
	if err := enc.EncodeElement(doc, xml.StartElement{Name: xml.Name{Local: "configuration"}}); err != nil {
		return nil, fmt.Errorf("failed to render host config: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func (d *document) defaultPool() string {
	if def := d.AppHost.Sites.ApplicationDefaults; def != nil && def.ApplicationPool != "" {
		return def.ApplicationPool
	}
	return DefaultApplicationPool
}

// locationPath is the <location path> addressing an application.
func locationPath(site, appPath string) string {
	if appPath == "/" {
		return site
	}
	return site + appPath
}

func (d *document) location(path string) *locationNode {
	for _, l := range d.Locations {
		if l.Path == path {
			return l
		}
	}
	return nil
}

// registry converts the document into a topology snapshot.
func (d *document) registry(platformVersion int) *topology.Registry {
	reg := topology.NewRegistry(platformVersion)
	defaultPool := d.defaultPool()

	for _, p := range d.AppHost.Pools.Add {
		pool := &topology.ApplicationPool{
			Name:           p.Name,
			RuntimeVersion: topology.RuntimeV4,
			PipelineMode:   topology.PipelineIntegrated,
		}
		if p.ManagedRuntimeVersion != nil {
			pool.RuntimeVersion = topology.RuntimeVersion(*p.ManagedRuntimeVersion)
		}
		if p.ManagedPipelineMode != "" {
			pool.PipelineMode = topology.PipelineMode(p.ManagedPipelineMode)
		}
		pool.Enable32Bit, _ = strconv.ParseBool(p.Enable32Bit)
		if pm := p.ProcessModel; pm != nil {
			pool.Identity = topology.ProcessIdentity{
				Type:     topology.IdentityType(pm.IdentityType),
				Username: pm.UserName,
				Password: pm.Password,
			}
		}
		reg.ApplicationPools = append(reg.ApplicationPools, pool)
	}

	for _, s := range d.AppHost.Sites.Site {
		site := &topology.Site{Name: s.Name, ID: s.ID}
		if s.Bindings != nil {
			for _, b := range s.Bindings.Binding {
				site.Bindings = append(site.Bindings, topology.Binding{
					Protocol:    b.Protocol,
					Information: b.BindingInformation,
				})
			}
		}
		for _, a := range s.Applications {
			app := &topology.Application{
				Path:                a.Path,
				ApplicationPoolName: a.ApplicationPool,
			}
			if app.ApplicationPoolName == "" {
				app.ApplicationPoolName = defaultPool
			}
			if vd := a.rootDirectory(); vd != nil {
				app.PhysicalPath = vd.PhysicalPath
			}
			app.Authentication = d.authentication(locationPath(s.Name, a.Path))
			site.Applications = append(site.Applications, app)
		}
		reg.Sites = append(reg.Sites, site)
	}

	return reg
}

func (a *applicationNode) rootDirectory() *virtualDirectoryNode {
	for _, vd := range a.VirtualDirectories {
		if vd.Path == "/" {
			return vd
		}
	}
	return nil
}

func (d *document) authentication(path string) map[topology.AuthenticationMode]bool {
	loc := d.location(path)
	if loc == nil || loc.WebServer == nil || loc.WebServer.Security == nil || loc.WebServer.Security.Authentication == nil {
		return nil
	}
	auth := loc.WebServer.Security.Authentication
	out := make(map[topology.AuthenticationMode]bool)
	for _, mode := range topology.AuthenticationModes() {
		if t := *auth.toggle(mode); t != nil {
			out[mode] = t.Enabled
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// apply merges reg back into the document, keeping unmodelled content of
// every element that survives.
func (d *document) apply(reg *topology.Registry) {
	d.applyPools(reg)
	removedLocations := d.applySites(reg)

	kept := d.Locations[:0]
	for _, l := range d.Locations {
		if !removedLocations(l.Path) {
			kept = append(kept, l)
		}
	}
	d.Locations = kept

	for _, s := range reg.Sites {
		for _, a := range s.Applications {
			if len(a.Authentication) > 0 {
				d.applyAuthentication(locationPath(s.Name, a.Path), a.Authentication)
			}
		}
	}
}

func (d *document) applyPools(reg *topology.Registry) {
	existing := make(map[string]*poolNode, len(d.AppHost.Pools.Add))
	for _, p := range d.AppHost.Pools.Add {
		existing[p.Name] = p
	}

	nodes := make([]*poolNode, 0, len(reg.ApplicationPools))
	for _, pool := range reg.ApplicationPools {
		node, ok := existing[pool.Name]
		if !ok {
			node = &poolNode{Name: pool.Name}
		}
		runtime := string(pool.RuntimeVersion)
		node.ManagedRuntimeVersion = &runtime
		node.ManagedPipelineMode = string(pool.PipelineMode)
		if pool.Enable32Bit {
			node.Enable32Bit = "true"
		} else if node.Enable32Bit != "" {
			node.Enable32Bit = "false"
		}
		if pool.Identity.Type != "" {
			if node.ProcessModel == nil {
				node.ProcessModel = &processModelNode{}
			}
			node.ProcessModel.IdentityType = string(pool.Identity.Type)
			node.ProcessModel.UserName = pool.Identity.Username
			node.ProcessModel.Password = pool.Identity.Password
		}
		nodes = append(nodes, node)
	}
	d.AppHost.Pools.Add = nodes
}

// applySites rewrites the site list and returns a predicate reporting whether a
// location path belonged to a site or application that no longer exists.
func (d *document) applySites(reg *topology.Registry) func(string) bool {
	defaultPool := d.defaultPool()
	existing := make(map[string]*siteNode, len(d.AppHost.Sites.Site))
	for _, s := range d.AppHost.Sites.Site {
		existing[s.Name] = s
	}

	removedSites := make(map[string]bool)
	removedApps := make(map[string]bool)
	for _, s := range d.AppHost.Sites.Site {
		live := reg.Site(s.Name)
		if live == nil {
			removedSites[s.Name] = true
			continue
		}
		for _, a := range s.Applications {
			if live.Application(a.Path) == nil {
				removedApps[locationPath(s.Name, a.Path)] = true
			}
		}
	}

	nodes := make([]*siteNode, 0, len(reg.Sites))
	for _, site := range reg.Sites {
		node, ok := existing[site.Name]
		if !ok {
			node = &siteNode{Name: site.Name}
		}
		node.ID = site.ID
		node.Applications = mergeApplications(node.Applications, site.Applications, defaultPool)
		node.Bindings = mergeBindings(node.Bindings, site.Bindings)
		nodes = append(nodes, node)
	}
	d.AppHost.Sites.Site = nodes

	return func(path string) bool {
		if removedApps[path] {
			return true
		}
		site, _, _ := strings.Cut(path, "/")
		return removedSites[site]
	}
}

func mergeApplications(nodes []*applicationNode, apps []*topology.Application, defaultPool string) []*applicationNode {
	existing := make(map[string]*applicationNode, len(nodes))
	for _, n := range nodes {
		existing[n.Path] = n
	}

	out := make([]*applicationNode, 0, len(apps))
	for _, app := range apps {
		node, ok := existing[app.Path]
		if !ok {
			node = &applicationNode{Path: app.Path}
		}
		// An implicit default pool reference stays implicit.
		if !(node.ApplicationPool == "" && app.ApplicationPoolName == defaultPool) {
			node.ApplicationPool = app.ApplicationPoolName
		}
		root := node.rootDirectory()
		if root == nil {
			root = &virtualDirectoryNode{Path: "/"}
			node.VirtualDirectories = append([]*virtualDirectoryNode{root}, node.VirtualDirectories...)
		}
		root.PhysicalPath = app.PhysicalPath
		out = append(out, node)
	}
	return out
}

func mergeBindings(node *bindingsNode, bindings []topology.Binding) *bindingsNode {
	if node == nil {
		if len(bindings) == 0 {
			return nil
		}
		node = &bindingsNode{}
	}
	existing := make(map[topology.Binding]*bindingNode, len(node.Binding))
	for _, b := range node.Binding {
		existing[topology.Binding{Protocol: b.Protocol, Information: b.BindingInformation}] = b
	}
	out := make([]*bindingNode, 0, len(bindings))
	for _, b := range bindings {
		n, ok := existing[b]
		if !ok {
			n = &bindingNode{Protocol: b.Protocol, BindingInformation: b.Information}
		}
		out = append(out, n)
	}
	node.Binding = out
	return node
}

func (d *document) applyAuthentication(path string, toggles map[topology.AuthenticationMode]bool) {
	loc := d.location(path)
	if loc == nil {
		loc = &locationNode{Path: path}
		d.Locations = append(d.Locations, loc)
	}
	if loc.WebServer == nil {
		loc.WebServer = &webServerNode{}
	}
	if loc.WebServer.Security == nil {
		loc.WebServer.Security = &securityNode{}
	}
	if loc.WebServer.Security.Authentication == nil {
		loc.WebServer.Security.Authentication = &authenticationNode{}
	}
	auth := loc.WebServer.Security.Authentication
	for _, mode := range topology.AuthenticationModes() {
		enabled, ok := toggles[mode]
		if !ok {
			continue
		}
		slot := auth.toggle(mode)
		if *slot == nil {
			*slot = &toggleNode{}
		}
		(*slot).Enabled = enabled
	}
}
