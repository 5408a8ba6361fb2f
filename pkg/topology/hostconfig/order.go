package hostconfig

import (
	"encoding/xml"
	"fmt"
	"strconv"
)

// commentKey marks a comment in an ordered child list. It cannot clash with
// an element name.
const commentKey = "#comment"

// ordered remembers the children of an element as they appeared in the
// source: their names in order, the comments between them and every child
// element that is not modelled.
type ordered struct {
	order    []string
	comments []xml.Comment
	extra    []rawNode
}

// decodeChildren reads the children of the current element up to its end
// tag. Modelled children are handed to child, which returns false for
// elements it does not know; those are kept verbatim.
func (o *ordered) decodeChildren(d *xml.Decoder, child func(xml.StartElement) (bool, error)) error {
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			o.order = append(o.order, t.Name.Local)
			known := false
			if t.Name.Space == "" {
				if known, err = child(t); err != nil {
					return err
				}
			}
			if !known {
				var raw rawNode
				if err := d.DecodeElement(&raw, &t); err != nil {
					return err
				}
				o.extra = append(o.extra, raw)
			}
		case xml.Comment:
			o.order = append(o.order, commentKey)
			o.comments = append(o.comments, t.Copy())
		case xml.EndElement:
			return nil
		}
	}
}

// childSet is the current children of an element, grouped by element name.
type childSet struct {
	groups map[string]*childGroup
	names  []string
}

type childGroup struct {
	items []xml.StartElement
	vals  []any
	next  int
}

func (c *childSet) add(name xml.Name, v any) {
	if c.groups == nil {
		c.groups = make(map[string]*childGroup)
	}
	g, ok := c.groups[name.Local]
	if !ok {
		g = &childGroup{}
		c.groups[name.Local] = g
		c.names = append(c.names, name.Local)
	}
	g.items = append(g.items, xml.StartElement{Name: name})
	g.vals = append(g.vals, v)
}

func (c *childSet) addLocal(name string, v any) {
	c.add(xml.Name{Local: name}, v)
}

func (g *childGroup) encode(e *xml.Encoder, all bool) error {
	for g.next < len(g.vals) {
		if err := e.EncodeElement(g.vals[g.next], g.items[g.next]); err != nil {
			return err
		}
		g.next++
		if !all {
			return nil
		}
	}
	return nil
}

// encodeElement writes start, the children in c and the matching end tag.
// Children seen when decoding keep their position; the remaining children of
// a name follow its last decoded occurrence, and names never seen come last.
func (o *ordered) encodeElement(e *xml.Encoder, start xml.StartElement, c *childSet) error {
	for _, raw := range o.extra {
		c.add(raw.XMLName, raw)
	}
	if err := e.EncodeToken(start); err != nil {
		return err
	}

	last := make(map[string]int, len(o.order))
	for i, name := range o.order {
		last[name] = i
	}
	comment := 0
	for i, name := range o.order {
		if name == commentKey {
			if err := e.EncodeToken(o.comments[comment]); err != nil {
				return err
			}
			comment++
			continue
		}
		g, ok := c.groups[name]
		if !ok {
			continue
		}
		if err := g.encode(e, last[name] == i); err != nil {
			return err
		}
	}
	for _, name := range c.names {
		if err := c.groups[name].encode(e, true); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

func attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}

func (d *document) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	if start.Name.Local != "configuration" {
		return fmt.Errorf("unexpected root element <%s>", start.Name.Local)
	}
	d.Attrs = start.Attr
	return d.decodeChildren(dec, func(t xml.StartElement) (bool, error) {
		switch t.Name.Local {
		case "system.applicationHost":
			return true, dec.DecodeElement(&d.AppHost, &t)
		case "location":
			loc := &locationNode{}
			d.Locations = append(d.Locations, loc)
			return true, dec.DecodeElement(loc, &t)
		}
		return false, nil
	})
}

func (d *document) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Attr = d.Attrs
	var c childSet
	c.addLocal("system.applicationHost", &d.AppHost)
	for _, loc := range d.Locations {
		c.addLocal("location", loc)
	}
	return d.encodeElement(e, start, &c)
}

func (a *appHostSection) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	a.Attrs = start.Attr
	return a.decodeChildren(dec, func(t xml.StartElement) (bool, error) {
		switch t.Name.Local {
		case "applicationPools":
			return true, dec.DecodeElement(&a.Pools, &t)
		case "sites":
			return true, dec.DecodeElement(&a.Sites, &t)
		}
		return false, nil
	})
}

func (a *appHostSection) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Attr = a.Attrs
	var c childSet
	c.addLocal("applicationPools", &a.Pools)
	c.addLocal("sites", &a.Sites)
	return a.encodeElement(e, start, &c)
}

func (p *poolsSection) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	p.Attrs = start.Attr
	return p.decodeChildren(dec, func(t xml.StartElement) (bool, error) {
		if t.Name.Local != "add" {
			return false, nil
		}
		pool := &poolNode{}
		p.Add = append(p.Add, pool)
		return true, dec.DecodeElement(pool, &t)
	})
}

func (p *poolsSection) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Attr = p.Attrs
	var c childSet
	for _, pool := range p.Add {
		c.addLocal("add", pool)
	}
	return p.encodeElement(e, start, &c)
}

func (p *poolNode) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	for _, a := range start.Attr {
		if a.Name.Space != "" {
			p.Attrs = append(p.Attrs, a)
			continue
		}
		switch a.Name.Local {
		case "name":
			p.Name = a.Value
		case "managedRuntimeVersion":
			v := a.Value
			p.ManagedRuntimeVersion = &v
		case "managedPipelineMode":
			p.ManagedPipelineMode = a.Value
		case "enable32BitAppOnWin64":
			p.Enable32Bit = a.Value
		default:
			p.Attrs = append(p.Attrs, a)
		}
	}
	return p.decodeChildren(dec, func(t xml.StartElement) (bool, error) {
		if t.Name.Local != "processModel" {
			return false, nil
		}
		p.ProcessModel = &processModelNode{}
		return true, dec.DecodeElement(p.ProcessModel, &t)
	})
}

func (p *poolNode) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Attr = []xml.Attr{attr("name", p.Name)}
	if p.ManagedRuntimeVersion != nil {
		start.Attr = append(start.Attr, attr("managedRuntimeVersion", *p.ManagedRuntimeVersion))
	}
	if p.ManagedPipelineMode != "" {
		start.Attr = append(start.Attr, attr("managedPipelineMode", p.ManagedPipelineMode))
	}
	if p.Enable32Bit != "" {
		start.Attr = append(start.Attr, attr("enable32BitAppOnWin64", p.Enable32Bit))
	}
	start.Attr = append(start.Attr, p.Attrs...)

	var c childSet
	if p.ProcessModel != nil {
		c.addLocal("processModel", p.ProcessModel)
	}
	return p.encodeElement(e, start, &c)
}

func (s *sitesSection) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	s.Attrs = start.Attr
	return s.decodeChildren(dec, func(t xml.StartElement) (bool, error) {
		switch t.Name.Local {
		case "site":
			site := &siteNode{}
			s.Site = append(s.Site, site)
			return true, dec.DecodeElement(site, &t)
		case "applicationDefaults":
			s.ApplicationDefaults = &applicationDefaultsNode{}
			return true, dec.DecodeElement(s.ApplicationDefaults, &t)
		}
		return false, nil
	})
}

func (s *sitesSection) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Attr = s.Attrs
	var c childSet
	for _, site := range s.Site {
		c.addLocal("site", site)
	}
	if s.ApplicationDefaults != nil {
		c.addLocal("applicationDefaults", s.ApplicationDefaults)
	}
	return s.encodeElement(e, start, &c)
}

func (s *siteNode) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	for _, a := range start.Attr {
		switch {
		case a.Name.Space == "" && a.Name.Local == "name":
			s.Name = a.Value
		case a.Name.Space == "" && a.Name.Local == "id":
			id, err := strconv.ParseInt(a.Value, 10, 64)
			if err != nil {
				return fmt.Errorf("site %q has invalid id %q: %w", s.Name, a.Value, err)
			}
			s.ID = id
		default:
			s.Attrs = append(s.Attrs, a)
		}
	}
	return s.decodeChildren(dec, func(t xml.StartElement) (bool, error) {
		switch t.Name.Local {
		case "application":
			app := &applicationNode{}
			s.Applications = append(s.Applications, app)
			return true, dec.DecodeElement(app, &t)
		case "bindings":
			s.Bindings = &bindingsNode{}
			return true, dec.DecodeElement(s.Bindings, &t)
		}
		return false, nil
	})
}

func (s *siteNode) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Attr = append([]xml.Attr{
		attr("name", s.Name),
		attr("id", strconv.FormatInt(s.ID, 10)),
	}, s.Attrs...)

	var c childSet
	for _, app := range s.Applications {
		c.addLocal("application", app)
	}
	if s.Bindings != nil {
		c.addLocal("bindings", s.Bindings)
	}
	return s.encodeElement(e, start, &c)
}

func (a *applicationNode) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	for _, at := range start.Attr {
		switch {
		case at.Name.Space == "" && at.Name.Local == "path":
			a.Path = at.Value
		case at.Name.Space == "" && at.Name.Local == "applicationPool":
			a.ApplicationPool = at.Value
		default:
			a.Attrs = append(a.Attrs, at)
		}
	}
	return a.decodeChildren(dec, func(t xml.StartElement) (bool, error) {
		if t.Name.Local != "virtualDirectory" {
			return false, nil
		}
		vd := &virtualDirectoryNode{}
		a.VirtualDirectories = append(a.VirtualDirectories, vd)
		return true, dec.DecodeElement(vd, &t)
	})
}

func (a *applicationNode) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Attr = []xml.Attr{attr("path", a.Path)}
	if a.ApplicationPool != "" {
		start.Attr = append(start.Attr, attr("applicationPool", a.ApplicationPool))
	}
	start.Attr = append(start.Attr, a.Attrs...)

	var c childSet
	for _, vd := range a.VirtualDirectories {
		c.addLocal("virtualDirectory", vd)
	}
	return a.encodeElement(e, start, &c)
}
