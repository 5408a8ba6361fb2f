package hostconfig

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/openfroyo/sitekick/pkg/topology"
)

const sampleConfig = `<?xml version="1.0" encoding="UTF-8"?>
<configuration>
    <configSections>
        <sectionGroup name="system.applicationHost" />
    </configSections>
    <!-- Sites and pools -->
    <system.applicationHost>
        <applicationPools>
            <add name="DefaultAppPool" />
            <add name="P1" managedRuntimeVersion="v2.0" managedPipelineMode="Classic" enable32BitAppOnWin64="true" autoStart="true">
                <processModel identityType="SpecificUser" userName="svc" password="secret" idleTimeout="00:20:00" />
            </add>
            <add name="P2" managedRuntimeVersion="">
                <recycling logEventOnRecycle="Time" />
            </add>
            <applicationPoolDefaults managedRuntimeVersion="v4.0" />
        </applicationPools>
        <sites>
            <site name="S" id="3" serverAutoStart="true">
                <application path="/">
                    <virtualDirectory path="/" physicalPath="C:\inetpub\wwwroot" />
                </application>
                <application path="/a" applicationPool="P1">
                    <virtualDirectory path="/" physicalPath="C:\apps\a" />
                    <virtualDirectory path="/static" physicalPath="C:\apps\static" />
                </application>
                <application path="/b" applicationPool="P1">
                    <virtualDirectory path="/" physicalPath="C:\apps\b" />
                </application>
                <bindings>
                    <binding protocol="http" bindingInformation="*:80:" />
                    <binding protocol="https" bindingInformation="*:443:" sslFlags="1" />
                </bindings>
                <logFile directory="C:\logs" />
            </site>
            <site name="T" id="7">
                <application path="/c" applicationPool="P2">
                    <virtualDirectory path="/" physicalPath="C:\apps\c" />
                </application>
            </site>
            <siteDefaults>
                <logFile logFormat="W3C" />
            </siteDefaults>
        </sites>
        <webLimits />
    </system.applicationHost>
    <location path="S/a" overrideMode="Allow">
        <system.webServer>
            <security>
                <authentication>
                    <anonymousAuthentication enabled="false" />
                    <windowsAuthentication enabled="true">
                        <providers>
                            <add value="Negotiate" />
                        </providers>
                    </windowsAuthentication>
                </authentication>
            </security>
            <handlers accessPolicy="Read" />
        </system.webServer>
    </location>
    <location path="T/c">
        <system.webServer>
            <security>
                <authentication>
                    <basicAuthentication enabled="true" />
                </authentication>
            </security>
        </system.webServer>
    </location>
</configuration>
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "applicationHost.config")
	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	return path
}

func newTestAccessor(path string) *Accessor {
	acc := NewAccessor()
	acc.AddHost("web01", Host{Path: path, PlatformVersion: 10})
	return acc
}

func TestOpenDecodesRegistry(t *testing.T) {
	path := writeSample(t)
	sess, err := newTestAccessor(path).Open(context.Background(), "web01")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close()

	reg := sess.Registry()
	if reg.PlatformVersion != 10 {
		t.Errorf("platform version = %d", reg.PlatformVersion)
	}
	if len(reg.ApplicationPools) != 3 {
		t.Fatalf("expected 3 pools, got %d", len(reg.ApplicationPools))
	}

	def := reg.ApplicationPool("DefaultAppPool")
	if def.RuntimeVersion != topology.RuntimeV4 || def.PipelineMode != topology.PipelineIntegrated {
		t.Errorf("unexpected defaults for DefaultAppPool: %+v", def)
	}

	p1 := reg.ApplicationPool("P1")
	if p1.RuntimeVersion != topology.RuntimeV2 || p1.PipelineMode != topology.PipelineClassic || !p1.Enable32Bit {
		t.Errorf("unexpected P1: %+v", p1)
	}
	if p1.Identity.Type != topology.IdentitySpecificUser || p1.Identity.Username != "svc" || p1.Identity.Password != "secret" {
		t.Errorf("unexpected P1 identity: %+v", p1.Identity)
	}
	if reg.ApplicationPool("P2").RuntimeVersion != topology.RuntimeNone {
		t.Error("explicit empty runtime must decode as no managed code")
	}

	site := reg.Site("S")
	if site == nil || site.ID != 3 {
		t.Fatalf("unexpected site S: %+v", site)
	}
	if len(site.Bindings) != 2 || site.Bindings[1].Information != "*:443:" {
		t.Errorf("unexpected bindings: %+v", site.Bindings)
	}
	root := site.Application("/")
	if root == nil || root.ApplicationPoolName != DefaultApplicationPool {
		t.Errorf("root application should run in the default pool: %+v", root)
	}
	a := site.Application("/a")
	if a.PhysicalPath != `C:\apps\a` || a.ApplicationPoolName != "P1" {
		t.Errorf("unexpected /a: %+v", a)
	}
	if a.Authentication[topology.AuthAnonymous] || !a.Authentication[topology.AuthWindows] {
		t.Errorf("unexpected /a authentication: %+v", a.Authentication)
	}
	if _, ok := a.Authentication[topology.AuthBasic]; ok {
		t.Error("basic authentication not configured for /a")
	}
}

func TestCommitWithoutChangesLeavesFileUntouched(t *testing.T) {
	ctx := context.Background()
	path := writeSample(t)
	sess, err := newTestAccessor(path).Open(ctx, "web01")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close()

	if err := sess.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != sampleConfig {
		t.Error("no-op commit rewrote the document")
	}
}

func TestCommitRemovalPreservesUnknownContent(t *testing.T) {
	ctx := context.Background()
	path := writeSample(t)
	acc := newTestAccessor(path)

	sess, err := acc.Open(ctx, "web01")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	reg := sess.Registry()
	site := reg.Site("S")
	site.RemoveApplication(site.Application("/a"))
	reg.RemoveSite(reg.Site("T"))
	reg.RemoveApplicationPool(reg.ApplicationPool("P2"))
	if err := sess.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	_ = sess.Close()

	data, _ := os.ReadFile(path)
	if first := childNames(t, data, "configuration"); len(first) == 0 || first[0] != "configSections" {
		t.Errorf("expected configSections to stay the first child, got %v", first)
	}
	text := string(data)
	for _, keep := range []string{
		`serverAutoStart="true"`,
		`idleTimeout="00:20:00"`,
		`autoStart="true"`,
		`<siteDefaults>`,
		`<applicationPoolDefaults`,
		`<webLimits`,
		`<configSections>`,
		`sslFlags="1"`,
		`C:\logs`,
	} {
		if !strings.Contains(text, keep) {
			t.Errorf("expected %q to survive the round trip", keep)
		}
	}
	for _, gone := range []string{`path="S/a"`, `path="T/c"`, `name="T"`, `name="P2"`, `C:\apps\static`} {
		if strings.Contains(text, gone) {
			t.Errorf("expected %q to be removed", gone)
		}
	}

	again, err := acc.Open(ctx, "web01")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	reg = again.Registry()
	if reg.Site("S").Application("/a") != nil || reg.Site("S").Application("/b") == nil {
		t.Error("unexpected applications after reopen")
	}
	if reg.Site("T") != nil || reg.ApplicationPool("P2") != nil {
		t.Error("removed site or pool came back")
	}
	if reg.Site("S").Application("/").ApplicationPoolName != DefaultApplicationPool {
		t.Error("implicit default pool reference lost")
	}
	if strings.Count(text, `applicationPool="DefaultAppPool"`) != 0 {
		t.Error("implicit default pool reference was made explicit")
	}
}

func TestCommitAddsNewResources(t *testing.T) {
	ctx := context.Background()
	path := writeSample(t)
	acc := newTestAccessor(path)

	sess, err := acc.Open(ctx, "web01")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	reg := sess.Registry()
	reg.AddApplicationPool(&topology.ApplicationPool{
		Name:           "P9",
		RuntimeVersion: topology.RuntimeV4,
		PipelineMode:   topology.PipelineIntegrated,
		Identity:       topology.ProcessIdentity{Type: topology.IdentityNetworkService},
	})
	site := reg.AddSite(&topology.Site{Name: "New", Bindings: []topology.Binding{topology.HTTPBinding(8080)}})
	site.AddApplication(&topology.Application{
		Path:                "/x",
		ApplicationPoolName: "P9",
		PhysicalPath:        `D:\x`,
		Authentication:      map[topology.AuthenticationMode]bool{topology.AuthAnonymous: true, topology.AuthWindows: false},
	})
	if err := sess.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	_ = sess.Close()

	again, err := acc.Open(ctx, "web01")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	reg = again.Registry()

	newSite := reg.Site("New")
	if newSite == nil || newSite.ID != 8 {
		t.Fatalf("expected new site with id 8, got %+v", newSite)
	}
	if len(newSite.Bindings) != 1 || newSite.Bindings[0].Information != "*:8080:" {
		t.Errorf("unexpected bindings: %+v", newSite.Bindings)
	}
	x := newSite.Application("/x")
	if x == nil || x.PhysicalPath != `D:\x` || x.ApplicationPoolName != "P9" {
		t.Fatalf("unexpected /x: %+v", x)
	}
	if !x.Authentication[topology.AuthAnonymous] || x.Authentication[topology.AuthWindows] {
		t.Errorf("unexpected authentication: %+v", x.Authentication)
	}
	p9 := reg.ApplicationPool("P9")
	if p9 == nil || p9.Identity.Type != topology.IdentityNetworkService {
		t.Errorf("unexpected P9: %+v", p9)
	}
}

func TestCommitDetectsConcurrentModification(t *testing.T) {
	ctx := context.Background()
	path := writeSample(t)
	acc := newTestAccessor(path)

	sess, err := acc.Open(ctx, "web01")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close()

	other, err := acc.Open(ctx, "web01")
	if err != nil {
		t.Fatalf("open other: %v", err)
	}
	other.Registry().RemoveSite(other.Registry().Site("T"))
	if err := other.Commit(ctx); err != nil {
		t.Fatalf("other commit: %v", err)
	}

	sess.Registry().RemoveApplicationPool(sess.Registry().ApplicationPool("P1"))
	if err := sess.Commit(ctx); !errors.Is(err, topology.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestOpenUnknownHost(t *testing.T) {
	_, err := NewAccessor().Open(context.Background(), "missing")
	if !errors.Is(err, topology.ErrHostNotFound) {
		t.Errorf("expected ErrHostNotFound, got %v", err)
	}
}

func TestProbeIsCachedPerHost(t *testing.T) {
	ctx := context.Background()
	path := writeSample(t)
	calls := 0
	acc := NewAccessor()
	acc.AddHost("web01", Host{
		Path: path,
		Probe: func(context.Context) (int, error) {
			calls++
			return 8, nil
		},
	})

	for i := 0; i < 3; i++ {
		sess, err := acc.Open(ctx, "web01")
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if sess.Registry().PlatformVersion != 8 {
			t.Errorf("platform version = %d", sess.Registry().PlatformVersion)
		}
		_ = sess.Close()
	}
	if calls != 1 {
		t.Errorf("probe called %d times, want 1", calls)
	}
}

func TestProbeFailure(t *testing.T) {
	path := writeSample(t)
	acc := NewAccessor()
	acc.AddHost("web01", Host{
		Path:  path,
		Probe: func(context.Context) (int, error) { return 0, errors.New("unreachable") },
	})
	if _, err := acc.Open(context.Background(), "web01"); err == nil {
		t.Fatal("expected probe error")
	}
}

func TestCommitAfterClose(t *testing.T) {
	ctx := context.Background()
	sess, err := newTestAccessor(writeSample(t)).Open(ctx, "web01")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = sess.Close()
	if err := sess.Commit(ctx); !errors.Is(err, topology.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

// childNames returns the element names below the first element at path, in
// document order. Comments are listed as "#comment".
func childNames(t *testing.T, data []byte, path ...string) []string {
	t.Helper()
	dec := xml.NewDecoder(strings.NewReader(string(data)))
	var (
		stack []string
		names []string
		found bool
	)
	atPath := func() bool { return reflect.DeepEqual(stack, path) }
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return names
		}
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		switch tok := tok.(type) {
		case xml.StartElement:
			if atPath() {
				names = append(names, tok.Name.Local)
			}
			stack = append(stack, tok.Name.Local)
			if atPath() {
				if found {
					return names
				}
				found = true
			}
		case xml.Comment:
			if atPath() {
				names = append(names, "#comment")
			}
		case xml.EndElement:
			if atPath() {
				return names
			}
			stack = stack[:len(stack)-1]
		}
	}
}

func TestCommitKeepsDocumentOrder(t *testing.T) {
	ctx := context.Background()
	path := writeSample(t)
	acc := newTestAccessor(path)

	sess, err := acc.Open(ctx, "web01")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	reg := sess.Registry()
	s := reg.Site("S")
	s.RemoveApplication(s.Application("/b"))
	s.AddApplication(&topology.Application{Path: "/d", ApplicationPoolName: "P9", PhysicalPath: `C:\apps\d`})
	reg.AddApplicationPool(&topology.ApplicationPool{
		Name:           "P9",
		RuntimeVersion: topology.RuntimeV4,
		PipelineMode:   topology.PipelineIntegrated,
		Identity:       topology.ProcessIdentity{Type: topology.IdentityNetworkService},
	})
	reg.AddSite(&topology.Site{Name: "New", Bindings: []topology.Binding{topology.HTTPBinding(8080)}})
	if err := sess.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	_ = sess.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path []string
		want []string
	}{
		{
			name: "configuration",
			path: []string{"configuration"},
			want: []string{"configSections", "#comment", "system.applicationHost", "location", "location"},
		},
		{
			name: "applicationHost",
			path: []string{"configuration", "system.applicationHost"},
			want: []string{"applicationPools", "sites", "webLimits"},
		},
		{
			name: "applicationPools",
			path: []string{"configuration", "system.applicationHost", "applicationPools"},
			want: []string{"add", "add", "add", "add", "applicationPoolDefaults"},
		},
		{
			name: "sites",
			path: []string{"configuration", "system.applicationHost", "sites"},
			want: []string{"site", "site", "site", "siteDefaults"},
		},
		{
			name: "first site",
			path: []string{"configuration", "system.applicationHost", "sites", "site"},
			want: []string{"application", "application", "application", "bindings", "logFile"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := childNames(t, data, tt.path...); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("children = %v, want %v", got, tt.want)
			}
		})
	}

	text := string(data)
	if !strings.Contains(text, "<!-- Sites and pools -->") {
		t.Error("top-level comment was dropped")
	}
	if strings.Index(text, `path="/a"`) > strings.Index(text, `path="/d"`) {
		t.Error("new application was not placed after the existing ones")
	}
	if strings.Index(text, `name="P9"`) > strings.Index(text, "<applicationPoolDefaults") {
		t.Error("new pool was placed after applicationPoolDefaults")
	}
}
