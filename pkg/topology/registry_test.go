package topology

import (
	"context"
	"errors"
	"testing"
)

func testRegistry() *Registry {
	reg := NewRegistry(10)
	reg.AddApplicationPool(&ApplicationPool{Name: "P1", RuntimeVersion: RuntimeV4, PipelineMode: PipelineIntegrated})
	reg.AddApplicationPool(&ApplicationPool{Name: "P2", RuntimeVersion: RuntimeV2, PipelineMode: PipelineClassic})
	site := reg.AddSite(&Site{Name: "S", Bindings: []Binding{HTTPBinding(80)}})
	site.AddApplication(&Application{Path: "/a", ApplicationPoolName: "P1", PhysicalPath: `C:\a`})
	site.AddApplication(&Application{
		Path:                "/b",
		ApplicationPoolName: "P1",
		PhysicalPath:        `C:\b`,
		Authentication:      map[AuthenticationMode]bool{AuthAnonymous: false},
	})
	return reg
}

func TestApplicationPath(t *testing.T) {
	tests := map[string]string{
		"":      "/",
		"a":     "/a",
		"/a":    "/a",
		"a/b":   "/a/b",
		"/":     "/",
		"vdir1": "/vdir1",
	}
	for in, want := range tests {
		if got := ApplicationPath(in); got != want {
			t.Errorf("ApplicationPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHTTPBinding(t *testing.T) {
	b := HTTPBinding(8080)
	if b.Protocol != "http" || b.Information != "*:8080:" {
		t.Errorf("unexpected binding %+v", b)
	}
}

func TestRegistryLookups(t *testing.T) {
	reg := testRegistry()

	if reg.Site("S") == nil {
		t.Fatal("expected site S")
	}
	if reg.Site("s") != nil {
		t.Error("site lookup must be an exact match")
	}
	if reg.ApplicationPool("P2") == nil {
		t.Error("expected pool P2")
	}
	if reg.Site("S").Application("/b") == nil {
		t.Error("expected application /b")
	}
	if reg.Site("S").Application("b") != nil {
		t.Error("application lookup must match the stored path exactly")
	}
}

func TestRegistryAddSiteAssignsIDs(t *testing.T) {
	reg := testRegistry()
	second := reg.AddSite(&Site{Name: "T"})
	if second.ID != 2 {
		t.Errorf("expected ID 2, got %d", second.ID)
	}
	explicit := reg.AddSite(&Site{Name: "U", ID: 40})
	if explicit.ID != 40 {
		t.Errorf("explicit ID overwritten: %d", explicit.ID)
	}
	if next := reg.AddSite(&Site{Name: "V"}); next.ID != 41 {
		t.Errorf("expected ID 41, got %d", next.ID)
	}
}

func TestRegistryRemoveByReference(t *testing.T) {
	reg := testRegistry()
	site := reg.Site("S")

	if !site.RemoveApplication(site.Application("/a")) {
		t.Fatal("expected /a to be removed")
	}
	if len(site.Applications) != 1 || site.Applications[0].Path != "/b" {
		t.Errorf("unexpected applications after removal: %+v", site.Applications)
	}
	if site.RemoveApplication(&Application{Path: "/b"}) {
		t.Error("removal must be by reference, not by value")
	}

	if !reg.RemoveApplicationPool(reg.ApplicationPool("P2")) {
		t.Error("expected P2 to be removed")
	}
	if reg.ApplicationPool("P2") != nil {
		t.Error("P2 still present")
	}

	if !reg.RemoveSite(site) {
		t.Error("expected site to be removed")
	}
	if reg.RemoveSite(site) {
		t.Error("second removal should report false")
	}
}

func TestRegistryCloneIsDeep(t *testing.T) {
	reg := testRegistry()
	clone := reg.Clone()

	clone.Site("S").Applications[0].ApplicationPoolName = "changed"
	clone.Site("S").Application("/b").Authentication[AuthAnonymous] = true
	clone.ApplicationPools[0].Name = "changed"
	clone.Site("S").Bindings[0].Information = "*:81:"

	if reg.Site("S").Applications[0].ApplicationPoolName != "P1" {
		t.Error("application mutated through clone")
	}
	if reg.Site("S").Application("/b").Authentication[AuthAnonymous] {
		t.Error("authentication map shared with clone")
	}
	if reg.ApplicationPools[0].Name != "P1" {
		t.Error("pool mutated through clone")
	}
	if reg.Site("S").Bindings[0].Information != "*:80:" {
		t.Error("bindings shared with clone")
	}
}

func TestMemoryAccessorCommitAndClose(t *testing.T) {
	ctx := context.Background()
	acc := NewMemoryAccessor()
	acc.Seed("web01", testRegistry())

	sess, err := acc.Open(ctx, "web01")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sess.Registry().RemoveSite(sess.Registry().Site("S"))

	// Not visible before commit.
	snap, _ := acc.Snapshot("web01")
	if snap.Site("S") == nil {
		t.Fatal("uncommitted change leaked")
	}

	if err := sess.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	snap, _ = acc.Snapshot("web01")
	if snap.Site("S") != nil {
		t.Error("committed change not visible")
	}
	if acc.Commits("web01") != 1 {
		t.Errorf("expected 1 commit, got %d", acc.Commits("web01"))
	}

	if err := sess.Commit(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestMemoryAccessorDiscardsUncommitted(t *testing.T) {
	ctx := context.Background()
	acc := NewMemoryAccessor()
	acc.Seed("web01", testRegistry())

	sess, err := acc.Open(ctx, "web01")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sess.Registry().ApplicationPools = nil
	_ = sess.Close()

	snap, _ := acc.Snapshot("web01")
	if len(snap.ApplicationPools) != 2 {
		t.Errorf("uncommitted change persisted: %d pools", len(snap.ApplicationPools))
	}
}

func TestMemoryAccessorUnknownHost(t *testing.T) {
	acc := NewMemoryAccessor()
	if _, err := acc.Open(context.Background(), "nope"); !errors.Is(err, ErrHostNotFound) {
		t.Errorf("expected ErrHostNotFound, got %v", err)
	}
}
