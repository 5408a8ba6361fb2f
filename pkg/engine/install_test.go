package engine

import (
	"context"
	"reflect"
	"testing"

	"github.com/openfroyo/sitekick/pkg/deployment"
	"github.com/openfroyo/sitekick/pkg/topology"
)

func TestExecuteInstall_EmptyHost(t *testing.T) {
	r, acc := newTestReconciler(t, topology.NewRegistry(10))

	result, err := r.ExecuteInstall(context.Background(), InstallIntent{
		Host:            testHost,
		Site:            "S",
		ApplicationPath: "shop",
		PhysicalPath:    `C:\sites\shop`,
		ApplicationPool: "ShopPool",
		SitePort:        8080,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{
		"[good] Created application pool 'ShopPool'",
		"[good] Created site 'S'",
		"[good] Created application '/shop'",
	}
	if got := messages(result); !reflect.DeepEqual(got, want) {
		t.Errorf("entries = %q, want %q", got, want)
	}

	after := snapshot(t, acc)
	pool := after.ApplicationPool("ShopPool")
	if pool == nil {
		t.Fatal("pool not created")
	}
	if pool.RuntimeVersion != topology.RuntimeV4 || pool.PipelineMode != topology.PipelineIntegrated {
		t.Errorf("unexpected pool defaults: %+v", pool)
	}
	if pool.Identity.Type != topology.IdentityApplicationPoolIdentity {
		t.Errorf("identity = %q", pool.Identity.Type)
	}

	site := after.Site("S")
	if site == nil || site.ID != 1 {
		t.Fatalf("unexpected site: %+v", site)
	}
	if !reflect.DeepEqual(site.Bindings, []topology.Binding{{Protocol: "http", Information: "*:8080:"}}) {
		t.Errorf("bindings = %+v", site.Bindings)
	}
	app := site.Application("/shop")
	if app == nil || app.ApplicationPoolName != "ShopPool" || app.PhysicalPath != `C:\sites\shop` {
		t.Errorf("unexpected application: %+v", app)
	}
}

func TestExecuteInstall_IsIdempotent(t *testing.T) {
	r, acc := newTestReconciler(t, topology.NewRegistry(10))
	intent := InstallIntent{
		Host:            testHost,
		Site:            "S",
		ApplicationPath: "a",
		PhysicalPath:    `C:\a`,
		ApplicationPool: "P1",
	}
	ctx := context.Background()

	if _, err := r.ExecuteInstall(ctx, intent); err != nil {
		t.Fatalf("first install: %v", err)
	}
	first := snapshot(t, acc)

	result, err := r.ExecuteInstall(ctx, intent)
	if err != nil {
		t.Fatalf("second install: %v", err)
	}
	want := []string{
		"[good] Application pool 'P1' already up to date",
		"[good] Site 'S' exists",
		"[good] Application '/a' already up to date",
	}
	if got := messages(result); !reflect.DeepEqual(got, want) {
		t.Errorf("entries = %q, want %q", got, want)
	}
	if !reflect.DeepEqual(first, snapshot(t, acc)) {
		t.Error("second install changed the topology")
	}
}

func TestExecuteInstall_UpdatesExisting(t *testing.T) {
	r, acc := newTestReconciler(t, newRegistry(siteSpec{name: "S", apps: map[string]string{"/a": "P1"}}))

	result, err := r.ExecuteInstall(context.Background(), InstallIntent{
		Host:            testHost,
		Site:            "S",
		ApplicationPath: "a",
		PhysicalPath:    `D:\new`,
		ApplicationPool: "P2",
		RuntimeVersion:  topology.RuntimeV2,
		PipelineMode:    topology.PipelineClassic,
		Enable32Bit:     true,
		Identity:        topology.ProcessIdentity{Type: topology.IdentitySpecificUser, Username: "svc", Password: "pw"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{
		"[good] Created application pool 'P2'",
		"[good] Site 'S' exists",
		"[good] Updated application '/a'",
	}
	if got := messages(result); !reflect.DeepEqual(got, want) {
		t.Errorf("entries = %q, want %q", got, want)
	}

	after := snapshot(t, acc)
	app := after.Site("S").Application("/a")
	if app.ApplicationPoolName != "P2" || app.PhysicalPath != `D:\new` {
		t.Errorf("application not repointed: %+v", app)
	}
	p2 := after.ApplicationPool("P2")
	want2 := topology.ApplicationPool{
		Name:           "P2",
		RuntimeVersion: topology.RuntimeV2,
		PipelineMode:   topology.PipelineClassic,
		Enable32Bit:    true,
		Identity:       topology.ProcessIdentity{Type: topology.IdentitySpecificUser, Username: "svc", Password: "pw"},
	}
	if p2 == nil || *p2 != want2 {
		t.Errorf("pool = %+v, want %+v", p2, want2)
	}
	if after.ApplicationPool("P1") == nil {
		t.Error("install must not remove the previous pool")
	}

	result, err = r.ExecuteInstall(context.Background(), InstallIntent{
		Host:            testHost,
		Site:            "S",
		ApplicationPath: "a",
		PhysicalPath:    `D:\new`,
		ApplicationPool: "P2",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := result.Entries()[0].Message; got != "Updated application pool 'P2'" {
		t.Errorf("first entry = %q", got)
	}
	p2 = snapshot(t, acc).ApplicationPool("P2")
	if p2.RuntimeVersion != topology.RuntimeV4 || p2.Enable32Bit {
		t.Errorf("pool not updated: %+v", p2)
	}
	if p2.Identity.Type != topology.IdentitySpecificUser {
		t.Error("identity should be kept when the intent does not declare one")
	}
}

func TestExecuteInstall_DefaultPool(t *testing.T) {
	r, acc := newTestReconciler(t, topology.NewRegistry(10))

	result, err := r.ExecuteInstall(context.Background(), InstallIntent{
		Host:            testHost,
		Site:            "Shop",
		ApplicationPath: "api",
		PhysicalPath:    `C:\api`,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Count(deployment.KindAlert) != 1 || !result.Successful() {
		t.Errorf("expected one alert and success: %s", result)
	}
	if snapshot(t, acc).ApplicationPool("Shop") == nil {
		t.Error("pool named after the site was not created")
	}
}

func TestExecuteInstall_MissingPhysicalPath(t *testing.T) {
	r, acc := newTestReconciler(t, topology.NewRegistry(10))

	result, err := r.ExecuteInstall(context.Background(), InstallIntent{Host: testHost, Site: "S", ApplicationPath: "a", ApplicationPool: "P"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Successful() || result.Len() != 1 {
		t.Errorf("expected a single failure entry: %s", result)
	}
	if acc.Commits(testHost) != 0 {
		t.Error("nothing should be committed")
	}
}

func TestExecuteInstall_BlankPhysicalPath(t *testing.T) {
	r, acc := newTestReconciler(t, topology.NewRegistry(10))

	result, err := r.ExecuteInstall(context.Background(), InstallIntent{Host: testHost, Site: "S", ApplicationPath: "a", ApplicationPool: "P", PhysicalPath: " \t "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Successful() || result.Count(deployment.KindFailure) != 1 {
		t.Errorf("expected a failure entry: %s", result)
	}
	if acc.Commits(testHost) != 0 {
		t.Error("nothing should be committed")
	}
}

func TestExecuteInstall_SiteRootAndAuthentication(t *testing.T) {
	r, acc := newTestReconciler(t, topology.NewRegistry(10))

	intent := InstallIntent{
		Host:             testHost,
		Site:             "S",
		ApplicationPath:  "secure",
		PhysicalPath:     `C:\secure`,
		ApplicationPool:  "P",
		SitePhysicalPath: `C:\inetpub\S`,
	}
	intent.DisableAllAuthenticationBut(topology.AuthWindows)

	if _, err := r.ExecuteInstall(context.Background(), intent); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	site := snapshot(t, acc).Site("S")
	root := site.Application("/")
	if root == nil || root.PhysicalPath != `C:\inetpub\S` || root.ApplicationPoolName != "P" {
		t.Errorf("unexpected root application: %+v", root)
	}
	if site.Bindings[0].Information != "*:80:" {
		t.Errorf("default port not used: %+v", site.Bindings)
	}
	auth := site.Application("/secure").Authentication
	want := map[topology.AuthenticationMode]bool{
		topology.AuthAnonymous: false,
		topology.AuthBasic:     false,
		topology.AuthDigest:    false,
		topology.AuthWindows:   true,
	}
	if !reflect.DeepEqual(auth, want) {
		t.Errorf("authentication = %v, want %v", auth, want)
	}

	// A later install that only toggles one module keeps the others.
	update := InstallIntent{Host: testHost, Site: "S", ApplicationPath: "secure", PhysicalPath: `C:\secure`, ApplicationPool: "P"}
	update.SetAuthentication(topology.AuthBasic, true)
	result, err := r.ExecuteInstall(context.Background(), update)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := result.Entries()[2].Message; got != "Updated application '/secure'" {
		t.Errorf("entry = %q", got)
	}
	auth = snapshot(t, acc).Site("S").Application("/secure").Authentication
	if !auth[topology.AuthBasic] || !auth[topology.AuthWindows] || auth[topology.AuthAnonymous] {
		t.Errorf("unexpected authentication after update: %v", auth)
	}
}

func TestExecuteInstall_ThenUninstallRoundTrip(t *testing.T) {
	r, acc := newTestReconciler(t, topology.NewRegistry(10))
	ctx := context.Background()

	if _, err := r.ExecuteInstall(ctx, InstallIntent{Host: testHost, Site: "S", ApplicationPath: "a", PhysicalPath: `C:\a`, ApplicationPool: "P"}); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := r.ExecuteUninstall(ctx, UninstallIntent{Host: testHost, Site: "S", ApplicationPath: "a"}); err != nil {
		t.Fatalf("uninstall: %v", err)
	}

	after := snapshot(t, acc)
	if len(after.Sites) != 0 || len(after.ApplicationPools) != 0 {
		t.Errorf("expected empty topology, got %+v", after)
	}
}
