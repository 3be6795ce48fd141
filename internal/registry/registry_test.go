package registry

import (
	"errors"
	"testing"

	"github.com/sark-io/sark/config"
)

func testResource(id string) *Resource {
	return &Resource{
		ID:          id,
		Name:        id + "-name",
		Protocol:    config.ProtocolHTTP,
		Endpoint:    "http://127.0.0.1:9000",
		Sensitivity: config.SensitivityMedium,
	}
}

func TestAddAndLookupResource(t *testing.T) {
	r := New()
	if err := r.AddResource(testResource("github")); err != nil {
		t.Fatalf("add: %v", err)
	}

	res, ok := r.Resource("github")
	if !ok {
		t.Fatal("expected resource by id")
	}
	if res.RegisteredAt.IsZero() || res.UpdatedAt.IsZero() {
		t.Error("expected timestamps set on add")
	}

	if _, ok := r.ResourceByName("github-name"); !ok {
		t.Error("expected resource by name")
	}
	if _, ok := r.Resource("missing"); ok {
		t.Error("expected miss for unknown id")
	}
}

func TestAddDuplicateResource(t *testing.T) {
	r := New()
	if err := r.AddResource(testResource("dup")); err != nil {
		t.Fatalf("add: %v", err)
	}
	err := r.AddResource(testResource("dup"))
	if !errors.Is(err, ErrResourceExists) {
		t.Errorf("expected ErrResourceExists, got %v", err)
	}
}

func TestUpdateResourceKeepsRegistrationTime(t *testing.T) {
	r := New()
	orig := testResource("db")
	if err := r.AddResource(orig); err != nil {
		t.Fatalf("add: %v", err)
	}

	upd := testResource("db")
	upd.Name = "db-renamed"
	upd.Endpoint = "http://127.0.0.1:9001"
	if err := r.UpdateResource(upd); err != nil {
		t.Fatalf("update: %v", err)
	}

	res, _ := r.Resource("db")
	if res.Endpoint != "http://127.0.0.1:9001" {
		t.Errorf("expected updated endpoint, got %s", res.Endpoint)
	}
	if !res.RegisteredAt.Equal(orig.RegisteredAt) {
		t.Error("expected registration time preserved")
	}
	if _, ok := r.ResourceByName("db-name"); ok {
		t.Error("expected stale name index removed")
	}
	if _, ok := r.ResourceByName("db-renamed"); !ok {
		t.Error("expected new name indexed")
	}
}

func TestRemoveResourceCascadesCapabilities(t *testing.T) {
	r := New()
	if err := r.AddResource(testResource("svc")); err != nil {
		t.Fatalf("add: %v", err)
	}
	for _, name := range []string{"read", "write"} {
		c := &Capability{ID: "svc." + name, ResourceID: "svc", Name: name, Sensitivity: config.SensitivityLow}
		if err := r.AddCapability(c); err != nil {
			t.Fatalf("add capability: %v", err)
		}
	}

	if err := r.RemoveResource("svc"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := r.Capability("svc.read"); ok {
		t.Error("expected capabilities removed with resource")
	}
	if got := r.Stats(); got.Resources != 0 || got.Capabilities != 0 {
		t.Errorf("expected empty registry, got %+v", got)
	}
}

func TestAddCapabilityRequiresResource(t *testing.T) {
	r := New()
	err := r.AddCapability(&Capability{ID: "x.y", ResourceID: "x", Name: "y"})
	if !errors.Is(err, ErrResourceNotFound) {
		t.Errorf("expected ErrResourceNotFound, got %v", err)
	}
}

func TestCapabilitiesForPreservesOrder(t *testing.T) {
	r := New()
	if err := r.AddResource(testResource("svc")); err != nil {
		t.Fatalf("add: %v", err)
	}
	names := []string{"c", "a", "b"}
	for _, name := range names {
		if err := r.AddCapability(&Capability{ID: "svc." + name, ResourceID: "svc", Name: name}); err != nil {
			t.Fatalf("add capability: %v", err)
		}
	}

	caps := r.CapabilitiesFor("svc")
	if len(caps) != 3 {
		t.Fatalf("expected 3 capabilities, got %d", len(caps))
	}
	for i, name := range names {
		if caps[i].Name != name {
			t.Errorf("expected %s at index %d, got %s", name, i, caps[i].Name)
		}
	}
}

func TestAdoptDiscoveredReplacesSet(t *testing.T) {
	r := New()
	res := testResource("mcp")
	res.Sensitivity = config.SensitivityHigh
	if err := r.AddResource(res); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.AddCapability(&Capability{ID: "mcp.old", ResourceID: "mcp", Name: "old"}); err != nil {
		t.Fatalf("add capability: %v", err)
	}

	discovered := []*Capability{
		{Name: "search"},
		{Name: "fetch", Sensitivity: config.SensitivityLow},
	}
	if err := r.AdoptDiscovered("mcp", discovered); err != nil {
		t.Fatalf("adopt: %v", err)
	}

	if _, ok := r.Capability("mcp.old"); ok {
		t.Error("expected stale capability dropped")
	}
	c, ok := r.Capability("mcp.search")
	if !ok {
		t.Fatal("expected discovered capability with derived id")
	}
	if c.Sensitivity != config.SensitivityHigh {
		t.Errorf("expected inherited sensitivity high, got %s", c.Sensitivity)
	}
	c, _ = r.Capability("mcp.fetch")
	if c.Sensitivity != config.SensitivityLow {
		t.Errorf("expected explicit sensitivity kept, got %s", c.Sensitivity)
	}
}

func TestFromConfig(t *testing.T) {
	cfgs := []config.ResourceConfig{
		{
			ID:          "billing",
			Name:        "billing-api",
			Protocol:    config.ProtocolHTTP,
			Endpoint:    "https://billing.internal",
			Sensitivity: config.SensitivityCritical,
			Capabilities: []config.CapabilityConfig{
				{ID: "billing.charge", Name: "charge", Sensitivity: config.SensitivityCritical},
				{ID: "billing.list", Name: "list", Sensitivity: config.SensitivityLow},
			},
		},
	}

	r, err := FromConfig(cfgs)
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if got := r.Stats(); got.Resources != 1 || got.Capabilities != 2 {
		t.Fatalf("expected 1 resource / 2 capabilities, got %+v", got)
	}
	res, _ := r.Resource("billing")
	if res.Source != "config" {
		t.Errorf("expected source config, got %s", res.Source)
	}
	caps := r.CapabilitiesFor("billing")
	if caps[0].ID != "billing.charge" || caps[1].ID != "billing.list" {
		t.Errorf("unexpected capability ids: %s, %s", caps[0].ID, caps[1].ID)
	}
}

func TestResourcesSortedByID(t *testing.T) {
	r := New()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if err := r.AddResource(testResource(id)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	all := r.Resources()
	if all[0].ID != "alpha" || all[1].ID != "mid" || all[2].ID != "zeta" {
		t.Errorf("expected sorted ids, got %s %s %s", all[0].ID, all[1].ID, all[2].ID)
	}
}
