package definition

import (
	"sync"
	"testing"

	"github.com/pitabwire/procura/model"
)

func testDefs() []model.ResourceDefinition {
	return []model.ResourceDefinition{
		{Name: "vendors", Path: "vendors", Checksum: "a"},
		{Name: "catalog_items", Path: "catalog-items", Checksum: "b"},
	}
}

func TestRegistry_lookups(t *testing.T) {
	r := NewRegistry(testDefs())

	if d, ok := r.Get("catalog_items"); !ok || d.Path != "catalog-items" {
		t.Errorf("Get() = %+v, %v", d, ok)
	}
	if d, ok := r.ByPath("catalog-items"); !ok || d.Name != "catalog_items" {
		t.Errorf("ByPath() = %+v, %v", d, ok)
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) should fail")
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d", r.Len())
	}

	all := r.All()
	if len(all) != 2 || all[0].Name != "catalog_items" || all[1].Name != "vendors" {
		t.Errorf("All() not sorted by name: %+v", all)
	}
}

func TestRegistry_checksumIndependentOfOrder(t *testing.T) {
	defs := testDefs()
	a := NewRegistry(defs).Checksum()
	b := NewRegistry([]model.ResourceDefinition{defs[1], defs[0]}).Checksum()
	if a != b {
		t.Errorf("checksums differ: %s vs %s", a, b)
	}
	if a == NewRegistry(defs[:1]).Checksum() {
		t.Error("checksum should change with contents")
	}
}

func TestRegistry_Replace_concurrentReads(t *testing.T) {
	r := NewRegistry(testDefs())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r.Get("vendors")
				r.All()
			}
		}()
	}
	for i := 0; i < 50; i++ {
		r.Replace(testDefs()[:1+i%2])
	}
	wg.Wait()

	if _, ok := r.Get("vendors"); !ok {
		t.Error("vendors missing after replacements")
	}
}
