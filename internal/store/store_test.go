package store

import (
	"path/filepath"
	"testing"

	"github.com/nyxlabs/gvmd/internal/gvm"
	"github.com/nyxlabs/gvmd/internal/gvmerr"
	"github.com/nyxlabs/gvmd/internal/status"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetByName(t *testing.T) {
	s := openTestStore(t)

	r := &gvm.Record{
		Name:   "a",
		Status: status.Created,
		Config: gvm.Config{VCPUs: 2, MemoryMB: 2048, StorageBytes: 1 << 30, RPCPort: 55050},
	}
	if err := s.Save(r, 100); err != nil {
		t.Fatal(err)
	}
	if r.ID == "" {
		t.Fatal("expected Save to assign an ID")
	}

	got, err := s.GetByName("a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "a" || got.Config.VCPUs != 2 || !got.Status.Equal(status.Created) {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.UpdatedAt < r.CreatedAt {
		t.Errorf("UpdatedAt = %d, want >= CreatedAt %d", got.UpdatedAt, r.CreatedAt)
	}
}

func TestGetByNameNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetByName("missing")
	if gvmerr.KindOf(err) != gvmerr.NotFound {
		t.Fatalf("kind = %v, want NotFound", gvmerr.KindOf(err))
	}
}

func TestSaveDuplicateNameRejected(t *testing.T) {
	s := openTestStore(t)

	r1 := &gvm.Record{Name: "x", Status: status.Created, Config: gvm.Config{VCPUs: 1}}
	if err := s.Save(r1, 1); err != nil {
		t.Fatal(err)
	}

	r2 := &gvm.Record{Name: "x", Status: status.Created, Config: gvm.Config{VCPUs: 4}}
	err := s.Save(r2, 2)
	if gvmerr.KindOf(err) != gvmerr.AlreadyExists {
		t.Fatalf("kind = %v, want AlreadyExists", gvmerr.KindOf(err))
	}

	list, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Config.VCPUs != 1 {
		t.Fatalf("store mutated by rejected save: %+v", list)
	}
}

func TestFailedStatusRoundTrips(t *testing.T) {
	s := openTestStore(t)
	r := &gvm.Record{Name: "f", Status: status.Failed("kernel not found"), Config: gvm.Config{}}
	if err := s.Save(r, 1); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetByName("f")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Status.IsFailed() || got.Status.Reason() != "kernel not found" {
		t.Errorf("Failed reason not preserved: %+v", got.Status)
	}
}

func TestDeleteByNameCascadesPorts(t *testing.T) {
	s := openTestStore(t)
	r := &gvm.Record{Name: "d", Status: status.Created, Config: gvm.Config{}}
	if err := s.Save(r, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReservePort(r.ID, 55000, "rpc"); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteByName("d"); err != nil {
		t.Fatal(err)
	}

	ports, err := s.ListReservedPorts(r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ports) != 0 {
		t.Errorf("ports not cascade-deleted: %+v", ports)
	}
}

// TestPortReuseAfterDestroy is end-to-end scenario 4 of SPEC_FULL.md
// section 8: create three GVMs with base port 55000, destroy the middle
// one, create a fourth — its port must be the reused middle one.
func TestPortReuseAfterDestroy(t *testing.T) {
	s := openTestStore(t)

	mk := func(name string) *gvm.Record {
		r := &gvm.Record{Name: name, Status: status.Created, Config: gvm.Config{}}
		if err := s.Save(r, 1); err != nil {
			t.Fatal(err)
		}
		return r
	}

	r1, r2, r3 := mk("vm1"), mk("vm2"), mk("vm3")

	p1, err := s.ReservePort(r1.ID, 55000, "rpc")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := s.ReservePort(r2.ID, 55000, "rpc")
	if err != nil {
		t.Fatal(err)
	}
	p3, err := s.ReservePort(r3.ID, 55000, "rpc")
	if err != nil {
		t.Fatal(err)
	}
	if p1 != 55000 || p2 != 55001 || p3 != 55002 {
		t.Fatalf("initial allocation = %d,%d,%d, want 55000,55001,55002", p1, p2, p3)
	}

	if err := s.DeleteByName("vm2"); err != nil {
		t.Fatal(err)
	}

	r4 := mk("vm4")
	p4, err := s.ReservePort(r4.ID, 55000, "rpc")
	if err != nil {
		t.Fatal(err)
	}
	if p4 != 55001 {
		t.Fatalf("reused port = %d, want 55001 (lowest free)", p4)
	}
}
