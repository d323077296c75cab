package allowlist

import (
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
)

func TestNormalize_TrimDedupeSort(t *testing.T) {
	t.Parallel()
	snap := Normalize(map[string][]string{
		" orders ": {"order_status", " order_id", "order_id", "", "  "},
		"":         {"x"},
		"empty":    nil,
	})
	want := Snapshot{
		"orders": {"order_id", "order_status"},
		"empty":  {},
	}
	if !reflect.DeepEqual(snap, want) {
		t.Fatalf("Normalize() = %#v, want %#v", snap, want)
	}
}

func TestNormalize_MergesTablesThatTrimToSameName(t *testing.T) {
	t.Parallel()
	snap := Normalize(map[string][]string{
		"orders":  {"b"},
		"orders ": {"a", "b"},
	})
	if !reflect.DeepEqual(snap["orders"], []string{"a", "b"}) {
		t.Fatalf("expected merged columns, got %v", snap["orders"])
	}
}

func TestSnapshot_Lookups(t *testing.T) {
	t.Parallel()
	r := NewRegistry(map[string][]string{"orders": {"order_id", "Order_Status"}})
	if !r.IsAllowedTable("orders") || !r.IsAllowedTable("ORDERS") {
		t.Fatal("expected orders to be allowed case-insensitively")
	}
	if r.IsAllowedTable("customers") {
		t.Fatal("customers must not be allowed")
	}
	if !r.IsAllowedColumn("orders", "order_status") {
		t.Fatal("expected column lookup to be case-insensitive")
	}
	if r.IsAllowedColumn("orders", "price") {
		t.Fatal("price must not be allowed")
	}
}

func TestSnapshot_JSONDeterministic(t *testing.T) {
	t.Parallel()
	r := NewRegistry(map[string][]string{
		"orders":    {"order_status", "order_id"},
		"customers": {"customer_state", "customer_id"},
	})
	got, err := r.JSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"customers":["customer_id","customer_state"],"orders":["order_id","order_status"]}`
	if string(got) != want {
		t.Fatalf("JSON() = %s, want %s", got, want)
	}
	again, _ := r.JSON()
	if string(again) != string(got) {
		t.Fatal("expected identical serialization on repeated calls")
	}
}

func TestRegistry_EmptyBeforeSet(t *testing.T) {
	t.Parallel()
	var r Registry
	if len(r.Snapshot()) != 0 {
		t.Fatal("expected empty snapshot")
	}
	got, _ := r.JSON()
	if string(got) != "{}" {
		t.Fatalf("expected {}, got %s", got)
	}
}

func TestRegistry_SetReplacesWholeSnapshot(t *testing.T) {
	t.Parallel()
	r := NewRegistry(map[string][]string{"orders": {"order_id"}})
	before := r.Snapshot()
	r.Set(map[string][]string{"customers": {"customer_id"}})

	if r.IsAllowedTable("orders") {
		t.Fatal("orders must be gone after Set")
	}
	if !before.HasTable("orders") {
		t.Fatal("a previously read snapshot must not change")
	}
}

func TestRegistry_ConcurrentSetAndRead(t *testing.T) {
	r := NewRegistry(map[string][]string{"a": {"x"}})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r.Set(map[string][]string{"a": {"x"}, "b": {"y"}})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snap := r.Snapshot()
				if !snap.HasColumn("a", "x") {
					t.Error("observed a partial snapshot")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "allowlist.yaml")
	doc := "tables:\n  orders: [order_id, order_status]\n  customers:\n    - customer_id\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	mapping, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := Normalize(mapping)
	if !snap.HasColumn("customers", "customer_id") || !snap.HasColumn("orders", "order_status") {
		t.Fatalf("unexpected snapshot %v", snap)
	}
}

func TestParse_MissingTablesKey(t *testing.T) {
	t.Parallel()
	if _, err := Parse([]byte("orders: [a]\n")); err == nil {
		t.Fatal("expected error for document without tables key")
	}
}
