package kvstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/prerender/dbopen"

	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	s, err := New(context.Background(), db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSetGet(t *testing.T) {
	ctx := context.Background()
	a := testStore(t).Area(AreaLocal)

	err := a.Set(ctx, map[string]any{
		"index":     map[string]int{".version": 1, ".nextId": 1},
		"lcp_n_0":   map[string]int{"count": 2},
		"untouched": true,
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := a.Get(ctx, "index", "lcp_n_0", "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len: got %d, want 2 (%v)", len(got), got)
	}
	if _, ok := got["missing"]; ok {
		t.Error("missing key should be absent")
	}
	var idx map[string]int
	if err := json.Unmarshal(got["index"], &idx); err != nil {
		t.Fatal(err)
	}
	if idx[".nextId"] != 1 {
		t.Errorf(".nextId: got %d, want 1", idx[".nextId"])
	}
}

func TestSet_Overwrites(t *testing.T) {
	ctx := context.Background()
	a := testStore(t).Area(AreaLocal)

	if err := a.Set(ctx, map[string]any{"k": 1}); err != nil {
		t.Fatal(err)
	}
	if err := a.Set(ctx, map[string]any{"k": 2}); err != nil {
		t.Fatal(err)
	}
	var v int
	ok, err := a.GetInto(ctx, "k", &v)
	if err != nil || !ok {
		t.Fatalf("GetInto: ok=%v err=%v", ok, err)
	}
	if v != 2 {
		t.Fatalf("got %d, want 2", v)
	}
}

func TestAreasAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	if err := s.Area(AreaSync).Set(ctx, map[string]any{"blockedOrigins": []string{"https://a.test"}}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Area(AreaLocal).Get(ctx, "blockedOrigins")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("local area sees sync key: %v", got)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	a := testStore(t).Area(AreaLocal)

	if err := a.Set(ctx, map[string]any{"a": 1, "b": 2, "c": 3}); err != nil {
		t.Fatal(err)
	}
	if err := a.Remove(ctx, "a", "c", "absent"); err != nil {
		t.Fatal(err)
	}
	keys, err := a.Keys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "b" {
		t.Fatalf("keys: got %v, want [b]", keys)
	}
}

func TestGetInto_Absent(t *testing.T) {
	var v string
	ok, err := testStore(t).Area(AreaLocal).GetInto(context.Background(), "nope", &v)
	if err != nil || ok {
		t.Fatalf("got ok=%v err=%v, want false/nil", ok, err)
	}
}

func TestSet_EncodeErrorWritesNothing(t *testing.T) {
	ctx := context.Background()
	a := testStore(t).Area(AreaLocal)

	err := a.Set(ctx, map[string]any{"good": 1, "bad": make(chan int)})
	if err == nil {
		t.Fatal("expected encode error")
	}
	got, _ := a.Get(ctx, "good")
	if len(got) != 0 {
		t.Fatal("partial write after encode error")
	}
}

func TestEmptyCalls(t *testing.T) {
	ctx := context.Background()
	a := testStore(t).Area(AreaLocal)
	if got, err := a.Get(ctx); err != nil || len(got) != 0 {
		t.Fatalf("Get(): %v %v", got, err)
	}
	if err := a.Set(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if err := a.Remove(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "prerender.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Area(AreaLocal).Set(ctx, map[string]any{"k": "v"}); err != nil {
		t.Fatal(err)
	}
	var v string
	if ok, err := s.Area(AreaLocal).GetInto(ctx, "k", &v); err != nil || !ok || v != "v" {
		t.Fatalf("roundtrip: %q ok=%v err=%v", v, ok, err)
	}
}

var _ Storage = (*Area)(nil)
