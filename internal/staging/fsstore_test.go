package staging

import (
	"errors"
	"strings"
	"testing"
)

func TestFSStoreRejectsTraversal(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"", "/abs", "../escape", "tasks/../../escape"} {
		if _, err := store.Put(key, strings.NewReader("x"), 0); err == nil {
			t.Errorf("Put accepted key %q", key)
		}
	}
}

func TestFSStorePutEnforcesSizeLimit(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Put("k", strings.NewReader("0123456789"), 5); err == nil {
		t.Fatal("oversized object accepted")
	}
	// The partial write must not be visible.
	if ok, _ := store.Exists("k"); ok {
		t.Error("rejected object left behind")
	}
	if n, err := store.Put("k", strings.NewReader("01234"), 5); err != nil || n != 5 {
		t.Fatalf("exact-size put: n=%d err=%v", n, err)
	}
}

func TestFSStoreGetMissing(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.Get("absent"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("err = %v, want ErrObjectNotFound", err)
	}
}

func TestFSStoreListSkipsPartFiles(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Put("tasks/t/inputs/a", strings.NewReader("a"), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Put("tasks/t/inputs/b", strings.NewReader("bb"), 0); err != nil {
		t.Fatal(err)
	}

	objects, err := store.List("tasks/t")
	if err != nil {
		t.Fatal(err)
	}
	if len(objects) != 2 {
		t.Fatalf("listed %d objects, want 2", len(objects))
	}
	if objects[0].Key != "tasks/t/inputs/a" || objects[0].Size != 1 {
		t.Errorf("first object = %+v", objects[0])
	}

	// Listing a prefix that never existed is empty, not an error.
	objects, err = store.List("tasks/none")
	if err != nil {
		t.Fatal(err)
	}
	if len(objects) != 0 {
		t.Errorf("phantom objects: %v", objects)
	}
}
