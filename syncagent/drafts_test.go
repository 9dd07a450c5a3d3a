package syncagent

import (
	"path/filepath"
	"testing"
)

func TestDraftStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drafts.db")
	d, err := OpenDrafts(path)
	if err != nil {
		t.Fatal(err)
	}

	if snap, err := d.Get("room"); err != nil || snap != nil {
		t.Fatalf("Get on empty store = %v, %v", snap, err)
	}
	if err := d.Put("room", assignSnapshot("1")); err != nil {
		t.Fatal(err)
	}
	if err := d.Put("room", assignSnapshot("2")); err != nil {
		t.Fatal(err)
	}
	if err := d.Put("attic", assignSnapshot("3")); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	// Drafts survive a restart.
	d, err = OpenDrafts(path)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	snap, err := d.Get("room")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Fingerprint() != assignSnapshot("2").Fingerprint() {
		t.Error("Get did not return the latest draft")
	}

	if err := d.Delete("attic"); err != nil {
		t.Fatal(err)
	}
	if snap, _ := d.Get("attic"); snap != nil {
		t.Error("deleted draft still present")
	}
}
