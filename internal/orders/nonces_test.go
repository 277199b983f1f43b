package orders

import (
	"path/filepath"
	"testing"
	"time"
)

func TestNonceCheckAndRecord(t *testing.T) {
	store, err := OpenNonceStore(filepath.Join(t.TempDir(), "nonces.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	fresh, err := store.CheckAndRecord("nonce-abc", "ord-001")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !fresh {
		t.Fatal("expected first sighting to be fresh")
	}

	replay, err := store.CheckAndRecord("nonce-abc", "ord-002")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if replay {
		t.Fatal("expected second sighting to be flagged as replay")
	}
}

func TestNoncePrune(t *testing.T) {
	store, err := OpenNonceStore(filepath.Join(t.TempDir(), "nonces.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	for _, n := range []string{"n1", "n2", "n3"} {
		if _, err := store.CheckAndRecord(n, "ord-"+n); err != nil {
			t.Fatalf("record %s: %v", n, err)
		}
	}

	// Fresh entries survive a 24h prune.
	removed, err := store.Prune(24 * time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected 0 pruned, got %d", removed)
	}

	// A negative age puts the cutoff in the future and removes everything.
	removed, err = store.Prune(-time.Minute)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 pruned, got %d", removed)
	}

	n, err := store.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty store after prune, got %d", n)
	}
}

func TestNoncePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonces.db")

	store, err := OpenNonceStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.CheckAndRecord("durable-nonce", "ord-100"); err != nil {
		t.Fatalf("record: %v", err)
	}
	store.Close()

	reopened, err := OpenNonceStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	fresh, err := reopened.CheckAndRecord("durable-nonce", "ord-101")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if fresh {
		t.Fatal("expected replay detection to survive restart")
	}
}
