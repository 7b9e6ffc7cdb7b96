package p2p

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingmesh/internal/storage"
)

func TestBanStore_PutGetDelete(t *testing.T) {
	bs := NewBanStore(storage.NewMemory())
	id := peer.ID("peer-a")

	rec := &BanRecord{ID: id.String(), Reason: "forged", Score: 100, BannedAt: 10, ExpiresAt: 20}
	if err := bs.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := bs.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if *got != *rec {
		t.Fatalf("Get = %+v, want %+v", got, rec)
	}
	if err := bs.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := bs.Get(id); err == nil {
		t.Fatal("expected error after Delete")
	}
}

func TestBanStore_Namespaced(t *testing.T) {
	db := storage.NewMemory()
	bs := NewBanStore(db)
	bs.Put(&BanRecord{ID: "peer-a"})
	db.Put([]byte("l1-heartbeat.json"), []byte(`{"layer":"l1"}`))

	n := 0
	bs.ForEach(func(*BanRecord) error { n++; return nil })
	if n != 1 {
		t.Fatalf("ForEach saw %d records, want 1", n)
	}
}

func TestBanStore_PruneExpired(t *testing.T) {
	db := storage.NewMemory()
	bs := NewBanStore(db)
	now := time.Unix(1000, 0)

	bs.Put(&BanRecord{ID: "expired", ExpiresAt: 999})
	bs.Put(&BanRecord{ID: "active", ExpiresAt: 2000})
	bs.Put(&BanRecord{ID: "permanent"})
	db.Put([]byte(banKeyPrefix+"corrupt"), []byte("{"))

	pruned, err := bs.PruneExpired(now)
	if err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("pruned = %d, want 2", pruned)
	}
	var left []string
	bs.ForEach(func(r *BanRecord) error { left = append(left, r.ID); return nil })
	if len(left) != 2 {
		t.Fatalf("remaining = %v", left)
	}
}
