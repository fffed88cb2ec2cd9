package hub

import (
	"testing"
	"time"

	"fleethub/internal/wire"
)

func TestRegistryAtMostOneSessionPerID(t *testing.T) {
	r := NewRegistry()

	_, oldID := r.Authenticate("srv-1")
	newSink, newID := r.Authenticate("srv-1")

	if oldID == newID {
		t.Fatalf("expected distinct session ids, got %d for both", oldID)
	}

	// The stale session's cleanup must not remove the newer registration.
	r.Remove("srv-1", oldID)
	sink, ok := r.LookupSink("srv-1")
	if !ok {
		t.Fatal("newer registration was removed by the older session's cleanup")
	}
	if sink != newSink {
		t.Fatal("lookup returned a different sink than the newer registration")
	}

	r.Remove("srv-1", newID)
	if _, ok := r.LookupSink("srv-1"); ok {
		t.Fatal("expected entry removed once the current session cleans up")
	}
}

func TestRegistryOnlineWindow(t *testing.T) {
	r := NewRegistry()
	r.Authenticate("srv-1")

	now := time.Now()
	r.Upsert("srv-1", wire.SystemMetrics{}, now.Add(-10*time.Second))
	entries := r.Snapshot()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if !Online(entries[0].LastUpdated, now) {
		t.Error("expected online within the 30s window")
	}

	r.Upsert("srv-1", wire.SystemMetrics{}, now.Add(-31*time.Second))
	entries = r.Snapshot()
	if Online(entries[0].LastUpdated, now) {
		t.Error("expected offline past the 30s window")
	}
}

func TestRegistryNoSampleUntilFirstUpsert(t *testing.T) {
	r := NewRegistry()
	r.Authenticate("srv-1")

	entries := r.Snapshot()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].HasSample {
		t.Error("expected no sample recorded before the first metrics frame")
	}
	if Online(entries[0].LastUpdated, time.Now()) {
		t.Error("expected offline until the first metrics frame arrives")
	}

	r.Upsert("srv-1", wire.SystemMetrics{}, time.Now())
	entries = r.Snapshot()
	if !entries[0].HasSample {
		t.Error("expected a sample recorded after the first upsert")
	}
}

func TestRegistryUpsertNoopWhenNotAuthenticated(t *testing.T) {
	r := NewRegistry()
	r.Upsert("srv-unknown", wire.SystemMetrics{}, time.Now())
	if len(r.Snapshot()) != 0 {
		t.Error("expected no entry for a server that never authenticated")
	}
}

func TestRegistryLen(t *testing.T) {
	r := NewRegistry()
	if r.Len() != 0 {
		t.Fatalf("expected 0, got %d", r.Len())
	}
	r.Authenticate("srv-1")
	r.Authenticate("srv-2")
	if r.Len() != 2 {
		t.Fatalf("expected 2, got %d", r.Len())
	}
}
