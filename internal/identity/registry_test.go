package identity

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/musignet/musignet/internal/musig"
	"github.com/musignet/musignet/internal/proto"
	"github.com/musignet/musignet/internal/storage"
)

func testKey(t *testing.T) string {
	t.Helper()
	priv, err := musig.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pub, err := musig.PubKeyFromPriv(priv)
	if err != nil {
		t.Fatal(err)
	}
	return pub
}

// memPersister records upserts for assertions.
type memPersister struct {
	mu      sync.Mutex
	upserts []storage.StoredIdentity
}

func (m *memPersister) UpsertIdentity(s storage.StoredIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts = append(m.upserts, s)
	return nil
}

func TestFindOrCreate(t *testing.T) {
	db := &memPersister{}
	r := NewRegistry(db)
	key := testKey(t)

	id, err := r.FindOrCreate(key, "regtest")
	if err != nil {
		t.Fatal(err)
	}
	if id.PublicKeyHex != strings.ToLower(key) {
		t.Fatalf("key not normalized: %s", id.PublicKeyHex)
	}
	if !strings.HasPrefix(id.Address, "bcrt1p") {
		t.Fatalf("expected regtest taproot address, got %q", id.Address)
	}

	// Second call returns the same identity, no new persistence.
	again, err := r.FindOrCreate(strings.ToUpper(key), "regtest")
	if err != nil {
		t.Fatal(err)
	}
	if again.Address != id.Address || !again.CreatedAt.Equal(id.CreatedAt) {
		t.Fatal("FindOrCreate is not idempotent")
	}
	if len(db.upserts) != 1 {
		t.Fatalf("expected exactly one persist, got %d", len(db.upserts))
	}
}

func TestFindOrCreateInvalidKey(t *testing.T) {
	r := NewRegistry(nil)
	for _, bad := range []string{"", "zz", "02deadbeef"} {
		if _, err := r.FindOrCreate(bad, "regtest"); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("key %q: expected ErrInvalidKey, got %v", bad, err)
		}
	}
}

func TestOnlineStatusInference(t *testing.T) {
	r := NewRegistry(nil)
	key := testKey(t)

	if got := r.OnlineStatus(key); got != StatusUnknown {
		t.Fatalf("unknown identity: got %s", got)
	}

	if _, err := r.FindOrCreate(key, "regtest"); err != nil {
		t.Fatal(err)
	}
	// Created but never seen and never linked: unknown.
	if got := r.OnlineStatus(key); got != StatusUnknown {
		t.Fatalf("never-seen identity: got %s", got)
	}

	// Live flag wins over everything.
	r.UpdatePresence(key, true, time.Now())
	if got := r.OnlineStatus(key); got != StatusOnline {
		t.Fatalf("online identity: got %s", got)
	}

	// Not live, but seen recently.
	r.UpdatePresence(key, false, time.Now().Add(-time.Minute))
	if got := r.OnlineStatus(key); got != StatusRecentlyOnline {
		t.Fatalf("recently seen identity: got %s", got)
	}

	// Stale sighting, but a peer id was linked at some point: offline.
	pid := "12D3KooWtest"
	r.UpdatePresence(key, false, time.Now().Add(-time.Hour))
	if _, ok := r.Update(key, Update{PeerID: &pid}); !ok {
		t.Fatal("update failed")
	}
	if got := r.OnlineStatus(key); got != StatusOffline {
		t.Fatalf("stale linked identity: got %s", got)
	}
}

func TestPeerConnectionPresence(t *testing.T) {
	r := NewRegistry(nil)
	key := testKey(t)
	pid := "12D3KooWabc"

	// Connection events for unlinked peers are ignored.
	r.UpdateFromPeerConnection(pid, []string{"/ip4/10.0.0.9/tcp/4001"})
	r.MarkOfflineByPeerID(pid)

	if _, err := r.FindOrCreate(key, "regtest"); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Update(key, Update{PeerID: &pid}); !ok {
		t.Fatal("update failed")
	}

	r.UpdateFromPeerConnection(pid, []string{"/ip4/10.0.0.9/tcp/4001"})
	id, _ := r.Get(key)
	if !id.IsOnline {
		t.Fatal("identity should be online after peer connection")
	}
	if len(id.Multiaddrs) != 1 {
		t.Fatalf("multiaddrs not recorded: %v", id.Multiaddrs)
	}

	r.MarkOfflineByPeerID(pid)
	id, _ = r.Get(key)
	if id.IsOnline {
		t.Fatal("identity should be offline after disconnect")
	}

	// Lookup by peer id still works offline.
	if _, ok := r.GetByPeerID(pid); !ok {
		t.Fatal("peer id link lost on disconnect")
	}
}

func TestUpdateFromSignerDiscovery(t *testing.T) {
	r := NewRegistry(nil)
	key := testKey(t)

	ad := proto.SignerAdvert{
		AdvertID:     "ad-1",
		PublicKey:    strings.ToUpper(key), // wire casing should not matter
		PeerID:       "12D3KooWxyz",
		Capabilities: proto.CapSpend | proto.CapSweep,
		Addrs:        []string{"/ip4/192.168.1.4/tcp/4001"},
		DiscoveredAt: proto.NowMillis(),
	}

	id, err := r.UpdateFromSignerDiscovery(ad, "regtest")
	if err != nil {
		t.Fatal(err)
	}
	if !id.IsOnline {
		t.Fatal("a fresh advertisement is proof of liveness")
	}
	if id.PeerID != ad.PeerID {
		t.Fatalf("peer id not linked: %q", id.PeerID)
	}
	if !id.Capabilities.Available || id.Capabilities.Bits != ad.Capabilities {
		t.Fatalf("capabilities not applied: %+v", id.Capabilities)
	}
	want := []string{"spend", "sweep"}
	if len(id.Capabilities.TransactionTypes) != len(want) {
		t.Fatalf("transaction types: got %v want %v", id.Capabilities.TransactionTypes, want)
	}

	if got := r.OnlineStatus(key); got != StatusOnline {
		t.Fatalf("after discovery: got %s", got)
	}
}

func TestSeedIsOffline(t *testing.T) {
	r := NewRegistry(nil)
	key := strings.ToLower(testKey(t))
	r.Seed([]storage.StoredIdentity{{
		PublicKeyHex: key,
		Address:      "bcrt1p...",
		PeerID:       "12D3KooWseed",
		Capabilities: proto.CapSpend,
		Available:    true,
	}})

	id, ok := r.Get(key)
	if !ok {
		t.Fatal("seeded identity missing")
	}
	if id.IsOnline {
		t.Fatal("seeded identities must start offline")
	}
	if _, ok := r.GetByPeerID("12D3KooWseed"); !ok {
		t.Fatal("seed did not restore the peer id index")
	}
}

func TestSubscribeEvents(t *testing.T) {
	r := NewRegistry(nil)
	ch := r.Subscribe()
	defer r.Unsubscribe(ch)
	key := testKey(t)

	if _, err := r.FindOrCreate(key, "regtest"); err != nil {
		t.Fatal(err)
	}
	select {
	case evt := <-ch:
		if evt.Type != "create" {
			t.Fatalf("expected create event, got %s", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}
