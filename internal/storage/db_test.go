package storage

import (
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMeta(t *testing.T) {
	db := openTestDB(t)

	if got := db.GetMeta("self_public_key"); got != "" {
		t.Fatalf("missing key returned %q", got)
	}
	if err := db.SetMeta("self_public_key", "02abcd"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetMeta("self_public_key", "02ef01"); err != nil {
		t.Fatal(err)
	}
	if got := db.GetMeta("self_public_key"); got != "02ef01" {
		t.Fatalf("got %q, want the overwritten value", got)
	}
}

func TestIdentityRoundtrip(t *testing.T) {
	db := openTestDB(t)

	id := StoredIdentity{
		PublicKeyHex: "02aa",
		Address:      "bcrt1pxyz",
		PeerID:       "12D3KooWa",
		Multiaddrs:   []string{"/ip4/10.0.0.1/tcp/4001"},
		Capabilities: 3,
		Available:    true,
	}
	if err := db.UpsertIdentity(id); err != nil {
		t.Fatal(err)
	}

	got, ok := db.GetIdentity("02aa")
	if !ok {
		t.Fatal("identity not found")
	}
	if got.Address != id.Address || got.PeerID != id.PeerID || !got.Available {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if len(got.Multiaddrs) != 1 || got.Multiaddrs[0] != id.Multiaddrs[0] {
		t.Fatalf("multiaddrs: %v", got.Multiaddrs)
	}

	// Conflict update: peer id changes, empty multiaddrs keep the old set.
	id.PeerID = "12D3KooWb"
	id.Multiaddrs = nil
	if err := db.UpsertIdentity(id); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetIdentity("02aa")
	if got.PeerID != "12D3KooWb" {
		t.Fatalf("peer id not updated: %q", got.PeerID)
	}
	if len(got.Multiaddrs) != 1 {
		t.Fatalf("empty upsert wiped the multiaddrs: %v", got.Multiaddrs)
	}

	list, err := db.ListIdentities()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("upsert duplicated the row: %d identities", len(list))
	}

	if err := db.DeleteIdentity("02aa"); err != nil {
		t.Fatal(err)
	}
	if _, ok := db.GetIdentity("02aa"); ok {
		t.Fatal("identity survived deletion")
	}
}

func TestSignerCacheRoundtrip(t *testing.T) {
	db := openTestDB(t)

	s := CachedSigner{
		PublicKey:    "02bb",
		AdvertID:     "ad-1",
		PeerID:       "12D3KooWc",
		Nickname:     "dave",
		Capabilities: 1,
		FeeSats:      10,
		MinAmount:    1000,
		MaxAmount:    99000,
		DiscoveredAt: time.Now().UnixMilli(),
	}
	if err := db.UpsertCachedSigner(s); err != nil {
		t.Fatal(err)
	}

	// Re-advertisement with the same key replaces, keyed by public key.
	s.AdvertID = "ad-2"
	s.FeeSats = 20
	if err := db.UpsertCachedSigner(s); err != nil {
		t.Fatal(err)
	}

	list, err := db.ListCachedSigners()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("re-advertisement duplicated the row: %d signers", len(list))
	}
	if list[0].AdvertID != "ad-2" || list[0].FeeSats != 20 {
		t.Fatalf("row not replaced: %+v", list[0])
	}

	if err := db.DeleteCachedSigner("02bb"); err != nil {
		t.Fatal(err)
	}
	list, _ = db.ListCachedSigners()
	if len(list) != 0 {
		t.Fatal("signer survived deletion")
	}
}

func TestWalletRoundtrip(t *testing.T) {
	db := openTestDB(t)

	w := StoredWallet{
		WalletID:      "w-1",
		AggregatedKey: "02cc",
		Address:       "bcrt1pshared",
		Network:       "regtest",
		Participants:  []string{"02aa", "02bb"},
		BalanceSats:   0,
	}
	if err := db.UpsertWallet(w); err != nil {
		t.Fatal(err)
	}

	got, ok := db.GetWallet("w-1")
	if !ok {
		t.Fatal("wallet not found")
	}
	if got.Address != w.Address || got.Network != w.Network {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if len(got.Participants) != 2 {
		t.Fatalf("participants: %v", got.Participants)
	}

	// Conflict only updates the cached balance; keys are immutable.
	w.AggregatedKey = "02dd"
	w.BalanceSats = 5000
	if err := db.UpsertWallet(w); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetWallet("w-1")
	if got.AggregatedKey != "02cc" {
		t.Fatal("conflict upsert rewrote the aggregated key")
	}
	if got.BalanceSats != 5000 {
		t.Fatalf("balance not updated: %d", got.BalanceSats)
	}

	if _, ok := db.GetWallet("nope"); ok {
		t.Fatal("unknown wallet id found")
	}

	list, err := db.ListWallets()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("wallets: %d", len(list))
	}
}
