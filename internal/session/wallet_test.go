package session

import (
	"strings"
	"testing"

	"github.com/musignet/musignet/internal/storage"
)

type memWalletStore struct {
	wallets map[string]storage.StoredWallet
}

func newMemWalletStore() *memWalletStore {
	return &memWalletStore{wallets: make(map[string]storage.StoredWallet)}
}

func (m *memWalletStore) UpsertWallet(w storage.StoredWallet) error {
	m.wallets[w.WalletID] = w
	return nil
}

func (m *memWalletStore) GetWallet(id string) (storage.StoredWallet, bool) {
	w, ok := m.wallets[id]
	return w, ok
}

func (m *memWalletStore) ListWallets() ([]storage.StoredWallet, error) {
	out := make([]storage.StoredWallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		out = append(out, w)
	}
	return out, nil
}

func TestWalletCreate(t *testing.T) {
	store := newMemWalletStore()
	mgr := NewWalletManager(store, "regtest")
	keys := []string{genKey(t), genKey(t), genKey(t)}

	w, err := mgr.Create(keys)
	if err != nil {
		t.Fatal(err)
	}
	if w.ID == "" || w.AggregatedKey == "" {
		t.Fatalf("incomplete wallet: %+v", w)
	}
	if !strings.HasPrefix(w.Address, "bcrt1p") {
		t.Fatalf("expected regtest taproot address, got %q", w.Address)
	}
	if len(w.Participants) != 3 {
		t.Fatalf("participants: %v", w.Participants)
	}
	if _, ok := store.wallets[w.ID]; !ok {
		t.Fatal("wallet not persisted")
	}

	got, err := mgr.Get(w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Address != w.Address || got.AggregatedKey != w.AggregatedKey {
		t.Fatalf("roundtrip mismatch: %+v vs %+v", got, w)
	}
}

func TestWalletCreateDeterministicAcrossKeyOrder(t *testing.T) {
	mgr := NewWalletManager(nil, "regtest")
	a, b, c := genKey(t), genKey(t), genKey(t)

	// Every participant aggregates the set in whatever order they hold
	// it; the wallet must come out identical.
	w1, err := mgr.Create([]string{a, b, c})
	if err != nil {
		t.Fatal(err)
	}
	w2, err := mgr.Create([]string{c, a, strings.ToUpper(b)})
	if err != nil {
		t.Fatal(err)
	}
	if w1.AggregatedKey != w2.AggregatedKey || w1.Address != w2.Address {
		t.Fatalf("aggregation is order-sensitive:\n%s %s\n%s %s",
			w1.AggregatedKey, w1.Address, w2.AggregatedKey, w2.Address)
	}
}

func TestWalletCreateRejectsBadKey(t *testing.T) {
	mgr := NewWalletManager(nil, "regtest")
	if _, err := mgr.Create([]string{genKey(t), "junk"}); err == nil {
		t.Fatal("malformed key accepted")
	}
}

func TestWalletGetUnknown(t *testing.T) {
	mgr := NewWalletManager(newMemWalletStore(), "regtest")
	if _, err := mgr.Get("no-such-wallet"); err == nil {
		t.Fatal("unknown wallet id returned no error")
	}
}
