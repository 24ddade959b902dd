package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/musignet/musignet/internal/identity"
	"github.com/musignet/musignet/internal/musig"
	"github.com/musignet/musignet/internal/storage"
)

// SharedWallet is an n-of-n wallet backed by a MuSig2 aggregated key.
// Creation is a one-shot aggregation, not a session: there are no
// phases, no nonces and nothing to time out.
type SharedWallet struct {
	ID            string
	AggregatedKey string
	Address       string
	Network       string
	Participants  []string
	CreatedAt     time.Time
}

// WalletStore persists shared wallets. Satisfied by storage.DB.
type WalletStore interface {
	UpsertWallet(storage.StoredWallet) error
	GetWallet(walletID string) (storage.StoredWallet, bool)
	ListWallets() ([]storage.StoredWallet, error)
}

// WalletManager creates and looks up shared wallets.
type WalletManager struct {
	db      WalletStore
	network string
}

func NewWalletManager(db WalletStore, network string) *WalletManager {
	return &WalletManager{db: db, network: network}
}

// Create aggregates the participant keys into the shared Taproot key and
// persists the wallet. Every participant running the same aggregation
// over the same key set derives the identical wallet.
func (w *WalletManager) Create(participantPubKeys []string) (*SharedWallet, error) {
	keys := make([]string, 0, len(participantPubKeys))
	for _, k := range participantPubKeys {
		nk, err := identity.NormalizeKey(k)
		if err != nil {
			return nil, err
		}
		keys = append(keys, nk)
	}

	agg, err := musig.AggregateKeys(keys, w.network)
	if err != nil {
		return nil, fmt.Errorf("wallet: %w", err)
	}

	wallet := &SharedWallet{
		ID:            uuid.NewString(),
		AggregatedKey: agg.KeyHex,
		Address:       agg.Address,
		Network:       w.network,
		Participants:  keys,
		CreatedAt:     time.Now(),
	}
	if w.db != nil {
		if err := w.db.UpsertWallet(storage.StoredWallet{
			WalletID:      wallet.ID,
			AggregatedKey: wallet.AggregatedKey,
			Address:       wallet.Address,
			Network:       wallet.Network,
			Participants:  wallet.Participants,
			CreatedAt:     wallet.CreatedAt,
		}); err != nil {
			return nil, fmt.Errorf("wallet: persist: %w", err)
		}
	}
	return wallet, nil
}

// Get loads one wallet from storage.
func (w *WalletManager) Get(id string) (*SharedWallet, error) {
	if w.db == nil {
		return nil, fmt.Errorf("wallet: no store")
	}
	st, ok := w.db.GetWallet(id)
	if !ok {
		return nil, fmt.Errorf("wallet: unknown wallet %s", short(id))
	}
	return fromStored(st), nil
}

// List returns every known wallet.
func (w *WalletManager) List() ([]*SharedWallet, error) {
	if w.db == nil {
		return nil, nil
	}
	stored, err := w.db.ListWallets()
	if err != nil {
		return nil, err
	}
	out := make([]*SharedWallet, 0, len(stored))
	for _, st := range stored {
		out = append(out, fromStored(st))
	}
	return out, nil
}

func fromStored(st storage.StoredWallet) *SharedWallet {
	return &SharedWallet{
		ID:            st.WalletID,
		AggregatedKey: st.AggregatedKey,
		Address:       st.Address,
		Network:       st.Network,
		Participants:  st.Participants,
		CreatedAt:     st.CreatedAt,
	}
}
