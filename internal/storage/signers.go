package storage

import (
	"encoding/json"
	"time"
)

// CachedSigner is the persistent record of a discovered signer
// advertisement. It is keyed by the stable public key, not the ephemeral
// advert id, so a re-advertisement replaces rather than duplicates.
type CachedSigner struct {
	PublicKey    string
	AdvertID     string
	PeerID       string
	Nickname     string
	Capabilities uint32
	FeeSats      int64
	MinAmount    int64
	MaxAmount    int64
	DiscoveredAt int64 // unix millis from the advert
	LastSeen     time.Time
}

// UpsertCachedSigner stores or replaces the cached record for a signer.
func (d *DB) UpsertCachedSigner(s CachedSigner) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO signer_cache
			(public_key, advert_id, peer_id, nickname, capabilities,
			 fee_sats, min_amount, max_amount, discovered_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(public_key) DO UPDATE SET
			advert_id     = excluded.advert_id,
			peer_id       = excluded.peer_id,
			nickname      = excluded.nickname,
			capabilities  = excluded.capabilities,
			fee_sats      = excluded.fee_sats,
			min_amount    = excluded.min_amount,
			max_amount    = excluded.max_amount,
			discovered_at = excluded.discovered_at,
			last_seen     = CURRENT_TIMESTAMP`,
		s.PublicKey, s.AdvertID, s.PeerID, s.Nickname, s.Capabilities,
		s.FeeSats, s.MinAmount, s.MaxAmount, s.DiscoveredAt,
	)
	return err
}

// ListCachedSigners returns all cached signers, most recently seen first.
func (d *DB) ListCachedSigners() ([]CachedSigner, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT public_key, advert_id, peer_id, nickname, capabilities,
		       fee_sats, min_amount, max_amount, discovered_at, last_seen
		FROM signer_cache ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CachedSigner
	for rows.Next() {
		var s CachedSigner
		var lastSeen string
		if err := rows.Scan(&s.PublicKey, &s.AdvertID, &s.PeerID, &s.Nickname,
			&s.Capabilities, &s.FeeSats, &s.MinAmount, &s.MaxAmount,
			&s.DiscoveredAt, &lastSeen); err != nil {
			return nil, err
		}
		s.LastSeen, _ = time.Parse("2006-01-02 15:04:05", lastSeen)
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteCachedSigner removes a signer from the persistent cache.
func (d *DB) DeleteCachedSigner(publicKey string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM signer_cache WHERE public_key = ?`, publicKey)
	return err
}

// StoredWallet is a persisted shared n-of-n wallet.
type StoredWallet struct {
	WalletID      string
	AggregatedKey string
	Address       string
	Network       string
	Participants  []string // public key hexes, fixed at creation
	BalanceSats   int64
	CreatedAt     time.Time
}

// UpsertWallet stores a shared wallet. The participant set and keys never
// change after creation; only the cached balance is updated on conflict.
func (d *DB) UpsertWallet(w StoredWallet) error {
	parts, _ := json.Marshal(w.Participants)
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO shared_wallets
			(wallet_id, aggregated_key, address, network, participants, balance_sats)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(wallet_id) DO UPDATE SET
			balance_sats = excluded.balance_sats`,
		w.WalletID, w.AggregatedKey, w.Address, w.Network, string(parts), w.BalanceSats,
	)
	return err
}

// GetWallet returns a shared wallet by id, or false if unknown.
func (d *DB) GetWallet(walletID string) (StoredWallet, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var w StoredWallet
	var parts, created string
	err := d.db.QueryRow(`
		SELECT wallet_id, aggregated_key, address, network, participants,
		       balance_sats, created_at
		FROM shared_wallets WHERE wallet_id = ?`, walletID).
		Scan(&w.WalletID, &w.AggregatedKey, &w.Address, &w.Network, &parts,
			&w.BalanceSats, &created)
	if err != nil {
		return StoredWallet{}, false
	}
	json.Unmarshal([]byte(parts), &w.Participants)
	w.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", created)
	return w, true
}

// ListWallets returns all shared wallets, newest first.
func (d *DB) ListWallets() ([]StoredWallet, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT wallet_id, aggregated_key, address, network, participants,
		       balance_sats, created_at
		FROM shared_wallets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StoredWallet
	for rows.Next() {
		var w StoredWallet
		var parts, created string
		if err := rows.Scan(&w.WalletID, &w.AggregatedKey, &w.Address, &w.Network,
			&parts, &w.BalanceSats, &created); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(parts), &w.Participants)
		w.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", created)
		out = append(out, w)
	}
	return out, rows.Err()
}
