package storage

import (
	"encoding/json"
	"time"
)

// StoredIdentity is the durable part of an identity record. Presence
// (isOnline, lastSeenAt) lives only in memory; see identity.Registry.
type StoredIdentity struct {
	PublicKeyHex string
	Address      string
	PeerID       string
	Multiaddrs   []string
	Capabilities uint32
	Available    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UpsertIdentity inserts a new identity or replaces the mutable fields of
// an existing one. public_key_hex, address and created_at are never
// overwritten on conflict.
func (d *DB) UpsertIdentity(id StoredIdentity) error {
	// A nil slice marshals to "null", which would slip past the
	// keep-old-multiaddrs guard in the conflict clause.
	addrs := []byte("[]")
	if len(id.Multiaddrs) > 0 {
		addrs, _ = json.Marshal(id.Multiaddrs)
	}
	avail := 0
	if id.Available {
		avail = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO identities
			(public_key_hex, address, peer_id, multiaddrs, capabilities, available)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(public_key_hex) DO UPDATE SET
			peer_id      = excluded.peer_id,
			multiaddrs   = CASE WHEN excluded.multiaddrs = '[]' THEN identities.multiaddrs ELSE excluded.multiaddrs END,
			capabilities = excluded.capabilities,
			available    = excluded.available,
			updated_at   = CURRENT_TIMESTAMP`,
		id.PublicKeyHex, id.Address, id.PeerID, string(addrs), id.Capabilities, avail,
	)
	return err
}

// GetIdentity returns the stored record for a public key, or false.
func (d *DB) GetIdentity(publicKeyHex string) (StoredIdentity, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	row := d.db.QueryRow(`
		SELECT public_key_hex, address, peer_id, multiaddrs, capabilities, available,
		       created_at, updated_at
		FROM identities WHERE public_key_hex = ?`, publicKeyHex)
	id, err := scanIdentity(row)
	if err != nil {
		return StoredIdentity{}, false
	}
	return id, true
}

// ListIdentities returns every stored identity, most recently updated first.
func (d *DB) ListIdentities() ([]StoredIdentity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT public_key_hex, address, peer_id, multiaddrs, capabilities, available,
		       created_at, updated_at
		FROM identities ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StoredIdentity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeleteIdentity removes an identity permanently. Only used for explicit
// user-initiated removal, never by discovery or presence code.
func (d *DB) DeleteIdentity(publicKeyHex string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM identities WHERE public_key_hex = ?`, publicKeyHex)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(r rowScanner) (StoredIdentity, error) {
	var id StoredIdentity
	var addrsJSON string
	var avail int
	var created, updated string
	if err := r.Scan(&id.PublicKeyHex, &id.Address, &id.PeerID, &addrsJSON,
		&id.Capabilities, &avail, &created, &updated); err != nil {
		return StoredIdentity{}, err
	}
	id.Available = avail != 0
	json.Unmarshal([]byte(addrsJSON), &id.Multiaddrs)
	id.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", created)
	id.UpdatedAt, _ = time.Parse("2006-01-02 15:04:05", updated)
	return id, nil
}
