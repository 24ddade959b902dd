// Package identity is the canonical store of cryptographic identities:
// public key ⇄ derived address ⇄ network peer id ⇄ capabilities/presence.
// The Registry is the single writer of presence truth — the connectivity
// monitor and discovery subscriber feed it, everyone else only reads.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/musignet/musignet/internal/proto"
	"github.com/musignet/musignet/internal/storage"
)

var ErrInvalidKey = errors.New("identity: invalid public key")

// recentWindow is how long after the last sighting an identity still
// counts as recently online.
const recentWindow = 5 * time.Minute

// OnlineStatus is the multi-signal presence inference result.
type OnlineStatus string

const (
	StatusOnline         OnlineStatus = "online"
	StatusRecentlyOnline OnlineStatus = "recently_online"
	StatusOffline        OnlineStatus = "offline"
	StatusUnknown        OnlineStatus = "unknown"
)

// SignerCapabilities describes what an identity advertised it will co-sign.
type SignerCapabilities struct {
	Bits             uint32
	TransactionTypes []string
	Available        bool
}

// Identity is one cryptographic entity. PublicKeyHex, Address and
// CreatedAt are immutable after creation; everything else is mutable.
type Identity struct {
	PublicKeyHex string
	Address      string
	Network      string
	PeerID       string
	Multiaddrs   []string
	Capabilities SignerCapabilities
	IsOnline     bool
	LastSeenAt   time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Event is published to registry subscribers on every identity change.
type Event struct {
	Type     string // "create" | "update" | "presence"
	Identity Identity
}

// Persister is the durable store for identity records. Presence updates
// never reach it.
type Persister interface {
	UpsertIdentity(storage.StoredIdentity) error
}

// Registry holds all known identities, keyed by normalized public key.
type Registry struct {
	mu        sync.Mutex
	ids       map[string]*Identity
	byPeer    map[string]string // peer id → public key hex
	db        Persister         // may be nil (in-memory only)
	listeners []chan Event
}

func NewRegistry(db Persister) *Registry {
	return &Registry{
		ids:    make(map[string]*Identity),
		byPeer: make(map[string]string),
		db:     db,
	}
}

// NormalizeKey lower-cases and validates a compressed secp256k1 public
// key in hex. Returns ErrInvalidKey for anything malformed.
func NormalizeKey(publicKeyHex string) (string, error) {
	k := strings.ToLower(strings.TrimSpace(publicKeyHex))
	raw, err := hex.DecodeString(k)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if _, err := btcec.ParsePubKey(raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return k, nil
}

// deriveAddress computes the single-key P2TR address for an identity.
func deriveAddress(publicKeyHex, network string) (string, error) {
	raw, _ := hex.DecodeString(publicKeyHex)
	pk, err := btcec.ParsePubKey(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	var params *chaincfg.Params
	switch network {
	case "", "mainnet":
		params = &chaincfg.MainNetParams
	case "testnet":
		params = &chaincfg.TestNet3Params
	case "regtest":
		params = &chaincfg.RegressionNetParams
	default:
		return "", fmt.Errorf("identity: unknown network %q", network)
	}
	outputKey := txscript.ComputeTaprootKeyNoScript(pk)
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), params)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

// FindOrCreate returns the identity for a public key, creating and
// persisting it on first reference. Idempotent.
func (r *Registry) FindOrCreate(publicKeyHex, network string) (Identity, error) {
	key, err := NormalizeKey(publicKeyHex)
	if err != nil {
		return Identity{}, err
	}

	r.mu.Lock()
	if id, ok := r.ids[key]; ok {
		cp := *id
		r.mu.Unlock()
		return cp, nil
	}
	r.mu.Unlock()

	// Derive outside the lock — parsing and bech32m encoding are not cheap.
	addr, err := deriveAddress(key, network)
	if err != nil {
		return Identity{}, err
	}

	r.mu.Lock()
	if id, ok := r.ids[key]; ok { // lost the race, fine
		cp := *id
		r.mu.Unlock()
		return cp, nil
	}
	now := time.Now()
	id := &Identity{
		PublicKeyHex: key,
		Address:      addr,
		Network:      network,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.ids[key] = id
	cp := *id
	r.notifyLocked(Event{Type: "create", Identity: cp})
	r.mu.Unlock()

	if r.db != nil {
		if err := r.db.UpsertIdentity(toStored(cp)); err != nil {
			return cp, fmt.Errorf("identity: persist %s: %w", short(key), err)
		}
	}
	return cp, nil
}

// Update holds the mutable fields Update may merge into an identity.
// Nil pointers / nil slices mean "leave unchanged".
type Update struct {
	PeerID       *string
	Multiaddrs   []string
	Capabilities *SignerCapabilities
}

// Update merges fields into an existing identity. Returns false if the
// identity does not exist. The canonical fields (key, address, createdAt)
// are never touched.
func (r *Registry) Update(publicKeyHex string, u Update) (Identity, bool) {
	key := strings.ToLower(publicKeyHex)

	r.mu.Lock()
	id, ok := r.ids[key]
	if !ok {
		r.mu.Unlock()
		return Identity{}, false
	}
	if u.PeerID != nil {
		if id.PeerID != "" && id.PeerID != *u.PeerID {
			delete(r.byPeer, id.PeerID)
		}
		id.PeerID = *u.PeerID
		if *u.PeerID != "" {
			r.byPeer[*u.PeerID] = key
		}
	}
	if u.Multiaddrs != nil {
		id.Multiaddrs = append([]string(nil), u.Multiaddrs...)
	}
	if u.Capabilities != nil {
		id.Capabilities = *u.Capabilities
	}
	id.UpdatedAt = time.Now()
	cp := *id
	r.notifyLocked(Event{Type: "update", Identity: cp})
	r.mu.Unlock()

	if r.db != nil {
		_ = r.db.UpsertIdentity(toStored(cp))
	}
	return cp, true
}

// UpdatePresence sets the live presence flags. In-memory only — presence
// churns far too fast to justify a durable write per change.
func (r *Registry) UpdatePresence(publicKeyHex string, online bool, lastSeen time.Time) {
	key := strings.ToLower(publicKeyHex)
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.ids[key]
	if !ok {
		return
	}
	id.IsOnline = online
	if !lastSeen.IsZero() {
		id.LastSeenAt = lastSeen
	}
	r.notifyLocked(Event{Type: "presence", Identity: *id})
}

// OnlineStatus infers presence from every signal we have: the live flag,
// the freshness of the last sighting, and whether a peer id was ever
// linked (some network presence, just not current).
func (r *Registry) OnlineStatus(publicKeyHex string) OnlineStatus {
	key := strings.ToLower(publicKeyHex)
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.ids[key]
	if !ok {
		return StatusUnknown
	}
	switch {
	case id.IsOnline:
		return StatusOnline
	case !id.LastSeenAt.IsZero() && time.Since(id.LastSeenAt) < recentWindow:
		return StatusRecentlyOnline
	case id.PeerID != "":
		return StatusOffline
	default:
		return StatusUnknown
	}
}

// UpdateFromPeerConnection flips the linked identity online. Called only
// by the connectivity monitor. No-op when no identity is linked to the
// peer id yet — identity linkage may lag connection events.
func (r *Registry) UpdateFromPeerConnection(peerID string, multiaddrs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.byPeer[peerID]
	if !ok {
		return
	}
	id := r.ids[key]
	id.IsOnline = true
	id.LastSeenAt = time.Now()
	if len(multiaddrs) > 0 {
		id.Multiaddrs = append([]string(nil), multiaddrs...)
	}
	r.notifyLocked(Event{Type: "presence", Identity: *id})
}

// MarkOfflineByPeerID flips the linked identity offline. Called only by
// the connectivity monitor; no-op for unlinked peer ids.
func (r *Registry) MarkOfflineByPeerID(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.byPeer[peerID]
	if !ok {
		return
	}
	id := r.ids[key]
	if !id.IsOnline {
		return
	}
	id.IsOnline = false
	id.LastSeenAt = time.Now()
	r.notifyLocked(Event{Type: "presence", Identity: *id})
}

// UpdateFromSignerDiscovery applies a discovered advertisement to the
// registry. An advertisement is itself proof of liveness, so the identity
// is always marked online with a fresh lastSeen.
func (r *Registry) UpdateFromSignerDiscovery(ad proto.SignerAdvert, network string) (Identity, error) {
	id, err := r.FindOrCreate(ad.PublicKey, network)
	if err != nil {
		return Identity{}, err
	}

	caps := SignerCapabilities{
		Bits:             ad.Capabilities,
		TransactionTypes: proto.CapabilityNames(ad.Capabilities),
		Available:        !ad.Withdrawn,
	}
	peerID := ad.PeerID
	upd, _ := r.Update(id.PublicKeyHex, Update{
		PeerID:       &peerID,
		Multiaddrs:   ad.Addrs,
		Capabilities: &caps,
	})
	r.UpdatePresence(id.PublicKeyHex, true, time.Now())

	upd.IsOnline = true
	return upd, nil
}

// Get returns a copy of the identity for a public key.
func (r *Registry) Get(publicKeyHex string) (Identity, bool) {
	key := strings.ToLower(publicKeyHex)
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.ids[key]
	if !ok {
		return Identity{}, false
	}
	return *id, true
}

// GetByPeerID returns the identity linked to a transport peer id.
func (r *Registry) GetByPeerID(peerID string) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.byPeer[peerID]
	if !ok {
		return Identity{}, false
	}
	return *r.ids[key], true
}

// Seed loads persisted identities at startup. Cached data is never
// assumed live: everything is seeded offline until a network signal says
// otherwise.
func (r *Registry) Seed(stored []storage.StoredIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range stored {
		key := strings.ToLower(s.PublicKeyHex)
		if _, ok := r.ids[key]; ok {
			continue
		}
		id := &Identity{
			PublicKeyHex: key,
			Address:      s.Address,
			PeerID:       s.PeerID,
			Multiaddrs:   append([]string(nil), s.Multiaddrs...),
			Capabilities: SignerCapabilities{
				Bits:             s.Capabilities,
				TransactionTypes: proto.CapabilityNames(s.Capabilities),
				Available:        s.Available,
			},
			IsOnline:  false,
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
		}
		r.ids[key] = id
		if s.PeerID != "" {
			r.byPeer[s.PeerID] = key
		}
	}
}

// Snapshot returns a copy of every identity.
func (r *Registry) Snapshot() []Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Identity, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, *id)
	}
	return out
}

// Subscribe returns a channel of identity events. Slow consumers drop
// events rather than block the registry.
func (r *Registry) Subscribe() chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Event, 16)
	r.listeners = append(r.listeners, ch)
	return ch
}

func (r *Registry) Unsubscribe(ch chan Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.listeners {
		if l == ch {
			close(l)
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *Registry) notifyLocked(evt Event) {
	for _, ch := range r.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

func toStored(id Identity) storage.StoredIdentity {
	return storage.StoredIdentity{
		PublicKeyHex: id.PublicKeyHex,
		Address:      id.Address,
		PeerID:       id.PeerID,
		Multiaddrs:   id.Multiaddrs,
		Capabilities: id.Capabilities.Bits,
		Available:    id.Capabilities.Available,
	}
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
