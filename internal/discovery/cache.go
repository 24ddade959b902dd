// Package discovery implements signer advertisement publishing, the
// gossip subscriber, and the TTL-based cache of signers seen on the
// network. The cache decouples "what has been seen" from "what is
// currently true": consumers get cached results instantly on startup,
// marked offline until a live network signal arrives.
package discovery

import (
	"log"
	"sync"
	"time"

	"github.com/musignet/musignet/internal/proto"
	"github.com/musignet/musignet/internal/storage"
)

const (
	// signerExpiry is how long an offline signer survives in the cache
	// after its last sighting.
	signerExpiry = 30 * time.Minute

	// SweepInterval is the default cadence of the cleanup sweep.
	SweepInterval = 5 * time.Minute
)

// DiscoveredSigner is a signer advertisement as observed by this node.
// Uniqueness is by PublicKey; ID is the ephemeral advert id and changes
// on every re-advertisement.
type DiscoveredSigner struct {
	ID           string
	PublicKey    string
	PeerID       string
	Nickname     string
	Capabilities uint32
	FeeSats      int64
	MinAmount    int64
	MaxAmount    int64
	DiscoveredAt time.Time
	LastSeen     time.Time
	IsOnline     bool

	// Locally-held fields, not part of the wire record. They survive
	// re-advertisements.
	Subscribed   bool
	Reputation   int
	ResponseTime time.Duration
}

// CachePersister is the durable backing of the cache. May be nil.
type CachePersister interface {
	UpsertCachedSigner(storage.CachedSigner) error
	DeleteCachedSigner(publicKey string) error
}

// Cache holds discovered signers keyed by stable public key.
type Cache struct {
	mu      sync.Mutex
	signers map[string]*DiscoveredSigner
	db      CachePersister
}

func NewCache(db CachePersister) *Cache {
	return &Cache{
		signers: make(map[string]*DiscoveredSigner),
		db:      db,
	}
}

// Accepts reports whether an advert would update the cache: unknown
// public keys always do; known ones only when the advert's discovery
// timestamp is not older than what we hold. On an equal timestamp the
// later-arriving message wins (coarse clocks make exact ties common).
func (c *Cache) Accepts(ad proto.SignerAdvert) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.signers[ad.PublicKey]
	if !ok {
		return true
	}
	incoming := time.UnixMilli(ad.DiscoveredAt)
	return !incoming.Before(existing.DiscoveredAt)
}

// Upsert applies an advert to the cache. Returns false when the advert
// was stale and rejected. Locally-held fields of an existing entry are
// preserved across the overwrite.
func (c *Cache) Upsert(ad proto.SignerAdvert) bool {
	if !c.Accepts(ad) {
		return false
	}

	c.mu.Lock()
	now := time.Now()
	s := &DiscoveredSigner{
		ID:           ad.AdvertID,
		PublicKey:    ad.PublicKey,
		PeerID:       ad.PeerID,
		Nickname:     ad.Nickname,
		Capabilities: ad.Capabilities,
		FeeSats:      ad.FeeSats,
		MinAmount:    ad.MinAmount,
		MaxAmount:    ad.MaxAmount,
		DiscoveredAt: time.UnixMilli(ad.DiscoveredAt),
		LastSeen:     now,
		IsOnline:     true,
	}
	if existing, ok := c.signers[ad.PublicKey]; ok {
		s.Subscribed = existing.Subscribed
		s.Reputation = existing.Reputation
		s.ResponseTime = existing.ResponseTime
	}
	c.signers[ad.PublicKey] = s
	c.mu.Unlock()

	if c.db != nil {
		_ = c.db.UpsertCachedSigner(storage.CachedSigner{
			PublicKey:    ad.PublicKey,
			AdvertID:     ad.AdvertID,
			PeerID:       ad.PeerID,
			Nickname:     ad.Nickname,
			Capabilities: ad.Capabilities,
			FeeSats:      ad.FeeSats,
			MinAmount:    ad.MinAmount,
			MaxAmount:    ad.MaxAmount,
			DiscoveredAt: ad.DiscoveredAt,
		})
	}
	return true
}

// Annotate mutates the locally-held fields of a cached signer
// (Subscribed, Reputation, ResponseTime). No-op for unknown keys.
// Callers must not touch the wire-derived fields.
func (c *Cache) Annotate(publicKey string, fn func(*DiscoveredSigner)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.signers[publicKey]; ok {
		fn(s)
	}
}

// Remove deletes a signer outright (withdrawal).
func (c *Cache) Remove(publicKey string) {
	c.mu.Lock()
	delete(c.signers, publicKey)
	c.mu.Unlock()
	if c.db != nil {
		_ = c.db.DeleteCachedSigner(publicKey)
	}
}

// MarkOfflineByPeerID flips every signer reachable via the given peer id
// to offline. Driven by the connectivity monitor.
func (c *Cache) MarkOfflineByPeerID(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.signers {
		if s.PeerID == peerID {
			s.IsOnline = false
			s.LastSeen = time.Now()
		}
	}
}

// Get returns a copy of the cached signer for a public key.
func (c *Cache) Get(publicKey string) (DiscoveredSigner, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.signers[publicKey]
	if !ok {
		return DiscoveredSigner{}, false
	}
	return *s, true
}

// ValidSigners returns all non-expired signers. Reading never mutates
// the cache.
func (c *Cache) ValidSigners() []DiscoveredSigner {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	out := make([]DiscoveredSigner, 0, len(c.signers))
	for _, s := range c.signers {
		if !s.IsOnline && now.Sub(s.LastSeen) > signerExpiry {
			continue
		}
		out = append(out, *s)
	}
	return out
}

// OnlineSigners returns only signers currently marked online.
func (c *Cache) OnlineSigners() []DiscoveredSigner {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DiscoveredSigner, 0, len(c.signers))
	for _, s := range c.signers {
		if s.IsOnline {
			out = append(out, *s)
		}
	}
	return out
}

// Sweep removes signers that are offline and stale beyond the expiry
// threshold. Returns the public keys removed.
func (c *Cache) Sweep(now time.Time) []string {
	c.mu.Lock()
	var removed []string
	for key, s := range c.signers {
		if !s.IsOnline && now.Sub(s.LastSeen) > signerExpiry {
			delete(c.signers, key)
			removed = append(removed, key)
		}
	}
	c.mu.Unlock()

	if c.db != nil {
		for _, key := range removed {
			_ = c.db.DeleteCachedSigner(key)
		}
	}
	if len(removed) > 0 {
		log.Printf("discovery: swept %d expired signer(s)", len(removed))
	}
	return removed
}

// Seed restores cached signers from storage at startup, all offline.
func (c *Cache) Seed(stored []storage.CachedSigner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range stored {
		if _, ok := c.signers[s.PublicKey]; ok {
			continue
		}
		c.signers[s.PublicKey] = &DiscoveredSigner{
			ID:           s.AdvertID,
			PublicKey:    s.PublicKey,
			PeerID:       s.PeerID,
			Nickname:     s.Nickname,
			Capabilities: s.Capabilities,
			FeeSats:      s.FeeSats,
			MinAmount:    s.MinAmount,
			MaxAmount:    s.MaxAmount,
			DiscoveredAt: time.UnixMilli(s.DiscoveredAt),
			LastSeen:     s.LastSeen,
			IsOnline:     false,
		}
	}
}
