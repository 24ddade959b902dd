package discovery

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/musignet/musignet/internal/identity"
	"github.com/musignet/musignet/internal/proto"
)

// Criteria narrows which sightings a subscription is interested in.
// A zero Criteria matches everything.
type Criteria struct {
	// Capabilities is a bitset; a signer matches when it advertises all
	// of these bits.
	Capabilities uint32
	// MaxFeeSats, when > 0, excludes signers asking more.
	MaxFeeSats int64
}

func (c Criteria) matches(s DiscoveredSigner) bool {
	if s.Capabilities&c.Capabilities != c.Capabilities {
		return false
	}
	if c.MaxFeeSats > 0 && s.FeeSats > c.MaxFeeSats {
		return false
	}
	return true
}

type subscription struct {
	criteria Criteria
	fn       func(DiscoveredSigner)
}

// Subscriber receives advertisement records pushed by the transport,
// deduplicates them by identity, and feeds the registry and the cache.
type Subscriber struct {
	registry *identity.Registry
	cache    *Cache
	network  string
	selfKey  string // our own advertisements are not sightings

	mu   sync.Mutex
	subs map[string]subscription
}

func NewSubscriber(registry *identity.Registry, cache *Cache, network, selfKey string) *Subscriber {
	return &Subscriber{
		registry: registry,
		cache:    cache,
		network:  network,
		selfKey:  selfKey,
		subs:     make(map[string]subscription),
	}
}

// Subscribe registers a callback fired once per effective new sighting
// (after dedup) matching the criteria. Returns the subscription id.
func (s *Subscriber) Subscribe(criteria Criteria, fn func(DiscoveredSigner)) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.subs[id] = subscription{criteria: criteria, fn: fn}
	s.mu.Unlock()
	return id
}

// Unsubscribe releases a subscription. Idempotent — unknown ids return
// without error.
func (s *Subscriber) Unsubscribe(id string) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

// HandleAdvert processes one advertisement from the transport. Accepted
// sightings trigger, in order: the identity registry update, the
// expired-entry sweep, and the cache upsert — so identity state is
// always at least as fresh as the cache. Malformed records are rejected
// at this boundary and never persisted.
func (s *Subscriber) HandleAdvert(ad proto.SignerAdvert) {
	if ad.PublicKey == "" || ad.PublicKey == s.selfKey {
		return
	}
	key, err := identity.NormalizeKey(ad.PublicKey)
	if err != nil {
		log.Printf("discovery: dropping advert with bad key %q: %v", short(ad.PublicKey), err)
		return
	}
	ad.PublicKey = key

	if ad.Withdrawn {
		s.cache.Remove(key)
		s.registry.UpdatePresence(key, false, time.Now())
		return
	}

	// Dedup by stable public key: stale (older-dated) re-advertisements
	// are dropped before they can touch identity state.
	if !s.cache.Accepts(ad) {
		return
	}

	if _, err := s.registry.UpdateFromSignerDiscovery(ad, s.network); err != nil {
		log.Printf("discovery: registry update for %s failed: %v", short(key), err)
		return
	}
	s.cache.Sweep(time.Now())
	if !s.cache.Upsert(ad) {
		return
	}

	signer, ok := s.cache.Get(key)
	if !ok {
		return
	}

	s.mu.Lock()
	subs := make([]subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	matched := false
	for _, sub := range subs {
		if sub.criteria.matches(signer) {
			matched = true
			sub.fn(signer)
		}
	}
	if matched {
		s.cache.Annotate(key, func(ds *DiscoveredSigner) { ds.Subscribed = true })
	}
}

// StartSweeper runs the periodic cache sweep until the context is
// canceled. The interval defaults to SweepInterval when zero.
func (s *Subscriber) StartSweeper(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = SweepInterval
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				s.cache.Sweep(time.Now())
			}
		}
	}()
}
