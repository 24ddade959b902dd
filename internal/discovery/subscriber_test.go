package discovery

import (
	"strings"
	"testing"

	"github.com/musignet/musignet/internal/identity"
	"github.com/musignet/musignet/internal/musig"
	"github.com/musignet/musignet/internal/proto"
)

func genKey(t *testing.T) string {
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

func newTestSubscriber(t *testing.T, selfKey string) (*Subscriber, *identity.Registry, *Cache) {
	t.Helper()
	reg := identity.NewRegistry(nil)
	cache := NewCache(nil)
	return NewSubscriber(reg, cache, "regtest", selfKey), reg, cache
}

func TestHandleAdvertFeedsRegistryAndCache(t *testing.T) {
	sub, reg, cache := newTestSubscriber(t, genKey(t))
	key := genKey(t)

	sub.HandleAdvert(proto.SignerAdvert{
		AdvertID:     "ad-1",
		PublicKey:    strings.ToUpper(key), // wire casing
		PeerID:       "12D3KooWsigner",
		Capabilities: proto.CapSpend,
		DiscoveredAt: proto.NowMillis(),
	})

	if got := reg.OnlineStatus(key); got != identity.StatusOnline {
		t.Fatalf("registry not updated: status %s", got)
	}
	s, ok := cache.Get(strings.ToLower(key))
	if !ok {
		t.Fatal("advert missing from cache")
	}
	if s.PublicKey != strings.ToLower(key) {
		t.Fatalf("cache key not normalized: %s", s.PublicKey)
	}
}

func TestHandleAdvertSkipsSelf(t *testing.T) {
	self := genKey(t)
	sub, _, cache := newTestSubscriber(t, self)

	sub.HandleAdvert(proto.SignerAdvert{
		AdvertID:     "ad-self",
		PublicKey:    self,
		PeerID:       "12D3KooWme",
		DiscoveredAt: proto.NowMillis(),
	})
	if len(cache.ValidSigners()) != 0 {
		t.Fatal("our own advertisement must not become a sighting")
	}
}

func TestHandleAdvertDropsInvalidKey(t *testing.T) {
	sub, _, cache := newTestSubscriber(t, genKey(t))

	sub.HandleAdvert(proto.SignerAdvert{
		AdvertID:     "ad-bad",
		PublicKey:    "not-a-key",
		PeerID:       "12D3KooWbad",
		DiscoveredAt: proto.NowMillis(),
	})
	if len(cache.ValidSigners()) != 0 {
		t.Fatal("malformed advert reached the cache")
	}
}

func TestHandleAdvertWithdrawal(t *testing.T) {
	sub, reg, cache := newTestSubscriber(t, genKey(t))
	key := genKey(t)
	now := proto.NowMillis()

	sub.HandleAdvert(proto.SignerAdvert{
		AdvertID: "ad-1", PublicKey: key, PeerID: "12D3KooWsigner", DiscoveredAt: now,
	})
	sub.HandleAdvert(proto.SignerAdvert{
		AdvertID: "ad-2", PublicKey: key, PeerID: "12D3KooWsigner", DiscoveredAt: now + 1, Withdrawn: true,
	})

	if _, ok := cache.Get(key); ok {
		t.Fatal("withdrawn signer still cached")
	}
	if got := reg.OnlineStatus(key); got == identity.StatusOnline {
		t.Fatal("withdrawn signer still marked online")
	}
}

func TestHandleAdvertDedup(t *testing.T) {
	sub, _, cache := newTestSubscriber(t, genKey(t))
	key := genKey(t)
	now := proto.NowMillis()

	fired := 0
	sub.Subscribe(Criteria{}, func(DiscoveredSigner) { fired++ })

	ad := proto.SignerAdvert{
		AdvertID: "ad-1", PublicKey: key, PeerID: "12D3KooWsigner", DiscoveredAt: now,
	}
	sub.HandleAdvert(ad)

	// Stale re-delivery: dropped before registry or callbacks.
	stale := ad
	stale.AdvertID = "ad-0"
	stale.DiscoveredAt = now - 5000
	sub.HandleAdvert(stale)

	if fired != 1 {
		t.Fatalf("callback fired %d times, want 1", fired)
	}
	if s, _ := cache.Get(key); s.ID != "ad-1" {
		t.Fatalf("stale advert replaced the entry: %s", s.ID)
	}
}

func TestSubscribeCriteria(t *testing.T) {
	sub, _, cache := newTestSubscriber(t, genKey(t))

	var spendSweep, cheap []string
	sub.Subscribe(Criteria{Capabilities: proto.CapSpend | proto.CapSweep}, func(s DiscoveredSigner) {
		spendSweep = append(spendSweep, s.PublicKey)
	})
	sub.Subscribe(Criteria{MaxFeeSats: 100}, func(s DiscoveredSigner) {
		cheap = append(cheap, s.PublicKey)
	})

	keyFull := genKey(t)
	keyPricey := genKey(t)
	now := proto.NowMillis()
	sub.HandleAdvert(proto.SignerAdvert{
		AdvertID: "ad-a", PublicKey: keyFull, PeerID: "p1",
		Capabilities: proto.CapSpend | proto.CapSweep, FeeSats: 50, DiscoveredAt: now,
	})
	sub.HandleAdvert(proto.SignerAdvert{
		AdvertID: "ad-b", PublicKey: keyPricey, PeerID: "p2",
		Capabilities: proto.CapSpend, FeeSats: 500, DiscoveredAt: now,
	})

	if len(spendSweep) != 1 || spendSweep[0] != keyFull {
		t.Fatalf("capability filter: got %v", spendSweep)
	}
	if len(cheap) != 1 || cheap[0] != keyFull {
		t.Fatalf("fee filter: got %v", cheap)
	}

	// Matched signers carry the subscription mark; unmatched do not.
	if s, _ := cache.Get(keyFull); !s.Subscribed {
		t.Fatal("matched signer not marked subscribed")
	}
	if s, _ := cache.Get(keyPricey); s.Subscribed {
		t.Fatal("unmatched signer marked subscribed")
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	sub, _, _ := newTestSubscriber(t, genKey(t))

	fired := 0
	id := sub.Subscribe(Criteria{}, func(DiscoveredSigner) { fired++ })
	sub.Unsubscribe(id)
	sub.Unsubscribe(id)               // second release is a no-op
	sub.Unsubscribe("no-such-handle") // unknown ids too

	sub.HandleAdvert(proto.SignerAdvert{
		AdvertID: "ad-1", PublicKey: genKey(t), PeerID: "p1", DiscoveredAt: proto.NowMillis(),
	})
	if fired != 0 {
		t.Fatal("released subscription still firing")
	}
}
