package discovery

import (
	"testing"
	"time"

	"github.com/musignet/musignet/internal/proto"
)

func advert(key, id string, ts int64) proto.SignerAdvert {
	return proto.SignerAdvert{
		AdvertID:     id,
		PublicKey:    key,
		PeerID:       "12D3KooW" + key[:6],
		Capabilities: proto.CapSpend,
		DiscoveredAt: ts,
	}
}

const keyA = "02aaaa00000000000000000000000000000000000000000000000000000000aaaa"
const keyB = "02bbbb00000000000000000000000000000000000000000000000000000000bbbb"

func TestUpsertDedupByPublicKey(t *testing.T) {
	c := NewCache(nil)
	now := proto.NowMillis()

	if !c.Upsert(advert(keyA, "ad-1", now)) {
		t.Fatal("first advert rejected")
	}
	// Re-advertisement: new ephemeral id, same key, newer timestamp.
	if !c.Upsert(advert(keyA, "ad-2", now+1000)) {
		t.Fatal("fresher re-advertisement rejected")
	}

	if len(c.ValidSigners()) != 1 {
		t.Fatalf("re-advertisement duplicated the entry: %d signers", len(c.ValidSigners()))
	}
	s, _ := c.Get(keyA)
	if s.ID != "ad-2" {
		t.Fatalf("entry not replaced, advert id %s", s.ID)
	}
}

func TestUpsertRejectsStale(t *testing.T) {
	c := NewCache(nil)
	now := proto.NowMillis()

	c.Upsert(advert(keyA, "ad-new", now))
	if c.Upsert(advert(keyA, "ad-old", now-5000)) {
		t.Fatal("stale advert accepted")
	}
	s, _ := c.Get(keyA)
	if s.ID != "ad-new" {
		t.Fatal("stale advert overwrote a fresher entry")
	}
}

func TestUpsertEqualTimestampLaterArrivalWins(t *testing.T) {
	c := NewCache(nil)
	ts := proto.NowMillis()

	c.Upsert(advert(keyA, "ad-first", ts))
	if !c.Upsert(advert(keyA, "ad-second", ts)) {
		t.Fatal("equal-timestamp advert rejected; later arrival should win")
	}
	s, _ := c.Get(keyA)
	if s.ID != "ad-second" {
		t.Fatalf("later arrival lost the tie: %s", s.ID)
	}
}

func TestUpsertPreservesLocalFields(t *testing.T) {
	c := NewCache(nil)
	now := proto.NowMillis()

	c.Upsert(advert(keyA, "ad-1", now))
	c.Annotate(keyA, func(s *DiscoveredSigner) {
		s.Subscribed = true
		s.Reputation = 7
		s.ResponseTime = 120 * time.Millisecond
	})

	c.Upsert(advert(keyA, "ad-2", now+1000))
	s, _ := c.Get(keyA)
	if !s.Subscribed || s.Reputation != 7 || s.ResponseTime != 120*time.Millisecond {
		t.Fatalf("local fields lost across re-advertisement: %+v", s)
	}
}

func TestValidSignersFiltersExpiredWithoutMutation(t *testing.T) {
	c := NewCache(nil)
	now := proto.NowMillis()

	c.Upsert(advert(keyA, "ad-a", now))
	c.Upsert(advert(keyB, "ad-b", now))
	c.MarkOfflineByPeerID("12D3KooW" + keyA[:6])

	// Force keyA past the expiry threshold.
	c.Annotate(keyA, func(s *DiscoveredSigner) {
		s.LastSeen = time.Now().Add(-signerExpiry - time.Minute)
	})

	valid := c.ValidSigners()
	if len(valid) != 1 || valid[0].PublicKey != keyB {
		t.Fatalf("expected only %s valid, got %+v", keyB[:8], valid)
	}

	// Reading must not delete: the expired entry is still present until
	// the sweep runs.
	if _, ok := c.Get(keyA); !ok {
		t.Fatal("read mutated the cache")
	}
}

func TestSweepRemovesOnlyOfflineAndStale(t *testing.T) {
	c := NewCache(nil)
	now := proto.NowMillis()

	c.Upsert(advert(keyA, "ad-a", now)) // online, stays
	c.Upsert(advert(keyB, "ad-b", now))
	c.MarkOfflineByPeerID("12D3KooW" + keyB[:6])

	// Fresh offline entry survives the sweep.
	if removed := c.Sweep(time.Now()); len(removed) != 0 {
		t.Fatalf("sweep removed fresh entries: %v", removed)
	}

	// Past expiry it goes.
	removed := c.Sweep(time.Now().Add(signerExpiry + time.Minute))
	if len(removed) != 1 || removed[0] != keyB {
		t.Fatalf("sweep removed %v, want [%s]", removed, keyB[:8])
	}
	if _, ok := c.Get(keyA); !ok {
		t.Fatal("sweep removed an online signer")
	}
}

func TestOnlineSigners(t *testing.T) {
	c := NewCache(nil)
	now := proto.NowMillis()
	c.Upsert(advert(keyA, "ad-a", now))
	c.Upsert(advert(keyB, "ad-b", now))
	c.MarkOfflineByPeerID("12D3KooW" + keyB[:6])

	online := c.OnlineSigners()
	if len(online) != 1 || online[0].PublicKey != keyA {
		t.Fatalf("expected only %s online, got %+v", keyA[:8], online)
	}
}
