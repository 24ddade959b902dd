package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/musignet/musignet/internal/connmon"
	"github.com/musignet/musignet/internal/proto"
)

type fakeDHT struct{ size int }

func (f *fakeDHT) RoutingTableSize() int { return f.size }

type fakeTransport struct {
	mu        sync.Mutex
	published []proto.SignerAdvert
	fail      bool
}

func (f *fakeTransport) PublishAdvert(_ context.Context, ad proto.SignerAdvert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("topic closed")
	}
	f.published = append(f.published, ad)
	return nil
}

func (f *fakeTransport) SelfPeerID() string  { return "12D3KooWself" }
func (f *fakeTransport) SelfAddrs() []string { return []string{"/ip4/10.0.0.1/tcp/4001"} }

func (f *fakeTransport) adverts() []proto.SignerAdvert {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]proto.SignerAdvert, len(f.published))
	copy(out, f.published)
	return out
}

func readyMonitor(t *testing.T) *connmon.Monitor {
	t.Helper()
	m := connmon.New(nil, &fakeDHT{size: 1})
	if err := m.Transition(connmon.StateDHTReady); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestAdvertiseRequiresDHTReady(t *testing.T) {
	tr := &fakeTransport{}
	a := NewAdvertiser(tr, connmon.New(nil, &fakeDHT{}))

	err := a.Advertise(context.Background(), SignerConfig{PublicKeyHex: keyA})
	if !errors.Is(err, connmon.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if len(tr.adverts()) != 0 {
		t.Fatal("advert published while not ready")
	}
	if a.Active() {
		t.Fatal("advertiser active after refusal")
	}
}

func TestAdvertisePublishesRecord(t *testing.T) {
	tr := &fakeTransport{}
	a := NewAdvertiser(tr, readyMonitor(t))
	defer a.Withdraw(context.Background())

	cfg := SignerConfig{
		PublicKeyHex: keyA,
		Nickname:     "alice",
		Capabilities: proto.CapSpend | proto.CapWalletCreate,
		FeeSats:      25,
		MinAmount:    1000,
		MaxAmount:    500000,
	}
	if err := a.Advertise(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	ads := tr.adverts()
	if len(ads) != 1 {
		t.Fatalf("expected 1 advert, got %d", len(ads))
	}
	ad := ads[0]
	if ad.AdvertID == "" {
		t.Fatal("missing advert id")
	}
	if ad.PublicKey != keyA || ad.PeerID != "12D3KooWself" {
		t.Fatalf("identity fields wrong: %+v", ad)
	}
	if ad.Capabilities != cfg.Capabilities || ad.FeeSats != 25 {
		t.Fatalf("signer terms wrong: %+v", ad)
	}
	if ad.TTLSec != int(AdvertTTL.Seconds()) {
		t.Fatalf("ttl is %d, want %d", ad.TTLSec, int(AdvertTTL.Seconds()))
	}
	if ad.Withdrawn {
		t.Fatal("fresh advert marked withdrawn")
	}
	if !a.Active() || a.LastPublished().IsZero() {
		t.Fatal("advertiser state not updated")
	}
}

func TestReAdvertiseReplacesRecord(t *testing.T) {
	tr := &fakeTransport{}
	a := NewAdvertiser(tr, readyMonitor(t))
	defer a.Withdraw(context.Background())

	if err := a.Advertise(context.Background(), SignerConfig{PublicKeyHex: keyA, FeeSats: 10}); err != nil {
		t.Fatal(err)
	}
	if err := a.Advertise(context.Background(), SignerConfig{PublicKeyHex: keyA, FeeSats: 20}); err != nil {
		t.Fatal(err)
	}

	ads := tr.adverts()
	if len(ads) != 2 {
		t.Fatalf("expected 2 adverts, got %d", len(ads))
	}
	// Same stable key, fresh ephemeral id: peers dedup by key, not id.
	if ads[0].PublicKey != ads[1].PublicKey {
		t.Fatal("re-advertisement changed the public key")
	}
	if ads[0].AdvertID == ads[1].AdvertID {
		t.Fatal("re-advertisement reused the advert id")
	}
	if ads[1].FeeSats != 20 {
		t.Fatalf("updated terms not published: %+v", ads[1])
	}
}

func TestAdvertiseFailureLeavesNoState(t *testing.T) {
	tr := &fakeTransport{fail: true}
	a := NewAdvertiser(tr, readyMonitor(t))

	if err := a.Advertise(context.Background(), SignerConfig{PublicKeyHex: keyA}); err == nil {
		t.Fatal("failed publish reported success")
	}
	if a.Active() {
		t.Fatal("failed Advertise left the advertiser active")
	}

	// Nothing was ever on the wire, so withdraw has nothing to publish.
	tr.fail = false
	if err := a.Withdraw(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(tr.adverts()) != 0 {
		t.Fatalf("withdraw after failed advertise published %d record(s)", len(tr.adverts()))
	}
}

func TestWithdraw(t *testing.T) {
	tr := &fakeTransport{}
	a := NewAdvertiser(tr, readyMonitor(t))

	// Nothing advertised yet: withdraw is a no-op, not an error.
	if err := a.Withdraw(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(tr.adverts()) != 0 {
		t.Fatal("no-op withdraw published a record")
	}

	if err := a.Advertise(context.Background(), SignerConfig{PublicKeyHex: keyA}); err != nil {
		t.Fatal(err)
	}
	if err := a.Withdraw(context.Background()); err != nil {
		t.Fatal(err)
	}

	ads := tr.adverts()
	if len(ads) != 2 || !ads[1].Withdrawn {
		t.Fatalf("withdrawal record missing: %+v", ads)
	}
	if a.Active() {
		t.Fatal("advertiser still active after withdrawal")
	}
}
