package discovery

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/musignet/musignet/internal/connmon"
	"github.com/musignet/musignet/internal/proto"
)

// AdvertTTL is the implicit lifetime of a published advertisement.
// The advertiser republishes at half this interval while enabled.
const AdvertTTL = time.Hour

// AdvertTransport is what the advertiser needs from the P2P layer.
type AdvertTransport interface {
	PublishAdvert(ctx context.Context, ad proto.SignerAdvert) error
	SelfPeerID() string
	SelfAddrs() []string
}

// SignerConfig is this node's willingness-to-sign record.
type SignerConfig struct {
	PublicKeyHex string
	Nickname     string
	Capabilities uint32
	FeeSats      int64
	MinAmount    int64
	MaxAmount    int64
}

// Advertiser periodically (re)publishes this node's signer advertisement
// and can withdraw it. Advertising and any in-flight signing session are
// independent lifecycles: Withdraw never cancels a session.
type Advertiser struct {
	transport AdvertTransport
	monitor   *connmon.Monitor

	mu        sync.Mutex
	current   *SignerConfig
	cancel    context.CancelFunc
	published time.Time
}

func NewAdvertiser(transport AdvertTransport, monitor *connmon.Monitor) *Advertiser {
	return &Advertiser{transport: transport, monitor: monitor}
}

// Advertise publishes the signer record and starts periodic
// republication. Requires the node to be DHT-ready; fails with
// connmon.ErrNotReady otherwise. Re-advertising replaces the previous
// record (fresh advert id, same public key) rather than stacking.
func (a *Advertiser) Advertise(ctx context.Context, cfg SignerConfig) error {
	if !a.monitor.DHTReady() {
		return fmt.Errorf("advertise: %w", connmon.ErrNotReady)
	}

	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.current = &cfg
	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	if err := a.publishOnce(ctx, cfg, false); err != nil {
		// Disarm: a failed Advertise must leave nothing active or
		// republishing. Guarded in case a concurrent Advertise already
		// replaced the record.
		a.mu.Lock()
		if a.current == &cfg {
			a.current = nil
			a.cancel = nil
		}
		a.mu.Unlock()
		cancel()
		return err
	}

	go a.republishLoop(loopCtx)
	return nil
}

// Withdraw publishes a withdrawal record and stops republication. Safe
// to call when nothing is advertised.
func (a *Advertiser) Withdraw(ctx context.Context) error {
	a.mu.Lock()
	cfg := a.current
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.current = nil
	a.mu.Unlock()

	if cfg == nil {
		return nil // nothing advertised
	}
	return a.publishOnce(ctx, *cfg, true)
}

// Active reports whether an advertisement is currently maintained.
func (a *Advertiser) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current != nil
}

// LastPublished returns when the advert was last put on the wire.
func (a *Advertiser) LastPublished() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.published
}

func (a *Advertiser) publishOnce(ctx context.Context, cfg SignerConfig, withdrawn bool) error {
	ad := proto.SignerAdvert{
		AdvertID:     uuid.NewString(),
		PublicKey:    cfg.PublicKeyHex,
		PeerID:       a.transport.SelfPeerID(),
		Nickname:     cfg.Nickname,
		Capabilities: cfg.Capabilities,
		FeeSats:      cfg.FeeSats,
		MinAmount:    cfg.MinAmount,
		MaxAmount:    cfg.MaxAmount,
		Addrs:        a.transport.SelfAddrs(),
		DiscoveredAt: proto.NowMillis(),
		TTLSec:       int(AdvertTTL / time.Second),
		Withdrawn:    withdrawn,
	}
	if err := a.transport.PublishAdvert(ctx, ad); err != nil {
		return fmt.Errorf("advertise: publish: %w", err)
	}

	a.mu.Lock()
	a.published = time.Now()
	a.mu.Unlock()

	if withdrawn {
		log.Printf("discovery: withdrew advertisement for %s", short(cfg.PublicKeyHex))
	} else {
		log.Printf("discovery: advertised %s (caps=%#x fee=%d)", short(cfg.PublicKeyHex), cfg.Capabilities, cfg.FeeSats)
	}
	return nil
}

// republishLoop refreshes the advert before its TTL lapses. Publish
// failures are non-fatal — the next tick retries, and a failed refresh
// never corrupts what peers already cached.
func (a *Advertiser) republishLoop(ctx context.Context) {
	t := time.NewTicker(AdvertTTL / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.mu.Lock()
			cfg := a.current
			a.mu.Unlock()
			if cfg == nil {
				return
			}
			if !a.monitor.DHTReady() {
				log.Printf("discovery: skipping republish, network not ready")
				continue
			}
			if err := a.publishOnce(ctx, *cfg, false); err != nil {
				log.Printf("discovery: republish failed: %v", err)
			}
		}
	}
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
