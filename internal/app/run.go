// Package app wires the subsystems together: storage, identity
// registry, the libp2p node, the connectivity monitor, discovery and
// the signing session coordinator.
package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/musignet/musignet/internal/config"
	"github.com/musignet/musignet/internal/connmon"
	"github.com/musignet/musignet/internal/discovery"
	"github.com/musignet/musignet/internal/identity"
	"github.com/musignet/musignet/internal/musig"
	"github.com/musignet/musignet/internal/p2p"
	"github.com/musignet/musignet/internal/proto"
	"github.com/musignet/musignet/internal/session"
	"github.com/musignet/musignet/internal/storage"
)

type Options struct {
	// BaseDir anchors relative paths from the config.
	BaseDir string
	CfgPath string
	Cfg     config.Config
}

// Run starts the node and blocks until the context is cancelled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	// ── Storage
	dataDir := resolvePath(opt.BaseDir, cfg.Storage.DataDir)
	db, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// ── Signing identity
	privHex, err := loadOrCreateSigningKey(resolvePath(opt.BaseDir, cfg.Identity.SigningKeyFile))
	if err != nil {
		return err
	}
	selfKey, err := musig.PubKeyFromPriv(privHex)
	if err != nil {
		return err
	}
	_ = db.SetMeta("self_public_key", selfKey)
	log.Printf("signing identity: %s", selfKey[:16])

	// ── Identity registry, seeded offline from the last run
	registry := identity.NewRegistry(db)
	if stored, err := db.ListIdentities(); err == nil {
		registry.Seed(stored)
	}

	// ── Signer cache, seeded offline
	cache := discovery.NewCache(db)
	if stored, err := db.ListCachedSigners(); err == nil {
		cache.Seed(stored)
	}

	// ── P2P node
	keyPath := resolvePath(opt.BaseDir, cfg.Identity.KeyFile)
	node, err := p2p.New(ctx, cfg.P2P.ListenPort, keyPath, cfg.P2P.BootstrapAddrs, cfg.P2P.MdnsEnabled)
	if err != nil {
		return err
	}
	defer node.Close()
	log.Printf("peer id: %s", node.SelfPeerID())

	// Register our own identity so status queries about ourselves work.
	if self, err := registry.FindOrCreate(selfKey, cfg.Identity.Network); err == nil {
		pid := node.SelfPeerID()
		_, _ = registry.Update(self.PublicKeyHex, identity.Update{PeerID: &pid})
	}

	// ── Connectivity monitor
	monitor := connmon.New(registry, node)
	node.SetConnEvents(monitor)
	_ = monitor.Transition(connmon.StateConnecting)

	// ── Discovery
	advertiser := discovery.NewAdvertiser(node, monitor)
	subscriber := discovery.NewSubscriber(registry, cache, cfg.Identity.Network, selfKey)
	node.RunAdvertLoop(ctx, subscriber.HandleAdvert)

	// ── Signing sessions
	newCrypto := func(participantKeys []string) (session.CryptoSession, error) {
		signer, err := musig.NewSigner(privHex, participantKeys)
		if err != nil {
			return nil, err
		}
		return signer.NewSession()
	}
	coordinator := session.NewCoordinator(node, monitor, newCrypto,
		node.SelfPeerID(), selfKey,
		time.Duration(cfg.Session.ExpirySec)*time.Second)
	defer coordinator.Close()
	node.OnSessionMsg(func(m proto.SessionMsg) {
		if err := coordinator.HandleMessage(ctx, m); err != nil {
			log.Printf("app: session message rejected: %v", err)
		}
	})

	// Signer advertisement starts once the DHT can actually route;
	// advertising earlier would publish into the void.
	monitor.SetOnDHTReady(func() {
		if cfg.Signer.Enabled {
			if err := advertiseSelf(ctx, advertiser, cfg, selfKey); err != nil {
				log.Printf("app: initial advertisement failed: %v", err)
			}
		}
		_ = monitor.Transition(connmon.StateFullyOperational)
	})

	_ = monitor.Transition(connmon.StateConnected)
	if err := node.Bootstrap(ctx); err != nil {
		log.Printf("app: dht bootstrap: %v", err)
	}
	_ = monitor.Transition(connmon.StateDHTInitializing)
	go driveDHTReady(ctx, monitor)

	// ── Cleanup scheduler
	done := make(chan struct{})
	defer close(done)
	sweepEvery := time.Duration(cfg.Session.SweepIntervalSec) * time.Second
	subscriber.StartSweeper(done, sweepEvery)
	go func() {
		t := time.NewTicker(sweepEvery)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				coordinator.Sweep(time.Now())
			}
		}
	}()

	// ── Config hot reload: signer advertisement settings only. Identity
	// and transport settings need a restart.
	stopWatch, err := config.Watch(opt.CfgPath, func(next config.Config) {
		if !signerChanged(cfg.Signer, next.Signer) {
			return
		}
		cfg.Signer = next.Signer
		if !next.Signer.Enabled {
			if err := advertiser.Withdraw(ctx); err != nil {
				log.Printf("app: withdraw after config change: %v", err)
			}
			return
		}
		if !monitor.DHTReady() {
			return // picked up by the dht-ready hook
		}
		if err := advertiseSelf(ctx, advertiser, cfg, selfKey); err != nil {
			log.Printf("app: re-advertise after config change: %v", err)
		}
	})
	if err != nil {
		log.Printf("app: config watch disabled: %v", err)
	} else {
		defer stopWatch()
	}

	<-ctx.Done()
	log.Printf("app: shutting down")

	// Withdraw with a fresh context — ours is already cancelled.
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := advertiser.Withdraw(shutCtx); err != nil {
		log.Printf("app: withdraw on shutdown: %v", err)
	}
	return nil
}

// driveDHTReady polls the routing table until the dht_ready transition
// is accepted. The transition itself re-checks the table size, so this
// loop just retries until the precondition holds.
func driveDHTReady(ctx context.Context, monitor *connmon.Monitor) {
	t := time.NewTicker(2 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if monitor.DHTReady() {
				return
			}
			if err := monitor.Transition(connmon.StateDHTReady); err == nil {
				return
			}
		}
	}
}

func advertiseSelf(ctx context.Context, adv *discovery.Advertiser, cfg config.Config, selfKey string) error {
	bits, err := cfg.Signer.CapabilityBits()
	if err != nil {
		return err
	}
	return adv.Advertise(ctx, discovery.SignerConfig{
		PublicKeyHex: selfKey,
		Nickname:     cfg.Identity.Nickname,
		Capabilities: bits,
		FeeSats:      cfg.Signer.FeeSats,
		MinAmount:    cfg.Signer.MinAmount,
		MaxAmount:    cfg.Signer.MaxAmount,
	})
}

// loadOrCreateSigningKey loads the hex secp256k1 signing key, or
// generates and saves one on first run.
func loadOrCreateSigningKey(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		key := strings.TrimSpace(string(b))
		if _, err := musig.PubKeyFromPriv(key); err == nil {
			return key, nil
		}
		return "", fmt.Errorf("corrupt signing key at %s", path)
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	key, err := musig.GeneratePrivateKey()
	if err != nil {
		return "", err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(key+"\n"), 0600); err != nil {
		return "", fmt.Errorf("save signing key: %w", err)
	}
	log.Printf("generated new signing key: %s", path)
	return key, nil
}

func signerChanged(a, b config.Signer) bool {
	if a.Enabled != b.Enabled || a.FeeSats != b.FeeSats ||
		a.MinAmount != b.MinAmount || a.MaxAmount != b.MaxAmount {
		return true
	}
	if len(a.Capabilities) != len(b.Capabilities) {
		return true
	}
	for i := range a.Capabilities {
		if a.Capabilities[i] != b.Capabilities[i] {
			return true
		}
	}
	return false
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) || base == "" {
		return p
	}
	return filepath.Join(base, p)
}
