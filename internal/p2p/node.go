// Package p2p owns the libp2p host: identity key, mDNS LAN discovery,
// the Kademlia DHT, the gossip topic for signer advertisements, and the
// direct session message protocol. Everything above this package talks
// in terms of peer id strings and proto types, never libp2p types.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/musignet/musignet/internal/proto"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("dht", "error")
	logging.SetLogLevel("autonat", "warn")
}

const dialTimeout = 15 * time.Second

// ConnEvents receives transport connect/disconnect callbacks.
// Implemented by connmon.Monitor.
type ConnEvents interface {
	OnPeerConnected(peerID string, multiaddrs []string)
	OnPeerDisconnected(peerID string)
}

// Node is the libp2p host plus the discovery and session plumbing.
type Node struct {
	Host host.Host
	kdht *dht.IpfsDHT

	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	direct    *Direct
	keepalive *Keepalive

	mu     sync.Mutex
	events ConnEvents
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// New builds the libp2p host, starts mDNS and the DHT, joins the signer
// advertisement topic, and registers the session and keepalive stream
// handlers.
func New(ctx context.Context, listenPort int, keyFile string, bootstrapAddrs []string, enableMDNS bool) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("p2p: generated new identity key: %s", keyFile)
	} else {
		log.Printf("p2p: loaded identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort),
			fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", listenPort),
		),
		libp2p.EnableRelay(),
		libp2p.EnableHolePunching(),
	)
	if err != nil {
		return nil, err
	}

	if enableMDNS {
		md := mdns.NewMdnsService(h, proto.MdnsTag, &mdnsNotifee{h: h})
		if err := md.Start(); err != nil {
			_ = h.Close()
			return nil, err
		}
	}

	kdht, err := dht.New(ctx, h, dht.Mode(dht.ModeAuto))
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	topic, err := ps.Join(proto.SignerTopic)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	n := &Node{
		Host:  h,
		kdht:  kdht,
		ps:    ps,
		topic: topic,
		sub:   sub,
	}
	n.direct = newDirect(h)
	n.keepalive = newKeepalive(h)

	n.connectBootstrap(ctx, bootstrapAddrs)
	return n, nil
}

// SetConnEvents wires transport connect/disconnect callbacks into the
// connectivity monitor. Must be called before Start.
func (n *Node) SetConnEvents(ev ConnEvents) {
	n.mu.Lock()
	n.events = ev
	n.mu.Unlock()

	n.Host.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			pid := c.RemotePeer().String()
			addrs := []string{c.RemoteMultiaddr().String()}
			n.mu.Lock()
			sink := n.events
			n.mu.Unlock()
			if sink != nil {
				sink.OnPeerConnected(pid, addrs)
			}
			n.keepalive.Connect(context.Background(), pid)
		},
		DisconnectedF: func(net network.Network, c network.Conn) {
			pid := c.RemotePeer()
			// Only report once the last connection to the peer is gone;
			// libp2p multiplexes several conns per peer.
			if len(net.ConnsToPeer(pid)) > 0 {
				return
			}
			n.mu.Lock()
			sink := n.events
			n.mu.Unlock()
			if sink != nil {
				sink.OnPeerDisconnected(pid.String())
			}
		},
	})
}

// Bootstrap kicks off the DHT's bootstrap process.
func (n *Node) Bootstrap(ctx context.Context) error {
	return n.kdht.Bootstrap(ctx)
}

// RoutingTableSize satisfies connmon.DHTStats.
func (n *Node) RoutingTableSize() int {
	return n.kdht.RoutingTable().Size()
}

func (n *Node) connectBootstrap(ctx context.Context, addrs []string) {
	for _, s := range addrs {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			log.Printf("p2p: bad bootstrap addr %q: %v", s, err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Printf("p2p: bad bootstrap addr %q: %v", s, err)
			continue
		}
		go func(pi peer.AddrInfo) {
			dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
			defer cancel()
			if err := n.Host.Connect(dialCtx, pi); err != nil {
				log.Printf("p2p: bootstrap connect %s failed: %v", pi.ID, err)
			}
		}(*pi)
	}
}

func (n *Node) Close() error {
	n.keepalive.Close()
	_ = n.kdht.Close()
	return n.Host.Close()
}

// SelfPeerID satisfies discovery.AdvertTransport.
func (n *Node) SelfPeerID() string {
	return n.Host.ID().String()
}

// SelfAddrs returns the host's publishable multiaddresses: loopback and
// link-local are filtered out, circuit relay paths are kept.
func (n *Node) SelfAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		if isCircuitAddr(a) {
			out = append(out, a.String())
			continue
		}
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// isCircuitAddr returns true if the multiaddr contains a /p2p-circuit component.
func isCircuitAddr(a ma.Multiaddr) bool {
	for _, p := range a.Protocols() {
		if p.Code == ma.P_CIRCUIT {
			return true
		}
	}
	return false
}

// PublishAdvert puts one signer advertisement on the gossip topic.
func (n *Node) PublishAdvert(ctx context.Context, ad proto.SignerAdvert) error {
	b, err := json.Marshal(ad)
	if err != nil {
		return err
	}
	return n.topic.Publish(ctx, b)
}

// RunAdvertLoop reads signer advertisements off the gossip topic and
// hands them to onAdvert. Our own publications are skipped at the
// transport level; identity-level self-filtering happens downstream.
func (n *Node) RunAdvertLoop(ctx context.Context, onAdvert func(proto.SignerAdvert)) {
	go func() {
		for {
			m, err := n.sub.Next(ctx)
			if err != nil {
				return
			}
			if m.ReceivedFrom == n.Host.ID() {
				continue
			}
			var ad proto.SignerAdvert
			if err := json.Unmarshal(m.Data, &ad); err != nil {
				continue
			}
			if ad.PublicKey == "" {
				continue
			}
			// Remember the sender's addresses so a session dial later
			// does not depend on DHT lookup.
			n.addPeerAddrs(ad.PeerID, ad.Addrs)
			onAdvert(ad)
		}
	}()
}

// addPeerAddrs parses multiaddr strings and adds them to the peerstore.
// Circuit relay addresses get a longer TTL since they represent a stable
// relay path that outlives individual advertisements.
func (n *Node) addPeerAddrs(peerID string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	var direct, circuit []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if ip, err := manet.ToIP(a); err == nil {
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
		}
		if isCircuitAddr(a) {
			circuit = append(circuit, a)
		} else {
			direct = append(direct, a)
		}
	}
	if len(direct) > 0 {
		n.Host.Peerstore().AddAddrs(pid, direct, time.Hour)
	}
	if len(circuit) > 0 {
		n.Host.Peerstore().AddAddrs(pid, circuit, 10*time.Hour)
	}
}

// SendSessionMsg satisfies session.Transport.
func (n *Node) SendSessionMsg(ctx context.Context, peerID string, msg proto.SessionMsg) error {
	return n.direct.Send(ctx, peerID, msg)
}

// OnSessionMsg registers the handler for inbound session messages.
func (n *Node) OnSessionMsg(fn func(proto.SessionMsg)) {
	n.direct.OnMessage(fn)
}
