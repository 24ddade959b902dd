package p2p

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/musignet/musignet/internal/proto"
)

const pingInterval = 30 * time.Second

type kaMsg struct {
	Type string `json:"type"` // "ping" | "pong"
}

type kaConn struct {
	peerID string
	stream network.Stream
	cancel context.CancelFunc
}

// Keepalive maintains one persistent bidirectional heartbeat stream per
// connected peer. The long-lived stream keeps the muxed connection (and
// any relay circuit) warm, prevents the connection manager from pruning
// idle paths, and turns a dead path into a prompt disconnect
// notification instead of a timeout during a signing round.
type Keepalive struct {
	host   host.Host
	selfID string

	mu    sync.Mutex
	conns map[string]*kaConn
}

func newKeepalive(h host.Host) *Keepalive {
	k := &Keepalive{
		host:   h,
		selfID: h.ID().String(),
		conns:  make(map[string]*kaConn),
	}
	h.SetStreamHandler(protocol.ID(proto.KeepaliveProtoID), k.handleIncoming)
	return k
}

// Connect opens a keepalive stream to peerID if one is not already open.
// Safe to call concurrently and repeatedly.
//
// Only the peer with the lexicographically lower ID initiates the
// stream. When both peers discover each other simultaneously and both
// dial, each handleIncoming resets the other's outbound stream and the
// pair oscillates forever; with this rule exactly one side dials.
func (k *Keepalive) Connect(ctx context.Context, peerID string) {
	if peerID == k.selfID || k.selfID > peerID {
		return
	}
	k.mu.Lock()
	if _, exists := k.conns[peerID]; exists {
		k.mu.Unlock()
		return
	}
	// Reserve the slot immediately to prevent concurrent duplicate dials.
	k.conns[peerID] = nil
	k.mu.Unlock()

	go func() {
		pid, err := peer.Decode(peerID)
		if err != nil {
			k.drop(peerID)
			return
		}

		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()

		s, err := k.host.NewStream(dialCtx, pid, protocol.ID(proto.KeepaliveProtoID))
		if err != nil {
			k.drop(peerID)
			return
		}

		connCtx, connCancel := context.WithCancel(context.Background())
		c := &kaConn{peerID: peerID, stream: s, cancel: connCancel}

		k.mu.Lock()
		k.conns[peerID] = c
		k.mu.Unlock()

		k.runLoop(connCtx, c)
	}()
}

func (k *Keepalive) drop(peerID string) {
	k.mu.Lock()
	delete(k.conns, peerID)
	k.mu.Unlock()
}

func (k *Keepalive) handleIncoming(s network.Stream) {
	peerID := s.Conn().RemotePeer().String()

	k.mu.Lock()
	if existing, exists := k.conns[peerID]; exists && existing != nil {
		k.mu.Unlock()
		s.Reset()
		return
	}
	connCtx, connCancel := context.WithCancel(context.Background())
	c := &kaConn{peerID: peerID, stream: s, cancel: connCancel}
	k.conns[peerID] = c
	k.mu.Unlock()

	go k.runLoop(connCtx, c)
}

// runLoop drives the ping/pong heartbeat on an established stream. It
// exits when the stream closes or the context is cancelled.
func (k *Keepalive) runLoop(ctx context.Context, c *kaConn) {
	defer func() {
		c.stream.Close()
		c.cancel()
		k.mu.Lock()
		if existing, ok := k.conns[c.peerID]; ok && existing == c {
			delete(k.conns, c.peerID)
		}
		k.mu.Unlock()
	}()

	enc := json.NewEncoder(c.stream)
	dec := json.NewDecoder(c.stream)

	readErr := make(chan error, 1)
	go func() {
		for {
			var in kaMsg
			if err := dec.Decode(&in); err != nil {
				readErr <- err
				return
			}
			if in.Type == "ping" {
				_ = c.stream.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := enc.Encode(kaMsg{Type: "pong"}); err != nil {
					readErr <- err
					return
				}
				_ = c.stream.SetWriteDeadline(time.Time{})
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErr:
			if err != nil {
				log.Printf("p2p: keepalive %s read error: %v", short(c.peerID), err)
			}
			return
		case <-ticker.C:
			_ = c.stream.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := enc.Encode(kaMsg{Type: "ping"}); err != nil {
				return
			}
			_ = c.stream.SetWriteDeadline(time.Time{})
		}
	}
}

// Close shuts down all active keepalive streams.
func (k *Keepalive) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, c := range k.conns {
		if c != nil {
			c.stream.Reset()
			c.cancel()
		}
	}
}
