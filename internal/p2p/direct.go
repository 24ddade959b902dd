package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/musignet/musignet/internal/proto"
)

const (
	// ackTimeout is how long Send waits for a transport ACK from the
	// remote peer before returning an error to the caller.
	ackTimeout = 10 * time.Second

	readTimeout = 30 * time.Second
)

// Direct owns the per-peer session message protocol: one short-lived
// stream per message, newline-delimited JSON, synchronous transport ACK.
type Direct struct {
	host   host.Host
	selfID string

	mu      sync.RWMutex
	handler func(proto.SessionMsg)
}

// newDirect registers the session stream handler.
func newDirect(h host.Host) *Direct {
	d := &Direct{
		host:   h,
		selfID: h.ID().String(),
	}
	h.SetStreamHandler(protocol.ID(proto.SessionProtoID), d.handleIncoming)
	return d
}

// OnMessage sets the inbound message handler. Messages arriving before a
// handler is set are dropped — the coordinator registers before the host
// starts accepting dials.
func (d *Direct) OnMessage(fn func(proto.SessionMsg)) {
	d.mu.Lock()
	d.handler = fn
	d.mu.Unlock()
}

// Send opens a stream to peerID, writes the message, and waits up to
// ackTimeout for the transport ACK. The stream rides whatever muxed
// connection already exists; libp2p dials when there is none.
func (d *Direct) Send(ctx context.Context, peerID string, msg proto.SessionMsg) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("p2p: invalid peer id %q: %w", peerID, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()

	stream, err := d.host.NewStream(dialCtx, pid, protocol.ID(proto.SessionProtoID))
	if err != nil {
		return fmt.Errorf("p2p: open session stream to %s: %w", short(peerID), err)
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(msg); err != nil {
		return fmt.Errorf("p2p: encode session msg: %w", err)
	}

	// The remote writes the ACK back synchronously on the same stream.
	var ack proto.SessionAck
	_ = stream.SetReadDeadline(time.Now().Add(ackTimeout))
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&ack); err != nil {
		return fmt.Errorf("p2p: waiting for ack from %s: %w", short(peerID), err)
	}
	if ack.ID != msg.ID {
		return fmt.Errorf("p2p: ack id mismatch (got %s, want %s)", ack.ID, msg.ID)
	}

	log.Printf("p2p: sent %s %s to %s", msg.Type, short(msg.ID), short(peerID))
	return nil
}

// handleIncoming reads one SessionMsg, sends the transport ACK
// immediately, then dispatches to the registered handler.
func (d *Direct) handleIncoming(stream network.Stream) {
	defer stream.Close()

	remotePeer := stream.Conn().RemotePeer().String()
	_ = stream.SetReadDeadline(time.Now().Add(readTimeout))

	var msg proto.SessionMsg
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&msg); err != nil {
		log.Printf("p2p: session decode error from %s: %v", short(remotePeer), err)
		return
	}

	// ACK immediately — the bytes are in the buffer; protocol-level
	// handling happens after and cannot block the sender.
	ack := proto.SessionAck{ID: msg.ID, Seq: msg.Seq}
	_ = stream.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(stream).Encode(ack); err != nil {
		log.Printf("p2p: ack write error to %s: %v", short(remotePeer), err)
	}

	log.Printf("p2p: received %s %s from %s", msg.Type, short(msg.ID), short(remotePeer))

	d.mu.RLock()
	fn := d.handler
	d.mu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
