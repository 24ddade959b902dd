// Package connmon tracks per-peer transport connection state and the
// local node's own network attachment state machine. It is driven
// entirely by transport callbacks — it never polls — and it is the only
// component that flips identity presence via a peer id.
package connmon

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// ErrNotReady is returned by operations attempted before the node's
// network attachment reached the required state.
var ErrNotReady = errors.New("network not ready")

// State is the local node's coarse network attachment state.
type State string

const (
	StateDisconnected     State = "disconnected"
	StateConnecting       State = "connecting"
	StateConnected        State = "connected"
	StateDHTInitializing  State = "dht_initializing"
	StateDHTReady         State = "dht_ready"
	StateFullyOperational State = "fully_operational"
	StateReconnecting     State = "reconnecting"
	StateError            State = "error"
)

// stateRank orders the forward progression. Reconnecting and error sit
// outside the progression and are reachable from anywhere.
var stateRank = map[State]int{
	StateDisconnected:     0,
	StateConnecting:       1,
	StateConnected:        2,
	StateDHTInitializing:  3,
	StateDHTReady:         4,
	StateFullyOperational: 5,
}

// Reachability distinguishes a direct transport path from a relayed one.
type Reachability string

const (
	ReachDirect  Reachability = "direct"
	ReachRelayed Reachability = "relayed"
)

// PeerConn is the tracked state for one connected peer.
type PeerConn struct {
	PeerID       string
	Multiaddrs   []string
	Reachability Reachability
	ConnectedAt  time.Time
}

// StateChange is published to subscribers on every node state transition.
type StateChange struct {
	From State
	To   State
	At   time.Time
}

// historyCap bounds the diagnostic transition history.
const historyCap = 64

// history is a fixed-capacity ring of recent transitions; when full the
// oldest entry is overwritten. Guarded by the monitor mutex.
type history struct {
	buf   []StateChange
	head  int
	count int
}

func (h *history) push(sc StateChange) {
	if h.buf == nil {
		h.buf = make([]StateChange, historyCap)
	}
	idx := (h.head + h.count) % len(h.buf)
	h.buf[idx] = sc
	if h.count == len(h.buf) {
		h.head = (h.head + 1) % len(h.buf)
	} else {
		h.count++
	}
}

func (h *history) snapshot() []StateChange {
	out := make([]StateChange, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.buf[(h.head+i)%len(h.buf)]
	}
	return out
}

// PresenceSink receives connect/disconnect presence flips. Implemented
// by identity.Registry.
type PresenceSink interface {
	UpdateFromPeerConnection(peerID string, multiaddrs []string)
	MarkOfflineByPeerID(peerID string)
}

// DHTStats exposes the minimum the monitor needs from the DHT.
type DHTStats interface {
	RoutingTableSize() int
}

// Monitor tracks connected peers and the node state machine.
type Monitor struct {
	mu    sync.Mutex
	peers map[string]PeerConn
	state State

	registry PresenceSink
	dht      DHTStats

	// onDHTReady fires exactly once, on the first entry into dht_ready.
	// Discovery and session services are initialized from it, since
	// signer discovery requires an operating DHT.
	onDHTReady    func()
	dhtReadyFired bool

	listeners []chan StateChange
	hist      history
}

func New(registry PresenceSink, dht DHTStats) *Monitor {
	return &Monitor{
		peers:    make(map[string]PeerConn),
		state:    StateDisconnected,
		registry: registry,
		dht:      dht,
	}
}

// SetOnDHTReady registers the first-dht-ready hook. Must be called
// before the transport starts delivering events.
func (m *Monitor) SetOnDHTReady(fn func()) {
	m.mu.Lock()
	m.onDHTReady = fn
	m.mu.Unlock()
}

// OnPeerConnected is the transport connect callback. The monitor is the
// only writer that flips the linked identity online.
func (m *Monitor) OnPeerConnected(peerID string, multiaddrs []string) {
	reach := ReachDirect
	for _, a := range multiaddrs {
		if strings.Contains(a, "/p2p-circuit") {
			reach = ReachRelayed
			break
		}
	}

	m.mu.Lock()
	m.peers[peerID] = PeerConn{
		PeerID:       peerID,
		Multiaddrs:   append([]string(nil), multiaddrs...),
		Reachability: reach,
		ConnectedAt:  time.Now(),
	}
	m.mu.Unlock()

	log.Printf("connmon: peer %s connected (%s)", short(peerID), reach)
	if m.registry != nil {
		m.registry.UpdateFromPeerConnection(peerID, multiaddrs)
	}
}

// OnPeerDisconnected is the transport disconnect callback; the only
// writer that flips the linked identity offline.
func (m *Monitor) OnPeerDisconnected(peerID string) {
	m.mu.Lock()
	delete(m.peers, peerID)
	m.mu.Unlock()

	log.Printf("connmon: peer %s disconnected", short(peerID))
	if m.registry != nil {
		m.registry.MarkOfflineByPeerID(peerID)
	}
}

// IsConnected reports whether a transport connection to the peer exists.
func (m *Monitor) IsConnected(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.peers[peerID]
	return ok
}

// PeerReachability returns how the peer is reached, or false if not
// connected.
func (m *Monitor) PeerReachability(peerID string) (Reachability, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.peers[peerID]
	return pc.Reachability, ok
}

// ConnectedPeers returns a snapshot of the current connections.
func (m *Monitor) ConnectedPeers() []PeerConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerConn, 0, len(m.peers))
	for _, pc := range m.peers {
		out = append(out, pc)
	}
	return out
}

// State returns the node's current attachment state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// DHTReady reports whether discovery-dependent services may operate.
func (m *Monitor) DHTReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateDHTReady || m.state == StateFullyOperational
}

// Transition moves the node state machine. Reconnecting, error and
// disconnected are reachable from any state; entering dht_ready requires
// the routing table to contain at least one peer. Forward ordering is
// driven by the caller — after a recovery state the node may re-enter
// any phase its transport actually reached, so adjacency is not checked
// here.
func (m *Monitor) Transition(to State) error {
	m.mu.Lock()
	from := m.state

	switch to {
	case StateReconnecting, StateError, StateDisconnected:
		// Always legal.
	case StateDHTReady:
		if m.dht == nil || m.dht.RoutingTableSize() < 1 {
			m.mu.Unlock()
			return fmt.Errorf("%w: routing table empty", ErrNotReady)
		}
	default:
		if _, ok := stateRank[to]; !ok {
			m.mu.Unlock()
			return fmt.Errorf("connmon: unknown state %q", to)
		}
	}

	m.state = to
	evt := StateChange{From: from, To: to, At: time.Now()}
	if from != to {
		m.hist.push(evt)
	}
	fireReady := to == StateDHTReady && !m.dhtReadyFired
	if fireReady {
		m.dhtReadyFired = true
	}
	hook := m.onDHTReady
	listeners := append([]chan StateChange(nil), m.listeners...)
	m.mu.Unlock()

	if from != to {
		log.Printf("connmon: %s -> %s", from, to)
		for _, ch := range listeners {
			select {
			case ch <- evt:
			default:
			}
		}
	}

	// First dht_ready is the trigger point for discovery-dependent
	// services; run the hook outside the lock.
	if fireReady && hook != nil {
		hook()
	}
	return nil
}

// History returns the recent state transitions, oldest first.
func (m *Monitor) History() []StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hist.snapshot()
}

// Subscribe returns a channel of node state changes.
func (m *Monitor) Subscribe() chan StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan StateChange, 16)
	m.listeners = append(m.listeners, ch)
	return ch
}

func (m *Monitor) Unsubscribe(ch chan StateChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.listeners {
		if l == ch {
			close(l)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
