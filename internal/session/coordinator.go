package session

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/musignet/musignet/internal/identity"
	"github.com/musignet/musignet/internal/proto"
)

const (
	// sendAttempts bounds delivery retries before a peer is declared
	// unreachable.
	sendAttempts = 3

	// violationBudget is how many out-of-phase messages one participant
	// may send before the session fails.
	violationBudget = 3
)

// Transport delivers a session message to one peer and waits for the
// transport-level ACK.
type Transport interface {
	SendSessionMsg(ctx context.Context, peerID string, msg proto.SessionMsg) error
}

// ConnectivityProbe answers live transport connectivity questions.
// Satisfied by connmon.Monitor. Diagnostic only: session transitions
// are driven by protocol messages, never by connectivity state.
type ConnectivityProbe interface {
	IsConnected(peerID string) bool
}

// CryptoFactory opens a fresh MuSig2 signing round over a participant
// key set. Each session gets its own round; nonces are never shared
// across sessions.
type CryptoFactory func(participantPubKeys []string) (CryptoSession, error)

type outbound struct {
	peerID   string
	msg      proto.SessionMsg
	critical bool // failure fails the session
}

// Coordinator owns every signing session on this node.
type Coordinator struct {
	transport Transport
	probe     ConnectivityProbe
	newCrypto CryptoFactory

	selfPeerID string
	selfKey    string
	expiry     time.Duration

	seq atomic.Int64

	mu        sync.Mutex
	sessions  map[string]*session
	listeners []chan Event
}

func NewCoordinator(transport Transport, probe ConnectivityProbe, newCrypto CryptoFactory, selfPeerID, selfKey string, expiry time.Duration) *Coordinator {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Coordinator{
		transport:  transport,
		probe:      probe,
		newCrypto:  newCrypto,
		selfPeerID: selfPeerID,
		selfKey:    selfKey,
		expiry:     expiry,
		sessions:   make(map[string]*session),
	}
}

// Propose creates a session over the participant set (which must include
// this node) and notifies the remote participants. The expiry timer is
// armed before the first notification leaves, so a session can never
// exist without its timer.
func (c *Coordinator) Propose(ctx context.Context, participants []Participant, md Metadata) (View, error) {
	if err := validateParticipants(participants, c.selfKey); err != nil {
		return View{}, err
	}
	if len(md.SigHash) != 32 {
		return View{}, fmt.Errorf("%w: sighash must be 32 bytes", ErrProtocolViolation)
	}

	id := uuid.NewString()
	s, events, sends, err := c.createSession(id, participants, md, true)
	if err != nil {
		return View{}, err
	}
	c.emit(events)

	m := c.newMsg(proto.SessionMsgPropose, id)
	m.Metadata = &proto.SessionMetadata{
		WalletID:   md.WalletID,
		AmountSats: md.AmountSats,
		Recipient:  md.Recipient,
		Purpose:    md.Purpose,
		ExpirySec:  int(c.sessionExpiry(md) / time.Second),
		SigHash:    hex.EncodeToString(md.SigHash),
	}
	for _, p := range participants {
		m.Participants = append(m.Participants, proto.SessionParticipantRef{
			PeerID: p.PeerID, PublicKey: p.PublicKeyHex,
		})
	}
	for _, p := range participants {
		if p.PublicKeyHex == c.selfKey {
			continue
		}
		sends = append(sends, outbound{peerID: p.PeerID, msg: m, critical: true})
	}

	if err := c.dispatch(ctx, id, sends); err != nil {
		return View{}, err
	}
	return c.view(s.id), nil
}

// HandleMessage applies one inbound session message. Out-of-phase
// messages are buffered or dropped per the protocol rules; they never
// make the handler error unless the sender exhausts its violation
// budget.
func (c *Coordinator) HandleMessage(ctx context.Context, msg proto.SessionMsg) error {
	if msg.Type == proto.SessionMsgPropose {
		return c.handlePropose(ctx, msg)
	}

	c.mu.Lock()
	s, ok := c.sessions[msg.SessionID]
	if !ok {
		c.mu.Unlock()
		log.Printf("session: dropping %s for unknown session %s", msg.Type, short(msg.SessionID))
		return nil
	}
	if s.state.Terminal() {
		c.mu.Unlock()
		return nil
	}
	sender, ok := s.participant(msg.PublicKey)
	if !ok {
		c.mu.Unlock()
		log.Printf("session %s: dropping %s from non-participant %s", short(s.id), msg.Type, short(msg.PublicKey))
		return fmt.Errorf("%w: sender not a participant", ErrProtocolViolation)
	}

	var events []Event
	var sends []outbound
	var err error
	switch msg.Type {
	case proto.SessionMsgJoin:
		s.joined[sender.PublicKeyHex] = true
		err = c.advanceLocked(s, &events, &sends)
	case proto.SessionMsgNonce:
		err = c.applyNonceLocked(s, sender.PublicKeyHex, msg.Nonce, &events)
		if err == nil {
			err = c.advanceLocked(s, &events, &sends)
		}
	case proto.SessionMsgPartialSig:
		err = c.applyPartialSigLocked(s, sender.PublicKeyHex, msg.PartialSig, &events)
	case proto.SessionMsgAbort:
		reason := msg.Reason
		if reason == "" {
			reason = "aborted by " + short(sender.PublicKeyHex)
		}
		c.failLocked(s, reason, ErrAborted, &events)
	case proto.SessionMsgFinalized:
		if s.state != StateSigning {
			err = c.violationLocked(s, sender.PublicKeyHex, "finalized outside signing phase", &events)
			break
		}
		sig, decErr := hex.DecodeString(msg.FinalSig)
		if decErr != nil || !s.crypto.VerifyFinal(s.md.SigHash, sig) {
			err = c.violationLocked(s, sender.PublicKeyHex, "invalid final signature", &events)
			break
		}
		s.finalSig = sig
		c.setStateLocked(s, StateCompleted, "", &events)
	default:
		err = fmt.Errorf("%w: unknown message type %q", ErrProtocolViolation, msg.Type)
	}
	c.mu.Unlock()

	c.emit(events)
	if sendErr := c.dispatch(ctx, msg.SessionID, sends); sendErr != nil && err == nil {
		err = sendErr
	}
	return err
}

func (c *Coordinator) handlePropose(ctx context.Context, msg proto.SessionMsg) error {
	if msg.Metadata == nil {
		return fmt.Errorf("%w: propose without metadata", ErrProtocolViolation)
	}
	c.mu.Lock()
	_, exists := c.sessions[msg.SessionID]
	c.mu.Unlock()
	if exists {
		return nil // duplicate propose
	}

	participants := make([]Participant, 0, len(msg.Participants))
	for _, ref := range msg.Participants {
		participants = append(participants, Participant{
			PeerID:       ref.PeerID,
			PublicKeyHex: ref.PublicKey,
			IsMe:         ref.PublicKey == c.selfKey,
		})
	}
	if err := validateParticipants(participants, c.selfKey); err != nil {
		return err
	}
	initiatorKey, err := identity.NormalizeKey(msg.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if _, ok := participantKey(participants, initiatorKey); !ok {
		return fmt.Errorf("%w: propose sender not in participant set", ErrProtocolViolation)
	}
	sigHash, err := hex.DecodeString(msg.Metadata.SigHash)
	if err != nil || len(sigHash) != 32 {
		return fmt.Errorf("%w: malformed sighash", ErrProtocolViolation)
	}
	md := Metadata{
		WalletID:   msg.Metadata.WalletID,
		AmountSats: msg.Metadata.AmountSats,
		Recipient:  msg.Metadata.Recipient,
		Purpose:    msg.Metadata.Purpose,
		SigHash:    sigHash,
		Expiry:     time.Duration(msg.Metadata.ExpirySec) * time.Second,
	}

	s, events, sends, err := c.createSessionID(msg.SessionID, participants, md, false, initiatorKey)
	if err != nil {
		return err
	}

	// Announce our join to every other participant, then let the state
	// machine advance (a two-party session is fully joined already).
	join := c.newMsg(proto.SessionMsgJoin, s.id)
	c.mu.Lock()
	for _, p := range s.participants {
		if p.PublicKeyHex == c.selfKey {
			continue
		}
		sends = append(sends, outbound{peerID: p.PeerID, msg: join, critical: true})
	}
	err = c.advanceLocked(s, &events, &sends)
	c.mu.Unlock()

	c.emit(events)
	if sendErr := c.dispatch(ctx, s.id, sends); sendErr != nil && err == nil {
		err = sendErr
	}
	return err
}

// Abort fails the session and notifies the other participants. Legal
// from any non-terminal state.
func (c *Coordinator) Abort(ctx context.Context, id, reason string) error {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownSession
	}
	if s.state.Terminal() {
		c.mu.Unlock()
		return ErrTerminal
	}
	var events []Event
	c.failLocked(s, reason, ErrAborted, &events)
	m := c.newMsg(proto.SessionMsgAbort, id)
	m.Reason = reason
	var sends []outbound
	for _, p := range s.participants {
		if p.PublicKeyHex == c.selfKey {
			continue
		}
		sends = append(sends, outbound{peerID: p.PeerID, msg: m})
	}
	c.mu.Unlock()

	c.emit(events)
	c.dispatchBestEffort(ctx, sends)
	return nil
}

// Finalize combines the collected partial signatures into the final
// Schnorr signature and completes the session. After expiry it reports
// the timeout, not a protocol violation.
func (c *Coordinator) Finalize(ctx context.Context, id string) ([]byte, error) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		return nil, ErrUnknownSession
	}
	switch {
	case s.state == StateCompleted:
		sig := s.finalSig
		c.mu.Unlock()
		return sig, nil
	case s.state == StateFailed:
		cause := s.failCause
		c.mu.Unlock()
		if cause == nil {
			cause = ErrAborted
		}
		return nil, cause
	case s.state != StateSigning || !s.allPartialSigs():
		c.mu.Unlock()
		return nil, fmt.Errorf("finalize: %w", ErrNotReady)
	}

	sig, err := s.crypto.FinalSig()
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("finalize: %w", err)
	}
	s.finalSig = sig
	var events []Event
	c.setStateLocked(s, StateCompleted, "", &events)

	m := c.newMsg(proto.SessionMsgFinalized, id)
	m.FinalSig = hex.EncodeToString(sig)
	var sends []outbound
	for _, p := range s.participants {
		if p.PublicKeyHex == c.selfKey {
			continue
		}
		sends = append(sends, outbound{peerID: p.PeerID, msg: m})
	}
	c.mu.Unlock()

	c.emit(events)
	c.dispatchBestEffort(ctx, sends)
	return sig, nil
}

// CanFinalize reports whether every partial signature has arrived.
func (c *Coordinator) CanFinalize(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return ok && s.state == StateSigning && s.allPartialSigs()
}

// AreAllParticipantsConnected is a diagnostic read of live transport
// connectivity to every remote participant. It never changes session
// state.
func (c *Coordinator) AreAllParticipantsConnected(id string) (bool, error) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		return false, ErrUnknownSession
	}
	peers := make([]string, 0, len(s.participants))
	for _, p := range s.participants {
		if p.PublicKeyHex != c.selfKey {
			peers = append(peers, p.PeerID)
		}
	}
	c.mu.Unlock()

	if c.probe == nil {
		return false, nil
	}
	for _, pid := range peers {
		if !c.probe.IsConnected(pid) {
			return false, nil
		}
	}
	return true, nil
}

// Get returns a snapshot of one session.
func (c *Coordinator) Get(id string) (View, bool) {
	c.mu.Lock()
	_, ok := c.sessions[id]
	c.mu.Unlock()
	if !ok {
		return View{}, false
	}
	return c.view(id), true
}

// Sessions returns snapshots of every session, newest first.
func (c *Coordinator) Sessions() []View {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	out := make([]View, 0, len(ids))
	for _, id := range ids {
		if v, ok := c.Get(id); ok {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Sweep drops terminal sessions past the retention window. Live
// sessions are never touched — their own expiry timers bound them.
func (c *Coordinator) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, s := range c.sessions {
		if s.state.Terminal() && !s.doneAt.IsZero() && now.Sub(s.doneAt) > retention {
			delete(c.sessions, id)
			n++
		}
	}
	if n > 0 {
		log.Printf("session: swept %d finished session(s)", n)
	}
	return n
}

// Close stops every expiry timer. Sessions are left as-is.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		if s.expire != nil {
			s.expire.Stop()
		}
	}
}

// Subscribe returns a channel of session state transitions.
func (c *Coordinator) Subscribe() chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan Event, 32)
	c.listeners = append(c.listeners, ch)
	return ch
}

func (c *Coordinator) Unsubscribe(ch chan Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, l := range c.listeners {
		if l == ch {
			close(l)
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// emit fans collected state changes out to the subscribers. Called with
// the coordinator mutex released; a full listener channel drops the
// event rather than block the protocol path.
func (c *Coordinator) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	c.mu.Lock()
	listeners := append([]chan Event(nil), c.listeners...)
	c.mu.Unlock()
	for _, evt := range events {
		for _, ch := range listeners {
			select {
			case ch <- evt:
			default:
			}
		}
	}
}

// --- internals ---

func (c *Coordinator) createSession(id string, participants []Participant, md Metadata, initiator bool) (*session, []Event, []outbound, error) {
	return c.createSessionID(id, participants, md, initiator, c.selfKey)
}

// createSessionID builds the session record, opens the MuSig2 round,
// records our own nonce and arms the expiry timer — all before the
// caller can send a single notification.
func (c *Coordinator) createSessionID(id string, participants []Participant, md Metadata, initiator bool, initiatorKey string) (*session, []Event, []outbound, error) {
	keys := make([]string, 0, len(participants))
	for _, p := range participants {
		keys = append(keys, p.PublicKeyHex)
	}
	crypto, err := c.newCrypto(keys)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("session: open signing round: %w", err)
	}

	s := &session{
		id:           id,
		state:        StateCreated,
		initiator:    initiator,
		participants: participants,
		md:           md,
		createdAt:    time.Now(),
		crypto:       crypto,
		joined:       map[string]bool{initiatorKey: true, c.selfKey: true},
		nonces:       map[string][]byte{c.selfKey: crypto.PubNonce()},
		psigs:        make(map[string][]byte),
		pending:      make(map[string][]byte),
		violations:   make(map[string]int),
	}
	s.expire = time.AfterFunc(c.sessionExpiry(md), func() { c.expireSession(id) })

	c.mu.Lock()
	if _, dup := c.sessions[id]; dup {
		c.mu.Unlock()
		s.expire.Stop()
		return nil, nil, nil, fmt.Errorf("session: duplicate id %s", short(id))
	}
	c.sessions[id] = s
	c.mu.Unlock()

	log.Printf("session %s: created (%d participants, initiator=%v)", short(id), len(participants), initiator)
	return s, nil, nil, nil
}

func (c *Coordinator) sessionExpiry(md Metadata) time.Duration {
	if md.Expiry > 0 {
		return md.Expiry
	}
	return c.expiry
}

// advanceLocked moves the state machine forward as far as the collected
// contributions allow.
func (c *Coordinator) advanceLocked(s *session, events *[]Event, sends *[]outbound) error {
	if s.state == StateCreated && s.allJoined() {
		c.setStateLocked(s, StateNonceExchange, "", events)
		m := c.newMsg(proto.SessionMsgNonce, s.id)
		m.Nonce = hex.EncodeToString(s.nonces[c.selfKey])
		for _, p := range s.participants {
			if p.PublicKeyHex == c.selfKey {
				continue
			}
			*sends = append(*sends, outbound{peerID: p.PeerID, msg: m, critical: true})
		}
	}

	if s.state == StateNonceExchange && s.allNonces() {
		ownSig, err := s.crypto.SignPartial(s.md.SigHash)
		if err != nil {
			c.failLocked(s, "local signing failed: "+err.Error(), err, events)
			return err
		}
		s.psigs[c.selfKey] = ownSig
		c.setStateLocked(s, StateSigning, "", events)

		// The nonce phase just closed: drain partial signatures that
		// arrived early. Sorted for determinism.
		pendingKeys := make([]string, 0, len(s.pending))
		for k := range s.pending {
			pendingKeys = append(pendingKeys, k)
		}
		sort.Strings(pendingKeys)
		for _, k := range pendingKeys {
			c.recordSigLocked(s, k, s.pending[k], events)
		}
		s.pending = make(map[string][]byte)

		m := c.newMsg(proto.SessionMsgPartialSig, s.id)
		m.PartialSig = hex.EncodeToString(ownSig)
		for _, p := range s.participants {
			if p.PublicKeyHex == c.selfKey {
				continue
			}
			*sends = append(*sends, outbound{peerID: p.PeerID, msg: m, critical: true})
		}
	}
	return nil
}

func (c *Coordinator) applyNonceLocked(s *session, sender, nonceHex string, events *[]Event) error {
	// A nonce implies the sender joined, whatever message ordering the
	// network produced.
	s.joined[sender] = true

	if _, dup := s.nonces[sender]; dup {
		return nil // first valid contribution wins
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return c.violationLocked(s, sender, "malformed nonce", events)
	}
	if _, err := s.crypto.RegisterNonce(nonce); err != nil {
		return c.violationLocked(s, sender, "rejected nonce: "+err.Error(), events)
	}
	s.nonces[sender] = nonce
	return nil
}

func (c *Coordinator) applyPartialSigLocked(s *session, sender, sigHex string, events *[]Event) error {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return c.violationLocked(s, sender, "malformed partial signature", events)
	}

	if s.state != StateSigning {
		// Out-of-phase: buffer without applying. The accumulated set
		// must not change while the nonce phase is still open.
		if _, dup := s.pending[sender]; !dup {
			s.pending[sender] = sig
		}
		log.Printf("session %s: buffering early partial signature from %s (state=%s)", short(s.id), short(sender), s.state)
		return c.violationLocked(s, sender, "", events)
	}
	c.recordSigLocked(s, sender, sig, events)
	return nil
}

func (c *Coordinator) recordSigLocked(s *session, sender string, sig []byte, events *[]Event) {
	if _, dup := s.psigs[sender]; dup {
		return
	}
	if _, err := s.crypto.CombinePartial(sig); err != nil {
		_ = c.violationLocked(s, sender, "invalid partial signature: "+err.Error(), events)
		return
	}
	s.psigs[sender] = sig
}

// violationLocked counts one protocol violation against a sender and
// fails the session once the budget is exhausted. An empty detail means
// the message was buffered rather than dropped.
func (c *Coordinator) violationLocked(s *session, sender, detail string, events *[]Event) error {
	s.violations[sender]++
	if detail != "" {
		log.Printf("session %s: protocol violation from %s (%d/%d): %s", short(s.id), short(sender), s.violations[sender], violationBudget, detail)
	}
	if s.violations[sender] > violationBudget {
		c.failLocked(s, "violation budget exhausted for "+short(sender), ErrProtocolViolation, events)
		return fmt.Errorf("%w: budget exhausted", ErrProtocolViolation)
	}
	if detail == "" {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrProtocolViolation, detail)
}

func (c *Coordinator) failLocked(s *session, reason string, cause error, events *[]Event) {
	if s.state.Terminal() {
		return
	}
	s.failReason = reason
	s.failCause = cause
	c.setStateLocked(s, StateFailed, reason, events)
}

func (c *Coordinator) setStateLocked(s *session, to State, reason string, events *[]Event) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	if to.Terminal() {
		s.doneAt = time.Now()
		if s.expire != nil {
			s.expire.Stop()
		}
	}
	log.Printf("session %s: %s -> %s", short(s.id), from, to)
	*events = append(*events, Event{SessionID: s.id, From: from, To: to, Reason: reason})
}

func (c *Coordinator) expireSession(id string) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if !ok || s.state.Terminal() {
		c.mu.Unlock()
		return
	}
	var events []Event
	c.failLocked(s, "expired", ErrTimeout, &events)
	c.mu.Unlock()
	c.emit(events)
}

func (c *Coordinator) failSession(id, reason string, cause error) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	var events []Event
	c.failLocked(s, reason, cause, &events)
	c.mu.Unlock()
	c.emit(events)
}

// dispatch performs the collected sends. A failed critical send fails
// the session and is returned to the caller.
func (c *Coordinator) dispatch(ctx context.Context, sessionID string, sends []outbound) error {
	for _, o := range sends {
		if err := c.sendWithRetry(ctx, o.peerID, o.msg); err != nil {
			if o.critical {
				c.failSession(sessionID, "participant unreachable", err)
				return err
			}
			log.Printf("session %s: %s to %s not delivered: %v", short(sessionID), o.msg.Type, short(o.peerID), err)
		}
	}
	return nil
}

func (c *Coordinator) dispatchBestEffort(ctx context.Context, sends []outbound) {
	for _, o := range sends {
		if err := c.sendWithRetry(ctx, o.peerID, o.msg); err != nil {
			log.Printf("session %s: %s to %s not delivered: %v", short(o.msg.SessionID), o.msg.Type, short(o.peerID), err)
		}
	}
}

func (c *Coordinator) sendWithRetry(ctx context.Context, peerID string, m proto.SessionMsg) error {
	var err error
	for attempt := 0; attempt < sendAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		if err = c.transport.SendSessionMsg(ctx, peerID, m); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrPeerUnreachable, short(peerID), sendAttempts, err)
}

func (c *Coordinator) newMsg(typ, sessionID string) proto.SessionMsg {
	return proto.SessionMsg{
		Type:      typ,
		ID:        uuid.NewString(),
		Seq:       c.seq.Add(1),
		SessionID: sessionID,
		PublicKey: c.selfKey,
		TS:        proto.NowMillis(),
	}
}

func (c *Coordinator) view(id string) View {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return View{}
	}
	v := View{
		ID:          s.id,
		State:       s.state,
		IsInitiator: s.initiator,
		Metadata:    s.md,
		CreatedAt:   s.createdAt,
		FailReason:  s.failReason,
		Nonces:      len(s.nonces),
		PartialSigs: len(s.psigs),
		CanFinalize: s.state == StateSigning && s.allPartialSigs(),
		FinalSig:    append([]byte(nil), s.finalSig...),
	}
	for _, p := range s.participants {
		ps := ParticipantStatus{Participant: p}
		if p.IsMe {
			ps.Connected = true
		} else if c.probe != nil {
			ps.Connected = c.probe.IsConnected(p.PeerID)
		}
		v.Participants = append(v.Participants, ps)
	}
	return v
}

func validateParticipants(participants []Participant, selfKey string) error {
	if len(participants) < 2 {
		return fmt.Errorf("%w: a session needs at least two participants", ErrProtocolViolation)
	}
	seen := make(map[string]bool, len(participants))
	selfIncluded := false
	for i := range participants {
		key, err := identity.NormalizeKey(participants[i].PublicKeyHex)
		if err != nil {
			return err
		}
		participants[i].PublicKeyHex = key
		if seen[key] {
			return fmt.Errorf("%w: duplicate participant %s", ErrProtocolViolation, short(key))
		}
		seen[key] = true
		if key == selfKey {
			selfIncluded = true
			participants[i].IsMe = true
		}
	}
	if !selfIncluded {
		return fmt.Errorf("%w: local key not in participant set", ErrProtocolViolation)
	}
	return nil
}

func participantKey(participants []Participant, pubKey string) (Participant, bool) {
	for _, p := range participants {
		if p.PublicKeyHex == pubKey {
			return p, true
		}
	}
	return Participant{}, false
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
