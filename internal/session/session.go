// Package session implements the n-of-n MuSig2 signing session
// coordinator: session lifecycle, strict phase ordering of nonce and
// partial-signature exchange, expiry timers, and shared wallet creation.
package session

import (
	"time"
)

// State is a session's lifecycle phase.
type State string

const (
	StateCreated       State = "created"
	StateNonceExchange State = "nonce_exchange"
	StateSigning       State = "signing"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// DefaultExpiry bounds a session's lifetime. The timer is armed when the
// session is created, before any participant is notified.
const DefaultExpiry = 5 * time.Minute

// retention is how long a terminal session stays queryable before the
// periodic sweep drops it.
const retention = 30 * time.Minute

// Participant is one signer in a session.
type Participant struct {
	PeerID       string
	PublicKeyHex string
	IsMe         bool
}

// Metadata describes what a session is signing.
type Metadata struct {
	WalletID   string
	AmountSats int64
	Recipient  string
	Purpose    string
	// SigHash is the 32-byte digest every participant signs.
	SigHash []byte
	// Expiry overrides DefaultExpiry when > 0.
	Expiry time.Duration
}

// CryptoSession is one signing round of the underlying MuSig2
// implementation. Satisfied by *musig.SigningSession.
type CryptoSession interface {
	PubNonce() []byte
	RegisterNonce(nonce []byte) (bool, error)
	SignPartial(sigHash []byte) ([]byte, error)
	CombinePartial(sig []byte) (bool, error)
	FinalSig() ([]byte, error)
	VerifyFinal(sigHash, sig []byte) bool
}

// ParticipantStatus is a Participant plus its live transport
// connectivity. Connectivity is diagnostic only — it never gates
// protocol transitions.
type ParticipantStatus struct {
	Participant
	Connected bool
}

// View is a read-only snapshot of a session.
type View struct {
	ID           string
	State        State
	IsInitiator  bool
	Participants []ParticipantStatus
	Metadata     Metadata
	CreatedAt    time.Time
	FailReason   string
	Nonces       int
	PartialSigs  int
	CanFinalize  bool
	FinalSig     []byte
}

// Event is published to subscribers on every session state transition.
type Event struct {
	SessionID string
	From      State
	To        State
	Reason    string
}

// session is the coordinator's internal per-session record. All fields
// are guarded by the coordinator mutex.
type session struct {
	id           string
	state        State
	initiator    bool
	participants []Participant
	md           Metadata
	createdAt    time.Time
	failReason   string
	failCause    error

	crypto CryptoSession

	// Accumulators keyed by participant public key. First valid
	// contribution wins; duplicates are ignored.
	joined map[string]bool
	nonces map[string][]byte
	psigs  map[string][]byte

	// pending buffers partial signatures that arrived before the nonce
	// phase closed. Drained, in order of sender key, on entering signing.
	pending    map[string][]byte
	violations map[string]int

	finalSig []byte
	expire   *time.Timer
	doneAt   time.Time
}

func (s *session) participant(pubKey string) (Participant, bool) {
	for _, p := range s.participants {
		if p.PublicKeyHex == pubKey {
			return p, true
		}
	}
	return Participant{}, false
}

// The all* checks are keyed on participant membership, never map sizes,
// so a stray entry can never advance a phase early.

func (s *session) allJoined() bool {
	for _, p := range s.participants {
		if !s.joined[p.PublicKeyHex] {
			return false
		}
	}
	return true
}

func (s *session) allNonces() bool {
	for _, p := range s.participants {
		if _, ok := s.nonces[p.PublicKeyHex]; !ok {
			return false
		}
	}
	return true
}

func (s *session) allPartialSigs() bool {
	for _, p := range s.participants {
		if _, ok := s.psigs[p.PublicKeyHex]; !ok {
			return false
		}
	}
	return true
}
