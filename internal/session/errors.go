package session

import "errors"

// Error taxonomy surfaced by the coordinator. Transport errors are
// translated into these at the coordinator boundary — raw transport
// failures never escape to session consumers.
var (
	// ErrNotReady: operation attempted before its prerequisite state
	// (finalizing before all partial signatures arrived, signing before
	// the session exists).
	ErrNotReady = errors.New("session: not ready")

	// ErrProtocolViolation: a message arrived for the wrong phase. The
	// message is dropped (or buffered); the session only fails once
	// violations exceed the retry budget.
	ErrProtocolViolation = errors.New("session: protocol violation")

	// ErrPeerUnreachable: delivery to a participant kept failing past
	// the bounded retry count.
	ErrPeerUnreachable = errors.New("session: peer unreachable")

	// ErrTimeout: the session's expiry lapsed. Terminal.
	ErrTimeout = errors.New("session: timed out")

	// ErrAborted: the session was explicitly aborted. Terminal.
	ErrAborted = errors.New("session: aborted")

	// ErrUnknownSession: no session with that id.
	ErrUnknownSession = errors.New("session: unknown session")

	// ErrTerminal: the session already completed or failed.
	ErrTerminal = errors.New("session: already terminal")
)
