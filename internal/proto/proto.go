// Package proto defines the wire types and protocol identifiers shared by
// the discovery and signing subsystems. Everything on the wire is JSON.
package proto

import "time"

const (
	// GossipSub topic for signer advertisements.
	SignerTopic = "musignet.signers.v1"

	MdnsTag = "musignet-mdns"

	// libp2p stream protocol ID for direct session messages
	// (nonce, partial signature, join, abort).
	SessionProtoID = "/musignet/session/1.0.0"

	// libp2p stream protocol ID for the per-peer keepalive stream.
	KeepaliveProtoID = "/musignet/keepalive/1.0.0"
)

// Capability bits carried in SignerAdvert.Capabilities.
const (
	CapSpend        uint32 = 1 << 0 // co-sign wallet spends
	CapWalletCreate uint32 = 1 << 1 // participate in shared-wallet creation
	CapSweep        uint32 = 1 << 2 // co-sign sweep/consolidation transactions
)

// CapabilityNames maps a capability bitset to its transaction-type names.
func CapabilityNames(bits uint32) []string {
	var out []string
	if bits&CapSpend != 0 {
		out = append(out, "spend")
	}
	if bits&CapWalletCreate != 0 {
		out = append(out, "wallet_create")
	}
	if bits&CapSweep != 0 {
		out = append(out, "sweep")
	}
	return out
}

// SignerAdvert is the gossip record announcing willingness to co-sign.
// AdvertID is ephemeral and changes on every (re)publication; PublicKey is
// the stable identity key that deduplication is keyed on.
type SignerAdvert struct {
	AdvertID     string   `json:"advertId"`
	PublicKey    string   `json:"publicKey"` // compressed secp256k1, hex
	PeerID       string   `json:"peerId"`
	Nickname     string   `json:"nickname,omitempty"`
	Capabilities uint32   `json:"capabilities"`
	FeeSats      int64    `json:"feeSats,omitempty"`
	MinAmount    int64    `json:"minAmount,omitempty"`
	MaxAmount    int64    `json:"maxAmount,omitempty"`
	Addrs        []string `json:"addrs,omitempty"` // multiaddresses
	DiscoveredAt int64    `json:"ts"`              // unix millis at publication
	TTLSec       int      `json:"ttlSec,omitempty"`
	Withdrawn    bool     `json:"withdrawn,omitempty"`
}

// Session message kinds for the /musignet/session/1.0.0 protocol.
const (
	SessionMsgPropose    = "propose"
	SessionMsgJoin       = "join"
	SessionMsgNonce      = "nonce"
	SessionMsgPartialSig = "partial_sig"
	SessionMsgAbort      = "abort"
	SessionMsgFinalized  = "finalized"
)

// SessionMsg is a direct (per-peer) protocol message for one signing session.
type SessionMsg struct {
	Type      string `json:"type"`
	ID        string `json:"id"`  // uuid4, for the transport ACK
	Seq       int64  `json:"seq"` // monotonic counter per sender
	SessionID string `json:"sessionId"`
	PublicKey string `json:"publicKey"` // sender's signing identity

	// Propose fields.
	Participants []SessionParticipantRef `json:"participants,omitempty"`
	Metadata     *SessionMetadata        `json:"metadata,omitempty"`

	// Payloads, hex-encoded. Nonce is the 66-byte MuSig2 public nonce;
	// PartialSig is the serialized partial signature; FinalSig the combined
	// Schnorr signature.
	Nonce      string `json:"nonce,omitempty"`
	PartialSig string `json:"partialSig,omitempty"`
	FinalSig   string `json:"finalSig,omitempty"`

	Reason string `json:"reason,omitempty"` // abort reason
	TS     int64  `json:"ts"`
}

// SessionParticipantRef identifies one participant of a proposed session.
type SessionParticipantRef struct {
	PeerID    string `json:"peerId"`
	PublicKey string `json:"publicKey"`
}

// SessionMetadata describes the spend a session is signing.
type SessionMetadata struct {
	WalletID   string `json:"walletId"`
	AmountSats int64  `json:"amountSats"`
	Recipient  string `json:"recipient"`
	Purpose    string `json:"purpose,omitempty"`
	ExpirySec  int    `json:"expirySec,omitempty"`
	// SigHash is the 32-byte message digest being signed, hex-encoded.
	SigHash string `json:"sigHash"`
}

// SessionAck is the transport ACK written back on the session stream.
type SessionAck struct {
	ID  string `json:"id"`
	Seq int64  `json:"seq"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
