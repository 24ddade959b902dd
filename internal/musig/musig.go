// Package musig wraps the btcec MuSig2 implementation behind the small
// surface the session coordinator needs: key aggregation, nonce generation,
// partial signing, and signature combination. Private key material never
// leaves this package; the coordinator only ever holds a Signer.
package musig

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

var (
	ErrNonceUsed    = errors.New("musig: nonce already used, generate a new session")
	ErrNotAllNonces = errors.New("musig: not all participant nonces registered")
)

// PubNonceSize is the size of a serialized MuSig2 public nonce.
const PubNonceSize = musig2.PubNonceSize

// AggregatedKey is the result of n-of-n key aggregation: the combined
// public key and the derived Taproot (key-path only) address.
type AggregatedKey struct {
	KeyHex  string // combined key, compressed, hex
	Address string // P2TR address for the BIP-86 tweaked key
}

func chainParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("musig: unknown network %q", network)
	}
}

// ParsePubKeys decodes and parses a set of compressed hex public keys.
func ParsePubKeys(hexKeys []string) ([]*btcec.PublicKey, error) {
	keys := make([]*btcec.PublicKey, 0, len(hexKeys))
	for _, h := range hexKeys {
		raw, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("musig: invalid key hex %q: %w", h, err)
		}
		pk, err := btcec.ParsePubKey(raw)
		if err != nil {
			return nil, fmt.Errorf("musig: invalid public key %q: %w", h, err)
		}
		keys = append(keys, pk)
	}
	return keys, nil
}

// AggregateKeys performs MuSig2 key aggregation over the participant keys
// and derives the shared Taproot address. Keys are sorted before
// aggregation so every participant computes the same result regardless of
// the order they learned the keys in.
func AggregateKeys(pubKeyHexes []string, network string) (*AggregatedKey, error) {
	if len(pubKeyHexes) < 2 {
		return nil, errors.New("musig: key aggregation needs at least two participants")
	}
	params, err := chainParams(network)
	if err != nil {
		return nil, err
	}
	keys, err := ParsePubKeys(pubKeyHexes)
	if err != nil {
		return nil, err
	}

	aggKey, _, _, err := musig2.AggregateKeys(keys, true)
	if err != nil {
		return nil, fmt.Errorf("musig: key aggregation failed: %w", err)
	}

	// BIP-86 key-path-only output: tweak with an empty script root.
	outputKey := txscript.ComputeTaprootKeyNoScript(aggKey.FinalKey)
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), params)
	if err != nil {
		return nil, fmt.Errorf("musig: encode taproot address: %w", err)
	}

	return &AggregatedKey{
		KeyHex:  hex.EncodeToString(aggKey.FinalKey.SerializeCompressed()),
		Address: addr.EncodeAddress(),
	}, nil
}

// Signer holds the local private key and the fixed participant set of a
// shared wallet. One Signer serves many sessions.
type Signer struct {
	priv    *btcec.PrivateKey
	signers []*btcec.PublicKey
}

// NewSigner builds a Signer from the local private key and the full
// participant key set (which must include the local public key).
func NewSigner(privKeyHex string, participantPubKeys []string) (*Signer, error) {
	raw, err := hex.DecodeString(privKeyHex)
	if err != nil || len(raw) != 32 {
		return nil, errors.New("musig: private key must be 32 bytes of hex")
	}
	priv, pub := btcec.PrivKeyFromBytes(raw)

	signers, err := ParsePubKeys(participantPubKeys)
	if err != nil {
		return nil, err
	}
	found := false
	for _, s := range signers {
		if s.IsEqual(pub) {
			found = true
			break
		}
	}
	if !found {
		return nil, errors.New("musig: local key is not in the participant set")
	}
	return &Signer{priv: priv, signers: signers}, nil
}

// PubKeyHex returns the local public key, compressed, hex-encoded.
func (s *Signer) PubKeyHex() string {
	return hex.EncodeToString(s.priv.PubKey().SerializeCompressed())
}

// SigningSession is one MuSig2 signing round. A session's nonce may be
// used for exactly one partial signature — reuse leaks the private key,
// so SignPartial refuses a second call.
type SigningSession struct {
	sess    *musig2.Session
	nonces  *musig2.Nonces
	signers []*btcec.PublicKey
	signed  bool
}

// NewSession generates fresh local nonces and opens a MuSig2 session over
// the signer's participant set (BIP-86 tweaked, sorted keys).
func (s *Signer) NewSession() (*SigningSession, error) {
	nonces, err := musig2.GenNonces(musig2.WithPublicKey(s.priv.PubKey()))
	if err != nil {
		return nil, fmt.Errorf("musig: generate nonces: %w", err)
	}

	ctx, err := musig2.NewContext(s.priv, true,
		musig2.WithKnownSigners(s.signers),
		musig2.WithBip86TweakCtx(),
	)
	if err != nil {
		return nil, fmt.Errorf("musig: create context: %w", err)
	}

	sess, err := ctx.NewSession(musig2.WithPreGeneratedNonce(nonces))
	if err != nil {
		return nil, fmt.Errorf("musig: create session: %w", err)
	}
	return &SigningSession{sess: sess, nonces: nonces, signers: s.signers}, nil
}

// PubNonce returns the local 66-byte public nonce to share with the
// other participants.
func (ss *SigningSession) PubNonce() []byte {
	n := ss.nonces.PubNonce
	return n[:]
}

// RegisterNonce records a remote participant's public nonce. Returns true
// once nonces from every participant are known.
func (ss *SigningSession) RegisterNonce(nonce []byte) (bool, error) {
	if len(nonce) != musig2.PubNonceSize {
		return false, fmt.Errorf("musig: nonce must be %d bytes, got %d", musig2.PubNonceSize, len(nonce))
	}
	var arr [musig2.PubNonceSize]byte
	copy(arr[:], nonce)
	haveAll, err := ss.sess.RegisterPubNonce(arr)
	if err != nil {
		return false, fmt.Errorf("musig: register nonce: %w", err)
	}
	return haveAll, nil
}

// SignPartial produces the local partial signature over the 32-byte
// message digest. All participant nonces must be registered first.
func (ss *SigningSession) SignPartial(sigHash []byte) ([]byte, error) {
	if ss.signed {
		return nil, ErrNonceUsed
	}
	if len(sigHash) != 32 {
		return nil, fmt.Errorf("musig: sighash must be 32 bytes, got %d", len(sigHash))
	}
	var msg [32]byte
	copy(msg[:], sigHash)

	partial, err := ss.sess.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("musig: partial sign: %w", err)
	}
	ss.signed = true

	var buf bytes.Buffer
	if err := partial.Encode(&buf); err != nil {
		return nil, fmt.Errorf("musig: encode partial signature: %w", err)
	}
	return buf.Bytes(), nil
}

// CombinePartial folds a remote partial signature into the session.
// Returns true once the final signature is available.
func (ss *SigningSession) CombinePartial(sig []byte) (bool, error) {
	partial := new(musig2.PartialSignature)
	if err := partial.Decode(bytes.NewReader(sig)); err != nil {
		return false, fmt.Errorf("musig: decode partial signature: %w", err)
	}
	haveFinal, err := ss.sess.CombineSig(partial)
	if err != nil {
		return false, fmt.Errorf("musig: combine signature: %w", err)
	}
	return haveFinal, nil
}

// FinalSig returns the combined Schnorr signature, serialized (64 bytes).
func (ss *SigningSession) FinalSig() ([]byte, error) {
	sig := ss.sess.FinalSig()
	if sig == nil {
		return nil, errors.New("musig: final signature not yet available")
	}
	return sig.Serialize(), nil
}

// VerifyFinal checks a combined signature against this session's
// aggregated key. Used to authenticate a finalized signature announced
// by another participant before accepting it.
func (ss *SigningSession) VerifyFinal(sigHash, sigBytes []byte) bool {
	aggKey, _, _, err := musig2.AggregateKeys(ss.signers, true)
	if err != nil {
		return false
	}
	return VerifyFinal(sigBytes, sigHash, hex.EncodeToString(aggKey.FinalKey.SerializeCompressed()))
}

// VerifyFinal checks a combined signature against the aggregated key's
// BIP-86 output key.
func VerifyFinal(sigBytes, sigHash []byte, aggregatedKeyHex string) bool {
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	keys, err := ParsePubKeys([]string{aggregatedKeyHex})
	if err != nil {
		return false
	}
	outputKey := txscript.ComputeTaprootKeyNoScript(keys[0])
	return sig.Verify(sigHash, outputKey)
}

// PubKeyFromPriv derives the compressed public key for a hex private key.
func PubKeyFromPriv(privKeyHex string) (string, error) {
	raw, err := hex.DecodeString(privKeyHex)
	if err != nil || len(raw) != 32 {
		return "", errors.New("musig: private key must be 32 bytes of hex")
	}
	_, pub := btcec.PrivKeyFromBytes(raw)
	return hex.EncodeToString(pub.SerializeCompressed()), nil
}

// GeneratePrivateKey returns a fresh secp256k1 private key, hex-encoded.
func GeneratePrivateKey() (string, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return "", fmt.Errorf("musig: generate key: %w", err)
	}
	return hex.EncodeToString(priv.Serialize()), nil
}
