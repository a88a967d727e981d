// Package identity manages ed25519 node and owner identities.
//
// Keys and signatures cross the API boundary hex encoded, so helpers are
// provided to parse each from its hex form, failing with
// errdefs.ErrInvalidKeyFormat on malformed input.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/cyberfly-io/flynode/pkg/errdefs"
)

const (
	PublicKeyLength = ed25519.PublicKeySize
	SecretKeyLength = ed25519.SeedSize
	SignatureLength = ed25519.SignatureSize
)

// KeyPair is an ed25519 key pair. SecretKey contains the 32 byte seed.
type KeyPair struct {
	PublicKey ed25519.PublicKey
	SecretKey []byte
}

// GenerateKeyPair generates a new random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &KeyPair{
		PublicKey: pub,
		SecretKey: priv.Seed(),
	}, nil
}

// KeyPairFromSecretKey derives the key pair from either a 32 byte seed or a
// 64 byte expanded ed25519 private key.
func KeyPairFromSecretKey(secretKey []byte) (*KeyPair, error) {
	priv, err := privateKey(secretKey)
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		PublicKey: priv.Public().(ed25519.PublicKey),
		SecretKey: priv.Seed(),
	}, nil
}

// Sign signs the message with the key pair.
func (k *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(ed25519.NewKeyFromSeed(k.SecretKey), message)
}

func (k *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(k.PublicKey)
}

func (k *KeyPair) SecretKeyHex() string {
	return hex.EncodeToString(k.SecretKey)
}

// PeerID returns the peer ID derived from the public key.
func (k *KeyPair) PeerID() (peer.ID, error) {
	return PeerIDFromPublicKey(k.PublicKey)
}

// Sign signs the message with the given secret key.
func Sign(secretKey []byte, message []byte) ([]byte, error) {
	priv, err := privateKey(secretKey)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(priv, message), nil
}

// Verify returns whether signature is a valid signature of message by
// publicKey. Malformed keys or signatures never verify.
func Verify(publicKey []byte, message []byte, signature []byte) bool {
	if len(publicKey) != PublicKeyLength {
		return false
	}
	if len(signature) != SignatureLength {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

// VerifyHex is the same as Verify except the key and signature are hex
// encoded.
func VerifyHex(publicKey string, message []byte, signature string) bool {
	pub, err := hex.DecodeString(publicKey)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return Verify(pub, message, sig)
}

// PeerIDFromPublicKey derives the libp2p peer ID of an ed25519 public key.
func PeerIDFromPublicKey(publicKey []byte) (peer.ID, error) {
	if len(publicKey) != PublicKeyLength {
		return "", fmt.Errorf("public key length %d: %w", len(publicKey), errdefs.ErrInvalidKeyFormat)
	}
	pub, err := p2pcrypto.UnmarshalEd25519PublicKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("unmarshal public key: %w", errdefs.ErrInvalidKeyFormat)
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("peer id: %w", err)
	}
	return id, nil
}

// PeerIDFromSecretKey derives the public key from the secret key then
// returns its peer ID.
func PeerIDFromSecretKey(secretKey []byte) (peer.ID, error) {
	kp, err := KeyPairFromSecretKey(secretKey)
	if err != nil {
		return "", err
	}
	return kp.PeerID()
}

// ParsePublicKey decodes a hex encoded public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != PublicKeyLength {
		return nil, fmt.Errorf("public key: %w", errdefs.ErrInvalidKeyFormat)
	}
	return ed25519.PublicKey(b), nil
}

// ParseSecretKey decodes a hex encoded secret key.
func ParseSecretKey(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("secret key: %w", errdefs.ErrInvalidKeyFormat)
	}
	if _, err := privateKey(b); err != nil {
		return nil, err
	}
	return b, nil
}

// ParseSignature decodes a hex encoded signature.
func ParseSignature(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != SignatureLength {
		return nil, fmt.Errorf("signature: %w", errdefs.ErrInvalidSignature)
	}
	return b, nil
}

func privateKey(secretKey []byte) (ed25519.PrivateKey, error) {
	switch len(secretKey) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(secretKey), nil
	case ed25519.PrivateKeySize:
		// Re-derive from the seed rather than trusting the embedded public
		// key.
		return ed25519.NewKeyFromSeed(secretKey[:ed25519.SeedSize]), nil
	default:
		return nil, fmt.Errorf(
			"secret key length %d: %w", len(secretKey), errdefs.ErrInvalidKeyFormat,
		)
	}
}
