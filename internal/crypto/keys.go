// Package crypto wraps the primitives the authorization core signs,
// verifies, and seals with: Ed25519 signatures, X25519 key agreement,
// ChaCha20-Poly1305 sealing, SHA-256 digests, and the deterministic
// canonical encoding of capability tokens.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/curve25519"

	"github.com/talosprotocol/talos/model"
)

// SigningKeyPair is an Ed25519 identity used to issue and verify
// capabilities.
type SigningKeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateSigningKeyPair creates a fresh Ed25519 keypair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, model.NewCryptoError("generating signing key: %v", err)
	}
	return &SigningKeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// Sign returns a detached Ed25519 signature over message.
func (kp *SigningKeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.PrivateKey, message)
}

// PublicKeyHex returns the public key as lowercase hex.
func (kp *SigningKeyPair) PublicKeyHex() string {
	return hex.EncodeToString(kp.PublicKey)
}

// VerifySignature checks a detached Ed25519 signature. An invalid signature
// or malformed key fails with a CryptoError.
func VerifySignature(message, signature []byte, publicKey ed25519.PublicKey) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return model.NewCryptoError("public key has %d bytes, want %d", len(publicKey), ed25519.PublicKeySize)
	}
	if !ed25519.Verify(publicKey, message, signature) {
		return model.NewCryptoError("signature verification failed")
	}
	return nil
}

// ExchangeKeyPair is an X25519 keypair used to derive shared secrets.
type ExchangeKeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// GenerateExchangeKeyPair creates a fresh X25519 keypair.
func GenerateExchangeKeyPair() (*ExchangeKeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, model.NewCryptoError("generating exchange key: %v", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, model.NewCryptoError("deriving exchange public key: %v", err)
	}
	return &ExchangeKeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// DeriveSharedSecret performs X25519 scalar multiplication between a private
// key and a peer public key, yielding a 32-byte shared secret. Both sides of
// an exchange derive the same value.
func DeriveSharedSecret(privateKey, peerPublicKey []byte) ([]byte, error) {
	secret, err := curve25519.X25519(privateKey, peerPublicKey)
	if err != nil {
		return nil, model.NewCryptoError("deriving shared secret: %v", err)
	}
	return secret, nil
}

// HashData returns the SHA-256 digest of data as lowercase hex.
func HashData(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
