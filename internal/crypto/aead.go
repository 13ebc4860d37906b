package crypto

import (
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/talosprotocol/talos/model"
)

// Encrypt seals plaintext with ChaCha20-Poly1305 under the given 32-byte
// key, returning the random 96-bit nonce and the ciphertext.
func Encrypt(plaintext, key []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, model.NewCryptoError("building cipher: %v", err)
	}
	nonce = make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, model.NewCryptoError("generating nonce: %v", err)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

// Decrypt opens a ChaCha20-Poly1305 ciphertext. A tampered ciphertext or a
// wrong key fails with a CryptoError.
func Decrypt(ciphertext, key, nonce []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, model.NewCryptoError("building cipher: %v", err)
	}
	if len(nonce) != chacha20poly1305.NonceSize {
		return nil, model.NewCryptoError("nonce has %d bytes, want %d", len(nonce), chacha20poly1305.NonceSize)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, model.NewCryptoError("decryption failed")
	}
	return plaintext, nil
}
