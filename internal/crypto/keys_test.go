package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/talosprotocol/talos/model"
)

func TestSignAndVerify(t *testing.T) {
	kp, err := GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigningKeyPair() error = %v", err)
	}

	message := []byte("hello, authorization core")
	sig := kp.Sign(message)

	if err := VerifySignature(message, sig, kp.PublicKey); err != nil {
		t.Errorf("VerifySignature() error = %v, want nil", err)
	}

	if err := VerifySignature([]byte("tampered"), sig, kp.PublicKey); err == nil {
		t.Error("tampered message should fail verification")
	} else if !errors.Is(err, model.NewCryptoError("")) {
		t.Errorf("tampered message error = %v, want CRYPTO_ERROR", err)
	}

	other, _ := GenerateSigningKeyPair()
	if err := VerifySignature(message, sig, other.PublicKey); err == nil {
		t.Error("wrong key should fail verification")
	}
}

func TestDeriveSharedSecret(t *testing.T) {
	alice, err := GenerateExchangeKeyPair()
	if err != nil {
		t.Fatalf("GenerateExchangeKeyPair() error = %v", err)
	}
	bob, err := GenerateExchangeKeyPair()
	if err != nil {
		t.Fatalf("GenerateExchangeKeyPair() error = %v", err)
	}

	aliceShared, err := DeriveSharedSecret(alice.PrivateKey, bob.PublicKey)
	if err != nil {
		t.Fatalf("DeriveSharedSecret(alice) error = %v", err)
	}
	bobShared, err := DeriveSharedSecret(bob.PrivateKey, alice.PublicKey)
	if err != nil {
		t.Fatalf("DeriveSharedSecret(bob) error = %v", err)
	}

	if !bytes.Equal(aliceShared, bobShared) {
		t.Error("both sides should derive the same shared secret")
	}
	if len(aliceShared) != 32 {
		t.Errorf("shared secret has %d bytes, want 32", len(aliceShared))
	}
}

func TestEncryptDecrypt(t *testing.T) {
	alice, _ := GenerateExchangeKeyPair()
	bob, _ := GenerateExchangeKeyPair()
	key, _ := DeriveSharedSecret(alice.PrivateKey, bob.PublicKey)

	plaintext := []byte("secret payload")
	nonce, ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if len(nonce) != 12 {
		t.Errorf("nonce has %d bytes, want 12", len(nonce))
	}

	decrypted, err := Decrypt(ciphertext, key, nonce)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("Decrypt() = %q, want %q", decrypted, plaintext)
	}
}

func TestDecryptFailures(t *testing.T) {
	alice, _ := GenerateExchangeKeyPair()
	bob, _ := GenerateExchangeKeyPair()
	key, _ := DeriveSharedSecret(alice.PrivateKey, bob.PublicKey)

	nonce, ciphertext, err := Encrypt([]byte("payload"), key)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	t.Run("tampered ciphertext", func(t *testing.T) {
		tampered := append([]byte(nil), ciphertext...)
		tampered[0] ^= 0xff
		if _, err := Decrypt(tampered, key, nonce); err == nil {
			t.Error("tampered ciphertext should fail")
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		mallory, _ := GenerateExchangeKeyPair()
		wrongKey, _ := DeriveSharedSecret(mallory.PrivateKey, bob.PublicKey)
		if _, err := Decrypt(ciphertext, wrongKey, nonce); err == nil {
			t.Error("wrong key should fail")
		}
	})

	t.Run("bad nonce size", func(t *testing.T) {
		if _, err := Decrypt(ciphertext, key, nonce[:4]); err == nil {
			t.Error("short nonce should fail")
		}
	})
}

func TestHashData(t *testing.T) {
	// Fixed vector: sha256("abc").
	got := HashData([]byte("abc"))
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Errorf("HashData(abc) = %s, want %s", got, want)
	}
}
