package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/talosprotocol/talos/model"
)

// DefaultVerifyCacheSize bounds the verification cache when no size is
// given.
const DefaultVerifyCacheSize = 4096

// VerifyCache memoizes signature verification outcomes keyed by
// (SHA-256(message), signature, public key) with LRU eviction. It caches
// only the mathematical validity of a signature; expiry and revocation are
// checked by the caller on every decision, so a cache hit can never mask a
// revocation.
type VerifyCache struct {
	entries *lru.Cache[string, bool]
	hits    atomic.Uint64
	misses  atomic.Uint64
}

// NewVerifyCache creates a cache bounded to size entries.
func NewVerifyCache(size int) (*VerifyCache, error) {
	if size <= 0 {
		size = DefaultVerifyCacheSize
	}
	entries, err := lru.New[string, bool](size)
	if err != nil {
		return nil, model.NewCryptoError("building verify cache: %v", err)
	}
	return &VerifyCache{entries: entries}, nil
}

// Verify checks a detached signature, consulting the cache first.
func (vc *VerifyCache) Verify(message, signature []byte, publicKey ed25519.PublicKey) bool {
	key := cacheKey(message, signature, publicKey)
	if ok, found := vc.entries.Get(key); found {
		vc.hits.Add(1)
		return ok
	}
	vc.misses.Add(1)
	ok := len(publicKey) == ed25519.PublicKeySize &&
		ed25519.Verify(publicKey, message, signature)
	vc.entries.Add(key, ok)
	return ok
}

// Stats returns cumulative hit and miss counts.
func (vc *VerifyCache) Stats() (hits, misses uint64) {
	return vc.hits.Load(), vc.misses.Load()
}

// Len returns the number of cached entries.
func (vc *VerifyCache) Len() int {
	return vc.entries.Len()
}

func cacheKey(message, signature []byte, publicKey ed25519.PublicKey) string {
	digest := sha256.Sum256(message)
	return hex.EncodeToString(digest[:]) + "|" + hex.EncodeToString(signature) + "|" + hex.EncodeToString(publicKey)
}
