package crypto

import (
	"context"
	"crypto/ed25519"
	"runtime"
	"sync"
)

// parallelThreshold is the batch size above which verification fans out to
// worker goroutines. Below it the fixed goroutine cost outweighs the win.
const parallelThreshold = 64

// BatchItem is one (message, signature, public key) triple for batch
// verification.
type BatchItem struct {
	Message   []byte
	Signature []byte
	PublicKey ed25519.PublicKey
}

// BatchVerify verifies a list of signatures and returns a parallel result
// vector. Entries are nil only when the context was cancelled before the
// item was reached; otherwise they point at the verification outcome.
// Batches longer than the internal threshold are verified across
// worker goroutines.
func BatchVerify(ctx context.Context, items []BatchItem) []*bool {
	results := make([]*bool, len(items))
	if len(items) == 0 {
		return results
	}

	if len(items) <= parallelThreshold {
		for i := range items {
			if ctx.Err() != nil {
				return results
			}
			results[i] = verifyItem(&items[i])
		}
		return results
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > len(items) {
		workers = len(items)
	}

	var wg sync.WaitGroup
	chunk := (len(items) + workers - 1) / workers
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > len(items) {
			hi = len(items)
		}
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				if ctx.Err() != nil {
					return
				}
				results[i] = verifyItem(&items[i])
			}
		}(lo, hi)
	}
	wg.Wait()
	return results
}

func verifyItem(item *BatchItem) *bool {
	ok := len(item.PublicKey) == ed25519.PublicKeySize &&
		ed25519.Verify(item.PublicKey, item.Message, item.Signature)
	return &ok
}
