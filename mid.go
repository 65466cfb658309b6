package coap

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// midAllocator assigns message IDs for one endpoint. current is seeded
// from a random 16-bit value and post-incremented modulo 2^16, skipping
// values already in use in the dedup cache for the same peer.
type midAllocator struct {
	mu      sync.Mutex
	current uint16
}

func newMIDAllocator() *midAllocator {
	return &midAllocator{current: randomUint16()}
}

func randomUint16() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable entropy
		// starvation; fall back to a fixed seed rather than panic.
		return 0x1234
	}
	return binary.BigEndian.Uint16(b[:])
}

// next claims the next MID not already in use for peer, per inUse.
func (a *midAllocator) next(inUse func(mid uint16) bool) uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < 1<<16; i++ {
		mid := a.current
		a.current++
		if inUse == nil || !inUse(mid) {
			return mid
		}
	}
	// Every possible MID is in flight for this peer; return the one we
	// have rather than loop forever.
	return a.current
}
