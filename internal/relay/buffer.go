package relay

import (
	"log"
	"sort"
	"sync"

	"github.com/waypost/waypost/envelope"
)

// Buffers is the store-and-forward layer: a bounded FIFO of verified
// envelopes per allowlisted public key. Only keys in the stored-for
// set have a slot; appends for anyone else are refused. Each slot has
// its own lock so appends for different keys do not contend.
type Buffers struct {
	mu   sync.RWMutex
	max  int
	keys map[string]*keyBuffer
}

type keyBuffer struct {
	mu      sync.Mutex
	envs    []*envelope.Envelope
	dropped uint64
}

func NewBuffers(keys []string, max int) *Buffers {
	b := &Buffers{
		max:  max,
		keys: make(map[string]*keyBuffer, len(keys)),
	}
	for _, k := range keys {
		b.keys[k] = &keyBuffer{}
	}
	return b
}

// IsStored reports whether the key is in the stored-for set.
func (b *Buffers) IsStored(publicKey string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.keys[publicKey]
	return ok
}

// Append buffers an envelope for an offline stored-for key. It returns
// false when the key has no slot. A full slot drops its oldest entry.
func (b *Buffers) Append(publicKey string, e *envelope.Envelope) bool {
	b.mu.RLock()
	kb, ok := b.keys[publicKey]
	b.mu.RUnlock()
	if !ok {
		return false
	}

	kb.mu.Lock()
	defer kb.mu.Unlock()
	if len(kb.envs) >= b.max {
		copy(kb.envs, kb.envs[1:])
		kb.envs[len(kb.envs)-1] = e
		kb.dropped++
		log.Printf("buffer: %s full, dropped oldest envelope", shortKey(publicKey))
		return true
	}
	kb.envs = append(kb.envs, e)
	return true
}

// Drain removes and returns the buffered envelopes for a key in
// insertion order.
func (b *Buffers) Drain(publicKey string) []*envelope.Envelope {
	b.mu.RLock()
	kb, ok := b.keys[publicKey]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	kb.mu.Lock()
	defer kb.mu.Unlock()
	envs := kb.envs
	kb.envs = nil
	return envs
}

func (b *Buffers) Len(publicKey string) int {
	b.mu.RLock()
	kb, ok := b.keys[publicKey]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	kb.mu.Lock()
	defer kb.mu.Unlock()
	return len(kb.envs)
}

// Keys returns the stored-for public keys, sorted.
func (b *Buffers) Keys() []string {
	b.mu.RLock()
	keys := make([]string, 0, len(b.keys))
	for k := range b.keys {
		keys = append(keys, k)
	}
	b.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Depths returns the current buffered count per stored-for key.
func (b *Buffers) Depths() map[string]int {
	b.mu.RLock()
	kbs := make(map[string]*keyBuffer, len(b.keys))
	for k, kb := range b.keys {
		kbs[k] = kb
	}
	b.mu.RUnlock()

	depths := make(map[string]int, len(kbs))
	for k, kb := range kbs {
		kb.mu.Lock()
		depths[k] = len(kb.envs)
		kb.mu.Unlock()
	}
	return depths
}

// SetKeys replaces the stored-for set. Existing slots for kept keys
// survive with their contents; removed keys drop theirs.
func (b *Buffers) SetKeys(keys []string) {
	next := make(map[string]*keyBuffer, len(keys))

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		if kb, ok := b.keys[k]; ok {
			next[k] = kb
		} else {
			next[k] = &keyBuffer{}
		}
	}
	for k, kb := range b.keys {
		if _, kept := next[k]; kept {
			continue
		}
		kb.mu.Lock()
		if n := len(kb.envs); n > 0 {
			log.Printf("buffer: %s removed from stored-for, discarded %d envelopes", shortKey(k), n)
		}
		kb.envs = nil
		kb.mu.Unlock()
	}
	b.keys = next
}
