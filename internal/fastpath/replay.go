// Package fastpath — replay.go
//
// Two-layer replay defense.
//
// Layer 1 — per-source sequence window. For each src_id the receiver
// keeps the highest sequence seen and the set of sequences inside a
// 256-wide trailing window. A packet replays if its sequence falls
// behind the window (seq < highest − 256) or is already present. The
// table is sharded by src_id so concurrent workers rarely contend on
// the same lock.
//
// Layer 2 — packet-hash cache. A truncated SHA-256 of the whole
// datagram, bounded at 10 000 entries with timed expiry. The sequence
// window runs FIRST so a flood of forged packets with fresh sequences
// cannot be used to churn the hash cache before the cheap check.
//
// Both layers run only after HMAC verification; unauthenticated traffic
// never reaches them.

package fastpath

import (
	"crypto/sha256"
	"sync"
	"time"
)

const (
	// seqWindow is the trailing sequence window width per source.
	seqWindow = 256

	// seqShards is the shard count for the per-source table.
	seqShards = 16

	// hashCacheSize bounds the packet-hash cache.
	hashCacheSize = 10000
)

// seqState tracks one source's replay window.
type seqState struct {
	highest uint16
	seen    map[uint16]struct{}
	started bool
}

// seqShard is one lock-scoped slice of the per-source table.
type seqShard struct {
	mu      sync.Mutex
	sources map[uint32]*seqState
}

// SeqTable is the sharded per-source sequence window table.
type SeqTable struct {
	shards [seqShards]seqShard
}

// NewSeqTable creates an empty table.
func NewSeqTable() *SeqTable {
	t := &SeqTable{}
	for i := range t.shards {
		t.shards[i].sources = make(map[uint32]*seqState)
	}
	return t
}

// Admit checks and records a (src, seq) pair. Returns false if the pair
// is a replay. On acceptance the highest sequence is advanced and
// sequences that fell out of the window are pruned.
func (t *SeqTable) Admit(src uint32, seq uint16) bool {
	sh := &t.shards[src%seqShards]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.sources[src]
	if !ok {
		st = &seqState{seen: make(map[uint16]struct{})}
		sh.sources[src] = st
	}

	if st.started {
		// Behind the trailing window: int arithmetic, no wrap handling —
		// a sender that wraps 65536 sequences inside 5 s is outside the
		// protocol's operating range.
		if int(seq) < int(st.highest)-seqWindow {
			return false
		}
		if _, dup := st.seen[seq]; dup {
			return false
		}
	}

	st.seen[seq] = struct{}{}
	if !st.started || seq > st.highest {
		st.highest = seq
		st.started = true
	}

	// Prune to the window, keeping the highest−256 boundary itself so a
	// duplicate of it still hits the seen-set.
	if len(st.seen) > seqWindow+1 {
		minKeep := int(st.highest) - seqWindow
		for s := range st.seen {
			if int(s) < minKeep {
				delete(st.seen, s)
			}
		}
	}
	return true
}

// Sources returns the tracked source count (for stats).
func (t *SeqTable) Sources() int {
	var n int
	for i := range t.shards {
		t.shards[i].mu.Lock()
		n += len(t.shards[i].sources)
		t.shards[i].mu.Unlock()
	}
	return n
}

// packetHash is the truncated digest used by the hash cache.
type packetHash [16]byte

// hashEntry pairs a hash with its expiry for FIFO cleanup.
type hashEntry struct {
	h      packetHash
	expiry time.Time
}

// HashCache is the bounded secondary replay cache.
type HashCache struct {
	mu     sync.Mutex
	seen   map[packetHash]struct{}
	order  []hashEntry
	maxLen int
	ttl    time.Duration
}

// NewHashCache creates a cache holding entries for ttl, bounded at
// hashCacheSize.
func NewHashCache(ttl time.Duration) *HashCache {
	return &HashCache{
		seen:   make(map[packetHash]struct{}),
		maxLen: hashCacheSize,
		ttl:    ttl,
	}
}

// Admit hashes the datagram and records it. Returns false on a repeat.
func (c *HashCache) Admit(data []byte, now time.Time) bool {
	sum := sha256.Sum256(data)
	var h packetHash
	copy(h[:], sum[:16])

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.seen[h]; dup {
		return false
	}
	c.seen[h] = struct{}{}
	c.order = append(c.order, hashEntry{h: h, expiry: now.Add(c.ttl)})

	// Hard bound: evict oldest beyond capacity regardless of expiry.
	for len(c.seen) > c.maxLen && len(c.order) > 0 {
		old := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, old.h)
	}
	return true
}

// Expire drops entries past their TTL. Called from the maintenance loop.
func (c *HashCache) Expire(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for len(c.order) > 0 && c.order[0].expiry.Before(now) {
		old := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, old.h)
		n++
	}
	return n
}

// Size returns the cache entry count.
func (c *HashCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
