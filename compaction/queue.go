package compaction

import (
	"bytes"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/biogo/store/llrb"
	"github.com/dgryski/go-farm"
)

// claimStripes spreads claimers across the key space: each Claim call
// skips the keys whose hash falls on one of claimStripes residues, so
// concurrent claimers on wide deployments do not thrash on the same
// prefix. The value is a tunable; nothing known justifies 3 over a
// neighbor.
var claimStripes uint32 = 3

// queueKey orders row keys by their embedded base time first, then by
// the full key, so all rows of the same hour cluster together.
type queueKey struct {
	key   []byte
	width int
}

// Compare implements llrb.Comparable.
func (k queueKey) Compare(c llrb.Comparable) int {
	o := c.(queueKey)
	if d := bytes.Compare(k.base(), o.base()); d != 0 {
		return d
	}
	return bytes.Compare(k.key, o.key)
}

func (k queueKey) base() []byte {
	if len(k.key) < k.width+4 {
		return nil
	}
	return k.key[k.width : k.width+4]
}

func (k queueKey) baseTime() int64 {
	b := k.base()
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint32(b))
}

// Queue is the set of dirty row keys awaiting compaction, ordered by
// (base time, key). Enqueue is idempotent. The size counter is kept
// separately because counting the tree is linear in its size.
type Queue struct {
	width int
	size  int64

	mu   sync.Mutex
	tree llrb.Tree
}

// NewQueue returns an empty queue for row keys whose metric id is
// metricWidth bytes wide.
func NewQueue(metricWidth int) *Queue {
	return &Queue{width: metricWidth}
}

// Enqueue marks a row dirty. Re-enqueueing a key already present is a
// no-op. The key is copied; callers may reuse the slice.
func (q *Queue) Enqueue(key []byte) {
	k := queueKey{key: append([]byte(nil), key...), width: q.width}
	q.mu.Lock()
	if q.tree.Get(k) == nil {
		q.tree.Insert(k)
		atomic.AddInt64(&q.size, 1)
	}
	q.mu.Unlock()
}

// ApproxSize returns the tracked cardinality. It may transiently lag
// concurrent mutation but converges at quiescence.
func (q *Queue) ApproxSize() int {
	return int(atomic.LoadInt64(&q.size))
}

// Claim removes and returns up to budget keys whose base time is at
// most cutoff, in queue order. Keys past the cutoff are all newer, so
// iteration stops at the first one. Roughly one key in claimStripes is
// skipped per call based on a per-call seed; skipped keys stay queued
// for a later pass.
func (q *Queue) Claim(cutoff int64, budget int) [][]byte {
	if budget <= 0 {
		return nil
	}
	seed := uint32(time.Now().UnixNano()) % claimStripes
	q.mu.Lock()
	defer q.mu.Unlock()
	var take []queueKey
	q.tree.Do(func(c llrb.Comparable) bool {
		k := c.(queueKey)
		if k.baseTime() > cutoff {
			return true
		}
		if farm.Hash32(k.key)%claimStripes == seed {
			return false
		}
		take = append(take, k)
		return len(take) >= budget
	})
	claimed := make([][]byte, 0, len(take))
	for _, k := range take {
		// q.mu is held from collection through removal, so no other
		// claimer can take these keys in between; only a key found
		// present is removed and counted as claimed.
		if q.tree.Get(k) == nil {
			continue
		}
		q.tree.Delete(k)
		atomic.AddInt64(&q.size, -1)
		claimed = append(claimed, k.key)
	}
	return claimed
}

// Discard drops every queued key and zeroes the counter. Compaction
// debt is recoverable; it is the escape hatch for a memory watchdog.
func (q *Queue) Discard() {
	q.mu.Lock()
	q.tree = llrb.Tree{}
	atomic.StoreInt64(&q.size, 0)
	q.mu.Unlock()
}
