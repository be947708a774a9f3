package compaction

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"

	"github.com/grailbio/tscompact/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rowKey builds metric || baseTime || tags with a 3-byte metric id.
func rowKey(metric uint32, baseTime uint32, tags ...byte) []byte {
	k := make([]byte, 0, 7+len(tags))
	k = append(k, byte(metric>>16), byte(metric>>8), byte(metric))
	var bt [4]byte
	binary.BigEndian.PutUint32(bt[:], baseTime)
	k = append(k, bt[:]...)
	return append(k, tags...)
}

// noClaimSkip makes the randomized claim skip effectively never fire.
func noClaimSkip() (restore func()) {
	old := claimStripes
	claimStripes = 1 << 30
	return func() { claimStripes = old }
}

// drain claims until the queue is empty, tolerating the randomized
// skip by retrying, and returns the keys of each successful call.
func drain(t *testing.T, q *Queue, cutoff int64) [][][]byte {
	var calls [][][]byte
	for i := 0; i < 1000; i++ {
		keys := q.Claim(cutoff, math.MaxInt32)
		if len(keys) > 0 {
			calls = append(calls, keys)
		}
		if q.ApproxSize() == 0 {
			return calls
		}
	}
	t.Fatalf("queue failed to drain, %d keys left", q.ApproxSize())
	return nil
}

func TestQueueEnqueueIdempotent(t *testing.T) {
	q := NewQueue(3)
	k := rowKey(1, 1000, 0xAA)
	q.Enqueue(k)
	q.Enqueue(k)
	q.Enqueue(rowKey(1, 1000, 0xBB))
	assert.Equal(t, 2, q.ApproxSize())
}

func TestQueueClaimOrder(t *testing.T) {
	q := NewQueue(3)
	// Enqueue out of time order.
	q.Enqueue(rowKey(9, 3000))
	q.Enqueue(rowKey(1, 1000))
	q.Enqueue(rowKey(5, 2000))
	q.Enqueue(rowKey(2, 1000))
	q.Enqueue(rowKey(1, 2000))

	calls := drain(t, q, math.MaxInt32)
	total := 0
	for _, keys := range calls {
		total += len(keys)
		// Within one call, base times never decrease.
		for i := 1; i < len(keys); i++ {
			prev := store.BaseTime(keys[i-1], 3)
			cur := store.BaseTime(keys[i], 3)
			assert.True(t, prev <= cur, "claim returned base times out of order: %d then %d", prev, cur)
		}
	}
	assert.Equal(t, 5, total)
	assert.Equal(t, 0, q.ApproxSize())
}

func TestQueueClaimCutoff(t *testing.T) {
	defer noClaimSkip()()
	q := NewQueue(3)
	q.Enqueue(rowKey(1, 1000))
	q.Enqueue(rowKey(2, 2000))
	q.Enqueue(rowKey(3, 9000))

	keys := q.Claim(2000, math.MaxInt32)
	require.Len(t, keys, 2)
	assert.Equal(t, uint32(1000), store.BaseTime(keys[0], 3))
	assert.Equal(t, uint32(2000), store.BaseTime(keys[1], 3))
	// The young row stays queued.
	assert.Equal(t, 1, q.ApproxSize())
}

func TestQueueClaimBudget(t *testing.T) {
	defer noClaimSkip()()
	q := NewQueue(3)
	for i := 0; i < 10; i++ {
		q.Enqueue(rowKey(uint32(i), 1000))
	}
	keys := q.Claim(math.MaxInt32, 4)
	assert.Len(t, keys, 4)
	assert.Equal(t, 6, q.ApproxSize())
}

func TestQueueSkippedKeysReturnLater(t *testing.T) {
	q := NewQueue(3)
	seen := map[string]bool{}
	for i := 0; i < 30; i++ {
		k := rowKey(uint32(i), 1000)
		q.Enqueue(k)
		seen[string(k)] = false
	}
	for _, keys := range drain(t, q, math.MaxInt32) {
		for _, k := range keys {
			_, ok := seen[string(k)]
			require.True(t, ok)
			seen[string(k)] = true
		}
	}
	for k, claimed := range seen {
		assert.True(t, claimed, "key %x never claimed", k)
	}
}

func TestQueueApproxSizeConverges(t *testing.T) {
	q := NewQueue(3)
	const (
		writers   = 4
		perWriter = 250
	)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				q.Enqueue(rowKey(uint32(w*perWriter+i), 1000))
			}
		}(w)
	}
	// A concurrent claimer racing the writers.
	var claimed int
	var cmu sync.Mutex
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			keys := q.Claim(math.MaxInt32, 10)
			cmu.Lock()
			claimed += len(keys)
			cmu.Unlock()
		}
	}()
	wg.Wait()

	assert.Equal(t, writers*perWriter-claimed, q.ApproxSize())
	for _, keys := range drain(t, q, math.MaxInt32) {
		claimed += len(keys)
	}
	assert.Equal(t, writers*perWriter, claimed)
	assert.Equal(t, 0, q.ApproxSize())
}

func TestQueueDiscard(t *testing.T) {
	q := NewQueue(3)
	for i := 0; i < 10; i++ {
		q.Enqueue(rowKey(uint32(i), 1000))
	}
	q.Discard()
	assert.Equal(t, 0, q.ApproxSize())
	assert.Empty(t, q.Claim(math.MaxInt32, math.MaxInt32))
	// The queue stays usable after a discard.
	q.Enqueue(rowKey(1, 1000))
	assert.Equal(t, 1, q.ApproxSize())
}
