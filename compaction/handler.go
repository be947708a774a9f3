package compaction

import (
	"sync/atomic"

	"github.com/grailbio/base/log"
	"github.com/grailbio/tscompact/store"
)

// logEvery rate-limits error logging: one line per logEvery failures
// per RPC kind.
const logEvery = 100

// rpcHandler classifies failures of one store RPC kind. A throttle is
// recovered locally by re-enqueueing the row; everything else is
// counted and logged at most once per logEvery occurrences.
type rpcHandler struct {
	name  string
	count int64
}

// handle processes err from an RPC against the row at key. It returns
// true when the error was absorbed as a throttle and the pipeline
// should report success.
func (h *rpcHandler) handle(c *Compactor, key []byte, err error) bool {
	if t, ok := err.(*store.Throttle); ok {
		k := t.Key
		if k == nil {
			k = key
		}
		if k != nil {
			c.queue.Enqueue(k)
			if log.At(log.Debug) {
				log.Debug.Printf("compaction: %s throttled, re-enqueued row %s", h.name, store.PrettyKey(k, c.opts.MetricWidth))
			}
			return true
		}
		log.Error.Printf("compaction: %s throttled with no row key, dropping: %v", h.name, err)
		return true
	}
	n := atomic.AddInt64(&h.count, 1)
	if n%logEvery == 1 {
		log.Error.Printf("compaction: %s failed for row %s (%d so far): %v",
			h.name, store.PrettyKey(key, c.opts.MetricWidth), n, err)
	}
	return false
}

func (h *rpcHandler) errors() int64 {
	return atomic.LoadInt64(&h.count)
}
