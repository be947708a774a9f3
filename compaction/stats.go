package compaction

import "sync/atomic"

// Collector receives the engine's counters. The embedding daemon
// supplies the implementation; tags use the "name=value" form.
type Collector interface {
	Record(name string, value int64, tag string)
}

// CollectStats emits the engine's monotonic counters and the current
// queue depth through col.
func (c *Compactor) CollectStats(col Collector) {
	col.Record("compaction.count", atomic.LoadInt64(&c.trivialMerges), "type=trivial")
	col.Record("compaction.count", atomic.LoadInt64(&c.complexMerges), "type=complex")
	col.Record("compaction.queue.size", int64(c.queue.ApproxSize()), "")
	col.Record("compaction.errors", c.read.errors(), "rpc=read")
	col.Record("compaction.errors", c.put.errors(), "rpc=put")
	col.Record("compaction.errors", c.del.errors(), "rpc=delete")
	col.Record("compaction.writes", atomic.LoadInt64(&c.writes), "")
	col.Record("compaction.deletes", atomic.LoadInt64(&c.deletes), "")
}
