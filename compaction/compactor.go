// Package compaction collapses the per-datapoint cells of aging
// time-series rows into one canonical cell per row. Writers mark rows
// dirty with Enqueue; a background worker periodically claims the rows
// old enough to be stable and drives each through a
// read-merge-write-delete pipeline against the store.
package compaction

import (
	"context"
	"math"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/tscompact/annotation"
	"github.com/grailbio/tscompact/store"
)

const (
	// DefaultFlushInterval is how often the worker wakes.
	DefaultFlushInterval = 10 * time.Second
	// DefaultMinFlushThreshold is the queue depth at or below which a
	// wakeup goes back to sleep, and the floor of every computed batch
	// size.
	DefaultMinFlushThreshold = 100
	// DefaultMaxConcurrentFlushes bounds the rows in flight at once.
	DefaultMaxConcurrentFlushes = 10000
	// DefaultFlushSpeed targets draining the queue in
	// MaxTimespan/FlushSpeed wall time, keeping the engine ahead of the
	// next hour's writes.
	DefaultFlushSpeed = 2
	// DefaultMaxTimespan is the duration of one row. Rows younger than
	// this (plus one second) are still accepting writes and are left
	// alone.
	DefaultMaxTimespan = time.Hour
	// DefaultMetricWidth is the width in bytes of the metric id that
	// prefixes every row key.
	DefaultMetricWidth = 3

	restartBackoff = time.Second
)

// Opts configures a Compactor.
type Opts struct {
	// Enabled starts the background flush worker. When false the
	// worker never runs and Compact never writes back, but stays usable
	// as a pure in-memory merge.
	Enabled bool

	// MetricWidth is the byte width of the metric id prefix of row
	// keys; the 4-byte base time follows it.
	MetricWidth int

	MaxTimespan          time.Duration
	FlushInterval        time.Duration
	MinFlushThreshold    int
	MaxConcurrentFlushes int
	FlushSpeed           int
}

func (o *Opts) setDefaults() {
	if o.MetricWidth <= 0 {
		o.MetricWidth = DefaultMetricWidth
	}
	if o.MaxTimespan <= 0 {
		o.MaxTimespan = DefaultMaxTimespan
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.MinFlushThreshold <= 0 {
		o.MinFlushThreshold = DefaultMinFlushThreshold
	}
	if o.MaxConcurrentFlushes <= 0 {
		o.MaxConcurrentFlushes = DefaultMaxConcurrentFlushes
	}
	if o.FlushSpeed <= 0 {
		o.FlushSpeed = DefaultFlushSpeed
	}
}

// Compactor is the row compaction engine. All methods are safe for
// concurrent use.
type Compactor struct {
	opts  Opts
	store store.Client
	queue *Queue
	now   func() time.Time

	read rpcHandler
	put  rpcHandler
	del  rpcHandler

	trivialMerges int64
	complexMerges int64
	writes        int64
	deletes       int64

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Compactor over client. When opts.Enabled is set the
// flush worker starts immediately; stop it with Close.
func New(client store.Client, opts Opts) *Compactor {
	opts.setDefaults()
	c := &Compactor{
		opts:  opts,
		store: client,
		queue: NewQueue(opts.MetricWidth),
		now:   time.Now,
		read:  rpcHandler{name: "read"},
		put:   rpcHandler{name: "put"},
		del:   rpcHandler{name: "delete"},
		done:  make(chan struct{}),
	}
	if opts.Enabled {
		ctx, cancel := context.WithCancel(vcontext.Background())
		c.cancel = cancel
		go c.worker(ctx)
	} else {
		close(c.done)
	}
	return c
}

// Enqueue marks the row at key dirty. Idempotent; safe to call from
// any goroutine, including concurrently with the flush worker.
func (c *Compactor) Enqueue(key []byte) {
	c.queue.Enqueue(key)
}

// Queue returns the dirty-row queue, exposing its Discard escape hatch
// and depth to the embedding daemon.
func (c *Compactor) Queue() *Queue {
	return c.queue
}

// Flush compacts every currently aging row and returns when the whole
// batch has completed. Per-row failures are counted and logged, never
// returned.
func (c *Compactor) Flush(ctx context.Context) {
	c.flushBatch(ctx, c.cutoff(), math.MaxInt32)
}

// Compact merges cells in memory and returns the canonical cell,
// appending any annotation cells found to annotations. When
// compactions are enabled and the row is old enough, the result is
// also written back and the originals deleted, exactly as the
// background pipeline would.
func (c *Compactor) Compact(ctx context.Context, key []byte, cells []store.Cell, annotations *[]annotation.Annotation) (store.Cell, error) {
	res, err := Merge(cells)
	if err != nil {
		return store.Cell{}, err
	}
	if annotations != nil {
		*annotations = append(*annotations, res.Annotations...)
	}
	if c.opts.Enabled && int64(store.BaseTime(key, c.opts.MetricWidth)) <= c.cutoff() {
		c.writeBack(ctx, key, res)
	}
	return res.Cell, nil
}

// Close stops the flush worker after one final best-effort flush of
// all aging rows. It is a no-op when the worker was never started.
func (c *Compactor) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

func (c *Compactor) cutoff() int64 {
	return c.now().Unix() - int64(c.opts.MaxTimespan/time.Second) - 1
}

// worker supervises the flush loop: a panic is logged, the loop
// restarts after a short backoff, and shared state stays untouched.
func (c *Compactor) worker(ctx context.Context) {
	defer close(c.done)
	for {
		if c.flushLoop(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(restartBackoff):
		}
	}
}

// flushLoop wakes every FlushInterval, sizes a batch proportional to
// the queue depth, and flushes it. It returns true on clean shutdown,
// false when a panic was recovered and the loop should respawn.
func (c *Compactor) flushLoop(ctx context.Context) (clean bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error.Printf("compaction: flush worker panic: %v\n%s", r, debug.Stack())
		}
	}()
	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Final flush: the worker context is gone, but the store
			// RPCs still need a live one.
			c.flushBatch(vcontext.Background(), c.cutoff(), math.MaxInt32)
			return true
		case <-ticker.C:
		}
		size := c.queue.ApproxSize()
		if size <= c.opts.MinFlushThreshold {
			continue
		}
		intervalSecs := int(c.opts.FlushInterval / time.Second)
		maxTimespanSecs := int(c.opts.MaxTimespan / time.Second)
		maxflushes := size * intervalSecs * c.opts.FlushSpeed / maxTimespanSecs
		if maxflushes < c.opts.MinFlushThreshold {
			maxflushes = c.opts.MinFlushThreshold
		}
		if log.At(log.Debug) {
			log.Debug.Printf("compaction: queue depth %d, flushing up to %d rows", size, maxflushes)
		}
		c.flushBatch(ctx, c.cutoff(), maxflushes)
	}
}

// flushBatch claims up to max aging rows and runs their pipelines
// concurrently. When the concurrency cap was the binding limit and
// budget remains, it hints the store to push batched writes and keeps
// going with the remainder.
func (c *Compactor) flushBatch(ctx context.Context, cutoff int64, max int) {
	for max > 0 {
		if n := c.queue.ApproxSize(); max > n {
			max = n
		}
		if max <= 0 {
			return
		}
		claim := max
		capped := false
		if claim > c.opts.MaxConcurrentFlushes {
			claim = c.opts.MaxConcurrentFlushes
			capped = true
		}
		keys := c.queue.Claim(cutoff, claim)
		if len(keys) == 0 {
			return
		}
		_ = traverse.Each(len(keys), func(i int) error {
			c.flushRow(ctx, keys[i], cutoff)
			return nil
		})
		max -= len(keys)
		if !capped || len(keys) < claim {
			// The cutoff, not the cap, bounded this round; the rest of
			// the queue is too young.
			return
		}
		c.store.Flush()
	}
}

// flushRow drives one row through read, merge, write, delete. Failures
// never propagate: throttles re-enqueue the row, malformed rows are
// dropped for operator repair, store errors are counted and the row is
// left for the next writer to re-enqueue.
func (c *Compactor) flushRow(ctx context.Context, key []byte, cutoff int64) {
	cells, err := c.store.Get(ctx, key)
	if err != nil {
		c.read.handle(c, key, err)
		return
	}
	res, err := Merge(cells)
	if err != nil {
		log.Error.Printf("compaction: dropping corrupt row %s: %v", store.PrettyKey(key, c.opts.MetricWidth), err)
		return
	}
	switch res.Outcome {
	case TrivialMerged:
		atomic.AddInt64(&c.trivialMerges, 1)
	case ComplexMerged:
		atomic.AddInt64(&c.complexMerges, 1)
	}
	if int64(store.BaseTime(key, c.opts.MetricWidth)) > cutoff {
		// Too young after all; claimed keys are gone from the queue,
		// so put it back for a later pass.
		c.queue.Enqueue(key)
		return
	}
	c.writeBack(ctx, key, res)
}

// writeBack applies a merge result to the store: put the canonical
// cell, then delete the originals. Deletes are issued only after a
// successful put so a failure can never lose datapoints.
func (c *Compactor) writeBack(ctx context.Context, key []byte, res Result) {
	if res.Write {
		if err := c.store.Put(ctx, key, res.Cell.Qualifier, res.Cell.Value); err != nil {
			c.put.handle(c, key, err)
			return
		}
		atomic.AddInt64(&c.writes, 1)
	}
	if len(res.Deletes) > 0 {
		if err := c.store.Delete(ctx, key, res.Deletes); err != nil {
			c.del.handle(c, key, err)
			return
		}
		atomic.AddInt64(&c.deletes, int64(len(res.Deletes)))
	}
}
