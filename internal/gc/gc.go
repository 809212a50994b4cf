// Package gc implements the background, watermark-driven garbage
// collector from spec section 4.7: versions older than the oldest
// active snapshot, and not the sole version of a live entity, are
// reclaimed; their chain pointers are spliced out and their slots
// freed.
package gc

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"

	"github.com/sombradb/sombra/internal/index"
	"github.com/sombradb/sombra/internal/mvcc"
	"github.com/sombradb/sombra/internal/record"
)

// Config holds the GC tuning knobs from spec section 6.
type Config struct {
	IntervalSecs         int
	MinVersionsPerRecord int
	ScanBatchSize        int
	MaxVersionChainLen   int
}

// Collector runs Sweep on a ticker and supports Pause/Resume/Stop.
type Collector struct {
	oracle  *mvcc.Oracle
	primary *index.Primary
	label   *index.Label
	store   *record.Store
	logger  *zap.Logger

	cfg Config

	mu        sync.Mutex
	paused    bool
	processed *bitset.BitSet // positions in the current Sweep's id list already compacted; Sweep resets it at its start, and Pause never interrupts a running sweep

	pauseCh  chan struct{}
	resumeCh chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}

	sweeps  uint64
	reclaimed uint64
}

func New(oracle *mvcc.Oracle, primary *index.Primary, label *index.Label, store *record.Store, cfg Config, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ScanBatchSize <= 0 {
		cfg.ScanBatchSize = 256
	}
	if cfg.MinVersionsPerRecord <= 0 {
		cfg.MinVersionsPerRecord = 1
	}
	if cfg.IntervalSecs <= 0 {
		cfg.IntervalSecs = 30
	}
	return &Collector{
		oracle:   oracle,
		primary:  primary,
		label:    label,
		store:    store,
		logger:   logger,
		cfg:      cfg,
		pauseCh:  make(chan struct{}),
		resumeCh: make(chan struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run starts the ticker loop; it returns once Stop is called.
func (c *Collector) Run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(time.Duration(c.cfg.IntervalSecs) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-c.pauseCh:
			select {
			case <-c.resumeCh:
			case <-c.stopCh:
				return
			}
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Pause blocks the collector before its next sweep begins. The signal
// is only delivered while Run is waiting between sweeps; a Pause issued
// during a sweep, before Run starts, or while already paused is
// dropped.
func (c *Collector) Pause() {
	select {
	case c.pauseCh <- struct{}{}:
	default:
	}
}

// Resume un-pauses a paused collector.
func (c *Collector) Resume() {
	select {
	case c.resumeCh <- struct{}{}:
	default:
	}
}

// Stop terminates the collector's Run loop. Safe to call once.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

// Sweep performs one full pass over every indexed entity, in batches
// of ScanBatchSize, reclaiming versions the current watermark makes
// unreachable. It can be called directly (e.g. from tests or an
// explicit maintenance trigger) independent of the ticker loop.
func (c *Collector) Sweep() {
	watermark := c.oracle.GCWatermark()
	ids := c.primary.Ids()

	c.mu.Lock()
	c.processed = bitset.New(uint(len(ids)))
	c.mu.Unlock()

	for start := 0; start < len(ids); start += c.cfg.ScanBatchSize {
		end := start + c.cfg.ScanBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		for i := start; i < end; i++ {
			c.mu.Lock()
			already := c.processed.Test(uint(i))
			c.mu.Unlock()
			if already {
				continue
			}
			c.compactEntity(ids[i], watermark)
			c.mu.Lock()
			c.processed.Set(uint(i))
			c.mu.Unlock()
		}
		// Yield between batches so a long sweep doesn't starve
		// foreground transactions of CPU.
		time.Sleep(0)
	}

	c.label.Compact(watermark)

	c.mu.Lock()
	c.sweeps++
	c.mu.Unlock()
}

// compactEntity reclaims every reclaimable interior version in id's
// chain, always preserving the chain head and at least
// MinVersionsPerRecord total versions.
func (c *Collector) compactEntity(id uint64, watermark uint64) {
	chain := c.primary.All(id) // newest first
	if len(chain) <= c.cfg.MinVersionsPerRecord {
		return
	}

	kept := make([]mvcc.RecordPointer, 0, len(chain))
	kept = append(kept, chain[0]) // the head is always visible to some future reader
	remaining := len(chain)
	var reclaimedAny bool

	// An interior version is only safe to reclaim once some newer,
	// retained version is itself <= watermark: that retained version is
	// the one a reader holding snapshot == watermark lands on, so
	// everything strictly older than it is unreachable by any live
	// reader. Without an already-established frontier, reclaiming purely
	// on "this version's commit_ts < watermark" can delete the very
	// version a watermark reader needs, when every retained newer
	// version postdates the watermark. The head establishes the frontier
	// immediately if it's already <= watermark.
	_, headMeta, _, err := c.store.ReadVersion(chain[0])
	if err != nil {
		c.logger.Warn("gc: reading head version during sweep", zap.Uint64("entity_id", id), zap.Error(err))
	}
	haveFrontier := err == nil && headMeta.CommitTS != 0 && headMeta.CommitTS <= watermark

	for i := 1; i < len(chain); i++ {
		ptr := chain[i]
		_, meta, _, err := c.store.ReadVersion(ptr)
		if err != nil {
			c.logger.Warn("gc: reading version during sweep", zap.Uint64("entity_id", id), zap.Error(err))
			kept = append(kept, ptr)
			continue
		}

		reclaimable := haveFrontier && meta.CommitTS != 0 && meta.CommitTS < watermark && remaining > c.cfg.MinVersionsPerRecord
		if !reclaimable {
			kept = append(kept, ptr)
			if meta.CommitTS != 0 && meta.CommitTS <= watermark {
				haveFrontier = true
			}
			continue
		}

		if err := c.store.RelinkPrev(kept[len(kept)-1], meta.Prev); err != nil {
			c.logger.Warn("gc: relinking chain during sweep", zap.Uint64("entity_id", id), zap.Error(err))
			kept = append(kept, ptr)
			continue
		}
		if err := c.store.FreeVersion(ptr); err != nil {
			c.logger.Warn("gc: freeing reclaimed version", zap.Uint64("entity_id", id), zap.Error(err))
		}
		remaining--
		reclaimedAny = true
		c.mu.Lock()
		c.reclaimed++
		c.mu.Unlock()
	}

	if reclaimedAny {
		c.primary.Prune(id, kept)
	}
}

// Stats returns the number of completed sweeps and total versions
// reclaimed, for the top-level Stats() accessor.
func (c *Collector) Stats() (sweeps, reclaimed uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweeps, c.reclaimed
}
