package ingestion

import (
	"container/list"

	"PerpSim/internal/observability"
)

// PersistedStepChecker is the cold-path lookup: has this step already been
// written for the current run?
type PersistedStepChecker interface {
	StepExists(step int64) (bool, error)
}

// TickDeduplicator drops redelivered ticks in two tiers: an in-memory LRU
// of recent steps, then the persisted step log.
// Not thread-safe. Owned by the single source goroutine.
type TickDeduplicator struct {
	lru     *stepLRU
	db      PersistedStepChecker
	metrics *observability.Metrics

	tier2Errors int64
}

func NewTickDeduplicator(capacity int, db PersistedStepChecker, metrics *observability.Metrics) *TickDeduplicator {
	return &TickDeduplicator{
		lru:     newStepLRU(capacity),
		db:      db,
		metrics: metrics,
	}
}

// IsDuplicate reports whether step was already delivered.
func (d *TickDeduplicator) IsDuplicate(step int64) bool {
	if d.lru.Contains(step) {
		d.recordDuplicate("lru")
		return true
	}

	if d.db != nil {
		seen, err := d.db.StepExists(step)
		if err != nil {
			// Assume new: a DB outage must not stall ingestion.
			d.tier2Errors++
			return false
		}
		if seen {
			d.recordDuplicate("postgres")
			d.lru.Add(step)
			return true
		}
	}

	return false
}

// MarkProcessed records step in the LRU after it was handed on.
func (d *TickDeduplicator) MarkProcessed(step int64) {
	d.lru.Add(step)
	if d.metrics != nil {
		d.metrics.DedupLRUSize.Set(float64(d.lru.Size()))
	}
}

// Warm preloads recently persisted steps, typically after a restart.
func (d *TickDeduplicator) Warm(steps []int64) {
	for _, s := range steps {
		d.lru.Add(s)
	}
}

func (d *TickDeduplicator) Tier2Errors() int64 {
	return d.tier2Errors
}

func (d *TickDeduplicator) recordDuplicate(tier string) {
	if d.metrics != nil {
		d.metrics.TickDuplicates.WithLabelValues(tier).Inc()
	}
}

// --- LRU ---

type stepLRU struct {
	capacity  int
	cache     map[int64]*list.Element
	order     *list.List
	evictions int64
}

func newStepLRU(capacity int) *stepLRU {
	if capacity < 1 {
		capacity = 1
	}
	return &stepLRU{
		capacity: capacity,
		cache:    make(map[int64]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains promotes step to most recently used when present.
func (l *stepLRU) Contains(step int64) bool {
	elem, ok := l.cache[step]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

func (l *stepLRU) Add(step int64) {
	if elem, ok := l.cache[step]; ok {
		l.order.MoveToFront(elem)
		return
	}
	l.cache[step] = l.order.PushFront(step)
	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.cache, oldest.Value.(int64))
		l.evictions++
	}
}

func (l *stepLRU) Size() int {
	return l.order.Len()
}
