package memory

import (
	"time"

	"github.com/seshat-ai/seshat/pkg/models"
)

// Importance scoring constants. Base scores are per memory type; age
// decays the base linearly at 10% per hour, floored so decay never
// removes more than half of the base.
const (
	DefaultMinImportance = 0.7
	decayPerHour         = 0.10
	decayFloor           = 0.5
)

var baseImportance = map[models.MemoryType]float64{
	models.TypeAnalysis:     0.8,
	models.TypeFileContext:  0.6,
	models.TypeFact:         0.5,
	models.TypeConversation: 0.4,
}

// BaseImportance returns the type's base score; unknown types score 0.5.
func BaseImportance(t models.MemoryType) float64 {
	if s, ok := baseImportance[t]; ok {
		return s
	}
	return 0.5
}

// ImportanceAt scores an item at the given instant. An explicit non-zero
// importance is taken as-is; otherwise the type base score is decayed by
// age.
func ImportanceAt(item models.PendingItem, now time.Time) float64 {
	if item.Importance > 0 {
		return item.Importance
	}
	base := BaseImportance(item.Type)
	ageHours := now.Sub(item.EnqueuedAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	factor := 1 - decayPerHour*ageHours
	if factor < decayFloor {
		factor = decayFloor
	}
	return base * factor
}

// PendingQueue is a bounded FIFO of promotion candidates. Enqueue on a
// full queue fails loudly rather than silently dropping; that is the
// back-pressure signal callers react to.
type PendingQueue struct {
	maxSize int
	items   []models.PendingItem
	now     func() time.Time
}

// NewPendingQueue creates a queue holding at most maxSize items.
func NewPendingQueue(maxSize int) *PendingQueue {
	return &PendingQueue{
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Enqueue validates and appends an item. Returns ErrQueueFull when the
// queue is at capacity, or a MissingFieldsError when id or the data key
// is absent (a nil data value is acceptable).
func (q *PendingQueue) Enqueue(item models.PendingItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		return models.ErrQueueFull
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.now()
	}
	q.items = append(q.items, item)
	return nil
}

// Dequeue removes and returns the oldest item.
func (q *PendingQueue) Dequeue() (models.PendingItem, error) {
	if len(q.items) == 0 {
		return models.PendingItem{}, models.ErrQueueEmpty
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, nil
}

// Peek returns the oldest item without removing it, or nil when empty.
func (q *PendingQueue) Peek() *models.PendingItem {
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	return &item
}

// CalculateImportance scores an item with the queue's clock.
func (q *PendingQueue) CalculateImportance(item models.PendingItem) float64 {
	return ImportanceAt(item, q.now())
}

// ReadyForPromotion returns, without removing, the items whose score
// meets minImportance or whose age reaches maxAge. minImportance <= 0
// means the 0.7 default; maxAge <= 0 disables the age path.
func (q *PendingQueue) ReadyForPromotion(minImportance float64, maxAge time.Duration) []models.PendingItem {
	if minImportance <= 0 {
		minImportance = DefaultMinImportance
	}
	now := q.now()
	var out []models.PendingItem
	for _, item := range q.items {
		if ImportanceAt(item, now) >= minImportance {
			out = append(out, item)
			continue
		}
		if maxAge > 0 && item.Age(now) >= maxAge {
			out = append(out, item)
		}
	}
	return out
}

// ClearPromoted removes the items whose id appears in ids, ignoring
// unknown ids, and returns the count actually removed.
func (q *PendingQueue) ClearPromoted(ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	kept := q.items[:0]
	removed := 0
	for _, item := range q.items {
		if _, ok := idSet[item.ID]; ok {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	return removed
}

// Size returns the number of queued items.
func (q *PendingQueue) Size() int { return len(q.items) }

// IsEmpty reports whether the queue holds no items.
func (q *PendingQueue) IsEmpty() bool { return len(q.items) == 0 }

// IsFull reports whether the queue is at capacity.
func (q *PendingQueue) IsFull() bool {
	return q.maxSize > 0 && len(q.items) >= q.maxSize
}

// MaxSize returns the queue capacity.
func (q *PendingQueue) MaxSize() int { return q.maxSize }

// Items returns a copy of the queue contents in FIFO order.
func (q *PendingQueue) Items() []models.PendingItem {
	out := make([]models.PendingItem, len(q.items))
	copy(out, q.items)
	return out
}

// FilterByType returns queued items with the given type.
func (q *PendingQueue) FilterByType(t models.MemoryType) []models.PendingItem {
	var out []models.PendingItem
	for _, item := range q.items {
		if item.Type == t {
			out = append(out, item)
		}
	}
	return out
}

// FilterByImportance returns queued items scoring at or above min.
func (q *PendingQueue) FilterByImportance(min float64) []models.PendingItem {
	now := q.now()
	var out []models.PendingItem
	for _, item := range q.items {
		if ImportanceAt(item, now) >= min {
			out = append(out, item)
		}
	}
	return out
}
