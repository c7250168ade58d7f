package memory

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/seshat-ai/seshat/pkg/models"
)

// QueueSuite is a test suite for PendingQueue operations.
type QueueSuite struct {
	suite.Suite
	queue *PendingQueue
	now   time.Time
}

func (s *QueueSuite) SetupTest() {
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.queue = NewPendingQueue(5)
	s.queue.now = func() time.Time { return s.now }
}

func TestQueueSuite(t *testing.T) {
	suite.Run(t, new(QueueSuite))
}

func (s *QueueSuite) item(id string) models.PendingItem {
	return models.PendingItem{
		ID:      id,
		Type:    models.TypeFact,
		Data:    map[string]any{"k": "v"},
		HasData: true,
	}
}

// TestFIFOOrder tests enqueue/dequeue ordering.
func (s *QueueSuite) TestFIFOOrder() {
	s.Require().NoError(s.queue.Enqueue(s.item("a")))
	s.Require().NoError(s.queue.Enqueue(s.item("b")))
	s.Require().NoError(s.queue.Enqueue(s.item("c")))

	first, err := s.queue.Dequeue()
	s.NoError(err)
	s.Equal("a", first.ID)

	second, err := s.queue.Dequeue()
	s.NoError(err)
	s.Equal("b", second.ID)
	s.Equal(1, s.queue.Size())
}

// TestEnqueueStampsTime tests that enqueue records the wait-start time.
func (s *QueueSuite) TestEnqueueStampsTime() {
	s.Require().NoError(s.queue.Enqueue(s.item("a")))
	s.Equal(s.now, s.queue.Peek().EnqueuedAt)
}

// TestFullQueueFailsLoudly tests the back-pressure contract: enqueue on a
// full queue never silently succeeds and the bound always holds.
func (s *QueueSuite) TestFullQueueFailsLoudly() {
	for i := 0; i < 5; i++ {
		s.Require().NoError(s.queue.Enqueue(s.item(fmt.Sprintf("item-%d", i))))
	}
	s.True(s.queue.IsFull())

	err := s.queue.Enqueue(s.item("overflow"))
	s.ErrorIs(err, models.ErrQueueFull)
	s.Equal(5, s.queue.Size())
}

// TestEmptyDequeue tests that an empty queue returns a typed error.
func (s *QueueSuite) TestEmptyDequeue() {
	_, err := s.queue.Dequeue()
	s.ErrorIs(err, models.ErrQueueEmpty)
	s.Nil(s.queue.Peek())
	s.True(s.queue.IsEmpty())
}

// TestValidation tests that id and the data key are required while a nil
// data value is accepted.
func (s *QueueSuite) TestValidation() {
	err := s.queue.Enqueue(models.PendingItem{Data: map[string]any{}, HasData: true})
	s.True(models.IsMissingFields(err))

	err = s.queue.Enqueue(models.PendingItem{ID: "no-data-key"})
	s.True(models.IsMissingFields(err))

	s.NoError(s.queue.Enqueue(models.PendingItem{ID: "nil-data", HasData: true}))
	s.Equal(1, s.queue.Size())
}

// TestCalculateImportanceBase tests type base scores at zero age.
func (s *QueueSuite) TestCalculateImportanceBase() {
	tests := []struct {
		itemType models.MemoryType
		expected float64
	}{
		{models.TypeAnalysis, 0.8},
		{models.TypeFileContext, 0.6},
		{models.TypeFact, 0.5},
		{models.TypeConversation, 0.4},
		{models.MemoryType("mystery"), 0.5},
	}

	for _, tt := range tests {
		item := models.PendingItem{ID: "x", Type: tt.itemType, HasData: true, EnqueuedAt: s.now}
		s.InDelta(tt.expected, s.queue.CalculateImportance(item), 1e-9, "type %s", tt.itemType)
	}
}

// TestImportanceDecay tests the 10%/hour linear decay with the 50% floor.
func (s *QueueSuite) TestImportanceDecay() {
	item := models.PendingItem{ID: "x", Type: models.TypeAnalysis, HasData: true, EnqueuedAt: s.now}

	s.InDelta(0.8, ImportanceAt(item, s.now), 1e-9)
	s.InDelta(0.8*0.9, ImportanceAt(item, s.now.Add(time.Hour)), 1e-9)
	s.InDelta(0.8*0.7, ImportanceAt(item, s.now.Add(3*time.Hour)), 1e-9)
	// At 5 hours the floor kicks in; beyond it the score stays flat.
	s.InDelta(0.8*0.5, ImportanceAt(item, s.now.Add(5*time.Hour)), 1e-9)
	s.InDelta(0.8*0.5, ImportanceAt(item, s.now.Add(100*time.Hour)), 1e-9)
}

// TestImportanceMonotonicInAge tests that the score never increases with
// age and never drops below half the base.
func (s *QueueSuite) TestImportanceMonotonicInAge() {
	item := models.PendingItem{ID: "x", Type: models.TypeFileContext, HasData: true, EnqueuedAt: s.now}
	base := BaseImportance(models.TypeFileContext)

	prev := ImportanceAt(item, s.now)
	for h := 1; h <= 24; h++ {
		cur := ImportanceAt(item, s.now.Add(time.Duration(h)*time.Hour))
		s.LessOrEqual(cur, prev)
		s.GreaterOrEqual(cur, 0.5*base)
		prev = cur
	}
}

// TestExplicitImportanceWins tests that a caller-set score bypasses decay.
func (s *QueueSuite) TestExplicitImportanceWins() {
	item := models.PendingItem{ID: "x", Importance: 0.95, HasData: true, EnqueuedAt: s.now}
	s.InDelta(0.95, ImportanceAt(item, s.now.Add(10*time.Hour)), 1e-9)
}

// TestReadyForPromotion tests the non-destructive filter.
func (s *QueueSuite) TestReadyForPromotion() {
	high := s.item("high")
	high.Importance = 0.9
	low := s.item("low")
	low.Importance = 0.1
	old := s.item("old")
	old.Importance = 0.1
	old.EnqueuedAt = s.now.Add(-10 * time.Minute)

	s.Require().NoError(s.queue.Enqueue(high))
	s.Require().NoError(s.queue.Enqueue(low))
	s.Require().NoError(s.queue.Enqueue(old))

	ready := s.queue.ReadyForPromotion(0.7, 5*time.Minute)
	ids := make([]string, 0, len(ready))
	for _, r := range ready {
		ids = append(ids, r.ID)
	}
	s.ElementsMatch([]string{"high", "old"}, ids)
	// Filtering does not remove.
	s.Equal(3, s.queue.Size())
}

// TestReadyForPromotionInclusiveThreshold tests that a score exactly at
// the threshold counts as promotable.
func (s *QueueSuite) TestReadyForPromotionInclusiveThreshold() {
	exact := s.item("exact")
	exact.Importance = 0.7
	s.Require().NoError(s.queue.Enqueue(exact))

	ready := s.queue.ReadyForPromotion(0.7, 0)
	s.Len(ready, 1)
}

// TestClearPromoted tests id-based removal with unknown ids ignored.
func (s *QueueSuite) TestClearPromoted() {
	for _, id := range []string{"a", "b", "c"} {
		s.Require().NoError(s.queue.Enqueue(s.item(id)))
	}

	removed := s.queue.ClearPromoted([]string{"a", "c", "ghost"})
	s.Equal(2, removed)
	s.Equal(1, s.queue.Size())
	s.Equal("b", s.queue.Peek().ID)

	s.Equal(0, s.queue.ClearPromoted(nil))
}

// TestFilters tests the type and importance filters.
func (s *QueueSuite) TestFilters() {
	fact := s.item("fact")
	analysis := s.item("analysis")
	analysis.Type = models.TypeAnalysis
	s.Require().NoError(s.queue.Enqueue(fact))
	s.Require().NoError(s.queue.Enqueue(analysis))

	s.Len(s.queue.FilterByType(models.TypeAnalysis), 1)
	s.Len(s.queue.FilterByType(models.TypeDecision), 0)
	s.Len(s.queue.FilterByImportance(0.6), 1)
	s.Len(s.queue.FilterByImportance(0.4), 2)
}
