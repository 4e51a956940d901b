package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextBatch_OrdersByPriorityAscending(t *testing.T) {
	s := New(PriorityFirst)
	ready := []Candidate{
		{ID: "low", Priority: 1, InsertionOrder: 0},
		{ID: "high", Priority: 9, InsertionOrder: 1},
		{ID: "mid", Priority: 5, InsertionOrder: 2},
	}

	batch := s.NextBatch(ready, 3)
	want := []string{"low", "mid", "high"}
	for i, c := range batch {
		assert.Equal(t, want[i], c.ID)
	}
}

func TestNextBatch_TiesBrokenByInsertionOrder(t *testing.T) {
	s := New(PriorityFirst)
	ready := []Candidate{
		{ID: "second", Priority: 5, InsertionOrder: 2},
		{ID: "first", Priority: 5, InsertionOrder: 1},
	}

	batch := s.NextBatch(ready, 2)
	assert.Equal(t, "first", batch[0].ID)
	assert.Equal(t, "second", batch[1].ID)
}

func TestNextBatch_RespectsK(t *testing.T) {
	s := New(PriorityFirst)
	ready := []Candidate{
		{ID: "a", Priority: 1, InsertionOrder: 0},
		{ID: "b", Priority: 2, InsertionOrder: 1},
		{ID: "c", Priority: 3, InsertionOrder: 2},
	}

	batch := s.NextBatch(ready, 2)
	assert.Len(t, batch, 2)
}

func TestNextBatch_KLargerThanReady(t *testing.T) {
	s := New(PriorityFirst)
	ready := []Candidate{{ID: "a", Priority: 1, InsertionOrder: 0}}

	batch := s.NextBatch(ready, 10)
	assert.Len(t, batch, 1)
}

func TestNextBatch_EmptyReady(t *testing.T) {
	s := New(PriorityFirst)
	assert.Empty(t, s.NextBatch(nil, 5))
}

func TestNextBatch_ZeroK(t *testing.T) {
	s := New(PriorityFirst)
	ready := []Candidate{{ID: "a", Priority: 1, InsertionOrder: 0}}
	assert.Empty(t, s.NextBatch(ready, 0))
}

func TestNextBatch_DoesNotMutateInput(t *testing.T) {
	s := New(PriorityFirst)
	ready := []Candidate{
		{ID: "a", Priority: 1, InsertionOrder: 0},
		{ID: "b", Priority: 9, InsertionOrder: 1},
	}
	original := append([]Candidate(nil), ready...)

	_ = s.NextBatch(ready, 2)
	assert.Equal(t, original, ready)
}

func TestNew_DefaultsToPriorityFirst(t *testing.T) {
	s := New("")
	assert.Equal(t, PriorityFirst, s.policy)
}
