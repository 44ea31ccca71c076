package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []Status{
	StatusProcessing, StatusPendingShip, StatusShipped, StatusCompleted,
	StatusRefunding, StatusRefundCancelled, StatusCancelled,
}

func TestCanTransition_Table(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusProcessing, StatusPendingShip, true},
		{StatusProcessing, StatusShipped, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusCancelled, true},
		{StatusProcessing, StatusRefunding, false},
		{StatusPendingShip, StatusShipped, true},
		{StatusPendingShip, StatusRefunding, true},
		{StatusShipped, StatusPendingShip, false},
		{StatusCompleted, StatusRefunding, true},
		{StatusCompleted, StatusShipped, false},
		{StatusRefunding, StatusCompleted, true},
		{StatusRefunding, StatusRefundCancelled, true},
		{StatusRefunding, StatusPendingShip, false},
		{StatusPendingShip, StatusRefundCancelled, false},
		{Status("legacy"), StatusProcessing, true},
		{Status("legacy"), StatusCancelled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCanTransition_NeverBackToProcessing(t *testing.T) {
	for _, from := range allStatuses {
		if from == StatusProcessing {
			continue
		}
		assert.False(t, CanTransition(from, StatusProcessing), "from %s", from)
	}
}

func TestCanTransition_CancelledIsTerminal(t *testing.T) {
	for _, to := range allStatuses {
		assert.False(t, CanTransition(StatusCancelled, to), "to %s", to)
	}
	assert.Empty(t, AllowedNext(StatusCancelled))
	assert.NotNil(t, AllowedNext(StatusCancelled))
	assert.Nil(t, AllowedNext(Status("legacy")))
}

func TestAllowedNext_ReturnsCopy(t *testing.T) {
	next := AllowedNext(StatusProcessing)
	require.NotEmpty(t, next)
	next[0] = StatusCancelled
	assert.Equal(t, StatusPendingShip, AllowedNext(StatusProcessing)[0])
}

func TestParseStatus(t *testing.T) {
	s, ok := ParseStatus("shipped")
	assert.True(t, ok)
	assert.Equal(t, StatusShipped, s)
	assert.Equal(t, "已发货", s.Label())

	_, ok = ParseStatus("paid")
	assert.False(t, ok)
	assert.Equal(t, "paid", Status("paid").Label())
}

func TestHistoryTracker(t *testing.T) {
	h := NewHistoryTracker(3)
	now := time.Now()

	assert.False(t, h.Record("o1", StatusRefunding, StatusRefundCancelled, "x", now))
	_, ok := h.Latest("o1")
	assert.False(t, ok)

	require.True(t, h.Record("o1", StatusProcessing, StatusPendingShip, "paid", now))
	require.True(t, h.Record("o1", StatusPendingShip, StatusRefunding, "refund", now))
	prev, ok := h.StatusBeforeRefund("o1")
	require.True(t, ok)
	assert.Equal(t, StatusPendingShip, prev)

	h.Record("o1", StatusRefunding, StatusPendingShip, "withdrawn", now)
	h.Record("o1", StatusPendingShip, StatusShipped, "shipped", now)

	entries := h.Entries("o1")
	require.Len(t, entries, 3)
	assert.Equal(t, StatusRefunding, entries[0].To)
	latest, _ := h.Latest("o1")
	assert.Equal(t, StatusShipped, latest.To)

	_, ok = h.StatusBeforeRefund("other")
	assert.False(t, ok)
}
