package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadStatus_Terminal(t *testing.T) {
	tests := []struct {
		status   LoadStatus
		terminal bool
	}{
		{LoadStatusReceived, false},
		{LoadStatusIncomplete, false},
		{LoadStatusQualified, false},
		{LoadStatusDispatching, false},
		{LoadStatusNeedsReview, true},
		{LoadStatusDispatched, true},
		{LoadStatusWithdrawn, true},
		{LoadStatusFilled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestLoadStatus_Dispatchable(t *testing.T) {
	assert.True(t, LoadStatusQualified.Dispatchable())
	assert.True(t, LoadStatusDispatching.Dispatchable())
	assert.False(t, LoadStatusNeedsReview.Dispatchable())
	assert.False(t, LoadStatusIncomplete.Dispatchable())
	assert.False(t, LoadStatusWithdrawn.Dispatchable())
}

func TestLoad_FreeText(t *testing.T) {
	l := &Load{Events: []ConversationEvent{
		{Direction: DirectionInbound, Body: "Need a van Chicago to Dallas"},
		{Direction: DirectionOutbound, Body: "What is the weight?"},
		{Direction: DirectionInbound, Body: ""},
		{Direction: DirectionInbound, Body: "42,000 lbs"},
	}}
	assert.Equal(t, "Need a van Chicago to Dallas\n\n42,000 lbs", l.FreeText())
	assert.Empty(t, (&Load{}).FreeText())
}

func TestLoad_HasFlag(t *testing.T) {
	l := &Load{ComplexityFlags: []string{"HAZMAT", "LTL"}}
	assert.True(t, l.HasFlag("LTL"))
	assert.False(t, l.HasFlag("OVERSIZE"))
}

func TestLoad_ArchiveKeepsFirstTimestamp(t *testing.T) {
	first := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	l := &Load{}
	l.Archive(first)
	l.Archive(first.Add(time.Hour))
	if assert.NotNil(t, l.ArchivedAt) {
		assert.True(t, l.ArchivedAt.Equal(first))
	}
}

func TestAttemptStatus_Succeeded(t *testing.T) {
	assert.True(t, AttemptSent.Succeeded())
	assert.True(t, AttemptDelivered.Succeeded())
	assert.False(t, AttemptPending.Succeeded())
	assert.False(t, AttemptFailed.Succeeded())
}
