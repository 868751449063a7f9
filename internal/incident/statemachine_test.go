package incident

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusDetected, StatusInvestigating, true},
		{StatusDetected, StatusRemediating, true},
		{StatusDetected, StatusEscalated, true},
		{StatusInvestigating, StatusDetected, false},
		{StatusRemediating, StatusInvestigating, true},
		{StatusRemediating, StatusDetected, false},
		{StatusEscalated, StatusResolved, true},
		{StatusEscalated, StatusEscalated, true},
		{StatusEscalated, StatusRemediating, false},
		{StatusResolved, StatusEscalated, false},
		{StatusResolved, StatusResolved, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestValidPath(t *testing.T) {
	assert.True(t, ValidPath(nil))
	assert.True(t, ValidPath([]Status{StatusDetected, StatusRemediating, StatusInvestigating, StatusEscalated, StatusResolved}))
	assert.False(t, ValidPath([]Status{StatusInvestigating}))
	assert.False(t, ValidPath([]Status{StatusDetected, StatusResolved, StatusEscalated}))
}
