package wizard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeDate(t *testing.T) {
	tests := map[string]string{
		"1990-04-07":  "07/04/1990",
		"1990/4/7":    "07/04/1990",
		"07-04-1990":  "07/04/1990",
		"7.4.1990":    "07/04/1990",
		"04/25/1990":  "25/04/1990",
		" 25/04/1990": "25/04/1990",
		"April 1990":  "April 1990",
		"":            "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeDate(in), in)
	}
}

func TestNormalizeDialCode(t *testing.T) {
	assert.Equal(t, "+245", NormalizeDialCode("245"))
	assert.Equal(t, "+245", NormalizeDialCode("00245"))
	assert.Equal(t, "+245", NormalizeDialCode("++245"))
	assert.Equal(t, "+351", NormalizeDialCode(" + 351 "))
	assert.Empty(t, NormalizeDialCode("  "))
}

func TestSlotIndex(t *testing.T) {
	assert.Equal(t, -1, SlotIndex(3, 0))
	for ordinal := -5; ordinal < 20; ordinal++ {
		idx := SlotIndex(ordinal, 4)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, 4)
		assert.Equal(t, idx, SlotIndex(ordinal, 4), "deterministic")
	}
	assert.NotEqual(t, SlotIndex(0, 3), SlotIndex(1, 3))
}

func TestStepsShape(t *testing.T) {
	steps := Steps(DefaultCatalog())
	var states []State
	for _, s := range steps {
		states = append(states, s.State)
	}
	assert.Equal(t, []State{CategorySelection, DateSelection, SlotSelection, PersonalDetails, Review}, states)
	assert.True(t, steps[len(steps)-1].Final)
	for _, s := range steps[:len(steps)-1] {
		assert.False(t, s.Final, s.State.String())
	}
}
