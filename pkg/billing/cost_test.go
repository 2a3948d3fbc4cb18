package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00", FormatDuration(0))
	assert.Equal(t, "00:59", FormatDuration(59))
	assert.Equal(t, "01:00", FormatDuration(60))
	assert.Equal(t, "12:34", FormatDuration(12*60+34))
	assert.Equal(t, "01:01:01", FormatDuration(3661))
	assert.Equal(t, "00:00", FormatDuration(-5))
}

func TestCalculateCallCost(t *testing.T) {
	rate := 2.5

	// one-minute minimum
	assert.Equal(t, rate, CalculateCallCost(0, rate))
	assert.Equal(t, rate, CalculateCallCost(1, rate))
	assert.Equal(t, rate, CalculateCallCost(60, rate))

	// every started minute is charged
	assert.Equal(t, 2*rate, CalculateCallCost(61, rate))
	assert.Equal(t, 2*rate, CalculateCallCost(120, rate))
	assert.Equal(t, 3*rate, CalculateCallCost(121, rate))
}
