package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStringTime(t *testing.T) {
	tests := []struct {
		timeString string
		expected   time.Duration
	}{
		{"10s", 10 * time.Second},
		{"20M", 20 * time.Minute},
		{"48h", 48 * time.Hour},
		{"2d", 2 * time.Hour * 24},
		{" 0 ", 0},
	}

	for _, test := range tests {
		result, err := ParseStringTime(test.timeString)
		require.NoError(t, err, test.timeString)
		assert.Equal(t, test.expected, result, test.timeString)
	}
}

func TestParseStringTimeInvalid(t *testing.T) {
	for _, s := range []string{"", "s", "10", "10w", "-5s", "1.5h", "abc"} {
		_, err := ParseStringTime(s)
		assert.Error(t, err, s)
	}
}

func TestFormatStringTime(t *testing.T) {
	for _, d := range []time.Duration{0, 30 * time.Second, 90 * time.Second, 5 * time.Minute, 3 * time.Hour, 48 * time.Hour} {
		parsed, err := ParseStringTime(FormatStringTime(d))
		require.NoError(t, err)
		assert.Equal(t, d, parsed)
	}
	assert.Equal(t, "2d", FormatStringTime(48*time.Hour))
}
