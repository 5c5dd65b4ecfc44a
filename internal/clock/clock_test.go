package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want time.Time
	}{
		{"naive is MSK", "2025-07-01T10:00:00", time.Date(2025, 7, 1, 7, 0, 0, 0, time.UTC)},
		{"naive with space", "2025-07-01 10:30:00", time.Date(2025, 7, 1, 7, 30, 0, 0, time.UTC)},
		{"explicit utc", "2025-07-01T10:00:00Z", time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)},
		{"explicit offset", "2025-07-01T10:00:00+05:00", time.Date(2025, 7, 1, 5, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLocal(tt.in, MSK)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}

	_, err := ParseLocal("yesterday", MSK)
	assert.Error(t, err)
}

func TestManualClock(t *testing.T) {
	start := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	c := NewManual(start)
	assert.Equal(t, start, c.Now())

	c.Advance(16 * time.Minute)
	assert.Equal(t, start.Add(16*time.Minute), c.Now())

	c.Set(start.In(MSK))
	assert.Equal(t, time.UTC, c.Now().Location())
}

func TestInZone(t *testing.T) {
	utc := time.Date(2025, 7, 1, 7, 0, 0, 0, time.UTC)
	assert.Equal(t, 10, InZone(utc, nil).Hour())
}
