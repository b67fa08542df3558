package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatisticsSummarizeWindow(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewStatistics(10)
	s.now = func() time.Time { return base.Add(time.Hour) }

	s.Record(Outcome{At: base, Success: true, Duration: 100 * time.Millisecond})
	s.Record(Outcome{At: base.Add(10 * time.Minute), Success: false, Duration: 300 * time.Millisecond})
	s.Record(Outcome{At: base.Add(20 * time.Minute), Success: true, Duration: 200 * time.Millisecond})

	all := s.Summarize(time.Time{}, time.Time{})
	assert.Equal(t, int64(3), all.Total)
	assert.Equal(t, int64(2), all.Succeeded)
	assert.Equal(t, int64(1), all.Failed)
	assert.Equal(t, 200*time.Millisecond, all.AverageDuration)
	assert.Equal(t, base.Add(time.Hour), all.To)

	window := s.Summarize(base.Add(5*time.Minute), base.Add(15*time.Minute))
	assert.Equal(t, int64(1), window.Total)
	assert.Equal(t, int64(1), window.Failed)
	assert.Equal(t, 300*time.Millisecond, window.AverageDuration)
}

func TestStatisticsIsBounded(t *testing.T) {
	s := NewStatistics(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		s.Record(Outcome{At: base.Add(time.Duration(i) * time.Second), Success: i%2 == 0})
	}
	assert.Equal(t, 3, s.Len())

	sum := s.Summarize(time.Time{}, base.Add(time.Minute))
	assert.Equal(t, int64(3), sum.Total)
	// Outcomes 2, 3 and 4 survive
	assert.Equal(t, int64(2), sum.Succeeded)
}

func TestStatisticsEmpty(t *testing.T) {
	s := NewStatistics(0)
	assert.Equal(t, 0, s.Len())
	sum := s.Summarize(time.Time{}, time.Time{})
	assert.Zero(t, sum.Total)
	assert.Zero(t, sum.AverageDuration)
}
