package capacity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerHourForRecognizedPeriods(t *testing.T) {
	want := map[int]int{10: 6, 15: 4, 20: 3, 30: 2, 60: 1}
	for _, p := range RecognizedPeriods {
		assert.Equal(t, want[p], PerHour(p), "period %d", p)
		assert.Equal(t, 60/p, PerHour(p))
		assert.GreaterOrEqual(t, PerHour(p), 1)
	}
}

func TestPerHourNeverBelowOne(t *testing.T) {
	assert.Equal(t, 1, PerHour(0))
	assert.Equal(t, 1, PerHour(-5))
	assert.Equal(t, 1, PerHour(90))
	assert.Equal(t, 2, PerHour(25))
}

func TestSegments(t *testing.T) {
	hour := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	segs := Segments(hour, 15)
	require.Len(t, segs, 4)
	assert.Equal(t, hour.Add(45*time.Minute), segs[3].Start)
	assert.Equal(t, hour.Add(time.Hour), segs[3].End)
	assert.True(t, segs[1].Contains(hour.Add(15*time.Minute)))
	assert.False(t, segs[1].Contains(hour.Add(30*time.Minute)))
}

func TestSegmentsClipLongPeriodsToTheHour(t *testing.T) {
	hour := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	segs := Segments(hour, 90)
	require.Len(t, segs, 1)
	assert.Equal(t, hour.Add(time.Hour), segs[0].End)
}

func TestSegmentIndex(t *testing.T) {
	assert.Equal(t, 0, SegmentIndex(0, 15))
	assert.Equal(t, 2, SegmentIndex(44, 15))
	assert.Equal(t, 3, SegmentIndex(59, 15))
	assert.Equal(t, 1, SegmentIndex(59, 25))
}

func TestClassifyBoundaries(t *testing.T) {
	cases := []struct {
		ratio float64
		want  Level
	}{
		{0, LevelEmpty},
		{0.01, LevelLow},
		{0.25, LevelLow},
		{0.26, LevelMedium},
		{0.5, LevelMedium},
		{0.51, LevelHigh},
		{0.99, LevelHigh},
		{1, LevelFull},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ClassifyRatio(c.ratio), "ratio %v", c.ratio)
	}
}

func TestRatioIsClamped(t *testing.T) {
	assert.Equal(t, 1.0, Ratio(9, 4))
	assert.Equal(t, 0.0, Ratio(-1, 4))
	assert.Equal(t, 1.0, Ratio(1, 0))
	assert.Equal(t, LevelFull, Classify(9, 4))
}

func TestOneConfirmedAppointmentInFifteenMinutePeriodIsLow(t *testing.T) {
	c := PerHour(15)
	assert.Equal(t, 4, c)
	assert.Equal(t, 0.25, Ratio(1, c))
	assert.Equal(t, LevelLow, Classify(1, c))
	assert.False(t, IsFull(1, c))
	assert.True(t, IsFull(4, c))
}
