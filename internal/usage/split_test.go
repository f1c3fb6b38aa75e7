package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLoc = time.FixedZone("UTC+10", 10*60*60)

func at(y int, m time.Month, d, hh, mm, ss int) time.Time {
	return time.Date(y, m, d, hh, mm, ss, 0, testLoc)
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name  string
		start time.Time
		end   time.Time
		want  []Slice
	}{
		{
			name:  "empty when start equals end",
			start: at(2024, 5, 1, 10, 0, 0),
			end:   at(2024, 5, 1, 10, 0, 0),
		},
		{
			name:  "empty when start after end",
			start: at(2024, 5, 1, 10, 0, 1),
			end:   at(2024, 5, 1, 10, 0, 0),
		},
		{
			name:  "single day",
			start: at(2024, 5, 1, 10, 0, 0),
			end:   at(2024, 5, 1, 10, 16, 0),
			want:  []Slice{{"2024-05-01", 960}},
		},
		{
			name:  "across midnight",
			start: at(2024, 5, 1, 23, 58, 0),
			end:   at(2024, 5, 2, 0, 2, 0),
			want:  []Slice{{"2024-05-01", 120}, {"2024-05-02", 120}},
		},
		{
			name:  "ends exactly at midnight",
			start: at(2024, 5, 1, 23, 59, 0),
			end:   at(2024, 5, 2, 0, 0, 0),
			want:  []Slice{{"2024-05-01", 60}},
		},
		{
			name:  "three midnights",
			start: at(2024, 5, 1, 12, 0, 0),
			end:   at(2024, 5, 4, 6, 0, 0),
			want: []Slice{
				{"2024-05-01", 12 * 3600},
				{"2024-05-02", 24 * 3600},
				{"2024-05-03", 24 * 3600},
				{"2024-05-04", 6 * 3600},
			},
		},
		{
			name:  "month and year boundary",
			start: at(2023, 12, 31, 23, 59, 30),
			end:   at(2024, 1, 1, 0, 0, 45),
			want:  []Slice{{"2023-12-31", 30}, {"2024-01-01", 45}},
		},
		{
			name:  "rounds to nearest second",
			start: at(2024, 5, 1, 10, 0, 0),
			end:   at(2024, 5, 1, 10, 0, 1).Add(600 * time.Millisecond),
			want:  []Slice{{"2024-05-01", 2}},
		},
		{
			name:  "sub-second day omitted",
			start: at(2024, 5, 1, 23, 59, 59).Add(800 * time.Millisecond),
			end:   at(2024, 5, 2, 0, 0, 10),
			want:  []Slice{{"2024-05-02", 10}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.start, tt.end, testLoc)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitEntriesSumToElapsed(t *testing.T) {
	start := at(2024, 2, 27, 7, 13, 5)
	for _, hours := range []int{1, 17, 24, 49, 100} {
		end := start.Add(time.Duration(hours) * time.Hour)
		slices := Split(start, end, testLoc)

		var total int64
		prev := ""
		for _, s := range slices {
			assert.Positive(t, s.Seconds)
			assert.Greater(t, s.DayKey, prev, "slices out of order")
			prev = s.DayKey
			total += s.Seconds
		}
		assert.Equal(t, int64(hours*3600), total)
	}
}

func TestSplitDaylightSaving(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tz database unavailable: %v", err)
	}

	// Spring forward: 2024-03-10 is 23 hours long.
	spring := Split(
		time.Date(2024, 3, 10, 0, 0, 0, 0, loc),
		time.Date(2024, 3, 11, 0, 0, 0, 0, loc),
		loc,
	)
	require.Len(t, spring, 1)
	assert.Equal(t, Slice{"2024-03-10", 23 * 3600}, spring[0])

	// Fall back: 2024-11-03 is 25 hours long.
	fall := Split(
		time.Date(2024, 11, 2, 23, 0, 0, 0, loc),
		time.Date(2024, 11, 4, 1, 0, 0, 0, loc),
		loc,
	)
	assert.Equal(t, []Slice{
		{"2024-11-02", 3600},
		{"2024-11-03", 25 * 3600},
		{"2024-11-04", 3600},
	}, fall)
}

func TestDayKey(t *testing.T) {
	utc := time.Date(2024, 5, 1, 15, 30, 0, 0, time.UTC)
	assert.Equal(t, "2024-05-02", DayKey(utc, testLoc))
	assert.Equal(t, "2024-05-01", DayKey(utc, time.UTC))
}
