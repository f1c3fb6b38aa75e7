package usage

import (
	"time"

	"github.com/goodtune/kfocus/internal/storage"
)

// Slice is the share of an interval that fell on one local calendar day.
type Slice struct {
	DayKey  string `json:"day"`
	Seconds int64  `json:"seconds"`
}

// DayKey returns the YYYY-MM-DD key of the calendar day containing t in loc.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(storage.DateLayout)
}

// startOfNextDay returns local midnight following t. time.Date normalizes
// day overflow and DST gaps, so days of 23 or 25 hours come out right.
func startOfNextDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}

// Split divides [start, end) at every local midnight in loc.
//
// Each day's share is rounded to the nearest second and days rounding to
// zero are omitted. An interval crossing N midnights yields up to N+1
// slices in chronological order; start >= end yields none.
func Split(start, end time.Time, loc *time.Location) []Slice {
	if !start.Before(end) {
		return nil
	}

	var out []Slice
	cur := start.In(loc)
	end = end.In(loc)
	for cur.Before(end) {
		next := startOfNextDay(cur)
		segEnd := end
		if next.Before(end) {
			segEnd = next
		}
		secs := int64(segEnd.Sub(cur).Round(time.Second) / time.Second)
		if secs > 0 {
			out = append(out, Slice{DayKey: cur.Format(storage.DateLayout), Seconds: secs})
		}
		cur = next
	}
	return out
}
