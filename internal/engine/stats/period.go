// Copyright 2026 Actionstat Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stats

import (
	"fmt"
	"time"
)

// Period is the bucket granularity of an aggregation window.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
)

// Periods lists every supported granularity.
func Periods() []Period {
	return []Period{PeriodDay, PeriodWeek, PeriodMonth, PeriodYear}
}

// ParsePeriod validates a period string.
func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodYear:
		return Period(s), nil
	}
	return "", fmt.Errorf("unknown period %q", s)
}

// Width returns the fixed bucket width for the granularity. It is derived
// once per aggregation call, never re-derived per bucket.
func (p Period) Width() time.Duration {
	switch p {
	case PeriodDay:
		return 24 * time.Hour
	case PeriodWeek:
		return 7 * 24 * time.Hour
	case PeriodMonth:
		return 30 * 24 * time.Hour
	case PeriodYear:
		return 365 * 24 * time.Hour
	}
	return 24 * time.Hour
}

// AlignStart snaps t down to the period boundary in UTC: midnight for days,
// the ISO Monday for weeks, the first of the month and of the year.
func (p Period) AlignStart(t time.Time) time.Time {
	t = t.UTC()
	switch p {
	case PeriodWeek:
		day := t.Truncate(24 * time.Hour)
		offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
		return day.AddDate(0, 0, -offset)
	case PeriodMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case PeriodYear:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(24 * time.Hour)
	}
}

// Bucket is one boundary-aligned interval of the window. Start and End are
// both inclusive; End is one millisecond before the next bucket's Start so
// adjacent buckets never share a boundary instant.
type Bucket struct {
	Start time.Time
	End   time.Time
}

// Buckets splits the window covering [from, now] into consecutive,
// non-overlapping buckets of the period's fixed width, in chronological
// order. At least one bucket is always returned.
func (p Period) Buckets(from, now time.Time) []Bucket {
	width := p.Width()
	start := p.AlignStart(from)

	var out []Bucket
	for cursor := start; !cursor.After(now.UTC()); cursor = cursor.Add(width) {
		out = append(out, Bucket{
			Start: cursor,
			End:   cursor.Add(width - time.Millisecond),
		})
	}
	if len(out) == 0 {
		out = append(out, Bucket{Start: start, End: start.Add(width - time.Millisecond)})
	}
	return out
}
