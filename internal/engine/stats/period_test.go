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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeriod(t *testing.T) {
	for _, valid := range []string{"day", "week", "month", "year"} {
		p, err := ParsePeriod(valid)
		require.NoError(t, err)
		assert.Equal(t, Period(valid), p)
	}
	_, err := ParsePeriod("hour")
	assert.Error(t, err)
}

func TestAlignStart(t *testing.T) {
	ts := time.Date(2026, 8, 27, 15, 42, 3, 0, time.UTC) // a Thursday

	assert.Equal(t, time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC), PeriodDay.AlignStart(ts))
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), PeriodWeek.AlignStart(ts), "weeks start Monday")
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), PeriodMonth.AlignStart(ts))
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), PeriodYear.AlignStart(ts))
}

func TestBucketsAreContiguousAndDisjoint(t *testing.T) {
	from := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	now := time.Date(2026, 8, 27, 3, 0, 0, 0, time.UTC)

	buckets := PeriodDay.Buckets(from, now)
	require.Len(t, buckets, 4)

	for i, b := range buckets {
		assert.True(t, b.End.After(b.Start))
		if i > 0 {
			// Exactly one millisecond between a bucket's end and the next start.
			assert.Equal(t, buckets[i-1].End.Add(time.Millisecond), b.Start)
		}
	}
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), buckets[0].Start)
}

func TestBucketsAtLeastOne(t *testing.T) {
	from := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	now := from.Add(-time.Hour) // "from" after "now"
	buckets := PeriodDay.Buckets(from, now)
	require.Len(t, buckets, 1)
}
