package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Fields(t *testing.T) {
	tests := []struct {
		name  string
		expr  string
		field Field
		want  []int
	}{
		{name: "minute step", expr: "*/15 * * * *", field: Minute, want: []int{0, 15, 30, 45}},
		{name: "hour range", expr: "0 9-17 * * 1-5", field: Hour, want: []int{9, 10, 11, 12, 13, 14, 15, 16, 17}},
		{name: "weekday range", expr: "0 9-17 * * 1-5", field: DayOfWeek, want: []int{1, 2, 3, 4, 5}},
		{name: "list is sorted and deduplicated", expr: "30,5,5,10 * * * *", field: Minute, want: []int{5, 10, 30}},
		{name: "range step by position", expr: "10-50/5 * * * *", field: Minute, want: []int{10, 15, 20, 25, 30, 35, 40, 45, 50}},
		{name: "odd range step", expr: "1-10/3 * * * *", field: Minute, want: []int{1, 4, 7, 10}},
		{name: "single value step", expr: "5/15 * * * *", field: Minute, want: []int{5}},
		{name: "seconds field", expr: "*/20 * * * * *", field: Second, want: []int{0, 20, 40}},
		{name: "month list", expr: "0 0 1 1,6,12 *", field: Month, want: []int{1, 6, 12}},
		{name: "descriptor", expr: "@hourly", field: Minute, want: []int{0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := Parse(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.Values(tt.field))
		})
	}
}

func TestParse_FiveFieldHasNoSeconds(t *testing.T) {
	e, err := Parse("* * * * *")
	require.NoError(t, err)
	assert.False(t, e.HasSeconds())
	assert.Nil(t, e.Values(Second))
	assert.Len(t, e.Values(Minute), 60)
	assert.Equal(t, "* * * * *", e.String())
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{name: "minute out of range", expr: "60 * * * *"},
		{name: "hour out of range", expr: "0 24 * * *"},
		{name: "day of month zero", expr: "0 0 0 * *"},
		{name: "month thirteen", expr: "0 0 1 13 *"},
		{name: "day of week seven", expr: "0 0 * * 7"},
		{name: "four fields", expr: "* * * *"},
		{name: "seven fields", expr: "* * * * * * *"},
		{name: "empty", expr: ""},
		{name: "non numeric", expr: "abc * * * *"},
		{name: "zero step", expr: "*/0 * * * *"},
		{name: "inverted range", expr: "30-10 * * * *"},
		{name: "range end out of domain", expr: "50-61 * * * *"},
		{name: "empty list element", expr: "1,,2 * * * *"},
		{name: "weekly descriptor unsupported", expr: "@weekly"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.expr)
			require.Error(t, err)
			var perr *ParseError
			assert.True(t, errors.As(err, &perr))
			assert.Contains(t, err.Error(), "invalid cron expression")
		})
	}
}

func TestNextRunTime(t *testing.T) {
	loc := time.UTC
	tests := []struct {
		name string
		expr string
		from time.Time
		want time.Time
	}{
		{
			name: "every fifteen minutes",
			expr: "*/15 * * * *",
			from: time.Date(2026, 3, 10, 12, 7, 30, 0, loc),
			want: time.Date(2026, 3, 10, 12, 15, 0, 0, loc),
		},
		{
			name: "exact boundary moves forward",
			expr: "*/15 * * * *",
			from: time.Date(2026, 3, 10, 12, 15, 0, 0, loc),
			want: time.Date(2026, 3, 10, 12, 30, 0, 0, loc),
		},
		{
			name: "every second",
			expr: "* * * * * *",
			from: time.Date(2026, 3, 10, 12, 0, 0, 500, loc),
			want: time.Date(2026, 3, 10, 12, 0, 1, 0, loc),
		},
		{
			name: "rolls over year",
			expr: "0 0 1 1 *",
			from: time.Date(2026, 6, 1, 0, 0, 0, 0, loc),
			want: time.Date(2027, 1, 1, 0, 0, 0, 0, loc),
		},
		{
			name: "skips short months",
			expr: "0 12 31 * *",
			from: time.Date(2026, 4, 1, 0, 0, 0, 0, loc),
			want: time.Date(2026, 5, 31, 12, 0, 0, 0, loc),
		},
		{
			name: "leap day",
			expr: "0 0 29 2 *",
			from: time.Date(2026, 3, 1, 0, 0, 0, 0, loc),
			want: time.Date(2028, 2, 29, 0, 0, 0, 0, loc),
		},
		{
			name: "day of week is not applied",
			expr: "0 9 * * 1",
			from: time.Date(2026, 3, 14, 10, 0, 0, 0, loc), // Saturday
			want: time.Date(2026, 3, 15, 9, 0, 0, 0, loc),  // Sunday
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := MustParse(tt.expr)
			got, err := e.NextRunTime(tt.from)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextRunTime_NoMatchWithinHorizon(t *testing.T) {
	e := MustParse("0 0 31 2 *")
	_, err := e.NextRunTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Error(t, err)
	assert.True(t, e.Next(time.Now()).IsZero())
}

func TestNextRunTime_MatchesAtResult(t *testing.T) {
	exprs := []string{
		"*/15 * * * *",
		"0 9-17 * * *",
		"30 */2 1,15 * *",
		"*/7 10-50/5 * * * *",
		"0 0 1 1 *",
		"5 4 * 6-8 *",
	}
	starts := []time.Time{
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 7, 19, 23, 59, 59, 0, time.UTC),
		time.Date(2027, 12, 31, 23, 59, 58, 0, time.UTC),
	}

	for _, expr := range exprs {
		e := MustParse(expr)
		for _, from := range starts {
			next, err := e.NextRunTime(from)
			require.NoError(t, err, expr)
			assert.True(t, next.After(from), "%s from %s gave %s", expr, from, next)
			assert.True(t, e.Matches(next), "%s should match %s", expr, next)
		}
	}
}

func TestMatches(t *testing.T) {
	e := MustParse("0 9-17 * * 1-5")

	assert.True(t, e.Matches(time.Date(2026, 3, 9, 9, 0, 42, 0, time.UTC)))   // Monday, any second
	assert.False(t, e.Matches(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)))  // Saturday
	assert.False(t, e.Matches(time.Date(2026, 3, 9, 18, 0, 0, 0, time.UTC)))  // after hours
	assert.False(t, e.Matches(time.Date(2026, 3, 9, 9, 1, 0, 0, time.UTC)))   // wrong minute

	withSeconds := MustParse("30 0 9 * * *")
	assert.True(t, withSeconds.Matches(time.Date(2026, 3, 9, 9, 0, 30, 0, time.UTC)))
	assert.False(t, withSeconds.Matches(time.Date(2026, 3, 9, 9, 0, 31, 0, time.UTC)))
}

func TestShouldRunNow_EverySecond(t *testing.T) {
	assert.True(t, MustParse("* * * * * *").ShouldRunNow())
	assert.True(t, MustParse("* * * * *").ShouldRunNow())
}

func TestExpression_DrivesRobfigCron(t *testing.T) {
	var _ cron.Schedule = MustParse("* * * * * *")

	from := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, from.Add(time.Second), MustParse("* * * * * *").Next(from))
}

func TestNextN(t *testing.T) {
	e := MustParse("0 */6 * * *")
	times, err := e.NextN(time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC), 3)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC),
	}, times)
}
