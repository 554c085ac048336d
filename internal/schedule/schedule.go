// Package schedule parses 5- and 6-field cron expressions into set-based
// schedules and computes their next firing time.
//
// Field order for six fields is:
//
//	second minute hour day-of-month month day-of-week
//
// Five-field expressions omit the second. A missing second field is not
// filtered: Matches accepts any second, and NextRunTime places firings on
// second zero.
//
// NextRunTime honours second, minute, hour, day-of-month and month only.
// Day-of-week is checked by Matches but not by the next-run search.
package schedule

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Field identifies one position of a cron expression.
type Field int

const (
	Second Field = iota
	Minute
	Hour
	DayOfMonth
	Month
	DayOfWeek
)

type bounds struct {
	min, max int
}

var fieldBounds = map[Field]bounds{
	Second:     {0, 59},
	Minute:     {0, 59},
	Hour:       {0, 23},
	DayOfMonth: {1, 31},
	Month:      {1, 12},
	DayOfWeek:  {0, 6},
}

func (f Field) String() string {
	switch f {
	case Second:
		return "second"
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	case DayOfMonth:
		return "day-of-month"
	case Month:
		return "month"
	case DayOfWeek:
		return "day-of-week"
	default:
		return fmt.Sprintf("field(%d)", int(f))
	}
}

// searchHorizonYears bounds NextRunTime.
const searchHorizonYears = 10

// descriptors maps shorthand schedules to five-field expressions.
// @weekly is absent: it needs day-of-week, which the next-run search ignores.
var descriptors = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

// ParseError reports an invalid cron expression.
type ParseError struct {
	Expr   string
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid cron expression %q: %s", e.Expr, e.Reason)
	}
	return fmt.Sprintf("invalid cron expression %q: %s: %s", e.Expr, e.Field, e.Reason)
}

// Expression is a parsed, immutable cron schedule.
type Expression struct {
	source string
	second []int // nil for five-field expressions
	minute []int
	hour   []int
	dom    []int
	month  []int
	dow    []int
}

var _ cron.Schedule = (*Expression)(nil)

// Parse parses expr. It accepts exactly five or six whitespace separated
// fields, or one of the @-descriptors.
func Parse(expr string) (*Expression, error) {
	source := strings.TrimSpace(expr)
	if expanded, ok := descriptors[strings.ToLower(source)]; ok {
		source = expanded
	}

	parts := strings.Fields(source)
	if len(parts) != 5 && len(parts) != 6 {
		return nil, &ParseError{Expr: expr, Reason: fmt.Sprintf("expected 5 or 6 fields, got %d", len(parts))}
	}

	order := []Field{Minute, Hour, DayOfMonth, Month, DayOfWeek}
	if len(parts) == 6 {
		order = append([]Field{Second}, order...)
	}

	e := &Expression{source: strings.Join(parts, " ")}
	for i, f := range order {
		values, err := parseField(parts[i], fieldBounds[f])
		if err != nil {
			return nil, &ParseError{Expr: expr, Field: f.String(), Reason: err.Error()}
		}
		switch f {
		case Second:
			e.second = values
		case Minute:
			e.minute = values
		case Hour:
			e.hour = values
		case DayOfMonth:
			e.dom = values
		case Month:
			e.month = values
		case DayOfWeek:
			e.dow = values
		}
	}
	return e, nil
}

// MustParse is Parse that panics on error. Intended for constants and tests.
func MustParse(expr string) *Expression {
	e, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return e
}

// Validate reports whether expr parses.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

func parseField(field string, b bounds) ([]int, error) {
	var values []int
	for _, part := range strings.Split(field, ",") {
		v, err := parsePart(part, b)
		if err != nil {
			return nil, err
		}
		values = append(values, v...)
	}
	slices.Sort(values)
	return slices.Compact(values), nil
}

// parsePart expands one comma-separated element. A step walks the base
// expansion by position, so "10-50/5" and "*/5" both select every fifth
// element of their base list.
func parsePart(part string, b bounds) ([]int, error) {
	if part == "" {
		return nil, fmt.Errorf("empty value")
	}

	if base, stepStr, ok := strings.Cut(part, "/"); ok {
		step, err := strconv.Atoi(stepStr)
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step %q", stepStr)
		}
		baseValues, err := parsePart(base, b)
		if err != nil {
			return nil, err
		}
		var stepped []int
		for i := 0; i < len(baseValues); i += step {
			stepped = append(stepped, baseValues[i])
		}
		return stepped, nil
	}

	if part == "*" {
		return rangeOf(b.min, b.max), nil
	}

	if lo, hi, ok := strings.Cut(part, "-"); ok {
		from, err := parseValue(lo, b)
		if err != nil {
			return nil, err
		}
		to, err := parseValue(hi, b)
		if err != nil {
			return nil, err
		}
		if from > to {
			return nil, fmt.Errorf("range %d-%d is empty", from, to)
		}
		return rangeOf(from, to), nil
	}

	v, err := parseValue(part, b)
	if err != nil {
		return nil, err
	}
	return []int{v}, nil
}

func parseValue(s string, b bounds) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	if v < b.min || v > b.max {
		return 0, fmt.Errorf("value %d out of range %d-%d", v, b.min, b.max)
	}
	return v, nil
}

func rangeOf(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for v := from; v <= to; v++ {
		out = append(out, v)
	}
	return out
}

// String returns the normalised five- or six-field form.
func (e *Expression) String() string {
	return e.source
}

// HasSeconds reports whether the expression was given with a second field.
func (e *Expression) HasSeconds() bool {
	return e.second != nil
}

// Values returns a copy of the allowed values for f. For Second on a
// five-field expression it returns nil.
func (e *Expression) Values(f Field) []int {
	switch f {
	case Second:
		return slices.Clone(e.second)
	case Minute:
		return slices.Clone(e.minute)
	case Hour:
		return slices.Clone(e.hour)
	case DayOfMonth:
		return slices.Clone(e.dom)
	case Month:
		return slices.Clone(e.month)
	case DayOfWeek:
		return slices.Clone(e.dow)
	default:
		return nil
	}
}

// Matches reports whether t satisfies every populated field, day-of-week
// included. Sub-second precision is ignored.
func (e *Expression) Matches(t time.Time) bool {
	if e.second != nil && !contains(e.second, t.Second()) {
		return false
	}
	return contains(e.minute, t.Minute()) &&
		contains(e.hour, t.Hour()) &&
		contains(e.dom, t.Day()) &&
		contains(e.month, int(t.Month())) &&
		contains(e.dow, int(t.Weekday()))
}

// ShouldRunNow reports whether the current wall-clock time matches.
func (e *Expression) ShouldRunNow() bool {
	return e.Matches(time.Now())
}

// NextRunTime returns the earliest instant at or after from+1s (truncated to
// whole seconds) whose second, minute, hour, day-of-month and month are all
// allowed. It searches at most ten years ahead.
func (e *Expression) NextRunTime(from time.Time) (time.Time, error) {
	loc := from.Location()
	floor := from.Truncate(time.Second).Add(time.Second)

	seconds := e.second
	if seconds == nil {
		seconds = []int{0}
	}

	for year := floor.Year(); year <= floor.Year()+searchHorizonYears; year++ {
		for _, month := range e.month {
			if lastInstant(year, month, 0, -1, -1, loc).Before(floor) {
				continue
			}
			days := daysIn(year, month, loc)
			for _, day := range e.dom {
				if day > days {
					break
				}
				if lastInstant(year, month, day, -1, -1, loc).Before(floor) {
					continue
				}
				for _, hour := range e.hour {
					if lastInstant(year, month, day, hour, -1, loc).Before(floor) {
						continue
					}
					for _, minute := range e.minute {
						if lastInstant(year, month, day, hour, minute, loc).Before(floor) {
							continue
						}
						for _, second := range seconds {
							candidate := time.Date(year, time.Month(month), day, hour, minute, second, 0, loc)
							if candidate.Before(floor) {
								continue
							}
							// Wall times skipped by a DST jump normalise to another hour.
							if candidate.Hour() != hour || candidate.Minute() != minute {
								continue
							}
							return candidate, nil
						}
					}
				}
			}
		}
	}

	return time.Time{}, fmt.Errorf("no matching time for %q within %d years of %s",
		e.source, searchHorizonYears, from.Format(time.RFC3339))
}

// Next implements cron.Schedule. It returns the zero time when no firing
// exists within the search horizon, which robfig/cron treats as "never".
func (e *Expression) Next(t time.Time) time.Time {
	next, err := e.NextRunTime(t)
	if err != nil {
		return time.Time{}
	}
	return next
}

// NextN returns up to n successive firing times after from.
func (e *Expression) NextN(from time.Time, n int) ([]time.Time, error) {
	out := make([]time.Time, 0, n)
	cursor := from
	for range n {
		next, err := e.NextRunTime(cursor)
		if err != nil {
			if len(out) > 0 {
				return out, nil
			}
			return nil, err
		}
		out = append(out, next)
		cursor = next
	}
	return out, nil
}

// lastInstant returns the last second of the given month, day, hour or
// minute. Negative (or zero day) arguments mean "whole unit".
func lastInstant(year, month, day, hour, minute int, loc *time.Location) time.Time {
	switch {
	case day == 0:
		return time.Date(year, time.Month(month)+1, 1, 0, 0, 0, 0, loc).Add(-time.Second)
	case hour < 0:
		return time.Date(year, time.Month(month), day+1, 0, 0, 0, 0, loc).Add(-time.Second)
	case minute < 0:
		return time.Date(year, time.Month(month), day, hour, 59, 59, 0, loc)
	default:
		return time.Date(year, time.Month(month), day, hour, minute, 59, 0, loc)
	}
}

func daysIn(year, month int, loc *time.Location) int {
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, loc).Day()
}

func contains(values []int, v int) bool {
	_, found := slices.BinarySearch(values, v)
	return found
}
