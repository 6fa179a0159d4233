package intent

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// TemporalFilter is a resolved half-open time window [Start, End).
type TemporalFilter struct {
	Description string    `json:"description"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// Contains reports whether t falls inside [Start, End).
func (f TemporalFilter) Contains(t time.Time) bool {
	return !t.Before(f.Start) && t.Before(f.End)
}

// Named ranges the interpreter may return.
const (
	RangeToday      = "today"
	RangeYesterday  = "yesterday"
	RangeThisWeek   = "this_week"
	RangeLastWeek   = "last_week"
	RangeThisMonth  = "this_month"
	RangeLastMonth  = "last_month"
	RangeLast7Days  = "last_7_days"
	RangeLast30Days = "last_30_days"
	RangeThisYear   = "this_year"
	rangeNone       = "none"
)

var rangeNames = []string{
	RangeToday, RangeYesterday, RangeThisWeek, RangeLastWeek, RangeThisMonth,
	RangeLastMonth, RangeLast7Days, RangeLast30Days, RangeThisYear,
}

var rangeLabels = map[string]string{
	RangeToday:      "today",
	RangeYesterday:  "yesterday",
	RangeThisWeek:   "this week",
	RangeLastWeek:   "last week",
	RangeThisMonth:  "this month",
	RangeLastMonth:  "last month",
	RangeLast7Days:  "last 7 days",
	RangeLast30Days: "last 30 days",
	RangeThisYear:   "this year",
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Resolve turns a named range into concrete instants using calendar
// arithmetic in now's location. Ranges that run up to the present end at the
// next midnight, so all of today is inside them.
func Resolve(name string, now time.Time) (TemporalFilter, bool) {
	today := startOfDay(now)
	tomorrow := today.AddDate(0, 0, 1)

	var start, end time.Time
	switch name {
	case RangeToday:
		start, end = today, tomorrow
	case RangeYesterday:
		start, end = today.AddDate(0, 0, -1), today
	case RangeThisWeek:
		start, end = today.AddDate(0, 0, -int(today.Weekday())), tomorrow
	case RangeLastWeek:
		start, end = today.AddDate(0, 0, -7), tomorrow
	case RangeThisMonth:
		start, end = time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location()), tomorrow
	case RangeLastMonth:
		first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location())
		start, end = first.AddDate(0, -1, 0), first
	case RangeLast7Days:
		start, end = today.AddDate(0, 0, -6), tomorrow
	case RangeLast30Days:
		start, end = today.AddDate(0, 0, -29), tomorrow
	case RangeThisYear:
		start, end = time.Date(today.Year(), time.January, 1, 0, 0, 0, 0, today.Location()), tomorrow
	default:
		return TemporalFilter{}, false
	}

	lastDay := end.AddDate(0, 0, -1)
	desc := fmt.Sprintf("%s (%s to %s)", rangeLabels[name], start.Format("Jan 2"), lastDay.Format("Jan 2"))
	return TemporalFilter{Description: desc, Start: start, End: end}, true
}

var rangePhrases = []struct {
	re   *regexp.Regexp
	name string
}{
	{regexp.MustCompile(`\b(past|last) 7 days\b`), RangeLast7Days},
	{regexp.MustCompile(`\b(past|last) 30 days\b`), RangeLast30Days},
	{regexp.MustCompile(`\b(last|past) week\b`), RangeLastWeek},
	{regexp.MustCompile(`\bthis week\b`), RangeThisWeek},
	{regexp.MustCompile(`\blast month\b`), RangeLastMonth},
	{regexp.MustCompile(`\bthis month\b`), RangeThisMonth},
	{regexp.MustCompile(`\bthis year\b`), RangeThisYear},
	{regexp.MustCompile(`\byesterday\b`), RangeYesterday},
	{regexp.MustCompile(`\btoday\b`), RangeToday},
}

// DetectRange finds an explicit range phrase in text.
func DetectRange(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, p := range rangePhrases {
		if p.re.MatchString(lower) {
			return p.name, true
		}
	}
	return "", false
}
