package aggregate

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"
)

var (
	zoneCommentRe = regexp.MustCompile(`\s*\([^()]{1,20}\)\s*$`)
	weekdayRe     = regexp.MustCompile(`^\s*[A-Za-z]{1,4},\s*`)
)

// obsoleteZones are the named zones RFC 5322 allows, as numeric offsets.
var obsoleteZones = map[string]string{
	"UT": "+0000", "UTC": "+0000", "GMT": "+0000", "Z": "+0000",
	"EST": "-0500", "EDT": "-0400",
	"CST": "-0600", "CDT": "-0500",
	"MST": "-0700", "MDT": "-0600",
	"PST": "-0800", "PDT": "-0700",
}

// Layouts are tried in order after the weekday prefix and trailing zone
// comment are removed and known zone names are rewritten as offsets.
var dateLayouts = []string{
	"2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04 -0700",
	"2 Jan 06 15:04:05 -0700",
	"2 Jan 06 15:04 -0700",
}

// Read as UTC wall clock, with any unknown zone name already dropped.
var naiveLayouts = []string{
	"2 Jan 2006 15:04:05",
	"2 Jan 2006 15:04",
	"2 Jan 06 15:04:05",
	"2 Jan 06 15:04",
}

// ParseDate interprets a Date header value. The returned time keeps the
// offset written in the header so calendar day and hour are the sender's.
// Unknown zone names are ignored and the wall clock is read as UTC.
// Unrecognised input reports false.
func ParseDate(raw string) (time.Time, bool) {
	s := strings.Join(strings.Fields(raw), " ")
	if s == "" {
		return time.Time{}, false
	}
	s = zoneCommentRe.ReplaceAllString(s, "")
	s = weekdayRe.ReplaceAllString(s, "")
	s, named := normalizeZone(s)
	if !named {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if named {
		return time.Time{}, false
	}
	if t, err := mail.ParseDate(raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// normalizeZone rewrites a trailing obsolete zone name as its offset and
// drops a name that follows a numeric offset. A trailing name that is not
// known is removed and reported so the caller reads the rest zone-naive.
func normalizeZone(s string) (string, bool) {
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return s, false
	}
	last := fields[len(fields)-1]
	if !isZoneName(last) {
		return s, false
	}
	head := fields[:len(fields)-1]
	if isOffset(head[len(head)-1]) {
		return strings.Join(head, " "), false
	}
	if off, ok := obsoleteZones[strings.ToUpper(last)]; ok {
		return strings.Join(append(head, off), " "), false
	}
	return strings.Join(head, " "), true
}

func isZoneName(s string) bool {
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return s != ""
}

func isOffset(s string) bool {
	if len(s) != 5 || (s[0] != '+' && s[0] != '-') {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Day is a calendar date without a time of day or zone.
type Day struct {
	Year  int
	Month time.Month
	Day   int
}

// DayOf returns the calendar date of t in t's own location.
func DayOf(t time.Time) Day {
	y, m, d := t.Date()
	return Day{Year: y, Month: m, Day: d}
}

// Before reports whether d falls before o.
func (d Day) Before(o Day) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

// DaysUntil counts whole calendar days from d to o.
func (d Day) DaysUntil(o Day) int {
	from := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
	to := time.Date(o.Year, o.Month, o.Day, 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from).Hours() / 24)
}

func (d Day) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// MarshalText renders the day as YYYY-MM-DD.
func (d Day) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses a YYYY-MM-DD day.
func (d *Day) UnmarshalText(b []byte) error {
	t, err := time.Parse(time.DateOnly, string(b))
	if err != nil {
		return fmt.Errorf("parse day %q: %w", b, err)
	}
	*d = DayOf(t)
	return nil
}
