// Package dateparse normalizes Dutch and English date and time text into
// canonical ISO dates (YYYY-MM-DD) and 24-hour times (HH:MM).
package dateparse

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Parse failures. Callers drop the candidate on any of them.
var (
	ErrEmpty        = errors.New("empty date text")
	ErrUnrecognized = errors.New("unrecognized date format")
	ErrOutOfRange   = errors.New("date outside plausible window")
)

const (
	defaultMinYear = 2020
	defaultMaxYear = 2030
	// A yearless date further than this in the past refers to next year.
	yearRolloverWindow = 60 * 24 * time.Hour
)

// Normalizer parses date and time text. It is safe for concurrent use.
type Normalizer struct {
	now     func() time.Time
	minYear int
	maxYear int
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithNow sets the reference clock used for relative and yearless dates.
func WithNow(now func() time.Time) Option {
	return func(n *Normalizer) {
		if now != nil {
			n.now = now
		}
	}
}

// WithYearWindow overrides the accepted year range (inclusive).
func WithYearWindow(minYear, maxYear int) Option {
	return func(n *Normalizer) {
		if minYear > 0 && maxYear >= minYear {
			n.minYear = minYear
			n.maxYear = maxYear
		}
	}
}

// New builds a Normalizer.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		now:     time.Now,
		minYear: defaultMinYear,
		maxYear: defaultMaxYear,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

var relativeDays = []struct {
	word   string
	offset int
}{
	// longest first so "overmorgen" never matches "morgen"
	{"day after tomorrow", 2},
	{"the day after tomorrow", 2},
	{"overmorgen", 2},
	{"tomorrow", 1},
	{"morgen", 1},
	{"vandaag", 0},
	{"today", 0},
	{"tonight", 0},
	{"vanavond", 0},
}

var months = map[string]time.Month{
	"januari": time.January, "jan": time.January, "january": time.January, "janvier": time.January,
	"februari": time.February, "feb": time.February, "febr": time.February, "february": time.February,
	"maart": time.March, "mrt": time.March, "mar": time.March, "march": time.March, "märz": time.March, "maerz": time.March,
	"april": time.April, "apr": time.April,
	"mei": time.May, "may": time.May,
	"juni": time.June, "jun": time.June, "june": time.June,
	"juli": time.July, "jul": time.July, "july": time.July,
	"augustus": time.August, "aug": time.August, "august": time.August,
	"september": time.September, "sep": time.September, "sept": time.September,
	"oktober": time.October, "okt": time.October, "oct": time.October, "october": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

var weekdays = map[string]struct{}{
	"maandag": {}, "dinsdag": {}, "woensdag": {}, "donderdag": {}, "vrijdag": {}, "zaterdag": {}, "zondag": {},
	"ma": {}, "di": {}, "wo": {}, "do": {}, "vr": {}, "za": {}, "zo": {},
	"monday": {}, "tuesday": {}, "wednesday": {}, "thursday": {}, "friday": {}, "saturday": {}, "sunday": {},
	"mon": {}, "tue": {}, "tues": {}, "wed": {}, "thu": {}, "thur": {}, "thurs": {}, "fri": {}, "sat": {}, "sun": {},
}

var (
	isoPattern      = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})(?:$|[t\s])`)
	numericPattern  = regexp.MustCompile(`^(\d{1,2})[-/.](\d{1,2})[-/.](\d{4}|\d{2})(?:$|[^\d])`)
	dayMonthPattern = regexp.MustCompile(
		`^(\d{1,2})(?:st|nd|rd|th|ste|de|e)?\.?(?:\s*(?:-|–|t/m|tot|to)\s*\d{1,2})?\s+([a-zä]+)\.?,?(?:\s+(\d{4}))?(?:$|[\s,.])`)
	monthDayPattern = regexp.MustCompile(
		`^([a-zä]+)\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?(?:\s+(\d{4}))?(?:$|[\s,.])`)
	spacePattern = regexp.MustCompile(`\s+`)
)

var rfc2822Layouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"Mon, 2 Jan 2006 15:04 -0700",
	"2 Jan 2006 15:04:05 -0700",
	time.RFC822Z,
	time.RFC822,
}

// ParseDate normalizes text relative to the configured clock.
func (n *Normalizer) ParseDate(text string) (string, error) {
	return n.ParseDateAt(text, n.now())
}

// ParseDateAt normalizes text to YYYY-MM-DD using ref for relative and yearless forms.
func (n *Normalizer) ParseDateAt(text string, ref time.Time) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrEmpty
	}
	lower := spacePattern.ReplaceAllString(strings.ToLower(trimmed), " ")
	refDate := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, time.UTC)

	if offset, ok := relativeOffset(lower); ok {
		return n.validate(refDate.AddDate(0, 0, offset))
	}

	if m := isoPattern.FindStringSubmatch(lower); m != nil {
		return n.build(atoi(m[1]), atoi(m[2]), atoi(m[3]))
	}

	for _, layout := range rfc2822Layouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return n.validate(t)
		}
	}

	if m := numericPattern.FindStringSubmatch(lower); m != nil {
		year := atoi(m[3])
		if len(m[3]) == 2 {
			year += 2000
		}
		return n.build(year, atoi(m[2]), atoi(m[1]))
	}

	rest := stripWeekday(lower)
	if m := dayMonthPattern.FindStringSubmatch(rest); m != nil {
		if month, ok := months[m[2]]; ok {
			return n.buildTextual(atoi(m[1]), month, m[3], refDate)
		}
	}
	if m := monthDayPattern.FindStringSubmatch(rest); m != nil {
		if month, ok := months[m[1]]; ok {
			return n.buildTextual(atoi(m[2]), month, m[3], refDate)
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnrecognized, trimmed)
}

func relativeOffset(lower string) (int, bool) {
	for _, rel := range relativeDays {
		if lower == rel.word || strings.HasPrefix(lower, rel.word+" ") || strings.HasPrefix(lower, rel.word+",") {
			return rel.offset, true
		}
	}
	return 0, false
}

func stripWeekday(lower string) string {
	fields := strings.SplitN(lower, " ", 2)
	if len(fields) < 2 {
		return lower
	}
	word := strings.TrimRight(fields[0], ".,")
	if _, ok := weekdays[word]; ok {
		return strings.TrimSpace(fields[1])
	}
	return lower
}

func (n *Normalizer) buildTextual(day int, month time.Month, yearText string, ref time.Time) (string, error) {
	if yearText != "" {
		return n.build(atoi(yearText), int(month), day)
	}
	candidate := time.Date(ref.Year(), month, day, 0, 0, 0, 0, time.UTC)
	if candidate.Day() != day {
		return "", fmt.Errorf("%w: day %d out of range for %s", ErrUnrecognized, day, month)
	}
	if ref.Sub(candidate) > yearRolloverWindow {
		candidate = candidate.AddDate(1, 0, 0)
	}
	return n.validate(candidate)
}

func (n *Normalizer) build(year, month, day int) (string, error) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return "", fmt.Errorf("%w: %04d-%02d-%02d", ErrUnrecognized, year, month, day)
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month {
		return "", fmt.Errorf("%w: %04d-%02d-%02d", ErrUnrecognized, year, month, day)
	}
	return n.validate(t)
}

func (n *Normalizer) validate(t time.Time) (string, error) {
	if t.Year() < n.minYear || t.Year() > n.maxYear {
		return "", fmt.Errorf("%w: year %d", ErrOutOfRange, t.Year())
	}
	return t.Format("2006-01-02"), nil
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return v
}
