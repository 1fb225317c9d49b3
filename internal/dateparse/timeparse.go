package dateparse

import (
	"fmt"
	"regexp"
	"strings"
)

var timePlaceholders = []string{
	"tbd", "tba", "n.t.b", "ntb", "nader te bepalen",
	"all day", "all-day", "hele dag", "gehele dag", "de hele dag",
}

var (
	isoTimePattern     = regexp.MustCompile(`(?i)t(\d{2}):(\d{2})`)
	twelveHourPattern  = regexp.MustCompile(`(?:^|[^\d])(\d{1,2})(?:[:.](\d{2}))?\s*(a\.?m\.?|p\.?m\.?)(?:$|[^a-z])`)
	twentyFourPattern  = regexp.MustCompile(`(?:^|[^\d.])(\d{1,2})[:.hu](\d{2})(?:$|[^\d./-])`)
	hourOnlyUurPattern = regexp.MustCompile(`(?:^|[^\d.])(\d{1,2})\s*uur(?:$|[^a-z])`)
)

// ISOTime pulls HH:MM out of an ISO 8601 timestamp such as 2026-07-14T20:00.
// It returns "" when the value carries no valid time.
func ISOTime(raw string) string {
	m := isoTimePattern.FindStringSubmatch(raw)
	if m == nil {
		return ""
	}
	out, ok := formatClock(atoi(m[1]), atoi(m[2]))
	if !ok {
		return ""
	}
	return out
}

// ParseTime extracts a 24-hour HH:MM from free text. Placeholders such as
// "TBD" or "hele dag" yield ok=false.
func (n *Normalizer) ParseTime(text string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return "", false
	}
	for _, placeholder := range timePlaceholders {
		if containsPhrase(lower, placeholder) {
			return "", false
		}
	}
	lower = stripTimePrefix(lower)

	if out := ISOTime(lower); out != "" {
		return out, true
	}
	if m := twelveHourPattern.FindStringSubmatch(lower); m != nil {
		hour := atoi(m[1])
		minute := 0
		if m[2] != "" {
			minute = atoi(m[2])
		}
		if hour < 1 || hour > 12 {
			return "", false
		}
		pm := strings.HasPrefix(m[3], "p")
		switch {
		case pm && hour != 12:
			hour += 12
		case !pm && hour == 12:
			hour = 0
		}
		return formatClock(hour, minute)
	}
	if m := twentyFourPattern.FindStringSubmatch(lower); m != nil {
		return formatClock(atoi(m[1]), atoi(m[2]))
	}
	if m := hourOnlyUurPattern.FindStringSubmatch(lower); m != nil {
		return formatClock(atoi(m[1]), 0)
	}
	return "", false
}

// containsPhrase matches phrase only on letter boundaries so "tba" does not hit "voetbal".
func containsPhrase(text, phrase string) bool {
	for start := 0; start < len(text); {
		idx := strings.Index(text[start:], phrase)
		if idx < 0 {
			return false
		}
		begin := start + idx
		end := begin + len(phrase)
		if (begin == 0 || !isLetter(text[begin-1])) && (end == len(text) || !isLetter(text[end])) {
			return true
		}
		start = begin + 1
	}
	return false
}

func isLetter(b byte) bool {
	return b >= 'a' && b <= 'z'
}

func stripTimePrefix(lower string) string {
	for _, prefix := range []string{"start:", "aanvang:", "begin:", "aanvang", "start", "vanaf", "from", "om", "at"} {
		if strings.HasPrefix(lower, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(lower, prefix))
		}
	}
	return lower
}

func formatClock(hour, minute int) (string, bool) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return "", false
	}
	return fmt.Sprintf("%02d:%02d", hour, minute), true
}
