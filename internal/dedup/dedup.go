// Package dedup computes event fingerprints and filters duplicates within a
// source's result set.
package dedup

import (
	"strings"
	"unicode"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
	"github.com/JakeFAU/agenda-crawler/internal/hash/sha256"
)

// NormalizeLocation lowercases the location and drops every rune that is not
// a letter or digit.
func NormalizeLocation(location string) string {
	var b strings.Builder
	b.Grow(len(location))
	for _, r := range strings.ToLower(location) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Fingerprint is the stable dedup hash of an event. It is the idempotency key
// at the persistence boundary.
func Fingerprint(title, isoDate, location string) string {
	return sha256.SumFields(
		strings.ToLower(strings.TrimSpace(title)),
		isoDate,
		NormalizeLocation(location),
	)
}

// EventFingerprint fingerprints a normalized event.
func EventFingerprint(event crawler.NormalizedEvent) string {
	return Fingerprint(event.Title, event.StartDate, event.LocationName)
}

// Set keeps the first occurrence of each fingerprint.
type Set struct {
	seen    map[string]struct{}
	skipped int
}

// NewSet creates an empty Set.
func NewSet() *Set {
	return &Set{seen: make(map[string]struct{})}
}

// Add reports whether hash is new. A repeated hash counts as skipped.
func (s *Set) Add(hash string) bool {
	if _, ok := s.seen[hash]; ok {
		s.skipped++
		return false
	}
	s.seen[hash] = struct{}{}
	return true
}

// Skipped returns how many duplicates were rejected.
func (s *Set) Skipped() int {
	return s.skipped
}

// Filter stamps DedupHash on every event and returns the first occurrence of
// each fingerprint in input order, plus the number discarded.
func Filter(events []crawler.NormalizedEvent) ([]crawler.NormalizedEvent, int) {
	set := NewSet()
	kept := make([]crawler.NormalizedEvent, 0, len(events))
	for _, event := range events {
		event.DedupHash = EventFingerprint(event)
		if set.Add(event.DedupHash) {
			kept = append(kept, event)
		}
	}
	return kept, set.Skipped()
}
