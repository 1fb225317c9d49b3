package dateparse

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var reference = time.Date(2026, time.July, 12, 10, 30, 0, 0, time.UTC)

func newFixed() *Normalizer {
	return New(WithNow(func() time.Time { return reference }))
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	n := newFixed()
	cases := []struct {
		in   string
		want string
	}{
		{"12 januari 2026", "2026-01-12"},
		{"zondag 12 juli 2026", "2026-07-12"},
		{"13-07-2026", "2026-07-13"},
		{"morgen", "2026-07-13"},
		{"vandaag", "2026-07-12"},
		{"today", "2026-07-12"},
		{"tomorrow", "2026-07-13"},
		{"overmorgen", "2026-07-14"},
		{"day after tomorrow", "2026-07-14"},
		{"Morgen 20:00", "2026-07-13"},
		{"2026-07-14", "2026-07-14"},
		{"2026-07-14T20:00", "2026-07-14"},
		{"2026-07-14T20:00:00+02:00", "2026-07-14"},
		{"Tue, 14 Jul 2026 20:00:00 +0200", "2026-07-14"},
		{"Tue, 14 Jul 2026 20:00:00 GMT", "2026-07-14"},
		{"14/07/2026", "2026-07-14"},
		{"14.07.2026", "2026-07-14"},
		{"14-07-26", "2026-07-14"},
		{"3 maart 2026", "2026-03-03"},
		{"3 mrt 2026", "2026-03-03"},
		{"3 märz 2026", "2026-03-03"},
		{"3 mrt. 2026", "2026-03-03"},
		{"za 1 aug 2026", "2026-08-01"},
		{"Saturday, 1 August 2026", "2026-08-01"},
		{"July 12, 2026", "2026-07-12"},
		{"1e mei 2026", "2026-05-01"},
		{"12 - 14 juli 2026", "2026-07-12"},
		{"12 juli 2026, 20:00 uur", "2026-07-12"},
		{"  12   okt   2026 ", "2026-10-12"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := n.ParseDate(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseDateAtUsesReference(t *testing.T) {
	t.Parallel()

	n := New()
	got, err := n.ParseDateAt("morgen", time.Date(2026, time.July, 12, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, "2026-07-13", got)
}

func TestParseDateYearless(t *testing.T) {
	t.Parallel()

	n := newFixed()

	got, err := n.ParseDate("20 juli")
	require.NoError(t, err)
	require.Equal(t, "2026-07-20", got)

	// within the rollover window stays in the reference year
	got, err = n.ParseDate("1 juni")
	require.NoError(t, err)
	require.Equal(t, "2026-06-01", got)

	// long past rolls into next year
	got, err = n.ParseDate("12 januari")
	require.NoError(t, err)
	require.Equal(t, "2027-01-12", got)
}

func TestParseDateRejects(t *testing.T) {
	t.Parallel()

	n := newFixed()
	cases := []struct {
		in   string
		want error
	}{
		{"", ErrEmpty},
		{"   ", ErrEmpty},
		{"12 januari 1899", ErrOutOfRange},
		{"12 januari 2099", ErrOutOfRange},
		{"1899-01-12", ErrOutOfRange},
		{"12-01-2099", ErrOutOfRange},
		{"31 februari 2026", ErrUnrecognized},
		{"2026-13-01", ErrUnrecognized},
		{"binnenkort", ErrUnrecognized},
		{"12 smarch 2026", ErrUnrecognized},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			_, err := n.ParseDate(tc.in)
			require.Error(t, err)
			require.True(t, errors.Is(err, tc.want), "got %v want %v", err, tc.want)
		})
	}
}

func TestWithYearWindow(t *testing.T) {
	t.Parallel()

	n := New(WithYearWindow(1990, 2100), WithNow(func() time.Time { return reference }))
	got, err := n.ParseDate("12 januari 2099")
	require.NoError(t, err)
	require.Equal(t, "2099-01-12", got)
}

func TestParseTime(t *testing.T) {
	t.Parallel()

	n := New()
	cases := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"20:00", "20:00", true},
		{"20.30", "20:30", true},
		{"20h30", "20:30", true},
		{"20u30", "20:30", true},
		{"9:05", "09:05", true},
		{"8pm", "20:00", true},
		{"8:30 PM", "20:30", true},
		{"12 am", "00:00", true},
		{"12:15 p.m.", "12:15", true},
		{"Start: 19:30", "19:30", true},
		{"Aanvang: 20.00 uur", "20:00", true},
		{"aanvang 21 uur", "21:00", true},
		{"19:30 - 22:00", "19:30", true},
		{"2026-07-14T20:00", "20:00", true},
		{"TBD", "", false},
		{"all day", "", false},
		{"Hele dag", "", false},
		{"", "", false},
		{"25:00", "", false},
		{"13.07.2026", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := n.ParseTime(tc.in)
			require.Equal(t, tc.wantOK, ok)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestISOTime(t *testing.T) {
	t.Parallel()

	require.Equal(t, "20:00", ISOTime("2026-07-14T20:00"))
	require.Equal(t, "09:15", ISOTime("2026-07-14T09:15:00+02:00"))
	require.Empty(t, ISOTime("2026-07-14"))
	require.Empty(t, ISOTime("2026-07-14T99:00"))
}

func TestParseTimePlaceholderNeedsWordBoundary(t *testing.T) {
	t.Parallel()

	got, ok := New().ParseTime("voetbalwedstrijd 20:00")
	require.True(t, ok)
	require.Equal(t, "20:00", got)
}
