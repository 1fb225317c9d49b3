package crawler

import "testing"

func TestDomainBlocklist(t *testing.T) {
	t.Run("plain entry covers subdomains", func(t *testing.T) {
		bl := NewDomainBlocklist([]string{"facebook.com"})
		if bl == nil {
			t.Fatalf("expected blocklist to be created")
		}
		cases := []struct {
			host    string
			blocked bool
		}{
			{"facebook.com", true},
			{"www.facebook.com", true},
			{"nl-nl.facebook.com", true},
			{"notfacebook.com", false},
			{"example.nl", false},
		}
		for _, tc := range cases {
			if got := bl.IsBlocked(tc.host); got != tc.blocked {
				t.Fatalf("host %q blocked=%v, want %v", tc.host, got, tc.blocked)
			}
		}
	})

	t.Run("exact entry", func(t *testing.T) {
		bl := NewDomainBlocklist([]string{"=maps.google.com"})
		if !bl.IsBlocked("maps.google.com") {
			t.Fatalf("expected exact host to be blocked")
		}
		if bl.IsBlocked("www.google.com") {
			t.Fatalf("did not expect sibling host to match exact entry")
		}
	})

	t.Run("wildcard suffix", func(t *testing.T) {
		bl := NewDomainBlocklist([]string{"*.booking.com"})
		if !bl.IsBlocked("www.booking.com") || !bl.IsBlocked("booking.com") {
			t.Fatalf("expected booking hosts to be blocked")
		}
	})

	t.Run("url helper", func(t *testing.T) {
		bl := NewDomainBlocklist([]string{"wikipedia.org"})
		if !bl.IsBlockedURL("https://nl.wikipedia.org/wiki/Utrecht") {
			t.Fatalf("expected wikipedia url to be blocked")
		}
		if bl.IsBlockedURL("https://www.utrecht.nl/agenda") {
			t.Fatalf("did not expect municipal url to be blocked")
		}
		if !bl.IsBlockedURL("::not a url") {
			t.Fatalf("expected unparseable url to be blocked")
		}
	})

	t.Run("nil blocklist", func(t *testing.T) {
		var bl *DomainBlocklist
		if bl.IsBlocked("anything") || bl.IsBlockedURL("https://anything") {
			t.Fatalf("nil blocklist should never block")
		}
		if NewDomainBlocklist([]string{" ", ""}) != nil {
			t.Fatalf("expected nil blocklist for empty patterns")
		}
	})
}
