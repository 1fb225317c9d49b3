package crawler

import (
	"net/url"
	"strings"
)

// DomainBlocklist matches hosts against configured domains. A plain entry
// blocks the domain and all of its subdomains; "=host" blocks only that host.
type DomainBlocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewDomainBlocklist builds a blocklist; it returns nil when no usable pattern is given.
func NewDomainBlocklist(patterns []string) *DomainBlocklist {
	matcher := &DomainBlocklist{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
			continue
		case strings.HasPrefix(value, "="):
			if host := strings.TrimPrefix(value, "="); host != "" {
				matcher.exact[host] = struct{}{}
			}
		default:
			value = strings.TrimPrefix(value, "*.")
			value = strings.TrimPrefix(value, ".")
			if value != "" {
				matcher.addSuffix(value)
			}
		}
	}
	if len(matcher.exact) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func (b *DomainBlocklist) addSuffix(suffix string) {
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

// IsBlocked reports whether host matches any entry.
func (b *DomainBlocklist) IsBlocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(host)), ".")
	if host == "" {
		return false
	}
	if _, exact := b.exact[host]; exact {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// IsBlockedURL reports whether the host of rawURL is blocked. Unparseable URLs are blocked.
func (b *DomainBlocklist) IsBlockedURL(rawURL string) bool {
	if b == nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return true
	}
	return b.IsBlocked(u.Hostname())
}
