package sourcediscovery

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

//go:embed municipalities.yaml
var municipalitiesYAML []byte

// Municipality is one discovery target.
type Municipality struct {
	Name       string  `yaml:"name"`
	Slug       string  `yaml:"slug"`
	Province   string  `yaml:"province"`
	Population int     `yaml:"population"`
	Latitude   float64 `yaml:"latitude"`
	Longitude  float64 `yaml:"longitude"`
}

// DomainSlug returns the lowercase ASCII label used for guessed domains.
func (m Municipality) DomainSlug() string {
	if m.Slug != "" {
		return m.Slug
	}
	var b strings.Builder
	for _, r := range strings.ToLower(m.Name) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ParseMunicipalities decodes a YAML list.
func ParseMunicipalities(data []byte) ([]Municipality, error) {
	var out []Municipality
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode municipalities: %w", err)
	}
	for i, m := range out {
		if strings.TrimSpace(m.Name) == "" {
			return nil, fmt.Errorf("municipality %d has no name", i)
		}
	}
	return out, nil
}

// DefaultMunicipalities returns the embedded reference list.
func DefaultMunicipalities() []Municipality {
	out, err := ParseMunicipalities(municipalitiesYAML)
	if err != nil {
		panic(err)
	}
	return out
}

// Select filters by name (case-insensitive) and minimum population, orders by
// population descending and keeps at most limit entries when limit > 0.
func Select(all []Municipality, names []string, minPopulation, limit int) []Municipality {
	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	var out []Municipality
	for _, m := range all {
		if len(wanted) > 0 {
			if _, ok := wanted[strings.ToLower(m.Name)]; !ok {
				continue
			}
		}
		if m.Population < minPopulation {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Population > out[j].Population })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
