package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/agenda-crawler/internal/crawler"
)

// SeedSource is one entry of a sources seed file.
type SeedSource struct {
	ID           string               `yaml:"id"`
	Name         string               `yaml:"name"`
	URL          string               `yaml:"url"`
	Enabled      *bool                `yaml:"enabled"`
	Municipality string               `yaml:"municipality"`
	Config       crawler.SourceConfig `yaml:"config"`
}

type seedFile struct {
	Sources []SeedSource `yaml:"sources"`
}

// ImportResult counts the outcome of a seed import.
type ImportResult struct {
	Inserted int `json:"inserted"`
	Known    int `json:"known"`
}

// ParseSeed decodes a YAML seed document and validates every entry.
func ParseSeed(data []byte) ([]SeedSource, error) {
	var doc seedFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for i, s := range doc.Sources {
		if strings.TrimSpace(s.Name) == "" {
			return nil, fmt.Errorf("seed source %d: name is required", i)
		}
		u, err := url.Parse(strings.TrimSpace(s.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("seed source %q: url must be absolute http(s), got %q", s.Name, s.URL)
		}
	}
	return doc.Sources, nil
}

// ImportSources registers the sources listed in a YAML seed file. Sources
// whose URL is already registered are counted as known and left untouched.
func (a *App) ImportSources(ctx context.Context, path string) (ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImportResult{}, fmt.Errorf("read seed file: %w", err)
	}
	seeds, err := ParseSeed(data)
	if err != nil {
		return ImportResult{}, err
	}
	return importSeeds(ctx, a.Store, a.IDs, a.Clock, seeds, a.Logger)
}

func importSeeds(
	ctx context.Context,
	store crawler.SourceStore,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	seeds []SeedSource,
	logger *zap.Logger,
) (ImportResult, error) {
	var result ImportResult
	var errs []error
	for _, s := range seeds {
		id := s.ID
		if id == "" {
			generated, err := ids.NewID()
			if err != nil {
				return result, fmt.Errorf("generate source id: %w", err)
			}
			id = generated
		}
		enabled := true
		if s.Enabled != nil {
			enabled = *s.Enabled
		}
		inserted, err := store.InsertSource(ctx, crawler.ScraperSource{
			ID:           id,
			Name:         strings.TrimSpace(s.Name),
			URL:          strings.TrimSpace(s.URL),
			Enabled:      enabled,
			Config:       s.Config,
			Municipality: s.Municipality,
			CreatedAt:    clock.Now().UTC(),
		})
		if err != nil {
			logger.Warn("seed source rejected", zap.String("url", s.URL), zap.Error(err))
			errs = append(errs, fmt.Errorf("insert %s: %w", s.URL, err))
			continue
		}
		if inserted {
			result.Inserted++
		} else {
			result.Known++
		}
	}
	return result, errors.Join(errs...)
}
