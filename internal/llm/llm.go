// Package llm calls hosted language models behind an ordered fallback chain.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/agenda-crawler/internal/metrics"
)

// ErrNoProvider is returned when the chain has no configured provider.
var ErrNoProvider = errors.New("no llm provider configured")

// Provider completes a prompt with one hosted model.
type Provider interface {
	Name() string
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Completer is what extractors and validators depend on.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (Completion, error)
}

// Attempt records the outcome of one provider call.
type Attempt struct {
	Provider string
	Err      error
}

// Completion is the first successful answer plus every attempt made.
type Completion struct {
	Provider string
	Text     string
	Attempts []Attempt
}

// Chain tries providers in order and short-circuits on the first success.
type Chain struct {
	providers []Provider
	logger    *zap.Logger
}

// NewChain builds a chain, skipping nil providers.
func NewChain(logger *zap.Logger, providers ...Provider) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Chain{logger: logger}
	for _, p := range providers {
		if p != nil {
			c.providers = append(c.providers, p)
		}
	}
	return c
}

// Len returns the number of configured providers.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.providers)
}

// Complete returns the first successful completion. The error joins every
// provider failure when all of them fail.
func (c *Chain) Complete(ctx context.Context, system, prompt string) (Completion, error) {
	if c.Len() == 0 {
		return Completion{}, ErrNoProvider
	}
	var (
		out  Completion
		errs []error
	)
	for _, p := range c.providers {
		text, err := p.Complete(ctx, system, prompt)
		out.Attempts = append(out.Attempts, Attempt{Provider: p.Name(), Err: err})
		if err == nil && strings.TrimSpace(text) == "" {
			err = fmt.Errorf("%s: empty completion", p.Name())
			out.Attempts[len(out.Attempts)-1].Err = err
		}
		if err == nil {
			metrics.ObserveLLMCall(p.Name(), "ok")
			out.Provider = p.Name()
			out.Text = text
			return out, nil
		}
		metrics.ObserveLLMCall(p.Name(), "error")
		c.logger.Warn("llm provider failed", zap.String("provider", p.Name()), zap.Error(err))
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return out, errors.Join(errs...)
}

// StripFences removes a surrounding markdown code fence such as ```json.
func StripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
		trimmed = trimmed[nl+1:]
	} else {
		trimmed = strings.TrimLeft(trimmed, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
	}
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}
