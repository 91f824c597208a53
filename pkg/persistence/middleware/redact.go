package middleware

import (
	"context"
	"fmt"
	"maps"
	"regexp"

	"github.com/aretw0/termstore/pkg/domain"
	"github.com/aretw0/termstore/pkg/ports"
)

// Mask replaces redacted values.
const Mask = "***"

type redactMiddleware struct {
	ports.DurableBackend
	patterns []*regexp.Regexp
}

// NewRedactMiddleware creates a middleware that masks environment variables
// and metadata entries whose keys match one of the patterns before they are
// persisted. Reads are passed through untouched.
func NewRedactMiddleware(patternStrings []string) (Middleware, error) {
	patterns := make([]*regexp.Regexp, len(patternStrings))
	for i, p := range patternStrings {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redact pattern %q: %w", p, err)
		}
		patterns[i] = re
	}
	return func(next ports.DurableBackend) ports.DurableBackend {
		return &redactMiddleware{DurableBackend: next, patterns: patterns}
	}, nil
}

func (m *redactMiddleware) Put(ctx context.Context, s *domain.Session) error {
	return m.DurableBackend.Put(ctx, m.redact(s))
}

func (m *redactMiddleware) Batch(ctx context.Context, puts []*domain.Session, deletes []string) error {
	masked := make([]*domain.Session, len(puts))
	for i, s := range puts {
		masked[i] = m.redact(s)
	}
	return m.DurableBackend.Batch(ctx, masked, deletes)
}

func (m *redactMiddleware) AppendSuspension(ctx context.Context, rec domain.SuspensionRecord) error {
	rec.State.Environment = m.maskEnv(rec.State.Environment)
	return m.DurableBackend.AppendSuspension(ctx, rec)
}

// redact works on a clone; the caller's session is never modified.
func (m *redactMiddleware) redact(s *domain.Session) *domain.Session {
	c := s.Clone()
	c.Environment = m.maskEnv(c.Environment)
	if c.SuspensionState != nil {
		c.SuspensionState.Environment = m.maskEnv(c.SuspensionState.Environment)
	}
	maskMap(c.Metadata, m.patterns)
	return c
}

func (m *redactMiddleware) maskEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if m.matches(k) {
			v = Mask
		}
		out[k] = v
	}
	return out
}

func (m *redactMiddleware) matches(key string) bool {
	for _, p := range m.patterns {
		if p.MatchString(key) {
			return true
		}
	}
	return false
}

// maskMap masks in place, recursing into nested maps. Session.Clone copies
// only the top level, so nested maps are copied before they are touched.
func maskMap(m map[string]any, patterns []*regexp.Regexp) {
	for k, v := range m {
		matched := false
		for _, p := range patterns {
			if p.MatchString(k) {
				m[k] = Mask
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		if subMap, ok := v.(map[string]any); ok {
			cp := maps.Clone(subMap)
			maskMap(cp, patterns)
			m[k] = cp
		}
	}
}
