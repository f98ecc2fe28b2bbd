package relevance

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/maxpert/livequery/notify"
)

// Patterns matches type tags against glob patterns such as "user*" or
// "{orders,payments}". An empty pattern list matches everything.
type Patterns struct {
	raw   []string
	globs []glob.Glob
}

// CompilePatterns compiles patterns. Matching is case-insensitive.
func CompilePatterns(patterns ...string) (*Patterns, error) {
	p := &Patterns{
		raw:   make([]string, 0, len(patterns)),
		globs: make([]glob.Glob, 0, len(patterns)),
	}
	for _, pattern := range patterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid type pattern %q: %w", pattern, err)
		}
		p.raw = append(p.raw, pattern)
		p.globs = append(p.globs, g)
	}
	return p, nil
}

// MatchTag reports whether tag matches any pattern
func (p *Patterns) MatchTag(tag notify.TypeTag) bool {
	if p == nil || len(p.globs) == 0 {
		return true
	}
	name := strings.ToLower(string(tag))
	for _, g := range p.globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Match reports whether any tag in types matches
func (p *Patterns) Match(types notify.TypeSet) bool {
	if p == nil || len(p.globs) == 0 {
		return true
	}
	for _, tag := range types {
		if p.MatchTag(tag) {
			return true
		}
	}
	return false
}

// Select returns the subset of types matching the patterns
func (p *Patterns) Select(types notify.TypeSet) notify.TypeSet {
	if p == nil || len(p.globs) == 0 {
		return types
	}
	var out []notify.TypeTag
	for _, tag := range types {
		if p.MatchTag(tag) {
			out = append(out, tag)
		}
	}
	return notify.NewTypeSet(out...)
}

// String returns the patterns joined by commas
func (p *Patterns) String() string {
	if p == nil {
		return ""
	}
	return strings.Join(p.raw, ",")
}
