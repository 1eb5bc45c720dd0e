package collab

import (
	"fmt"

	"github.com/gobwas/glob"
)

// PathPolicy routes conflicts whose paths match Pattern to Strategy. Patterns
// use '/' as the segment separator, e.g. "*/parameters/credentials/**".
type PathPolicy struct {
	Pattern  string
	Strategy string
	matcher  glob.Glob
}

func NewPathPolicy(pattern, strategy string) (PathPolicy, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return PathPolicy{}, fmt.Errorf("compile policy pattern %q: %w", pattern, err)
	}
	return PathPolicy{Pattern: pattern, Strategy: strategy, matcher: g}, nil
}

func (p PathPolicy) Match(path string) bool {
	if p.matcher == nil {
		return false
	}
	return p.matcher.Match(path)
}

// MatchConflict checks the full paths of both operations and the affected
// resource ids.
func (p PathPolicy) MatchConflict(c *Conflict) bool {
	for _, op := range c.Operations {
		if p.Match(op.Path.String()) {
			return true
		}
	}
	for _, id := range c.AffectedPaths {
		if p.Match(id) {
			return true
		}
	}
	return false
}
