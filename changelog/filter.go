package changelog

import (
	"fmt"

	"github.com/gobwas/glob"
)

// ColumnFilter selects which columns of the watched table the trigger
// captures, using glob patterns
type ColumnFilter struct {
	globs []glob.Glob
}

// NewColumnFilter creates a new glob-based column filter
// Empty patterns match every column
func NewColumnFilter(patterns []string) (*ColumnFilter, error) {
	filter := &ColumnFilter{
		globs: make([]glob.Glob, 0, len(patterns)),
	}

	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid column pattern %q: %w", pattern, err)
		}
		filter.globs = append(filter.globs, g)
	}

	return filter, nil
}

// Match returns true if the column matches the configured patterns
// If no patterns are configured, all columns match
func (f *ColumnFilter) Match(column string) bool {
	if len(f.globs) == 0 {
		return true
	}
	for _, g := range f.globs {
		if g.Match(column) {
			return true
		}
	}
	return false
}
