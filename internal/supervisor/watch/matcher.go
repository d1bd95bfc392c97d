// Package watch implements the supervisor's file-watch restart
// trigger: fsnotify-driven recursive directory watching, debounced per
// id, calling back into the supervisor.
package watch

import (
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// Matcher checks whether a relative file path should trigger a restart.
type Matcher interface {
	Match(path string) bool
	MatchDir(dirPath string) bool
}

type matcher struct {
	patterns []glob.Glob
	ignores  []glob.Glob
}

// NewMatcher compiles include/ignore glob patterns. Both lists use '/'
// as the glob separator; **/-prefixed patterns are expanded to also
// match at the watch root.
func NewMatcher(includes, ignores []string) (Matcher, error) {
	m := &matcher{
		patterns: make([]glob.Glob, 0, len(includes)),
		ignores:  make([]glob.Glob, 0, len(ignores)),
	}

	for _, p := range expandPatterns(includes) {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, err
		}

		m.patterns = append(m.patterns, g)
	}

	for _, p := range expandPatterns(ignores) {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, err
		}

		m.ignores = append(m.ignores, g)
	}

	return m, nil
}

func expandPatterns(patterns []string) []string {
	expanded := make([]string, 0, len(patterns)*2)

	for _, p := range patterns {
		expanded = append(expanded, p)

		if strings.HasPrefix(p, "**/") {
			expanded = append(expanded, strings.TrimPrefix(p, "**/"))
		}
	}

	return expanded
}

func (m *matcher) Match(path string) bool {
	path = normalizePath(path)

	for _, ignore := range m.ignores {
		if ignore.Match(path) {
			return false
		}
	}

	for _, pattern := range m.patterns {
		if pattern.Match(path) {
			return true
		}
	}

	return false
}

func (m *matcher) MatchDir(dirPath string) bool {
	probe := normalizePath(dirPath + "/_probe")

	for _, ignore := range m.ignores {
		if ignore.Match(probe) {
			return true
		}
	}

	return false
}

func normalizePath(path string) string {
	path = filepath.ToSlash(path)
	return strings.TrimPrefix(path, "./")
}
