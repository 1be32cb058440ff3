package fs

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IgnoreFileName is the per-root file listing extra ignore patterns.
const IgnoreFileName = ".cbcignore"

// rule is one parsed ignore pattern. Patterns containing '/' are matched
// against the slash-separated path relative to the source root; the rest
// only against the entry's base name.
type rule struct {
	glob     string
	fullPath bool
}

// IgnoreRules decides which entries under a source root the scanner skips.
// A matching directory excludes its whole subtree.
type IgnoreRules struct {
	rules []rule
}

// NewIgnoreRules parses raw patterns. Blank lines and '#' comments are
// dropped, as are patterns filepath.Match would reject.
func NewIgnoreRules(patterns []string) *IgnoreRules {
	r := &IgnoreRules{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		p = strings.TrimSuffix(p, "/")
		if _, err := filepath.Match(p, ""); err != nil {
			continue
		}
		r.rules = append(r.rules, rule{glob: p, fullPath: strings.Contains(p, "/")})
	}
	return r
}

// LoadIgnoreRules combines the configured patterns with the root's
// IgnoreFileName, if present. The ignore file itself is always skipped.
func LoadIgnoreRules(root string, configured []string) (*IgnoreRules, error) {
	fromFile, err := readIgnoreFile(filepath.Join(root, IgnoreFileName))
	if err != nil {
		return nil, err
	}

	patterns := make([]string, 0, len(configured)+len(fromFile)+1)
	patterns = append(patterns, IgnoreFileName)
	patterns = append(patterns, configured...)
	patterns = append(patterns, fromFile...)
	return NewIgnoreRules(patterns), nil
}

// Match reports whether the entry at relativePath (relative to the source
// root) is ignored.
func (r *IgnoreRules) Match(relativePath string) bool {
	slashed := filepath.ToSlash(relativePath)
	base := filepath.Base(relativePath)

	for _, rl := range r.rules {
		target := base
		if rl.fullPath {
			target = slashed
		}
		if ok, _ := filepath.Match(rl.glob, target); ok {
			return true
		}
	}
	return false
}

// readIgnoreFile returns the lines of an ignore file; a missing file yields
// no patterns.
func readIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file %s: %w", path, err)
	}
	return lines, nil
}
