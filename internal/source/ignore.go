package source

import (
	"path"
	"regexp"
	"strings"
)

// Matcher applies gitignore-style exclude patterns to slash-separated paths.
// Supported: "*", "?", "**", leading "/" anchors, trailing "/" for directories,
// and "!" negation. Later patterns win.
type Matcher struct {
	rules []ignoreRule
}

type ignoreRule struct {
	re       *regexp.Regexp
	negate   bool
	anchored bool
	dirOnly  bool
}

// NewMatcher compiles patterns. Blank lines and "#" comments are skipped.
func NewMatcher(patterns []string) *Matcher {
	m := &Matcher{}
	for _, p := range patterns {
		m.add(p)
	}
	return m
}

func (m *Matcher) add(pattern string) {
	p := strings.TrimSpace(pattern)
	if p == "" || strings.HasPrefix(p, "#") {
		return
	}

	r := ignoreRule{}
	if strings.HasPrefix(p, "!") {
		r.negate = true
		p = p[1:]
	}
	if strings.HasSuffix(p, "/") {
		r.dirOnly = true
		p = strings.TrimSuffix(p, "/")
	}
	if strings.HasPrefix(p, "/") {
		r.anchored = true
		p = p[1:]
	} else if strings.Contains(p, "/") && !strings.HasPrefix(p, "**/") {
		// A slash in the middle anchors the pattern to the root.
		r.anchored = true
	}

	re, err := regexp.Compile("^" + globToRegex(p) + "$")
	if err != nil {
		return
	}
	r.re = re
	m.rules = append(m.rules, r)
}

// Match reports whether the file at p is excluded.
func (m *Matcher) Match(p string) bool {
	if m == nil {
		return false
	}
	p = strings.TrimPrefix(path.Clean("/"+p), "/")

	excluded := false
	for _, r := range m.rules {
		if r.matches(p) {
			excluded = !r.negate
		}
	}
	return excluded
}

func (r ignoreRule) matches(p string) bool {
	parts := strings.Split(p, "/")

	if r.anchored {
		if !r.dirOnly && r.re.MatchString(p) {
			return true
		}
		// Any ancestor directory matching excludes everything below it.
		for i := 1; i < len(parts); i++ {
			if r.re.MatchString(strings.Join(parts[:i], "/")) {
				return true
			}
		}
		return false
	}

	if r.re.MatchString(p) && !r.dirOnly {
		return true
	}
	for i, part := range parts {
		last := i == len(parts)-1
		if last && r.dirOnly {
			break
		}
		if r.re.MatchString(part) {
			return true
		}
	}
	return false
}

// globToRegex converts one glob to a regular expression body.
func globToRegex(glob string) string {
	var sb strings.Builder
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch c {
		case '*':
			if i+1 < len(glob) && glob[i+1] == '*' {
				i++
				if i+1 < len(glob) && glob[i+1] == '/' {
					// "**/" matches zero or more directories.
					i++
					sb.WriteString("(?:.*/)?")
				} else {
					sb.WriteString(".*")
				}
				continue
			}
			sb.WriteString("[^/]*")
		case '?':
			sb.WriteString("[^/]")
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return sb.String()
}
