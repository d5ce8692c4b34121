package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatcher(t *testing.T) {
	m := NewMatcher([]string{
		"# generated code",
		"**/node_modules/**",
		"**/*.min.js",
		"vendor/",
		"/build",
		"docs/*.md",
		"!docs/keep.md",
	})

	tests := []struct {
		path     string
		excluded bool
	}{
		{"web/node_modules/react/index.js", true},
		{"node_modules/a.js", true},
		{"static/app.min.js", true},
		{"static/app.js", false},
		{"vendor/github.com/x/y.go", true},
		{"internal/vendor/z.go", true},
		{"vendor", false},
		{"build/out.js", true},
		{"src/build/out.js", false},
		{"docs/readme.md", true},
		{"docs/keep.md", false},
		{"src/docs/readme.md", false},
		{"main.go", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.excluded, m.Match(tt.path))
		})
	}
}

func TestMatcher_NilMatchesNothing(t *testing.T) {
	var m *Matcher
	assert.False(t, m.Match("anything.go"))
}
