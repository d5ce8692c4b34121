package chunk

import (
	"regexp"
	"strings"
)

// pythonExtractor handles Python sources.
type pythonExtractor struct {
	baseExtractor
}

var _ Extractor = (*pythonExtractor)(nil)

func newPythonExtractor(cfg *LanguageConfig) *pythonExtractor {
	return &pythonExtractor{baseExtractor: baseExtractor{cfg: cfg}}
}

var (
	pyFromImport = regexp.MustCompile(`^from\s+(\S+)\s+import\b`)
	pyImport     = regexp.MustCompile(`^import\s+(.+)$`)
)

// ExtractDependencies reads module names from import statements, which carry
// no string literals in Python.
func (e *pythonExtractor) ExtractDependencies(doc *Document) []string {
	if doc.Tree == nil || doc.Tree.Root == nil {
		return nil
	}
	var deps []string
	doc.Tree.Root.Walk(func(n *Node) bool {
		if !contains(e.cfg.ImportTypes, n.Type) {
			return true
		}
		text := strings.Join(strings.Fields(n.GetContent(doc.Source)), " ")
		if m := pyFromImport.FindStringSubmatch(text); m != nil {
			deps = append(deps, m[1])
		} else if m := pyImport.FindStringSubmatch(text); m != nil {
			for _, part := range strings.Split(m[1], ",") {
				name, _, _ := strings.Cut(strings.TrimSpace(part), " ")
				deps = append(deps, name)
			}
		}
		return false
	})
	return dedupe(deps)
}
