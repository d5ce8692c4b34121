package chunk

// scriptExtractor handles JavaScript, TypeScript and TSX sources.
type scriptExtractor struct {
	baseExtractor
}

var _ Extractor = (*scriptExtractor)(nil)

func newScriptExtractor(cfg *LanguageConfig) *scriptExtractor {
	e := &scriptExtractor{baseExtractor: baseExtractor{cfg: cfg}}
	e.extraDefinition = arrowFunction
	return e
}

// arrowFunction recognises `const name = () => {}` and
// `const name = function () {}`.
func arrowFunction(n *Node, source []byte) (Kind, string, bool) {
	if n.Type != "variable_declarator" {
		return "", "", false
	}
	if n.FindChildByTypes("arrow_function", "function", "function_expression") == nil {
		return "", "", false
	}
	name := n.FindChildByType("identifier")
	if name == nil {
		return "", "", false
	}
	return KindFunction, name.GetContent(source), true
}

// ExtractDependencies returns import sources and require() targets.
func (e *scriptExtractor) ExtractDependencies(doc *Document) []string {
	deps := e.baseExtractor.ExtractDependencies(doc)
	sites, _ := e.scan(doc)
	for _, c := range sites {
		if c.callee == "require" && len(c.literals) > 0 {
			deps = append(deps, c.literals[0])
		}
	}
	return dedupe(deps)
}
