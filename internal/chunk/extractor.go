package chunk

// nameTypes are node types that carry a definition's name.
var nameTypes = []string{"identifier", "field_identifier", "type_identifier", "property_identifier"}

// baseExtractor implements the capabilities shared by every grammar. Variants
// embed it and override what their language does differently.
type baseExtractor struct {
	cfg *LanguageConfig

	// symbolOf names a definition node; nil uses the first name child.
	symbolOf func(n *Node, source []byte) string

	// extraDefinition recognises definitions that are not plain node types,
	// such as `const handler = () => {}`.
	extraDefinition func(n *Node, source []byte) (Kind, string, bool)
}

// Language names the grammar the extractor parses with.
func (b *baseExtractor) Language() string { return b.cfg.Name }

func (b *baseExtractor) scan(doc *Document) ([]*callSite, *signalContext) {
	return scanDoc(doc, b.cfg)
}

// scanDoc collects call sites and the signal context once per document.
func scanDoc(doc *Document, cfg *LanguageConfig) ([]*callSite, *signalContext) {
	if !doc.scanned {
		doc.calls = collectCalls(doc, cfg)
		doc.sc = newSignalContext(doc, cfg.Name)
		doc.scanned = true
	}
	return doc.calls, doc.sc
}

func firstName(n *Node, source []byte) string {
	if c := n.FindChildByTypes(nameTypes...); c != nil {
		return c.GetContent(source)
	}
	return ""
}

// ExtractFragments returns definitions in source order. Members of a class
// are qualified with the class name.
func (b *baseExtractor) ExtractFragments(doc *Document) []Definition {
	if doc.Tree == nil || doc.Tree.Root == nil {
		return []Definition{}
	}
	symbolOf := b.symbolOf
	if symbolOf == nil {
		symbolOf = firstName
	}

	defs := []Definition{}
	var visit func(n *Node, owner string)
	visit = func(n *Node, owner string) {
		kind, ok := b.cfg.kindOf(n.Type)
		var symbol string
		if ok {
			symbol = symbolOf(n, doc.Source)
		} else if b.extraDefinition != nil {
			kind, symbol, ok = b.extraDefinition(n, doc.Source)
		}
		if ok {
			qualified := symbol
			if owner != "" && kind == KindFunction && symbol != "" {
				qualified = owner + "." + symbol
			}
			defs = append(defs, Definition{
				Kind:      kind,
				Symbol:    qualified,
				StartLine: n.StartLine(),
				EndLine:   n.EndLine(),
				StartByte: int(n.StartByte),
				EndByte:   int(n.EndByte),
			})
			if kind == KindClass && symbol != "" {
				owner = symbol
			}
		}
		for _, child := range n.Children {
			visit(child, owner)
		}
	}
	visit(doc.Tree.Root, "")
	return defs
}

// ExtractDependencies returns the literal of every import node.
func (b *baseExtractor) ExtractDependencies(doc *Document) []string {
	if doc.Tree == nil || doc.Tree.Root == nil {
		return nil
	}
	var deps []string
	doc.Tree.Root.Walk(func(n *Node) bool {
		if !contains(b.cfg.ImportTypes, n.Type) {
			return true
		}
		if lits := stringLiterals(n, doc.Source, b.cfg.StringTypes); len(lits) > 0 {
			deps = append(deps, lits[0])
		}
		return false
	})
	return dedupe(deps)
}

// ExtractAPICalls returns endpoint registrations and outbound HTTP calls.
func (b *baseExtractor) ExtractAPICalls(doc *Document) []Signal {
	sites, sc := b.scan(doc)
	return callSignals(sites, sc.httpSignal)
}

// ExtractEventHandlers returns subscribe call sites.
func (b *baseExtractor) ExtractEventHandlers(doc *Document) []Signal {
	sites, sc := b.scan(doc)
	return callSignals(sites, sc.subscribeSignal)
}

// ExtractEventPublishers returns publish call sites.
func (b *baseExtractor) ExtractEventPublishers(doc *Document) []Signal {
	sites, sc := b.scan(doc)
	return callSignals(sites, sc.publishSignal)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
