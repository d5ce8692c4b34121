package chunk

import (
	"regexp"
	"strings"
	"unicode"
)

// callSite is one call expression with the parts the signal rules inspect.
type callSite struct {
	node *Node
	// callee is the full callee text without whitespace, e.g. "this.http.post".
	callee string
	// name is the last callee segment, e.g. "post".
	name string
	// receiver is the segment before name, e.g. "http"; empty for bare calls.
	receiver string
	// args is the argument list text, empty when absent.
	args string
	// literals are the unquoted string literals inside the arguments, in order.
	literals []string
	// operands are the top-level argument texts, in order.
	operands []string

	inDecorator bool
	startLine   int
	endLine     int
}

// lower returns the lower-cased call name.
func (c *callSite) lower() string { return strings.ToLower(c.name) }

// collectCalls returns every call site in doc, in source order.
func collectCalls(doc *Document, cfg *LanguageConfig) []*callSite {
	if doc.Tree == nil || doc.Tree.Root == nil {
		return nil
	}
	var sites []*callSite
	var visit func(n *Node, inDecorator bool)
	visit = func(n *Node, inDecorator bool) {
		if contains(cfg.DecoratorTypes, n.Type) {
			inDecorator = true
		}
		if contains(cfg.CallTypes, n.Type) {
			if site := newCallSite(doc, cfg, n, inDecorator); site != nil {
				sites = append(sites, site)
			}
		}
		for _, child := range n.Children {
			visit(child, inDecorator)
		}
	}
	visit(doc.Tree.Root, false)
	return sites
}

func newCallSite(doc *Document, cfg *LanguageConfig, n *Node, inDecorator bool) *callSite {
	if len(n.Children) == 0 {
		return nil
	}
	callee := stripSpace(n.Children[0].GetContent(doc.Source))
	if callee == "" {
		return nil
	}
	site := &callSite{
		node:        n,
		callee:      callee,
		inDecorator: inDecorator,
		startLine:   n.StartLine(),
		endLine:     n.EndLine(),
	}
	site.name, site.receiver = splitCallee(callee)

	if args := n.FindChildByTypes(cfg.ArgumentTypes...); args != nil {
		site.args = args.GetContent(doc.Source)
		site.literals = stringLiterals(args, doc.Source, cfg.StringTypes)
		for _, child := range args.Children {
			text := strings.TrimSpace(child.GetContent(doc.Source))
			switch text {
			case "", "(", ")", ",":
				continue
			}
			site.operands = append(site.operands, text)
		}
	}
	return site
}

// splitCallee returns the last segment of a dotted callee and the segment
// before it. Call parentheses in the receiver are dropped, so
// `r.Group("/v1").POST` yields ("POST", "Group").
func splitCallee(callee string) (name, receiver string) {
	segments := splitTopLevel(callee, '.')
	for i := range segments {
		segments[i] = strings.TrimPrefix(segments[i], "?")
		if j := strings.IndexAny(segments[i], "(["); j >= 0 {
			segments[i] = segments[i][:j]
		}
	}
	name = segments[len(segments)-1]
	if len(segments) > 1 {
		receiver = segments[len(segments)-2]
	}
	return name, receiver
}

// splitTopLevel splits s on sep outside parentheses, brackets and quotes.
func splitTopLevel(s string, sep byte) []string {
	var out []string
	depth, start := 0, 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote && (i == 0 || s[i-1] != '\\') {
				quote = 0
			}
		case c == '"' || c == '\'' || c == '`':
			quote = c
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == ')' || c == ']' || c == '}':
			depth--
		case c == sep && depth == 0:
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// stringLiterals collects unquoted literals under n without descending into
// a literal it already took.
func stringLiterals(n *Node, source []byte, types []string) []string {
	var out []string
	n.Walk(func(c *Node) bool {
		if contains(types, c.Type) {
			out = append(out, unquote(c.GetContent(source)))
			return false
		}
		return true
	})
	return out
}

// unquote strips string prefixes and quotes from a literal as written.
func unquote(lit string) string {
	s := strings.TrimLeft(lit, "rbufRBUF")
	for _, q := range []string{`"""`, `'''`} {
		if len(s) >= 6 && strings.HasPrefix(s, q) && strings.HasSuffix(s, q) {
			return s[3 : len(s)-3]
		}
	}
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' || first == '\'' || first == '`') && first == last {
			return s[1 : len(s)-1]
		}
	}
	return lit
}

var httpVerbs = map[string]string{
	"get":     "GET",
	"post":    "POST",
	"put":     "PUT",
	"patch":   "PATCH",
	"delete":  "DELETE",
	"head":    "HEAD",
	"options": "OPTIONS",
}

// verb returns the upper-case HTTP method for a call name, or "".
func verb(name string) string {
	return httpVerbs[strings.ToLower(name)]
}

var leadingPlaceholder = regexp.MustCompile(`^(\$\{[^}]*\}|\{[^}]*\}|%[sv])+`)

// cleanRoute drops a leading base-URL placeholder from a route literal:
// "${BASE}/orders", "{base}/orders" and "%s/orders" all become "/orders".
func cleanRoute(s string) string {
	s = strings.TrimSpace(s)
	if loc := leadingPlaceholder.FindStringIndex(s); loc != nil && loc[1] < len(s) && s[loc[1]] == '/' {
		s = s[loc[1]:]
	}
	return s
}

// looksLikeRoute reports whether a literal is a path or URL.
func looksLikeRoute(s string) bool {
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// firstRoute returns the first route-like literal of a call.
func (c *callSite) firstRoute() (string, bool) {
	for _, s := range c.literals {
		if r := cleanRoute(s); looksLikeRoute(r) {
			return r, true
		}
	}
	return "", false
}

// firstVerb returns the first literal that is an HTTP method name.
func (c *callSite) firstVerb() string {
	for _, s := range c.literals {
		if v := verb(s); v != "" {
			return v
		}
	}
	return ""
}

var methodOption = regexp.MustCompile(`(?i)\bmethods?\s*[:=]\s*[\[\(]?\s*["'` + "`" + `](\w+)["'` + "`" + `]`)

// methodOption returns the method named by a `method: "POST"` or
// `methods=["POST"]` argument.
func (c *callSite) methodOption() string {
	if m := methodOption.FindStringSubmatch(c.args); m != nil {
		return strings.ToUpper(m[1])
	}
	return ""
}

var topicOption = regexp.MustCompile(`\b(?:[Tt]opics?|[Ss]ubject|routing_?[Kk]ey|[Rr]outingKey|[Qq]ueue|[Cc]hannel|cmd)\s*[:=]\s*(?:\[\]string\{\s*|\[\s*)?["'` + "`" + `]([^"'` + "`" + `]+)["'` + "`" + `]`)

// topicOption returns a topic named by a keyword or field argument such as
// `Topic: "orders"`, `routing_key="orders"` or `{ topic: 'orders' }`.
func (c *callSite) topicOption() string {
	if m := topicOption.FindStringSubmatch(c.args); m != nil {
		return m[1]
	}
	return ""
}

var identifierArg = regexp.MustCompile(`^[A-Za-z_$][\w$]*(\.[A-Za-z_$][\w$]*)*$`)

// isContextArg matches Go context arguments that precede the topic.
func isContextArg(s string) bool {
	return s == "ctx" || strings.HasPrefix(s, "context.") || strings.HasSuffix(s, ".Context()")
}

// topicArg resolves the topic operand: a keyword option, else the first
// operand that is a literal or a constant name, else the first literal
// nested in it. Local variables yield "".
func (c *callSite) topicArg(consts map[string]string) string {
	if t := c.topicOption(); t != "" {
		return t
	}
	for _, op := range c.operands {
		if isContextArg(op) {
			continue
		}
		if unq := unquote(op); unq != op {
			return unq
		}
		if identifierArg.MatchString(op) {
			last := op[strings.LastIndex(op, ".")+1:]
			if v, ok := consts[last]; ok {
				return v
			}
			// shared constants, e.g. events.OrderCreated or ORDER_CREATED
			if isExported(last) {
				return op
			}
			return ""
		}
		break
	}
	if len(c.literals) > 0 {
		return c.literals[0]
	}
	return ""
}

// handlerArg returns the last operand that names a function, e.g.
// `h.CreateOrder` in `r.POST("/orders", h.CreateOrder)`.
func (c *callSite) handlerArg() string {
	for i := len(c.operands) - 1; i >= 0; i-- {
		op := c.operands[i]
		if isContextArg(op) {
			continue
		}
		if identifierArg.MatchString(op) {
			return op
		}
		return ""
	}
	return ""
}

var schemaPatterns = []*regexp.Regexp{
	regexp.MustCompile(`&?\b([A-Z][A-Za-z0-9_]*)\s*\{`),
	regexp.MustCompile(`\bnew\s+([A-Z][A-Za-z0-9_]*)\s*\(`),
	regexp.MustCompile(`\b([A-Z][a-z][A-Za-z0-9_]*)\s*\(`),
}

var notSchemas = map[string]bool{
	"Message": true, "ProducerMessage": true, "Msg": true, "Header": true,
	"Headers": true, "Record": true, "ProducerRecord": true, "Buffer": true,
	"JSON": true, "Date": true, "Error": true, "Promise": true, "String": true,
}

// schema returns the payload type constructed in the arguments, if any.
func (c *callSite) schema() string {
	for _, re := range schemaPatterns {
		for _, m := range re.FindAllStringSubmatch(c.args, -1) {
			if !notSchemas[m[1]] {
				return m[1]
			}
		}
	}
	return ""
}

// constPattern finds `Name = "value"` style string constants.
var constPattern = regexp.MustCompile("(?m)\\b([A-Za-z_][A-Za-z0-9_]*)\\s*(?::[^=\\n]+)?(?::=|=)\\s*[\"'`]([^\"'`\\n]+)[\"'`]")

// fileConstants maps string constant names to values across the whole file.
func fileConstants(source []byte) map[string]string {
	consts := make(map[string]string)
	for _, m := range constPattern.FindAllSubmatch(source, -1) {
		name := string(m[1])
		if _, seen := consts[name]; !seen {
			consts[name] = string(m[2])
		}
	}
	return consts
}

// joinRoute joins a mount prefix and a route.
func joinRoute(prefix, route string) string {
	prefix = strings.Trim(prefix, "/")
	route = strings.Trim(route, "/")
	switch {
	case prefix == "" && route == "":
		return "/"
	case prefix == "":
		return "/" + route
	case route == "":
		return "/" + prefix
	}
	return "/" + prefix + "/" + route
}
