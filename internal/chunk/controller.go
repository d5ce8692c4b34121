package chunk

import (
	"regexp"
	"strings"
)

// controllerExtractor is the variant for controller, service and route
// modules. On top of its base variant it reads decorator style definitions:
// `@Get(":id")` under `@Controller("orders")`, `@app.route("/x")`,
// `@router.post("/x")`, `@EventPattern("order.created")`.
type controllerExtractor struct {
	Extractor
	cfg *LanguageConfig
}

var _ Extractor = (*controllerExtractor)(nil)

func newControllerExtractor(base Extractor, cfg *LanguageConfig) *controllerExtractor {
	return &controllerExtractor{Extractor: base, cfg: cfg}
}

var controllerPrefix = regexp.MustCompile(`@Controller\(\s*(?:['"` + "`" + `]([^'"` + "`" + `]*)['"` + "`" + `]|\{[^}]*?path\s*:\s*['"` + "`" + `]([^'"` + "`" + `]*)['"` + "`" + `])?`)

// classPrefix returns the route prefix declared by a class-level controller
// decorator, if any.
func classPrefix(source []byte) string {
	m := controllerPrefix.FindSubmatch(source)
	if m == nil {
		return ""
	}
	if len(m[1]) > 0 {
		return string(m[1])
	}
	return string(m[2])
}

var decoratorSubscribe = map[string]bool{
	"eventpattern": true, "messagepattern": true, "onevent": true, "subscribe": true,
	"subscriber": true, "consumer": true, "rabbitsubscribe": true, "kafkalistener": true,
	"sqsmessagehandler": true, "process": true, "subscribeto": true,
}

var decoratorPublish = map[string]bool{
	"publisher": true,
}

func (e *controllerExtractor) decorators(doc *Document) ([]*callSite, *signalContext) {
	sites, sc := scanDoc(doc, e.cfg)
	var out []*callSite
	for _, c := range sites {
		if c.inDecorator {
			out = append(out, c)
		}
	}
	return out, sc
}

// ExtractAPICalls adds decorator routes to the base variant's call sites.
func (e *controllerExtractor) ExtractAPICalls(doc *Document) []Signal {
	out := e.Extractor.ExtractAPICalls(doc)
	sites, sc := e.decorators(doc)
	prefix := classPrefix(doc.Source)
	for _, c := range sites {
		if sig, ok := decoratorRoute(c, sc, prefix); ok {
			out = append(out, sig)
		}
	}
	return out
}

func decoratorRoute(c *callSite, sc *signalContext, prefix string) (Signal, bool) {
	name := c.lower()
	method := verb(name)
	if method == "" && name != "route" && name != "api_route" && name != "all" {
		return Signal{}, false
	}
	if method == "" {
		method = c.methodOption()
	}
	sig := Signal{Kind: SignalEndpoint, Method: method, StartLine: c.startLine, EndLine: c.endLine, Decorator: true}

	if c.receiver == "" {
		// Nest style: @Post() or @Get(":id"), joined to the controller prefix
		if !isExported(c.name) {
			return Signal{}, false
		}
		route := ""
		if len(c.literals) > 0 {
			route = c.literals[0]
		}
		sig.Route = joinRoute(prefix, route)
		return sig, true
	}

	// Flask and FastAPI style: @app.route("/x"), @router.post("/x")
	route, ok := c.firstRoute()
	if !ok || !strings.HasPrefix(route, "/") {
		return Signal{}, false
	}
	sig.Route = sc.mount(c.receiver, route)
	return sig, true
}

// ExtractEventHandlers adds @EventPattern style subscriptions.
func (e *controllerExtractor) ExtractEventHandlers(doc *Document) []Signal {
	return e.withDecoratorEvents(doc, e.Extractor.ExtractEventHandlers(doc), decoratorSubscribe, SignalSubscribe)
}

// ExtractEventPublishers adds @broker.publisher style publications.
func (e *controllerExtractor) ExtractEventPublishers(doc *Document) []Signal {
	return e.withDecoratorEvents(doc, e.Extractor.ExtractEventPublishers(doc), decoratorPublish, SignalPublish)
}

func (e *controllerExtractor) withDecoratorEvents(doc *Document, out []Signal, names map[string]bool, kind SignalKind) []Signal {
	sites, sc := e.decorators(doc)
	for _, c := range sites {
		if !names[c.lower()] {
			continue
		}
		topic := c.topicArg(sc.consts)
		if topic == "" {
			continue
		}
		out = append(out, Signal{
			Kind:      kind,
			Topic:     topic,
			StartLine: c.startLine,
			EndLine:   c.endLine,
			Decorator: true,
		})
	}
	return out
}
