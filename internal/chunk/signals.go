package chunk

import (
	"regexp"
	"strings"
)

// signalContext carries per-file facts the call rules resolve against.
type signalContext struct {
	language string
	// consts maps string constant names to values.
	consts map[string]string
	// prefixes maps router variables to their mount prefix.
	prefixes map[string]string
}

var prefixPatterns = []*regexp.Regexp{
	// v1 := r.Group("/v1"), api := router.PathPrefix("/api").Subrouter()
	regexp.MustCompile(`(?m)\b([A-Za-z_]\w*)\s*:?=\s*[\w.]+\.(?:Group|PathPrefix)\(\s*"([^"]*)"`),
	// router = APIRouter(prefix="/orders"), bp = Blueprint("orders", __name__, url_prefix="/orders")
	regexp.MustCompile(`(?m)\b([A-Za-z_]\w*)\s*=\s*(?:APIRouter|Blueprint|Router)\([^)]*?\b(?:url_)?prefix\s*=\s*['"]([^'"]*)['"]`),
}

// app.use("/api", router)
var mountPattern = regexp.MustCompile(`\.use\(\s*['"` + "`" + `](/[^'"` + "`" + `]*)['"` + "`" + `]\s*,\s*([A-Za-z_$][\w$]*)\s*\)`)

func newSignalContext(doc *Document, language string) *signalContext {
	sc := &signalContext{
		language: language,
		consts:   fileConstants(doc.Source),
		prefixes: make(map[string]string),
	}
	for _, re := range prefixPatterns {
		for _, m := range re.FindAllSubmatch(doc.Source, -1) {
			sc.prefixes[string(m[1])] = string(m[2])
		}
	}
	for _, m := range mountPattern.FindAllSubmatch(doc.Source, -1) {
		sc.prefixes[string(m[2])] = string(m[1])
	}
	return sc
}

var clientNames = map[string]bool{
	"axios": true, "got": true, "ky": true, "superagent": true, "request": true,
	"requests": true, "httpx": true, "session": true, "api": true, "$http": true,
	"resty": true, "urllib3": true, "aiohttp": true, "fetcher": true,
}

// isClient reports whether a receiver names an HTTP client.
func isClient(receiver string) bool {
	r := strings.ToLower(receiver)
	return clientNames[r] || strings.Contains(r, "client") || strings.HasPrefix(r, "http")
}

var routerNames = map[string]bool{
	"app": true, "router": true, "r": true, "e": true, "g": true, "mux": true,
	"server": true, "srv": true, "engine": true, "routes": true, "route": true,
	"bp": true, "blueprint": true, "grp": true, "v1": true, "v2": true, "v3": true,
	"admin": true, "public": true, "private": true, "authorized": true,
	"protected": true, "web": true, "rest": true,
}

func (sc *signalContext) isRouter(receiver string) bool {
	if _, ok := sc.prefixes[receiver]; ok {
		return true
	}
	r := strings.ToLower(receiver)
	return routerNames[r] || strings.Contains(r, "router") || strings.Contains(r, "group") || strings.Contains(r, "mux")
}

// mount applies a receiver's mount prefix to a route.
func (sc *signalContext) mount(receiver, route string) string {
	if prefix, ok := sc.prefixes[receiver]; ok {
		return joinRoute(prefix, route)
	}
	return route
}

func isExported(name string) bool {
	return name != "" && name[0] >= 'A' && name[0] <= 'Z'
}

// httpSignal classifies a call as an endpoint registration or an outbound
// HTTP call.
func (sc *signalContext) httpSignal(c *callSite) (Signal, bool) {
	sig := Signal{StartLine: c.startLine, EndLine: c.endLine}
	name := c.lower()

	switch {
	case name == "handlefunc" || name == "handle":
		// net/http style, optionally with a "METHOD /path" pattern
		if len(c.literals) == 0 {
			return sig, false
		}
		pattern := strings.TrimSpace(c.literals[0])
		if method, rest, ok := strings.Cut(pattern, " "); ok && verb(method) != "" {
			sig.Method, pattern = verb(method), strings.TrimSpace(rest)
		}
		if !strings.HasPrefix(pattern, "/") {
			return sig, false
		}
		sig.Kind, sig.Route, sig.Handler = SignalEndpoint, sc.mount(c.receiver, pattern), c.handlerArg()
		return sig, true

	case name == "add_url_rule" || name == "add_api_route" || name == "add_route":
		route, ok := c.firstRoute()
		if !ok {
			return sig, false
		}
		sig.Kind, sig.Route, sig.Method = SignalEndpoint, sc.mount(c.receiver, route), c.methodOption()
		return sig, true

	case name == "fetch" && (c.receiver == "" || c.receiver == "window" || c.receiver == "globalThis"):
		route, ok := c.firstRoute()
		if !ok {
			return sig, false
		}
		sig.Kind, sig.Route, sig.Method = SignalHTTPCall, route, c.methodOption()
		if sig.Method == "" {
			sig.Method = "GET"
		}
		return sig, true

	case name == "newrequest" || name == "newrequestwithcontext" || (name == "request" && isClient(c.receiver)):
		route, ok := c.firstRoute()
		if !ok {
			return sig, false
		}
		sig.Kind, sig.Route, sig.Method = SignalHTTPCall, route, c.firstVerb()
		if sig.Method == "" {
			sig.Method = c.methodOption()
		}
		return sig, true
	}

	method := verb(name)
	if method == "" && name != "route" && name != "all" && name != "any" {
		return sig, false
	}
	if c.receiver == "" {
		return sig, false
	}
	route, ok := c.firstRoute()
	if !ok {
		return sig, false
	}

	if method != "" && isClient(c.receiver) {
		sig.Kind, sig.Route, sig.Method = SignalHTTPCall, route, method
		return sig, true
	}
	if !strings.HasPrefix(route, "/") {
		return sig, false
	}
	// Go routers use exported method names (POST, Post); any receiver that is
	// not a client and registers a path with a handler counts.
	goRouter := sc.language == "go" && isExported(c.name) && len(c.operands) >= 2
	if !sc.isRouter(c.receiver) && !goRouter {
		return sig, false
	}
	if method == "" {
		method = c.methodOption()
	}
	sig.Kind, sig.Route, sig.Method, sig.Handler = SignalEndpoint, sc.mount(c.receiver, route), method, c.handlerArg()
	return sig, true
}

var publishNames = map[string]bool{
	"publish": true, "publishevent": true, "publishmessage": true, "publishasync": true,
	"publish_message": true, "publish_event": true, "produce": true, "basic_publish": true,
	"writemessages": true, "newwriter": true, "sendmessage": true, "send_message": true,
	"send_and_wait": true, "publishmsg": true,
}

// Names that only publish on a broker-like receiver.
var brokerPublishNames = map[string]bool{
	"emit": true, "send": true, "sendevent": true, "emitasync": true, "add": true,
}

var subscribeNames = map[string]bool{
	"subscribe": true, "queuesubscribe": true, "chansubscribe": true, "subscribesync": true,
	"queuesubscribesync": true, "subscribetopics": true, "consume": true, "basic_consume": true,
	"consumepartition": true, "newreader": true, "pullsubscribe": true,
}

// Names that only subscribe on a broker-like receiver.
var brokerSubscribeNames = map[string]bool{
	"on": true, "once": true, "addlistener": true, "process": true, "listen": true,
}

var brokerWords = []string{
	"producer", "publisher", "consumer", "subscriber", "kafka", "nats", "broker",
	"bus", "queue", "emitter", "client", "pubsub", "channel", "sns", "sqs",
	"rabbit", "amqp", "topic", "stream", "events", "writer", "reader",
}

func isBroker(receiver string) bool {
	r := strings.ToLower(receiver)
	switch r {
	case "js", "nc", "ch", "mq":
		return true
	}
	for _, w := range brokerWords {
		if strings.Contains(r, w) {
			return true
		}
	}
	return false
}

// publishSignal classifies a call as a publish site.
func (sc *signalContext) publishSignal(c *callSite) (Signal, bool) {
	name := c.lower()
	if !publishNames[name] && !(brokerPublishNames[name] && isBroker(c.receiver)) {
		return Signal{}, false
	}
	topic := c.topicArg(sc.consts)
	if name == "newwriter" {
		topic = c.topicOption()
	}
	if topic == "" {
		return Signal{}, false
	}
	return Signal{
		Kind:      SignalPublish,
		Topic:     topic,
		Schema:    c.schema(),
		StartLine: c.startLine,
		EndLine:   c.endLine,
	}, true
}

// Connection lifecycle events a broker client emits; not topics.
var lifecycleEvents = map[string]bool{
	"error": true, "connect": true, "connected": true, "ready": true, "close": true,
	"end": true, "disconnect": true, "reconnect": true, "message": true, "drain": true,
}

// subscribeSignal classifies a call as a subscribe site.
func (sc *signalContext) subscribeSignal(c *callSite) (Signal, bool) {
	name := c.lower()
	if !subscribeNames[name] && !(brokerSubscribeNames[name] && isBroker(c.receiver)) {
		return Signal{}, false
	}
	topic := c.topicArg(sc.consts)
	if name == "newreader" {
		topic = c.topicOption()
	}
	if topic == "" || (brokerSubscribeNames[name] && lifecycleEvents[topic]) {
		return Signal{}, false
	}
	sig := Signal{
		Kind:      SignalSubscribe,
		Topic:     topic,
		StartLine: c.startLine,
		EndLine:   c.endLine,
	}
	if len(c.operands) > 1 {
		if h := c.handlerArg(); h != "" && h != topic && c.operands[0] != h {
			sig.Handler = h
		}
	}
	return sig, true
}

// callSignals runs one classifier over every call site outside decorators.
func callSignals(sites []*callSite, classify func(*callSite) (Signal, bool)) []Signal {
	var out []Signal
	for _, c := range sites {
		if c.inDecorator {
			continue
		}
		if sig, ok := classify(c); ok {
			out = append(out, sig)
		}
	}
	return out
}
