package chunk

import (
	"crypto/sha256"
	"encoding/hex"
)

// TokensPerChar is the rough chars-per-token ratio used for estimates.
const TokensPerChar = 4

// Kind classifies a fragment.
type Kind string

const (
	KindFunction       Kind = "function"
	KindClass          Kind = "class"
	KindType           Kind = "type"
	KindEndpoint       Kind = "endpoint"
	KindHTTPCall       Kind = "http-call"
	KindEventHandler   Kind = "event-handler"
	KindEventPublisher Kind = "event-publisher"
)

// IsStructural reports whether fragments of this kind carry cross-service edges.
func (k Kind) IsStructural() bool {
	switch k {
	case KindEndpoint, KindHTTPCall, KindEventHandler, KindEventPublisher:
		return true
	}
	return false
}

// Metadata keys written on fragments.
const (
	MetaRoute   = "route"
	MetaMethod  = "method"
	MetaHandler = "handler"
	MetaTopic   = "topic"
	MetaSchema  = "schema"
	MetaImports = "imports"
)

// SignalKind is the kind of a cross-service fact found in source.
type SignalKind string

const (
	SignalEndpoint  SignalKind = "endpoint"
	SignalHTTPCall  SignalKind = "http-call"
	SignalPublish   SignalKind = "publish"
	SignalSubscribe SignalKind = "subscribe"
)

// FragmentKind is the fragment kind a signal gives its fragment.
func (k SignalKind) FragmentKind() Kind {
	switch k {
	case SignalEndpoint:
		return KindEndpoint
	case SignalHTTPCall:
		return KindHTTPCall
	case SignalPublish:
		return KindEventPublisher
	case SignalSubscribe:
		return KindEventHandler
	}
	return KindFunction
}

// Signal is one endpoint definition, outbound HTTP call, publish or subscribe
// site. Route is raw; graph.NormalizeRoute produces the edge key.
type Signal struct {
	Kind    SignalKind
	Method  string // upper-case HTTP verb, empty when any
	Route   string
	Topic   string
	Schema  string
	Handler string

	// 1-indexed lines of the call site.
	StartLine int
	EndLine   int

	// Decorator is set when the site annotates the following definition.
	Decorator bool
}

// Target is the route for HTTP signals and the topic for event signals.
func (s Signal) Target() string {
	if s.Kind == SignalPublish || s.Kind == SignalSubscribe {
		return s.Topic
	}
	return s.Route
}

// Fragment is a contiguous region of a file with its classification.
type Fragment struct {
	Path      string
	Language  string
	Kind      Kind
	Symbol    string
	StartLine int // 1-indexed
	EndLine   int // inclusive
	StartByte int
	EndByte   int
	Content   string
	Metadata  map[string]string
	Signals   []Signal
	Tokens    int
}

// ContentHash returns the hex SHA-256 of the fragment content.
func (f *Fragment) ContentHash() string {
	return HashContent(f.Content)
}

// HashContent returns the hex SHA-256 of s.
func HashContent(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// FileInput is one file handed to the dispatcher.
type FileInput struct {
	Path    string // slash-separated, relative to the repository root
	Content []byte
}

// Definition is a named top-level or nested construct found by an extractor.
type Definition struct {
	Kind      Kind
	Symbol    string
	StartLine int
	EndLine   int
	StartByte int
	EndByte   int
}

// Document is a parsed file shared by all capabilities of an extractor.
type Document struct {
	Path   string
	Source []byte
	Tree   *Tree

	// call sites and per-file context, scanned once on first use
	scanned bool
	calls   []*callSite
	sc      *signalContext
}

// Extractor is the per-language capability set. Every method reads the same
// parsed document; none re-parses.
type Extractor interface {
	// Language names the grammar the extractor parses with.
	Language() string

	// ExtractFragments returns function, class and type definitions.
	ExtractFragments(doc *Document) []Definition

	// ExtractDependencies returns imported module paths in source order.
	ExtractDependencies(doc *Document) []string

	// ExtractAPICalls returns endpoint definitions and outbound HTTP calls.
	ExtractAPICalls(doc *Document) []Signal

	// ExtractEventHandlers returns subscribe sites.
	ExtractEventHandlers(doc *Document) []Signal

	// ExtractEventPublishers returns publish sites.
	ExtractEventPublishers(doc *Document) []Signal
}

// Tree represents a parsed AST
type Tree struct {
	Root     *Node
	Source   []byte
	Language string
}

// Node represents a node in the AST
type Node struct {
	Type       string
	StartByte  uint32
	EndByte    uint32
	StartPoint Point
	EndPoint   Point
	Children   []*Node
	HasError   bool
}

// Point represents a position in the source code
type Point struct {
	Row    uint32 // 0-indexed line number
	Column uint32
}
