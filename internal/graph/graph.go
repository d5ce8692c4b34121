// Package graph derives structural relationship edges from extracted
// fragments. An edge links a fragment to a normalized target: the route an
// endpoint serves or an HTTP call hits, or the topic a publisher writes to
// and a subscriber reads from.
package graph

import (
	"sort"
	"strings"

	"github.com/Aman-CERP/crossctx/internal/chunk"
)

// Kind is the relationship a fragment has with its target.
type Kind string

const (
	KindHTTPCall  Kind = "http-call"
	KindEndpoint  Kind = "endpoint"
	KindPublish   Kind = "publish"
	KindSubscribe Kind = "subscribe"
)

// Valid reports whether k is a known edge kind.
func (k Kind) Valid() bool {
	switch k {
	case KindHTTPCall, KindEndpoint, KindPublish, KindSubscribe:
		return true
	}
	return false
}

// IsHTTP reports whether targets of k are routes.
func (k Kind) IsHTTP() bool {
	return k == KindHTTPCall || k == KindEndpoint
}

// Opposite returns the kind on the other side of a relationship:
// callers find endpoints, endpoints find callers, publishers find
// subscribers and subscribers find publishers.
func Opposite(k Kind) Kind {
	switch k {
	case KindHTTPCall:
		return KindEndpoint
	case KindEndpoint:
		return KindHTTPCall
	case KindPublish:
		return KindSubscribe
	case KindSubscribe:
		return KindPublish
	}
	return ""
}

// Edge is one structural fact about a fragment.
type Edge struct {
	// Fragment indexes the fragment slice passed to Derive.
	Fragment int

	Kind   Kind
	Target string // normalized route or byte-exact topic
	Method string // HTTP verb, empty when any
	Schema string // payload type, when recoverable
}

// Key identifies the target an edge points at.
type Key struct {
	Kind   Kind
	Target string
}

// Key returns the (kind, target) pair of e.
func (e Edge) Key() Key { return Key{Kind: e.Kind, Target: e.Target} }

// String renders the key as kind:target.
func (k Key) String() string { return string(k.Kind) + ":" + k.Target }

// Derive emits the edges of every fragment, in fragment order. A fragment
// yields one edge per distinct signal; signals without a usable target are
// dropped.
func Derive(frags []chunk.Fragment) []Edge {
	var edges []Edge
	for i := range frags {
		for _, e := range EdgesFor(&frags[i]) {
			e.Fragment = i
			edges = append(edges, e)
		}
	}
	return edges
}

// EdgesFor returns the edges of one fragment with Fragment left zero.
func EdgesFor(f *chunk.Fragment) []Edge {
	var out []Edge
	seen := make(map[Edge]bool, len(f.Signals))
	for _, sig := range f.Signals {
		e, ok := fromSignal(sig)
		if !ok || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

func fromSignal(sig chunk.Signal) (Edge, bool) {
	e := Edge{Kind: Kind(sig.Kind), Schema: sig.Schema}
	if !e.Kind.Valid() {
		return Edge{}, false
	}
	if e.Kind.IsHTTP() {
		e.Target = NormalizeRoute(sig.Route)
		e.Method = strings.ToUpper(sig.Method)
	} else {
		e.Target = strings.TrimSpace(sig.Topic)
	}
	return e, e.Target != ""
}

// ByFragment groups edges by their fragment index.
func ByFragment(edges []Edge) map[int][]Edge {
	out := make(map[int][]Edge)
	for _, e := range edges {
		out[e.Fragment] = append(out[e.Fragment], e)
	}
	return out
}

// NormalizeRoute returns the comparison key of a route: scheme, host, query
// and fragment removed, lower-cased, duplicate slashes collapsed, path
// parameters replaced by {} and the trailing slash stripped. The root route
// is "/". An empty or unusable route yields "".
func NormalizeRoute(route string) string {
	r := strings.TrimSpace(route)
	if r == "" {
		return ""
	}
	if i := strings.Index(r, "://"); i >= 0 {
		rest := r[i+3:]
		j := strings.IndexByte(rest, '/')
		if j < 0 {
			return "/"
		}
		r = rest[j:]
	}
	if i := strings.IndexAny(r, "?#"); i >= 0 {
		r = r[:i]
	}
	r = strings.ToLower(r)

	segments := strings.Split(r, "/")
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if isParam(seg) {
			seg = "{}"
		}
		out = append(out, seg)
	}
	if len(out) == 0 {
		if strings.Contains(route, "/") {
			return "/"
		}
		return ""
	}
	return "/" + strings.Join(out, "/")
}

func isParam(seg string) bool {
	switch {
	case strings.HasPrefix(seg, ":"):
		return len(seg) > 1
	case strings.HasPrefix(seg, "${") && strings.HasSuffix(seg, "}"):
		return true
	case strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}"):
		return true
	case strings.HasPrefix(seg, "<") && strings.HasSuffix(seg, ">"):
		return true
	}
	switch seg {
	case "%s", "%d", "%v", "%q":
		return true
	}
	return false
}

// Score rates how well a match edge answers a query edge that shares its
// target. HTTP edges whose methods disagree still match on the route but
// rank lower.
func Score(query, match Edge) float64 {
	if !query.Kind.IsHTTP() || query.Method == "" || match.Method == "" || query.Method == match.Method {
		return 1.0
	}
	return 0.9
}

// ChangedTargets returns the keys whose edge multiset differs between old and
// new, sorted by kind then target.
func ChangedTargets(old, new []Edge) []Key {
	counts := make(map[Key]int)
	for _, e := range old {
		counts[e.Key()]--
	}
	for _, e := range new {
		counts[e.Key()]++
	}
	var keys []Key
	for k, n := range counts {
		if n != 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Kind != keys[j].Kind {
			return keys[i].Kind < keys[j].Kind
		}
		return keys[i].Target < keys[j].Target
	})
	return keys
}
