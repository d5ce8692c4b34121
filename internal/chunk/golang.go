package chunk

import (
	"regexp"
	"strings"
)

// goExtractor handles Go sources. Methods are named Receiver.Method and
// broker messages built as composite literals count as publish sites.
type goExtractor struct {
	baseExtractor
}

var _ Extractor = (*goExtractor)(nil)

func newGoExtractor(cfg *LanguageConfig) *goExtractor {
	e := &goExtractor{baseExtractor: baseExtractor{cfg: cfg}}
	e.symbolOf = goSymbol
	return e
}

func goSymbol(n *Node, source []byte) string {
	switch n.Type {
	case "method_declaration":
		name := ""
		if c := n.FindChildByType("field_identifier"); c != nil {
			name = c.GetContent(source)
		}
		if recv := n.FindChildByType("parameter_list"); recv != nil {
			if t := recv.FindAllByType("type_identifier"); len(t) > 0 {
				return t[0].GetContent(source) + "." + name
			}
		}
		return name
	case "type_declaration":
		if t := n.FindAllByType("type_identifier"); len(t) > 0 {
			return t[0].GetContent(source)
		}
		return ""
	}
	return firstName(n, source)
}

var goTopicField = regexp.MustCompile(`\bTopic:\s*"([^"]+)"`)

// ExtractEventPublishers adds `&kafka.Writer{Topic: "x"}` and
// `&sarama.ProducerMessage{Topic: "x"}` literals to the call sites.
func (e *goExtractor) ExtractEventPublishers(doc *Document) []Signal {
	out := e.baseExtractor.ExtractEventPublishers(doc)
	if doc.Tree == nil || doc.Tree.Root == nil {
		return out
	}
	for _, lit := range doc.Tree.Root.FindAllByType("composite_literal") {
		if len(lit.Children) == 0 {
			continue
		}
		typ := lit.Children[0].GetContent(doc.Source)
		if !strings.HasSuffix(typ, "Writer") && !strings.HasSuffix(typ, "ProducerMessage") && !strings.HasSuffix(typ, ".Message") {
			continue
		}
		m := goTopicField.FindStringSubmatch(lit.GetContent(doc.Source))
		if m == nil || coveredBy(out, m[1], lit.StartLine()) {
			continue
		}
		out = append(out, Signal{
			Kind:      SignalPublish,
			Topic:     m[1],
			StartLine: lit.StartLine(),
			EndLine:   lit.EndLine(),
		})
	}
	return out
}

// coveredBy reports whether a publish of topic already spans line.
func coveredBy(sigs []Signal, topic string, line int) bool {
	for _, s := range sigs {
		if s.Topic == topic && s.StartLine <= line && line <= s.EndLine {
			return true
		}
	}
	return false
}
