package chunk

import (
	"context"
	"fmt"
	"sync"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
)

// Parser wraps tree-sitter for AST parsing. sitter.Parser is not safe for
// concurrent use, so Parse borrows one from a pool per call.
type Parser struct {
	pool     sync.Pool
	registry *LanguageRegistry
	timeout  time.Duration
}

// NewParser creates a parser over the default registry. A zero timeout
// disables the per-file parse deadline.
func NewParser(timeout time.Duration) *Parser {
	return NewParserWithRegistry(DefaultRegistry(), timeout)
}

// NewParserWithRegistry creates a parser over a custom registry.
func NewParserWithRegistry(registry *LanguageRegistry, timeout time.Duration) *Parser {
	return &Parser{
		pool:     sync.Pool{New: func() any { return sitter.NewParser() }},
		registry: registry,
		timeout:  timeout,
	}
}

// Parse parses source code and returns the AST
func (p *Parser) Parse(ctx context.Context, source []byte, language string) (*Tree, error) {
	tsLang, ok := p.registry.GetTreeSitterLanguage(language)
	if !ok {
		return nil, fmt.Errorf("unsupported language: %s", language)
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	parser := p.pool.Get().(*sitter.Parser)
	defer p.pool.Put(parser)

	// smacker bindings don't return an error from SetLanguage
	parser.SetLanguage(tsLang)

	tsTree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("failed to parse source: %w", ctx.Err())
		}
		return nil, fmt.Errorf("failed to parse source: %w", err)
	}
	if tsTree == nil {
		return nil, fmt.Errorf("failed to parse source: nil tree")
	}
	defer tsTree.Close()

	root := convertNode(tsTree.RootNode())

	return &Tree{
		Root:     root,
		Source:   source,
		Language: language,
	}, nil
}

// convertNode converts a tree-sitter node to our Node type
func convertNode(tsNode *sitter.Node) *Node {
	if tsNode == nil {
		return nil
	}

	node := &Node{
		Type:      tsNode.Type(),
		StartByte: tsNode.StartByte(),
		EndByte:   tsNode.EndByte(),
		StartPoint: Point{
			Row:    tsNode.StartPoint().Row,
			Column: tsNode.StartPoint().Column,
		},
		EndPoint: Point{
			Row:    tsNode.EndPoint().Row,
			Column: tsNode.EndPoint().Column,
		},
		HasError: tsNode.HasError(),
		Children: make([]*Node, 0, int(tsNode.ChildCount())),
	}

	for i := uint32(0); i < tsNode.ChildCount(); i++ {
		child := tsNode.Child(int(i))
		if child != nil {
			node.Children = append(node.Children, convertNode(child))
		}
	}

	return node
}

// GetContent returns the source content for a node
func (n *Node) GetContent(source []byte) string {
	if n == nil || n.StartByte >= n.EndByte || int(n.EndByte) > len(source) {
		return ""
	}
	return string(source[n.StartByte:n.EndByte])
}

// StartLine is the 1-indexed first line of the node.
func (n *Node) StartLine() int { return int(n.StartPoint.Row) + 1 }

// EndLine is the 1-indexed last line of the node.
func (n *Node) EndLine() int { return int(n.EndPoint.Row) + 1 }

// FindChildByType finds the first child with the given type
func (n *Node) FindChildByType(nodeType string) *Node {
	for _, child := range n.Children {
		if child.Type == nodeType {
			return child
		}
	}
	return nil
}

// FindChildByTypes finds the first child whose type is any of types.
func (n *Node) FindChildByTypes(types ...string) *Node {
	for _, child := range n.Children {
		for _, t := range types {
			if child.Type == t {
				return child
			}
		}
	}
	return nil
}

// FindAllByType recursively finds all nodes with the given type
func (n *Node) FindAllByType(nodeType string) []*Node {
	var result []*Node

	if n.Type == nodeType {
		result = append(result, n)
	}

	for _, child := range n.Children {
		result = append(result, child.FindAllByType(nodeType)...)
	}

	return result
}

// Walk traverses the tree depth-first and calls fn for each node
func (n *Node) Walk(fn func(*Node) bool) {
	if !fn(n) {
		return
	}
	for _, child := range n.Children {
		child.Walk(fn)
	}
}
