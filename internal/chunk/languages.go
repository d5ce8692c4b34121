package chunk

import (
	"path"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// LanguageConfig holds the node types an extractor looks for in a grammar.
type LanguageConfig struct {
	Name       string
	Extensions []string

	// Node types that define functions and methods
	FunctionTypes []string

	// Node types that define classes and structs
	ClassTypes []string

	// Node types that define interfaces and named types
	TypeDefTypes []string

	// Node types of call sites and their argument lists
	CallTypes     []string
	ArgumentTypes []string

	// Node types of string literals
	StringTypes []string

	// Node types of import statements
	ImportTypes []string

	// Node types wrapping decorators or annotations
	DecoratorTypes []string
}

func (c *LanguageConfig) kindOf(nodeType string) (Kind, bool) {
	switch {
	case contains(c.FunctionTypes, nodeType):
		return KindFunction, true
	case contains(c.ClassTypes, nodeType):
		return KindClass, true
	case contains(c.TypeDefTypes, nodeType):
		return KindType, true
	}
	return "", false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// LanguageRegistry manages supported languages and their configurations
type LanguageRegistry struct {
	mu          sync.RWMutex
	configs     map[string]*LanguageConfig // keyed by language name
	extToLang   map[string]string          // extension -> language name
	tsLanguages map[string]*sitter.Language
}

// NewLanguageRegistry creates a new registry with default language configurations
func NewLanguageRegistry() *LanguageRegistry {
	r := &LanguageRegistry{
		configs:     make(map[string]*LanguageConfig),
		extToLang:   make(map[string]string),
		tsLanguages: make(map[string]*sitter.Language),
	}

	r.registerGo()
	r.registerTypeScript()
	r.registerJavaScript()
	r.registerPython()

	return r
}

// GetByExtension returns the language configuration for a file extension
func (r *LanguageRegistry) GetByExtension(ext string) (*LanguageConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	langName, ok := r.extToLang[ext]
	if !ok {
		return nil, false
	}

	config, ok := r.configs[langName]
	return config, ok
}

// GetByName returns the language configuration by name
func (r *LanguageRegistry) GetByName(name string) (*LanguageConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	config, ok := r.configs[name]
	return config, ok
}

// GetTreeSitterLanguage returns the tree-sitter language for a language name
func (r *LanguageRegistry) GetTreeSitterLanguage(name string) (*sitter.Language, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lang, ok := r.tsLanguages[name]
	return lang, ok
}

func (r *LanguageRegistry) registerLanguage(config *LanguageConfig, tsLang *sitter.Language) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.configs[config.Name] = config
	r.tsLanguages[config.Name] = tsLang

	for _, ext := range config.Extensions {
		r.extToLang[ext] = config.Name
	}
}

func (r *LanguageRegistry) registerGo() {
	config := &LanguageConfig{
		Name:          "go",
		Extensions:    []string{".go"},
		FunctionTypes: []string{"function_declaration", "method_declaration"},
		TypeDefTypes:  []string{"type_declaration"},
		CallTypes:     []string{"call_expression"},
		ArgumentTypes: []string{"argument_list"},
		StringTypes:   []string{"interpreted_string_literal", "raw_string_literal"},
		ImportTypes:   []string{"import_spec"},
	}

	r.registerLanguage(config, golang.GetLanguage())
}

func (r *LanguageRegistry) registerTypeScript() {
	tsConfig := &LanguageConfig{
		Name:           "typescript",
		Extensions:     []string{".ts"},
		FunctionTypes:  []string{"function_declaration", "method_definition", "generator_function_declaration"},
		ClassTypes:     []string{"class_declaration", "abstract_class_declaration"},
		TypeDefTypes:   []string{"interface_declaration", "type_alias_declaration", "enum_declaration"},
		CallTypes:      []string{"call_expression"},
		ArgumentTypes:  []string{"arguments"},
		StringTypes:    []string{"string", "template_string"},
		ImportTypes:    []string{"import_statement"},
		DecoratorTypes: []string{"decorator"},
	}
	r.registerLanguage(tsConfig, typescript.GetLanguage())

	tsxConfig := *tsConfig
	tsxConfig.Name = "tsx"
	tsxConfig.Extensions = []string{".tsx"}
	r.registerLanguage(&tsxConfig, tsx.GetLanguage())
}

func (r *LanguageRegistry) registerJavaScript() {
	jsConfig := &LanguageConfig{
		Name:           "javascript",
		Extensions:     []string{".js", ".mjs", ".cjs", ".jsx"},
		FunctionTypes:  []string{"function_declaration", "method_definition", "generator_function_declaration"},
		ClassTypes:     []string{"class_declaration"},
		CallTypes:      []string{"call_expression"},
		ArgumentTypes:  []string{"arguments"},
		StringTypes:    []string{"string", "template_string"},
		ImportTypes:    []string{"import_statement"},
		DecoratorTypes: []string{"decorator"},
	}
	r.registerLanguage(jsConfig, javascript.GetLanguage())
}

func (r *LanguageRegistry) registerPython() {
	config := &LanguageConfig{
		Name:       "python",
		Extensions: []string{".py"},
		// methods are function_definition inside class
		FunctionTypes:  []string{"function_definition"},
		ClassTypes:     []string{"class_definition"},
		CallTypes:      []string{"call"},
		ArgumentTypes:  []string{"argument_list"},
		StringTypes:    []string{"string"},
		ImportTypes:    []string{"import_statement", "import_from_statement"},
		DecoratorTypes: []string{"decorator"},
	}
	r.registerLanguage(config, python.GetLanguage())
}

// defaultRegistry is the global language registry
var defaultRegistry = NewLanguageRegistry()

// DefaultRegistry returns the global language registry
func DefaultRegistry() *LanguageRegistry {
	return defaultRegistry
}

// controllerWords mark a file as a controller, service or route module when a
// base-name token contains one of them.
var controllerWords = []string{"controller", "service", "route", "handler", "endpoint", "view", "resource"}

// controllerTokens mark the same when a base-name token equals one of them.
var controllerTokens = []string{"api", "app", "server", "main", "urls", "http"}

// IsControllerFile reports whether the base name of p follows the
// controller/service naming convention.
func IsControllerFile(p string) bool {
	base := strings.ToLower(path.Base(p))
	base = strings.TrimSuffix(base, path.Ext(base))
	tokens := strings.FieldsFunc(base, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	for _, tok := range tokens {
		for _, w := range controllerWords {
			if strings.Contains(tok, w) {
				return true
			}
		}
		if contains(controllerTokens, tok) {
			return true
		}
	}
	return false
}

// Select picks the extractor variant for a path from its extension and base
// name. It returns nil for unsupported files.
func Select(p string) Extractor {
	return DefaultRegistry().Select(p)
}

// Select picks the extractor variant for a path.
func (r *LanguageRegistry) Select(p string) Extractor {
	cfg, ok := r.GetByExtension(path.Ext(p))
	if !ok {
		return nil
	}
	var base Extractor
	switch cfg.Name {
	case "go":
		return newGoExtractor(cfg)
	case "python":
		base = newPythonExtractor(cfg)
	default:
		base = newScriptExtractor(cfg)
	}
	if IsControllerFile(p) {
		return newControllerExtractor(base, cfg)
	}
	return base
}
