package chunk

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/crossctx/internal/config"
	cerrors "github.com/Aman-CERP/crossctx/internal/errors"
)

// Dispatcher routes files to the extractor variant for their path and
// assembles the fragments of one parse.
type Dispatcher struct {
	parser       *Parser
	registry     *LanguageRegistry
	maxFileBytes int64
	parallelism  int
	logger       *slog.Logger
}

// NewDispatcher creates a dispatcher over the default language registry.
func NewDispatcher(cfg config.ExtractConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Dispatcher{
		parser:       NewParser(cfg.ParseTimeout),
		registry:     DefaultRegistry(),
		maxFileBytes: cfg.MaxFileBytes,
		parallelism:  parallelism,
		logger:       logger,
	}
}

// Supports reports whether path has an extractor variant.
func (d *Dispatcher) Supports(path string) bool {
	return d.registry.Select(path) != nil
}

// Extract parses one file and returns its fragments ordered by start line.
// Unsupported files yield an empty list and no error.
func (d *Dispatcher) Extract(ctx context.Context, file FileInput) (frags []Fragment, err error) {
	ext := d.registry.Select(file.Path)
	if ext == nil {
		return []Fragment{}, nil
	}
	if d.maxFileBytes > 0 && int64(len(file.Content)) > d.maxFileBytes {
		return nil, cerrors.New(cerrors.ErrCodeFileTooLarge, "file exceeds size limit", nil).
			WithDetail("path", file.Path).
			WithDetail("size", strconv.Itoa(len(file.Content)))
	}
	if bytes.IndexByte(file.Content, 0) >= 0 || !utf8.Valid(file.Content) {
		return nil, cerrors.New(cerrors.ErrCodeBinaryContent, "file is not UTF-8 text", nil).WithDetail("path", file.Path)
	}

	tree, err := d.parser.Parse(ctx, file.Content, ext.Language())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if stderrors.Is(err, context.DeadlineExceeded) {
			return nil, cerrors.New(cerrors.ErrCodeParseTimeout, "parse timed out", err).WithDetail("path", file.Path)
		}
		return nil, cerrors.ParseError(file.Path, err)
	}

	defer func() {
		if r := recover(); r != nil {
			frags, err = nil, cerrors.ParseError(file.Path, fmt.Errorf("extractor panic: %v", r))
		}
	}()

	doc := &Document{Path: file.Path, Source: file.Content, Tree: tree}
	return assemble(doc, ext), nil
}

// FileResult is the outcome of one file in ExtractAll.
type FileResult struct {
	Path      string
	Fragments []Fragment
	Err       error
}

// Summary counts ExtractAll outcomes.
type Summary struct {
	Files       int
	Unsupported int
	ParseErrors int
	Fragments   int
}

// ExtractAll extracts files concurrently. A file that fails to parse is
// counted, logged and skipped; only context cancellation stops the run.
// Results are in input order.
func (d *Dispatcher) ExtractAll(ctx context.Context, files []FileInput) ([]FileResult, Summary, error) {
	results := make([]FileResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallelism)

	for i := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			frags, err := d.Extract(gctx, files[i])
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			results[i] = FileResult{Path: files[i].Path, Fragments: frags, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Summary{}, err
	}

	sum := Summary{Files: len(files)}
	for i, r := range results {
		switch {
		case r.Err != nil:
			sum.ParseErrors++
			d.logger.Warn("parse failed, skipping file", cerrors.LogAttrs(r.Err)...)
		case !d.Supports(files[i].Path):
			sum.Unsupported++
		default:
			sum.Fragments += len(r.Fragments)
		}
	}
	return results, sum, nil
}

// assemble runs every capability over one document and merges the results
// into fragments with unique start lines.
func assemble(doc *Document, ext Extractor) []Fragment {
	defs := ext.ExtractFragments(doc)
	imports := ext.ExtractDependencies(doc)

	var signals []Signal
	signals = append(signals, ext.ExtractAPICalls(doc)...)
	signals = append(signals, ext.ExtractEventHandlers(doc)...)
	signals = append(signals, ext.ExtractEventPublishers(doc)...)
	sort.SliceStable(signals, func(i, j int) bool { return signals[i].StartLine < signals[j].StartLine })

	lines := lineOffsets(doc.Source)
	frags := make([]Fragment, 0, len(defs)+len(signals))
	byStart := make(map[int]int, len(defs)+len(signals))

	for _, def := range defs {
		if _, dup := byStart[def.StartLine]; dup {
			continue
		}
		byStart[def.StartLine] = len(frags)
		frags = append(frags, Fragment{
			Path:      doc.Path,
			Language:  ext.Language(),
			Kind:      def.Kind,
			Symbol:    def.Symbol,
			StartLine: def.StartLine,
			EndLine:   def.EndLine,
			StartByte: def.StartByte,
			EndByte:   def.EndByte,
			Content:   string(doc.Source[def.StartByte:def.EndByte]),
		})
	}

	for _, sig := range signals {
		idx := -1
		if sig.Decorator {
			idx = decoratedDefinition(frags, sig)
		}
		if idx < 0 {
			if i, ok := byStart[sig.StartLine]; ok {
				idx = i
			}
		}
		if idx < 0 {
			start, end := lineSpan(lines, len(doc.Source), sig.StartLine, sig.EndLine)
			idx = len(frags)
			byStart[sig.StartLine] = idx
			frags = append(frags, Fragment{
				Path:      doc.Path,
				Language:  ext.Language(),
				Kind:      sig.Kind.FragmentKind(),
				Symbol:    enclosingSymbol(defs, sig.StartLine),
				StartLine: sig.StartLine,
				EndLine:   sig.EndLine,
				StartByte: start,
				EndByte:   end,
				Content:   string(doc.Source[start:end]),
			})
		}
		attach(&frags[idx], sig, enclosingSymbol(defs, sig.StartLine))
	}

	sort.Slice(frags, func(i, j int) bool { return frags[i].StartLine < frags[j].StartLine })

	importList := strings.Join(imports, ",")
	for i := range frags {
		f := &frags[i]
		if f.Metadata == nil {
			f.Metadata = make(map[string]string)
		}
		if importList != "" {
			f.Metadata[MetaImports] = importList
		}
		f.Tokens = len(f.Content) / TokensPerChar
	}
	return frags
}

// attach records sig on f. The first signal decides kind and primary metadata;
// later ones only add edges.
func attach(f *Fragment, sig Signal, enclosing string) {
	for _, s := range f.Signals {
		if s.Kind == sig.Kind && s.Target() == sig.Target() && s.Method == sig.Method {
			return
		}
	}
	if sig.Handler == "" {
		switch {
		case sig.Decorator && f.Symbol != "":
			sig.Handler = f.Symbol
		case sig.Kind == SignalSubscribe || sig.Kind == SignalEndpoint:
			sig.Handler = enclosing
		}
	}
	f.Signals = append(f.Signals, sig)
	if len(f.Signals) > 1 && f.Kind.IsStructural() {
		return
	}

	f.Kind = sig.Kind.FragmentKind()
	if f.Metadata == nil {
		f.Metadata = make(map[string]string)
	}
	switch sig.Kind {
	case SignalEndpoint, SignalHTTPCall:
		f.Metadata[MetaRoute] = sig.Route
		if sig.Method != "" {
			f.Metadata[MetaMethod] = sig.Method
		}
	case SignalPublish, SignalSubscribe:
		f.Metadata[MetaTopic] = sig.Topic
		if sig.Schema != "" {
			f.Metadata[MetaSchema] = sig.Schema
		}
	}
	if sig.Handler != "" {
		f.Metadata[MetaHandler] = sig.Handler
	}
}

// decoratedDefinition finds the function a decorator signal annotates: the
// nearest definition starting on or after the decorator.
func decoratedDefinition(frags []Fragment, sig Signal) int {
	const maxGap = 10
	best := -1
	for i := range frags {
		f := &frags[i]
		if f.StartLine < sig.StartLine || f.StartLine-sig.EndLine > maxGap {
			continue
		}
		if f.Kind != KindFunction && !f.Kind.IsStructural() {
			continue
		}
		if best < 0 || f.StartLine < frags[best].StartLine {
			best = i
		}
	}
	if best >= 0 {
		return best
	}
	// the definition may include its decorators
	for i := range frags {
		if frags[i].StartLine <= sig.StartLine && sig.EndLine <= frags[i].EndLine && frags[i].Kind == KindFunction {
			return i
		}
	}
	return -1
}

// enclosingSymbol names the innermost definition containing line.
func enclosingSymbol(defs []Definition, line int) string {
	symbol, span := "", -1
	for _, d := range defs {
		if d.StartLine <= line && line <= d.EndLine && d.Symbol != "" {
			if s := d.EndLine - d.StartLine; span < 0 || s < span {
				symbol, span = d.Symbol, s
			}
		}
	}
	return symbol
}

func lineOffsets(source []byte) []int {
	offsets := []int{0}
	for i, b := range source {
		if b == '\n' {
			offsets = append(offsets, i+1)
		}
	}
	return offsets
}

// lineSpan returns the byte range covering whole lines start..end (1-indexed).
func lineSpan(offsets []int, size, start, end int) (int, int) {
	if start < 1 {
		start = 1
	}
	if start > len(offsets) {
		return size, size
	}
	from := offsets[start-1]
	to := size
	if end < len(offsets) {
		to = offsets[end] - 1
	}
	if to < from {
		to = from
	}
	return from, to
}
