package stencil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/oarkflow/stencil/cachestore"
)

// ----------------------------- Engine options -------------------------------

// BeforeRenderHook runs before a bundle is evaluated and may edit the scope.
type BeforeRenderHook func(name string, scope map[string]any)

// AfterRenderHook runs on the rendered output and returns the text to emit.
type AfterRenderHook func(name, output string) string

// Options configures an Engine.
type Options struct {
	TemplatePath      []string
	Suffix            []string
	Cache             bool
	CachePath         string
	CacheExpires      time.Duration
	CacheDriver       Driver
	Strict            bool
	AutoEscape        bool
	Delims            Delims
	MacroMode         MacroMode
	MaxDepth          int
	TrackDependencies bool
	Logger            *zap.Logger
	Registries        *Registries
	BeforeRender      BeforeRenderHook
	AfterRender       AfterRenderHook
}

// Option mutates Options.
type Option func(*Options)

func WithTemplatePath(paths ...string) Option {
	return func(o *Options) { o.TemplatePath = paths }
}

func WithSuffix(suffixes ...string) Option {
	return func(o *Options) { o.Suffix = suffixes }
}

// WithCache turns the compiled-template cache on or off.
func WithCache(enabled bool) Option {
	return func(o *Options) { o.Cache = enabled }
}

// WithCachePath sets the namespace prefixed to cache keys.
func WithCachePath(ns string) Option {
	return func(o *Options) { o.CachePath = ns }
}

func WithCacheExpires(d time.Duration) Option {
	return func(o *Options) { o.CacheExpires = d }
}

// WithCacheDriver replaces the default in-memory cache driver.
func WithCacheDriver(d Driver) Option {
	return func(o *Options) { o.CacheDriver = d }
}

// WithStrict makes evaluation failures abort the render.
func WithStrict(strict bool) Option {
	return func(o *Options) { o.Strict = strict }
}

// WithAutoEscape HTML-escapes every emitted value that is not Safe.
func WithAutoEscape(on bool) Option {
	return func(o *Options) { o.AutoEscape = on }
}

func WithDelims(d Delims) Option {
	return func(o *Options) { o.Delims = d }
}

func WithMacroMode(m MacroMode) Option {
	return func(o *Options) { o.MacroMode = m }
}

// WithMaxDepth bounds extends/include/import and macro nesting.
func WithMaxDepth(n int) Option {
	return func(o *Options) { o.MaxDepth = n }
}

func WithTrackDependencies(on bool) Option {
	return func(o *Options) { o.TrackDependencies = on }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithRegistries shares filters, functions and macros between engines.
func WithRegistries(r *Registries) Option {
	return func(o *Options) { o.Registries = r }
}

// WithFilters registers additional filters.
func WithFilters(filters Filters) Option {
	return func(o *Options) {
		if o.Registries == nil {
			o.Registries = NewRegistries()
		}
		for name, f := range filters {
			o.Registries.AddFilter(name, f)
		}
	}
}

// WithExtension appends a compiler extension.
func WithExtension(ext CompilerExtension) Option {
	return func(o *Options) {
		if o.Registries == nil {
			o.Registries = NewRegistries()
		}
		o.Registries.AddExtension(ext)
	}
}

func WithBeforeRender(h BeforeRenderHook) Option {
	return func(o *Options) { o.BeforeRender = h }
}

func WithAfterRender(h AfterRenderHook) Option {
	return func(o *Options) { o.AfterRender = h }
}

func defaultOptions() Options {
	return Options{
		TemplatePath:      []string{"."},
		Suffix:            []string{".html", ".tpl"},
		Cache:             true,
		CachePath:         "stencil:",
		MaxDepth:          defaultMaxDepth,
		TrackDependencies: true,
	}
}

// ----------------------------- Engine ---------------------------------------

// Engine resolves, compiles, caches and renders templates. It is safe for
// concurrent use.
type Engine struct {
	opts    Options
	bases   []string
	reg     *Registries
	cache   *TemplateCache
	logger  *zap.Logger
	watcher *Watcher
}

// New builds an engine. Without an explicit driver the cache lives in
// process memory.
func New(opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Registries == nil {
		o.Registries = NewRegistries()
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = defaultMaxDepth
	}
	if len(o.Suffix) == 0 {
		o.Suffix = defaultOptions().Suffix
	}
	o.Delims = o.Delims.withDefaults()

	e := &Engine{opts: o, reg: o.Registries, logger: o.Logger}
	for _, p := range o.TemplatePath {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("template path %q: %w", p, err)
		}
		e.bases = append(e.bases, abs)
	}
	if o.Cache {
		driver := o.CacheDriver
		if driver == nil {
			driver = cachestore.NewMemory(-1, 10*time.Minute)
		}
		e.cache = NewTemplateCache(driver, CacheConfig{
			Namespace:         o.CachePath,
			TTL:               o.CacheExpires,
			TrackDependencies: o.TrackDependencies,
		}, o.Logger)
	}
	return e, nil
}

// Registries returns the engine's filters, functions and macros.
func (e *Engine) Registries() *Registries { return e.reg }

// Cache returns the template cache, or nil when caching is off.
func (e *Engine) Cache() *TemplateCache { return e.cache }

// Logger returns the engine logger.
func (e *Engine) Logger() *zap.Logger { return e.logger }

// candidates lists the file names tried for name: the name itself when it
// already carries an extension, then name plus each suffix.
func (e *Engine) candidates(name string) []string {
	out := make([]string, 0, len(e.opts.Suffix)+1)
	if filepath.Ext(name) != "" {
		out = append(out, name)
	}
	for _, s := range e.opts.Suffix {
		if s != "" && strings.HasSuffix(name, s) {
			continue
		}
		out = append(out, name+s)
	}
	return out
}

// resolve finds the first existing candidate under the search path. Paths
// escaping their base directory are never considered.
func (e *Engine) resolve(name string) (string, os.FileInfo, error) {
	var tried []string
	for _, base := range e.bases {
		for _, c := range e.candidates(name) {
			full := filepath.Join(base, c)
			rel, err := filepath.Rel(base, full)
			if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				continue
			}
			tried = append(tried, full)
			info, err := os.Stat(full)
			if err == nil && info.Mode().IsRegular() {
				return full, info, nil
			}
		}
	}
	return "", nil, &NotFoundError{Name: name, Tried: tried}
}

func (e *Engine) loadSource(name string) (string, string, int64, error) {
	path, info, err := e.resolve(name)
	if err != nil {
		return "", "", 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", 0, fmt.Errorf("reading template %q: %w", path, err)
	}
	return string(data), path, info.ModTime().UnixNano(), nil
}

func (e *Engine) maxDepth() int { return e.opts.MaxDepth }

func (e *Engine) delims() Delims { return e.opts.Delims }

func (e *Engine) newCompileState(scope map[string]any) *compileState {
	st := newCompileState(e.reg, e)
	st.macroMode = e.opts.MacroMode
	st.scope = scope
	return st
}

func (e *Engine) bundle(st *compileState, name, path string, root []Node) *Bundle {
	for _, w := range st.warnings {
		e.logger.Debug("recovered directive error",
			zap.String("template", w.Template),
			zap.Int("line", w.Line),
			zap.String("error", w.Msg))
	}
	return &Bundle{
		Version:      bundleVersion,
		Name:         name,
		Path:         path,
		SourceMTime:  st.deps[path],
		Root:         root,
		Sections:     st.sections,
		Macros:       st.macros,
		Imports:      st.imports,
		Literals:     st.literals,
		LiteralVars:  st.literalVars,
		Extras:       st.extras,
		Dependencies: st.deps,
	}
}

// Compile resolves and compiles name without consulting the cache. scope is
// visible to preprocess blocks, so the result is never stored in the cache.
func (e *Engine) Compile(ctx context.Context, name string, scope map[string]any) (*Bundle, error) {
	path, _, err := e.resolve(name)
	if err != nil {
		return nil, err
	}
	return e.compile(name, path, scope)
}

func (e *Engine) compile(name, path string, scope map[string]any) (*Bundle, error) {
	start := time.Now()
	st := e.newCompileState(scope)
	root, err := st.compileTemplate(name)
	if err != nil {
		e.logger.Error("compiling template", zap.String("template", name), zap.Error(err))
		return nil, err
	}
	e.logger.Debug("compiled template",
		zap.String("template", name),
		zap.Int("dependencies", len(st.deps)),
		zap.Duration("took", time.Since(start)))
	return e.bundle(st, name, path, root), nil
}

// CompileString compiles in-memory source. Nested directives still resolve
// through the search path.
func (e *Engine) CompileString(name, src string, scope map[string]any) (*Bundle, error) {
	st := e.newCompileState(scope)
	root, err := st.compileSource(src, name, compileOpts{structural: true, preprocess: true})
	if err != nil {
		return nil, err
	}
	return e.bundle(st, name, "", root), nil
}

// load returns a bundle for name, from the cache when fresh. Bundles on the
// render path are compiled without the render scope, so preprocess blocks
// only see registry globals and earlier extras and a cached bundle is valid
// for every caller.
func (e *Engine) load(ctx context.Context, name string) (*Bundle, error) {
	path, info, err := e.resolve(name)
	if err != nil {
		return nil, err
	}
	if e.cache == nil {
		return e.compile(name, path, nil)
	}
	key := e.cache.Key(path)
	if b, ok := e.cache.Load(ctx, key, info.ModTime().UnixNano()); ok {
		return b, nil
	}
	b, err := e.compile(name, path, nil)
	if err != nil {
		return nil, err
	}
	_ = e.cache.Save(ctx, key, b)
	return b, nil
}

// Render renders the named template into w.
func (e *Engine) Render(ctx context.Context, w io.Writer, name string, scope map[string]any) error {
	b, err := e.load(ctx, name)
	if err != nil {
		return err
	}
	return e.RenderBundle(ctx, w, b, scope)
}

// RenderString renders the named template and returns the output.
func (e *Engine) RenderString(ctx context.Context, name string, scope map[string]any) (string, error) {
	buf := getBuffer()
	defer putBuffer(buf)
	if err := e.Render(ctx, buf, name, scope); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderBundle evaluates an already compiled bundle against scope. Each call
// gets its own section table, literal table and loop state. A panic raised
// by a scope method, filter or function is returned as an *EvaluationError.
func (e *Engine) RenderBundle(_ context.Context, w io.Writer, b *Bundle, scope map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &EvaluationError{Template: b.Name, Expr: "render", Msg: fmt.Sprintf("panic: %v", r)}
			e.logger.Error("render panicked", zap.String("template", b.Name), zap.Any("panic", r))
		}
	}()
	if e.opts.BeforeRender != nil {
		if scope == nil {
			scope = make(map[string]any)
		}
		e.opts.BeforeRender(b.Name, scope)
	}

	ctx := getRenderCtx()
	defer putRenderCtx(ctx)
	ctx.name = b.Name
	ctx.reg = e.reg
	ctx.sections = b.Sections
	ctx.literals = b.Literals
	ctx.macros = b.Macros
	ctx.strict = e.opts.Strict
	ctx.escape = e.opts.AutoEscape
	ctx.maxDepth = e.opts.MaxDepth
	ctx.logger = e.logger
	ctx.macroMode = e.opts.MacroMode
	ctx.loader = e
	for k, v := range e.reg.globals() {
		ctx.locals[k] = v
	}
	for k, v := range scope {
		ctx.locals[k] = v
	}
	for _, name := range b.LiteralVars {
		ctx.locals[name] = Safe(b.Literals[name])
	}
	for k, v := range b.Extras {
		ctx.locals[k] = Safe(v)
	}

	buf := getBuffer()
	defer putBuffer(buf)
	if err := ctx.renderNodes(b.Root, buf); err != nil {
		var ee *EvaluationError
		if errors.As(err, &ee) {
			e.logger.Warn("render failed", zap.String("template", b.Name), zap.Error(err))
		}
		return err
	}

	if e.opts.AfterRender != nil {
		_, err = io.WriteString(w, e.opts.AfterRender(b.Name, buf.String()))
		return err
	}
	_, err = w.Write(buf.Bytes())
	return err
}

// Precompile compiles the named templates into the cache ahead of the first
// render.
func (e *Engine) Precompile(ctx context.Context, names ...string) error {
	if e.cache == nil {
		return nil
	}
	var errs []error
	for _, name := range names {
		if _, err := e.recompile(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
