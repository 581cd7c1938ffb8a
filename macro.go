package stencil

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
)

// ----------------------------- Macros ---------------------------------------

// MacroMode selects how much of the directive language a registry macro body
// is compiled with.
type MacroMode int

const (
	// MacroModeControlFlow compiles bodies lazily on first use and leaves
	// structural directives (extends, include, import, yield) as literal text.
	MacroModeControlFlow MacroMode = iota
	// MacroModeFull compiles bodies eagerly at definition time and resolves
	// structural directives through the engine loader.
	MacroModeFull
)

// ParseMacroMode maps "control_flow" / "full" to a MacroMode.
func ParseMacroMode(s string) (MacroMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "control_flow", "controlflow", "control-flow":
		return MacroModeControlFlow, nil
	case "full":
		return MacroModeFull, nil
	}
	return MacroModeControlFlow, fmt.Errorf("unknown macro mode %q", s)
}

// MacroParam is one declared parameter with its optional default.
type MacroParam struct {
	Name    string `json:"n"`
	Default *Expr  `json:"d,omitempty"`
}

// Macro is a compiled macro: parameters plus a body tree.
type Macro struct {
	Name   string       `json:"n"`
	Params []MacroParam `json:"p,omitempty"`
	Body   []Node       `json:"b,omitempty"`
}

// ParseMacroSignature parses `name(a, b="x")`.
func ParseMacroSignature(sig string) (string, []MacroParam, error) {
	p := &exprParser{src: strings.TrimSpace(sig)}
	name := p.ident()
	if name == "" {
		return "", nil, &CompileError{Fragment: sig, Msg: "macro name expected"}
	}
	params, err := parseMacroParams(p)
	if err != nil {
		return "", nil, &CompileError{Fragment: sig, Msg: err.Error()}
	}
	p.skipSpace()
	if !p.eof() {
		return "", nil, &CompileError{Fragment: sig, Msg: fmt.Sprintf("unexpected %q after parameter list", p.src[p.i:])}
	}
	return name, params, nil
}

// parseMacroParams reads an optional parenthesized parameter list.
func parseMacroParams(p *exprParser) ([]MacroParam, error) {
	if !p.accept("(") {
		return nil, nil
	}
	var params []MacroParam
	if p.accept(")") {
		return params, nil
	}
	for {
		p.skipSpace()
		if p.peekByte() == '$' {
			p.i++
		}
		name := p.ident()
		if name == "" {
			return nil, fmt.Errorf("malformed parameter list")
		}
		for _, prev := range params {
			if prev.Name == name {
				return nil, fmt.Errorf("duplicate parameter %q", name)
			}
		}
		param := MacroParam{Name: name}
		if p.accept("=") {
			def, err := p.parseExpr()
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %w", name, err)
			}
			param.Default = def
		}
		params = append(params, param)
		if p.accept(")") {
			return params, nil
		}
		if err := p.expect(","); err != nil {
			return nil, fmt.Errorf("malformed parameter list: %w", err)
		}
	}
}

// bindArgs builds a macro scope: globals, then defaults, positional args and
// named args. Defaults may refer to earlier parameters.
func (ctx *renderCtx) bindArgs(m *Macro, args []any, kwargs map[string]any) (map[string]any, error) {
	scope := ctx.reg.globals()
	if scope == nil {
		scope = make(map[string]any, len(m.Params))
	}
	defaults := ctx.child(scope)
	for i, p := range m.Params {
		switch v, named := kwargs[p.Name]; {
		case named:
			scope[p.Name] = v
		case i < len(args):
			scope[p.Name] = args[i]
		case p.Default != nil:
			dv, err := defaults.eval(p.Default)
			if err != nil {
				return nil, err
			}
			scope[p.Name] = dv
		default:
			scope[p.Name] = nil
		}
	}
	return scope, nil
}

// invokeMacro renders m with a scope made only of its bound parameters and
// the globals. macros is the macro set visible to the body.
func (ctx *renderCtx) invokeMacro(m *Macro, macros map[string]*Macro, args []any, kwargs map[string]any) (string, error) {
	if ctx.maxDepth > 0 && ctx.depth >= ctx.maxDepth {
		return "", fmt.Errorf("macro %s: maximum nesting depth %d exceeded", m.Name, ctx.maxDepth)
	}
	scope, err := ctx.bindArgs(m, args, kwargs)
	if err != nil {
		return "", err
	}
	sub := ctx.child(scope)
	sub.macros = macros
	return sub.capture(m.Body)
}

// macroNamespace is the value an `import ... as alias` binds: calling
// $alias.name(args) invokes the imported macro.
type macroNamespace struct {
	alias  string
	macros map[string]*Macro
	parent *renderCtx
}

func (ns *macroNamespace) Invoke(method string, args []any, kwargs map[string]any) (any, error) {
	m, ok := ns.macros[method]
	if !ok {
		return nil, fmt.Errorf("macro %s not found in %s", method, ns.alias)
	}
	out, err := ns.parent.invokeMacro(m, ns.macros, args, kwargs)
	if err != nil {
		return nil, err
	}
	return Safe(out), nil
}

// Get exposes the imported macro names, so `if $alias.name` tests presence.
func (ns *macroNamespace) Get(name string) (any, bool) {
	_, ok := ns.macros[name]
	return ok, ok
}

// ----------------------------- Macro table ----------------------------------

type macroEntry struct {
	params []MacroParam
	source string

	mu     sync.Mutex
	builds map[macroProfile]*macroBuild
}

// macroProfile is everything a compiled body depends on besides its source.
// The loader supplies delimiters, the depth bound and the files reached by
// structural directives.
type macroProfile struct {
	mode   MacroMode
	loader sourceLoader
}

type macroBuild struct {
	once     sync.Once
	compiled *Macro
	literals map[string]string
	macros   map[string]*Macro
	err      error
}

// MacroTable holds macros registered from Go code. Bodies are template
// source compiled with the directive compiler, once per macro mode and
// engine that calls them.
type MacroTable struct {
	mu      sync.RWMutex
	reg     *Registries
	mode    MacroMode
	entries map[string]*macroEntry
}

func newMacroTable(reg *Registries) *MacroTable {
	return &MacroTable{reg: reg, entries: make(map[string]*macroEntry)}
}

// SetMode sets the table's own mode. It decides whether Define compiles
// eagerly and how Invoke compiles bodies. Templates rendered by an engine
// call registry macros under that engine's MacroMode instead.
func (t *MacroTable) SetMode(mode MacroMode) {
	t.mu.Lock()
	t.mode = mode
	t.mu.Unlock()
}

// Define stores a macro. Redefining a name with a different definition
// discards any compiled body; an identical redefinition is a no-op.
func (t *MacroTable) Define(name string, params []MacroParam, body string) error {
	if name == "" {
		return &CompileError{Msg: "macro name must not be empty"}
	}
	t.mu.Lock()
	if old, ok := t.entries[name]; ok && old.source == body && sameParams(old.params, params) {
		t.mu.Unlock()
		return nil
	}
	e := &macroEntry{params: slices.Clone(params), source: body}
	t.entries[name] = e
	mode := t.mode
	t.mu.Unlock()

	if mode == MacroModeFull {
		_, err := t.compile(name, e, mode, nil)
		return err
	}
	return nil
}

// DefineSignature is Define with a `name(params)` signature string.
func (t *MacroTable) DefineSignature(sig, body string) error {
	name, params, err := ParseMacroSignature(sig)
	if err != nil {
		return err
	}
	return t.Define(name, params, body)
}

func sameParams(a, b []MacroParam) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// Has reports whether name is defined.
func (t *MacroTable) Has(name string) bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	_, ok := t.entries[name]
	t.mu.RUnlock()
	return ok
}

// compile returns the body built for mode and loader, compiling it on first
// use.
func (t *MacroTable) compile(name string, e *macroEntry, mode MacroMode, loader sourceLoader) (*macroBuild, error) {
	key := macroProfile{mode: mode, loader: loader}
	e.mu.Lock()
	if e.builds == nil {
		e.builds = make(map[macroProfile]*macroBuild)
	}
	b, ok := e.builds[key]
	if !ok {
		b = &macroBuild{}
		e.builds[key] = b
	}
	e.mu.Unlock()

	b.once.Do(func() {
		st := newCompileState(t.reg, loader)
		st.macroMode = mode
		body, err := st.compileSource(e.source, "macro:"+name, compileOpts{
			structural: mode == MacroModeFull,
			preprocess: true,
		})
		if err != nil {
			b.err = err
			return
		}
		b.compiled = &Macro{Name: name, Params: e.params, Body: body}
		b.literals = st.literals
		b.macros = st.macros
	})
	return b, b.err
}

// Invoke renders the named macro with a fresh scope.
func (t *MacroTable) Invoke(name string, args []any, kwargs map[string]any) (string, error) {
	ctx := getRenderCtx()
	defer putRenderCtx(ctx)
	ctx.reg = t.reg
	ctx.name = "macro:" + name
	ctx.maxDepth = defaultMaxDepth
	t.mu.RLock()
	ctx.macroMode = t.mode
	t.mu.RUnlock()
	return t.invoke(ctx, name, args, kwargs)
}

// invoke renders the macro under the caller's strictness, escaping, macro
// mode and loader.
func (t *MacroTable) invoke(ctx *renderCtx, name string, args []any, kwargs map[string]any) (string, error) {
	t.mu.RLock()
	e, ok := t.entries[name]
	t.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("macro %s not defined", name)
	}
	b, err := t.compile(name, e, ctx.macroMode, ctx.loader)
	if err != nil {
		return "", err
	}
	sub := ctx.child(nil)
	sub.literals = b.literals
	sub.sections = nil
	return sub.invokeMacro(b.compiled, b.macros, args, kwargs)
}
