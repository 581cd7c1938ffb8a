package stencil

import (
	"fmt"
)

// ----------------------------- Compile state --------------------------------

const defaultMaxDepth = 32

// sourceLoader resolves template names for nested extends, include and
// import directives. The Engine is the production implementation.
type sourceLoader interface {
	loadSource(name string) (src, path string, mtime int64, err error)
	maxDepth() int
	delims() Delims
}

// compileState is shared by every template compiled into one bundle: the
// root, its parents, includes and imports.
type compileState struct {
	reg       *Registries
	loader    sourceLoader
	delims    Delims
	maxDepth  int
	depth     int
	macroMode MacroMode

	// scope is an explicit compile scope, visible to preprocess blocks. It is
	// nil for bundles that may be cached.
	scope map[string]any

	sections    map[string][]Node
	macros      map[string]*Macro
	literals    map[string]string
	literalVars []string
	imports     []string
	extras      map[string]string
	deps        map[string]int64
	warnings    []*CompileError
}

type compileOpts struct {
	structural bool
	preprocess bool
	flags      exprFlags
}

func newCompileState(reg *Registries, loader sourceLoader) *compileState {
	st := &compileState{
		reg:      reg,
		loader:   loader,
		delims:   DefaultDelims,
		maxDepth: defaultMaxDepth,
		sections: make(map[string][]Node),
		macros:   make(map[string]*Macro),
		literals: make(map[string]string),
		extras:   make(map[string]string),
		deps:     make(map[string]int64),
	}
	if loader != nil {
		st.delims = loader.delims().withDefaults()
		if d := loader.maxDepth(); d > 0 {
			st.maxDepth = d
		}
	}
	return st
}

// compileSource compiles one source text into a node list.
func (st *compileState) compileSource(src, name string, opts compileOpts) ([]Node, error) {
	if opts.preprocess {
		var err error
		if src, err = st.preprocess(src, name, true); err != nil {
			return nil, err
		}
	}
	toks, err := lex(src, st.delims)
	if err != nil {
		if ce, ok := err.(*CompileError); ok {
			ce.Template = name
		}
		return nil, err
	}
	p := &parser{st: st, name: name, toks: toks, opts: opts}
	return p.parseRoot()
}

// compileTemplate loads and compiles a named template for extends/include.
// Sub-templates never consult the template cache; their trees are inlined.
func (st *compileState) compileTemplate(name string) ([]Node, error) {
	if st.loader == nil {
		return nil, fmt.Errorf("cannot load %q: no template loader", name)
	}
	if st.depth >= st.maxDepth {
		return nil, fmt.Errorf("cannot load %q: maximum nesting depth %d exceeded", name, st.maxDepth)
	}
	src, path, mtime, err := st.loader.loadSource(name)
	if err != nil {
		return nil, err
	}
	st.deps[path] = mtime
	st.depth++
	defer func() { st.depth-- }()
	return st.compileSource(src, name, compileOpts{structural: true, preprocess: true})
}

// compileMacros compiles a template for its macro definitions only; its
// body and sections are discarded.
func (st *compileState) compileMacros(name string) (map[string]*Macro, error) {
	savedMacros, savedSections := st.macros, st.sections
	st.macros = make(map[string]*Macro)
	st.sections = make(map[string][]Node)
	defer func() {
		st.macros, st.sections = savedMacros, savedSections
	}()
	if _, err := st.compileTemplate(name); err != nil {
		return nil, err
	}
	st.imports = append(st.imports, name)
	return st.macros, nil
}

// addSection records a section; the first definition of a name wins.
func (st *compileState) addSection(name string, body []Node) {
	if _, ok := st.sections[name]; !ok {
		st.sections[name] = body
	}
}

// addMacro records a template macro; the first definition of a name wins.
func (st *compileState) addMacro(m *Macro) {
	if _, ok := st.macros[m.Name]; !ok {
		st.macros[m.Name] = m
	}
}

func (st *compileState) addLiteral(name, content string, named bool) {
	if _, ok := st.literals[name]; ok {
		return
	}
	st.literals[name] = content
	if named {
		st.literalVars = append(st.literalVars, name)
	}
}

func (st *compileState) warn(err *CompileError) {
	st.warnings = append(st.warnings, err)
}
