package stencil

import (
	"io"
	"reflect"
	"strings"

	"go.uber.org/zap"
)

// ----------------------------- Render representation ------------------------

// NodeKind tags a render instruction.
type NodeKind uint8

const (
	NodeText    NodeKind = iota // Text
	NodeEmit                    // Expr
	NodeIf                      // Branches, Else
	NodeLoop                    // Loop, Body, Else
	NodeSet                     // Name = Expr
	NodeExtends                 // Body rendered into Parent at placeholder As
	NodeYield                   // section Name, Modifier
	NodeInclude                 // Name, Body, With, Only, As, Modifier
	NodeImport                  // Macros bound as As
	NodeLiteral                 // literal table entry Name
	NodeError                   // inline error marker Text
)

// Branch is one `if`/`else if` arm.
type Branch struct {
	Cond *Expr  `json:"c"`
	Body []Node `json:"b,omitempty"`
}

// LoopSpec describes for/foreach/loop iteration.
type LoopSpec struct {
	Key  string `json:"k,omitempty"`
	Var  string `json:"v"`
	Iter *Expr  `json:"it"`
	// Meta is set for the `loop` form, which publishes per-iteration metadata
	// under $loop.<MetaName> and $loop.<Var>.
	Meta     bool   `json:"m,omitempty"`
	MetaName string `json:"mn,omitempty"`
}

// Node is one render instruction. The set of kinds is closed and every field
// is plain data, so compiled trees serialize into cache bundles.
type Node struct {
	Kind     NodeKind          `json:"k"`
	Text     string            `json:"t,omitempty"`
	Name     string            `json:"n,omitempty"`
	Expr     *Expr             `json:"e,omitempty"`
	Branches []Branch          `json:"br,omitempty"`
	Loop     *LoopSpec         `json:"lp,omitempty"`
	Body     []Node            `json:"b,omitempty"`
	Else     []Node            `json:"el,omitempty"`
	Parent   []Node            `json:"pa,omitempty"`
	With     []NamedExpr       `json:"w,omitempty"`
	Only     bool              `json:"o,omitempty"`
	As       string            `json:"as,omitempty"`
	Modifier string            `json:"m,omitempty"`
	Macros   map[string]*Macro `json:"mc,omitempty"`
	Line     int               `json:"l,omitempty"`
}

// ----------------------------- Runtime ---------------------------------------

// renderCtx is the per-render state: scope, section table, literal table and
// macro set. One is created per top-level render and never shared.
type renderCtx struct {
	name     string
	reg      *Registries
	locals   map[string]any
	sections map[string][]Node
	literals map[string]string
	macros   map[string]*Macro
	strict   bool
	escape   bool
	maxDepth int
	depth    int
	logger   *zap.Logger

	// macroMode and loader compile registry macros for the rendering engine.
	macroMode MacroMode
	loader    sourceLoader
}

func (ctx *renderCtx) reset() {
	for k := range ctx.locals {
		delete(ctx.locals, k)
	}
	ctx.name = ""
	ctx.reg = nil
	ctx.sections = nil
	ctx.literals = nil
	ctx.macros = nil
	ctx.strict = false
	ctx.escape = false
	ctx.maxDepth = 0
	ctx.depth = 0
	ctx.logger = nil
	ctx.macroMode = MacroModeControlFlow
	ctx.loader = nil
}

// child returns a context sharing registries and tables but with a fresh
// scope, used for macro bodies.
func (ctx *renderCtx) child(locals map[string]any) *renderCtx {
	return &renderCtx{
		name:     ctx.name,
		reg:      ctx.reg,
		locals:   locals,
		sections: ctx.sections,
		literals: ctx.literals,
		macros:   ctx.macros,
		strict:   ctx.strict,
		escape:   ctx.escape,
		maxDepth: ctx.maxDepth,
		depth:    ctx.depth + 1,
		logger:   ctx.logger,

		macroMode: ctx.macroMode,
		loader:    ctx.loader,
	}
}

type savedVar struct {
	name string
	val  any
	had  bool
}

// shadow records the current bindings of names and returns a func restoring
// them, so loop and include variables never leak out of their block.
func (ctx *renderCtx) shadow(names ...string) func() {
	saved := make([]savedVar, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		v, had := ctx.locals[n]
		saved = append(saved, savedVar{name: n, val: v, had: had})
	}
	return func() {
		for i := len(saved) - 1; i >= 0; i-- {
			s := saved[i]
			if s.had {
				ctx.locals[s.name] = s.val
			} else {
				delete(ctx.locals, s.name)
			}
		}
	}
}

func (ctx *renderCtx) renderNodes(nodes []Node, w io.Writer) error {
	for i := range nodes {
		if err := ctx.renderNode(&nodes[i], w); err != nil {
			return err
		}
	}
	return nil
}

// capture renders nodes into a string.
func (ctx *renderCtx) capture(nodes []Node) (string, error) {
	sb := stringBuilderPool.Get().(*strings.Builder)
	sb.Reset()
	defer stringBuilderPool.Put(sb)
	if err := ctx.renderNodes(nodes, sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (ctx *renderCtx) renderNode(n *Node, w io.Writer) error {
	switch n.Kind {
	case NodeText:
		_, err := io.WriteString(w, n.Text)
		return err
	case NodeEmit:
		return ctx.renderEmit(n, w)
	case NodeIf:
		return ctx.renderIf(n, w)
	case NodeLoop:
		return ctx.renderLoop(n, w)
	case NodeSet:
		v, err := ctx.eval(n.Expr)
		if err != nil {
			return err
		}
		ctx.locals[n.Name] = v
		return nil
	case NodeExtends:
		return ctx.renderExtends(n, w)
	case NodeYield:
		return ctx.renderYield(n, w)
	case NodeInclude:
		return ctx.renderInclude(n, w)
	case NodeImport:
		ctx.locals[n.As] = &macroNamespace{alias: n.As, macros: n.Macros, parent: ctx}
		return nil
	case NodeLiteral:
		_, err := io.WriteString(w, ctx.literals[n.Name])
		return err
	case NodeError:
		_, err := io.WriteString(w, errorMarker(n.Text))
		return err
	}
	return nil
}

func (ctx *renderCtx) renderEmit(n *Node, w io.Writer) error {
	v, err := ctx.eval(n.Expr)
	if err != nil {
		return err
	}
	s := toString(v)
	if ctx.escape {
		if _, safe := v.(Safe); !safe {
			s = htmlEscapeFast(s)
		}
	}
	_, err = io.WriteString(w, s)
	return err
}

func (ctx *renderCtx) renderIf(n *Node, w io.Writer) error {
	for i := range n.Branches {
		b := &n.Branches[i]
		v, err := ctx.eval(b.Cond)
		if err != nil {
			return err
		}
		if truthy(v) {
			return ctx.renderNodes(b.Body, w)
		}
	}
	return ctx.renderNodes(n.Else, w)
}

type loopItem struct {
	key any
	val any
}

// iterate flattens lists, maps (in key order) and integer ranges.
func iterate(v any) []loopItem {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		items := make([]loopItem, len(x))
		for i, e := range x {
			items[i] = loopItem{key: i, val: e}
		}
		return items
	case map[string]any:
		rv := reflect.ValueOf(x)
		items := make([]loopItem, 0, len(x))
		for _, k := range sortedKeys(rv) {
			items = append(items, loopItem{key: k.String(), val: x[k.String()]})
		}
		return items
	}
	if isInteger(v) {
		n, _ := toInt64(v)
		items := make([]loopItem, 0, max(n, 0))
		for i := int64(0); i < n; i++ {
			items = append(items, loopItem{key: int(i), val: int(i)})
		}
		return items
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]loopItem, rv.Len())
		for i := range items {
			items[i] = loopItem{key: i, val: rv.Index(i).Interface()}
		}
		return items
	case reflect.Map:
		keys := sortedKeys(rv)
		items := make([]loopItem, len(keys))
		for i, k := range keys {
			items[i] = loopItem{key: k.Interface(), val: rv.MapIndex(k).Interface()}
		}
		return items
	}
	return nil
}

func (ctx *renderCtx) renderLoop(n *Node, w io.Writer) error {
	spec := n.Loop
	v, err := ctx.eval(spec.Iter)
	if err != nil {
		return err
	}
	items := iterate(v)
	if len(items) == 0 {
		return ctx.renderNodes(n.Else, w)
	}

	restore := ctx.shadow(spec.Var, spec.Key, "loop")
	defer restore()

	var outer map[string]any
	if spec.Meta {
		outer, _ = ctx.locals["loop"].(map[string]any)
	}
	count := len(items)
	for i, it := range items {
		ctx.locals[spec.Var] = it.val
		if spec.Key != "" {
			ctx.locals[spec.Key] = it.key
		}
		if spec.Meta {
			meta := map[string]any{
				"iteration": i + 1,
				"index":     i,
				"first":     i == 0,
				"last":      i == count-1,
				"count":     count,
				"key":       it.key,
			}
			loop := make(map[string]any, len(outer)+2)
			for k, v := range outer {
				loop[k] = v
			}
			loop[spec.Var] = meta
			if spec.MetaName != "" {
				loop[spec.MetaName] = meta
			}
			ctx.locals["loop"] = loop
		}
		if err := ctx.renderNodes(n.Body, w); err != nil {
			return err
		}
	}
	return nil
}

// placeholderMarker is the token a parent template receives in place of the
// child content; it is swapped for the real content after the parent renders.
func placeholderMarker(name string) string {
	return "\x00stencil:" + name + "\x00"
}

func (ctx *renderCtx) renderExtends(n *Node, w io.Writer) error {
	child, err := ctx.capture(n.Body)
	if err != nil {
		return err
	}
	// Only the outer whitespace of the child is dropped. Interior spacing is
	// kept as written.
	child = strings.TrimSpace(child)

	marker := placeholderMarker(n.As)
	restore := ctx.shadow(n.As)
	ctx.locals[n.As] = Safe(marker)
	parent, err := ctx.capture(n.Parent)
	restore()
	if err != nil {
		return err
	}

	if strings.Contains(parent, marker) {
		parent = strings.ReplaceAll(parent, marker, child)
	} else {
		parent = parent + "\n" + child
	}
	_, err = io.WriteString(w, parent)
	return err
}

func (ctx *renderCtx) renderYield(n *Node, w io.Writer) error {
	body, ok := ctx.sections[n.Name]
	if !ok {
		return nil
	}
	out, err := ctx.capture(body)
	if err != nil {
		return err
	}
	if n.Modifier != "" {
		out, err = ctx.modify(n.Modifier, out)
		if err != nil {
			return err
		}
	}
	_, err = io.WriteString(w, out)
	return err
}

func (ctx *renderCtx) renderInclude(n *Node, w io.Writer) error {
	with := make(map[string]any, len(n.With))
	for _, kv := range n.With {
		v, err := ctx.eval(kv.Expr)
		if err != nil {
			return err
		}
		with[kv.Name] = v
	}

	var out string
	var err error
	if n.Only {
		locals := make(map[string]any, len(with))
		for k, v := range ctx.reg.globals() {
			locals[k] = v
		}
		for k, v := range with {
			locals[k] = v
		}
		saved := ctx.locals
		ctx.locals = locals
		out, err = ctx.capture(n.Body)
		ctx.locals = saved
	} else {
		names := make([]string, 0, len(with))
		for k := range with {
			names = append(names, k)
		}
		restore := ctx.shadow(names...)
		for k, v := range with {
			ctx.locals[k] = v
		}
		out, err = ctx.capture(n.Body)
		restore()
	}
	if err != nil {
		return err
	}

	if n.Modifier != "" {
		if out, err = ctx.modify(n.Modifier, out); err != nil {
			return err
		}
	}
	if n.As != "" {
		ctx.locals[n.As] = Safe(out)
		return nil
	}
	_, err = io.WriteString(w, out)
	return err
}

// modify runs rendered output through a named filter; unknown names pass the
// text through unchanged.
func (ctx *renderCtx) modify(name, s string) (string, error) {
	var f Filter
	var ok bool
	if ctx.reg != nil {
		f, ok = ctx.reg.Filter(name)
	}
	if !ok {
		if ctx.logger != nil {
			ctx.logger.Debug("unknown modifier, passing through", zap.String("modifier", name), zap.String("template", ctx.name))
		}
		return s, nil
	}
	v, err := f.Apply(s, nil)
	if err != nil {
		return "", ctx.fail("|"+name, err.Error())
	}
	return toString(v), nil
}
