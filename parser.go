package stencil

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ----------------------------- Parser ---------------------------------------

type openBlock struct {
	kind string
	line int
}

type termKind uint8

const (
	termEOF termKind = iota
	termEnd
	termElse
	termElseIf
)

type terminator struct {
	kind termKind
	cond string
	tok  token
}

type extendsDecl struct {
	file string
	as   string
	line int
}

// parser turns a token stream into a node tree. Structural directives are
// resolved through the compile state as they are met.
type parser struct {
	st      *compileState
	name    string
	toks    []token
	pos     int
	opts    compileOpts
	stack   []openBlock
	extends *extendsDecl
}

func (p *parser) fatal(tok token, format string, args ...any) error {
	return &CompileError{
		Template: p.name,
		Line:     tok.line,
		Fragment: tok.raw,
		Msg:      fmt.Sprintf(format, args...),
		Fatal:    true,
	}
}

// errorNode records a recoverable compile error and returns the marker node
// rendered in its place.
func (p *parser) errorNode(tok token, format string, args ...any) Node {
	ce := &CompileError{Template: p.name, Line: tok.line, Fragment: tok.raw, Msg: fmt.Sprintf(format, args...)}
	p.st.warn(ce)
	msg := ce.Msg
	if tok.raw != "" {
		msg += fmt.Sprintf(" in %q", clip(tok.raw))
	}
	return Node{Kind: NodeError, Text: msg, Line: tok.line}
}

func (p *parser) parseRoot() ([]Node, error) {
	nodes, _, err := p.parseBody()
	if err != nil {
		return nil, err
	}
	if p.extends != nil {
		nodes = p.applyExtends(nodes)
	}
	return nodes, nil
}

func appendText(nodes []Node, text string, line int) []Node {
	if text == "" {
		return nodes
	}
	if n := len(nodes); n > 0 && nodes[n-1].Kind == NodeText {
		nodes[n-1].Text += text
		return nodes
	}
	return append(nodes, Node{Kind: NodeText, Text: text, Line: line})
}

// parseBody parses until a closer, an else branch or the end of input.
func (p *parser) parseBody() ([]Node, terminator, error) {
	var nodes []Node
	for p.pos < len(p.toks) {
		tok := p.toks[p.pos]
		p.pos++
		switch tok.kind {
		case tokText:
			nodes = appendText(nodes, tok.text, tok.line)
		case tokLiteral:
			nodes = append(nodes, p.literal(tok))
		case tokTag:
			head, rest := headWord(tok.text)
			if t, ok, err := p.terminator(tok, head, rest); err != nil {
				return nil, terminator{}, err
			} else if ok {
				return nodes, t, nil
			}
			out, err := p.directive(tok, head, rest)
			if err != nil {
				return nil, terminator{}, err
			}
			for _, n := range out {
				if n.Kind == NodeText {
					nodes = appendText(nodes, n.Text, n.Line)
				} else {
					nodes = append(nodes, n)
				}
			}
		}
	}
	if n := len(p.stack); n > 0 {
		top := p.stack[n-1]
		return nil, terminator{}, &CompileError{
			Template: p.name,
			Line:     top.line,
			Msg:      fmt.Sprintf("unclosed %s block opened on line %d", top.kind, top.line),
			Fatal:    true,
		}
	}
	return nodes, terminator{kind: termEOF}, nil
}

var closerNames = map[string]string{
	"endif":         "if",
	"endfor":        "for",
	"endforeach":    "foreach",
	"endloop":       "loop",
	"endsection":    "section",
	"endmacro":      "macro",
	"endpreprocess": "preprocess",
}

// blockFamily folds the loop keywords together so any loop closer closes
// any loop form.
func blockFamily(kind string) string {
	switch kind {
	case "for", "foreach", "loop":
		return "loop"
	}
	return kind
}

// terminator reports whether tok closes or continues the innermost block.
func (p *parser) terminator(tok token, head, rest string) (terminator, bool, error) {
	var named string
	switch {
	case head == "else":
		if rest == "" {
			return p.continueBlock(tok, terminator{kind: termElse, tok: tok})
		}
		if h, cond := headWord(rest); h == "if" {
			return p.continueBlock(tok, terminator{kind: termElseIf, cond: cond, tok: tok})
		}
		return terminator{}, false, nil
	case head == "elseif" || head == "elif":
		return p.continueBlock(tok, terminator{kind: termElseIf, cond: rest, tok: tok})
	case head == "end":
		named = rest
	case head == "/" && rest == "":
	case strings.HasPrefix(head, "/"):
		named = head[1:]
	case closerNames[head] != "" && rest == "":
		named = closerNames[head]
	default:
		return terminator{}, false, nil
	}

	if len(p.stack) == 0 {
		return terminator{}, false, p.fatal(tok, "unmatched closer")
	}
	top := p.stack[len(p.stack)-1]
	if named != "" && blockFamily(named) != blockFamily(top.kind) {
		return terminator{}, false, p.fatal(tok, "closer %q does not match %s block opened on line %d", tok.text, top.kind, top.line)
	}
	return terminator{kind: termEnd, tok: tok}, true, nil
}

func (p *parser) continueBlock(tok token, t terminator) (terminator, bool, error) {
	if len(p.stack) == 0 {
		return terminator{}, false, p.fatal(tok, "%s outside of a block", tok.text)
	}
	top := p.stack[len(p.stack)-1]
	switch blockFamily(top.kind) {
	case "if":
		return t, true, nil
	case "loop":
		if t.kind == termElse {
			return t, true, nil
		}
	}
	return terminator{}, false, p.fatal(tok, "%s inside %s block", tok.text, top.kind)
}

func (p *parser) push(kind string, line int) {
	p.stack = append(p.stack, openBlock{kind: kind, line: line})
}

func (p *parser) pop() {
	p.stack = p.stack[:len(p.stack)-1]
}

// expr parses an expression with the active flags.
func (p *parser) expr(src string) (*Expr, error) {
	return parseExpr(src, p.opts.flags)
}

func (p *parser) directive(tok token, head, rest string) ([]Node, error) {
	if rest != "" || head == "preprocess" {
		switch head {
		case "if":
			return p.parseIf(tok, rest)
		case "for", "foreach", "loop":
			return p.parseLoop(tok, head, rest)
		case "set":
			return p.parseSet(tok, rest), nil
		case "raw":
			x, err := p.expr(rest)
			if err != nil {
				return []Node{p.errorNode(tok, "%v", err)}, nil
			}
			return []Node{{Kind: NodeEmit, Expr: &Expr{Kind: ExprFilter, Name: "raw", X: x}, Line: tok.line}}, nil
		case "macro":
			return p.parseMacro(tok, rest)
		case "section":
			return p.parseSection(tok, rest)
		case "preprocess":
			return p.skipPreprocess(tok)
		case "extends", "include", "import", "yield":
			if !p.opts.structural {
				return []Node{{Kind: NodeText, Text: tok.raw, Line: tok.line}}, nil
			}
			switch head {
			case "extends":
				return p.parseExtends(tok, rest), nil
			case "include":
				return []Node{p.parseInclude(tok, rest)}, nil
			case "import":
				return []Node{p.parseImport(tok, rest)}, nil
			}
			return []Node{p.parseYield(tok, rest)}, nil
		}
	}

	// Extensions are offered every unrecognized tag before the default
	// expression parse, so they can claim words that would otherwise read as
	// bare variables. A declined tag costs one Rewrite call per extension.
	if p.st.reg != nil {
		if repl, ok := p.st.reg.rewrite(tok.text); ok {
			nodes, err := p.st.compileSource(repl, p.name, compileOpts{structural: p.opts.structural, flags: p.opts.flags})
			if err != nil {
				return []Node{p.errorNode(tok, "extension output: %v", err)}, nil
			}
			return nodes, nil
		}
	}

	x, err := p.expr(tok.text)
	if err != nil {
		return []Node{p.errorNode(tok, "%v", err)}, nil
	}
	return []Node{{Kind: NodeEmit, Expr: x, Line: tok.line}}, nil
}

func (p *parser) literal(tok token) Node {
	a, err := parseAttrs(tok.attr)
	name := ""
	if err == nil {
		name = a.get("as", 0)
	}
	named := name != ""
	if !named {
		name = uuid.NewSHA1(uuid.NameSpaceOID, []byte(tok.text)).String()
	}
	p.st.addLiteral(name, tok.text, named)
	return Node{Kind: NodeLiteral, Name: name, Line: tok.line}
}

// ----------------------------- Control flow ---------------------------------

func (p *parser) parseIf(tok token, rest string) ([]Node, error) {
	p.push("if", tok.line)
	defer p.pop()

	n := Node{Kind: NodeIf, Line: tok.line}
	var bad *Node
	cond, err := p.expr(rest)
	if err != nil {
		e := p.errorNode(tok, "%v", err)
		bad = &e
	}
	for {
		body, term, err := p.parseBody()
		if err != nil {
			return nil, err
		}
		n.Branches = append(n.Branches, Branch{Cond: cond, Body: body})
		switch term.kind {
		case termElseIf:
			if cond, err = p.expr(term.cond); err != nil && bad == nil {
				e := p.errorNode(term.tok, "%v", err)
				bad = &e
			}
			continue
		case termElse:
			els, term2, err := p.parseBody()
			if err != nil {
				return nil, err
			}
			if term2.kind != termEnd {
				return nil, p.fatal(term2.tok, "%s after else", term2.tok.text)
			}
			n.Else = els
		}
		break
	}
	if bad != nil {
		return []Node{*bad}, nil
	}
	return []Node{n}, nil
}

// splitKeyword splits s around the first (or last) standalone occurrence of
// kw outside quotes and brackets.
func splitKeyword(s, kw string, last bool) (string, string, bool) {
	at := -1
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		case c == '"' || c == '\'':
			quote = c
			continue
		case c == '(' || c == '[' || c == '{':
			depth++
			continue
		case c == ')' || c == ']' || c == '}':
			depth--
			continue
		}
		if depth != 0 || !strings.HasPrefix(s[i:], kw) {
			continue
		}
		if i > 0 && isIdentByte(s[i-1]) {
			continue
		}
		if end := i + len(kw); end < len(s) && isIdentByte(s[end]) {
			continue
		}
		at = i
		if !last {
			break
		}
	}
	if at < 0 {
		return "", "", false
	}
	return fastTrim(s[:at]), fastTrim(s[at+len(kw):]), true
}

// loopVars parses `$v`, `$k, $v`, `($k, $v)` or `$k => $v`.
func loopVars(s string) (key, val string, err error) {
	s = strings.TrimSuffix(strings.TrimPrefix(fastTrim(s), "("), ")")
	var parts []string
	if strings.Contains(s, "=>") {
		parts = strings.SplitN(s, "=>", 2)
	} else {
		parts = strings.Split(s, ",")
	}
	names := make([]string, 0, 2)
	for _, part := range parts {
		name := strings.TrimPrefix(fastTrim(part), "$")
		if !validIdent(name) {
			return "", "", fmt.Errorf("invalid loop variable %q", fastTrim(part))
		}
		names = append(names, name)
	}
	switch len(names) {
	case 1:
		return "", names[0], nil
	case 2:
		return names[0], names[1], nil
	}
	return "", "", fmt.Errorf("expected one or two loop variables")
}

func validIdent(s string) bool {
	if s == "" || !isIdentStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isIdentByte(s[i]) {
			return false
		}
	}
	return true
}

func (p *parser) parseLoop(tok token, head, rest string) ([]Node, error) {
	p.push(head, tok.line)
	defer p.pop()

	var bad *Node
	spec, err := p.loopSpec(head, rest)
	if err != nil {
		e := p.errorNode(tok, "%v", err)
		bad = &e
	}

	body, term, err := p.parseBody()
	if err != nil {
		return nil, err
	}
	n := Node{Kind: NodeLoop, Loop: spec, Body: body, Line: tok.line}
	if term.kind == termElse {
		els, term2, err := p.parseBody()
		if err != nil {
			return nil, err
		}
		if term2.kind != termEnd {
			return nil, p.fatal(term2.tok, "%s after else", term2.tok.text)
		}
		n.Else = els
	}
	if bad != nil {
		return []Node{*bad}, nil
	}
	return []Node{n}, nil
}

func (p *parser) loopSpec(head, rest string) (*LoopSpec, error) {
	var vars, iter string
	var ok bool
	if head == "foreach" {
		iter, vars, ok = splitKeyword(rest, "as", true)
		if !ok {
			return nil, fmt.Errorf("foreach syntax: foreach <expr> as $v")
		}
	} else {
		vars, iter, ok = splitKeyword(rest, "in", false)
		if !ok {
			return nil, fmt.Errorf("%s syntax: %s $v in <expr>", head, head)
		}
	}
	key, val, err := loopVars(vars)
	if err != nil {
		return nil, err
	}
	x, err := p.expr(iter)
	if err != nil {
		return nil, err
	}
	spec := &LoopSpec{Key: key, Var: val, Iter: x}
	if head == "loop" {
		spec.Meta = true
		spec.MetaName = x.rootName()
	}
	return spec, nil
}

func (p *parser) parseSet(tok token, rest string) []Node {
	eq := -1
	for i := 0; i < len(rest); i++ {
		if rest[i] == '=' && (i+1 >= len(rest) || rest[i+1] != '=') {
			eq = i
			break
		}
	}
	if eq < 0 {
		return []Node{p.errorNode(tok, "set syntax: set $name = <expr>")}
	}
	name := strings.TrimPrefix(fastTrim(rest[:eq]), "$")
	if !validIdent(name) {
		return []Node{p.errorNode(tok, "invalid variable name %q", name)}
	}
	x, err := p.expr(rest[eq+1:])
	if err != nil {
		return []Node{p.errorNode(tok, "%v", err)}
	}
	return []Node{{Kind: NodeSet, Name: name, Expr: x, Line: tok.line}}
}

// ----------------------------- Structural directives ------------------------

func (p *parser) parseMacro(tok token, rest string) ([]Node, error) {
	p.push("macro", tok.line)
	defer p.pop()

	name, params, sigErr := ParseMacroSignature(rest)

	saved := p.opts.structural
	p.opts.structural = p.st.macroMode == MacroModeFull
	body, _, err := p.parseBody()
	p.opts.structural = saved
	if err != nil {
		return nil, err
	}
	if sigErr != nil {
		return []Node{p.errorNode(tok, "malformed macro signature: %v", sigErr.(*CompileError).Msg)}, nil
	}
	p.st.addMacro(&Macro{Name: name, Params: params, Body: body})
	return nil, nil
}

func (p *parser) parseSection(tok token, rest string) ([]Node, error) {
	p.push("section", tok.line)
	defer p.pop()

	a, attrErr := parseAttrs(rest)
	body, end, err := p.parseBody()
	if err != nil {
		return nil, err
	}
	if !p.opts.structural {
		out := append([]Node{{Kind: NodeText, Text: tok.raw, Line: tok.line}}, body...)
		return append(out, Node{Kind: NodeText, Text: end.tok.raw, Line: end.tok.line}), nil
	}
	if attrErr != nil {
		return []Node{p.errorNode(tok, "%v", attrErr)}, nil
	}
	name := a.get("name", 0)
	if name == "" {
		return []Node{p.errorNode(tok, "section requires a name")}, nil
	}
	p.st.addSection(name, body)
	return nil, nil
}

func (p *parser) parseExtends(tok token, rest string) []Node {
	a, err := parseAttrs(rest)
	if err != nil {
		return []Node{p.errorNode(tok, "%v", err)}
	}
	file := a.get("file", 0)
	if file == "" {
		return []Node{p.errorNode(tok, "extends requires a file")}
	}
	if p.extends != nil {
		return []Node{p.errorNode(tok, "template already extends %q", p.extends.file)}
	}
	as := a.get("as", -1)
	if as == "" {
		as = "content"
	}
	p.extends = &extendsDecl{file: file, as: as, line: tok.line}
	return nil
}

// applyExtends wraps the child content around its parent. A parent that
// cannot be compiled leaves an error marker followed by the child content.
func (p *parser) applyExtends(child []Node) []Node {
	decl := p.extends
	parent, err := p.st.compileTemplate(decl.file)
	if err != nil {
		tok := token{line: decl.line}
		return append([]Node{p.errorNode(tok, "extends %q: %v", decl.file, err)}, child...)
	}
	return []Node{{
		Kind:   NodeExtends,
		Name:   decl.file,
		As:     decl.as,
		Body:   child,
		Parent: parent,
		Line:   decl.line,
	}}
}

func (p *parser) parseYield(tok token, rest string) Node {
	a, err := parseAttrs(rest)
	if err != nil {
		return p.errorNode(tok, "%v", err)
	}
	name := a.get("name", 0)
	if name == "" {
		return p.errorNode(tok, "yield requires a name")
	}
	return Node{Kind: NodeYield, Name: name, Modifier: a.get("modifier", -1), Line: tok.line}
}

func (p *parser) parseInclude(tok token, rest string) Node {
	a, err := parseAttrs(rest)
	if err != nil {
		return p.errorNode(tok, "%v", err)
	}
	file := a.get("file", 0)
	if file == "" {
		return p.errorNode(tok, "include requires a file")
	}
	n := Node{
		Kind:     NodeInclude,
		Name:     file,
		As:       a.get("as", -1),
		Modifier: a.get("modifier", -1),
		Only:     a.flags["only"],
		Line:     tok.line,
	}
	if with := a.kv["with"]; with != "" {
		x, err := p.expr(with)
		if err != nil {
			return p.errorNode(tok, "with: %v", err)
		}
		if x.Kind != ExprMap {
			return p.errorNode(tok, "with must be a map literal")
		}
		for i, k := range x.Keys {
			n.With = append(n.With, NamedExpr{Name: k, Expr: x.Items[i]})
		}
	}
	body, err := p.st.compileTemplate(file)
	if err != nil {
		return p.errorNode(tok, "include %q: %v", file, err)
	}
	n.Body = body
	return n
}

func (p *parser) parseImport(tok token, rest string) Node {
	a, err := parseAttrs(rest)
	if err != nil {
		return p.errorNode(tok, "%v", err)
	}
	file := a.get("file", 0)
	as := a.get("as", -1)
	if file == "" || as == "" {
		return p.errorNode(tok, "import requires a file and an alias")
	}
	macros, err := p.st.compileMacros(file)
	if err != nil {
		return p.errorNode(tok, "import %q: %v", file, err)
	}
	return Node{Kind: NodeImport, Name: file, As: as, Macros: macros, Line: tok.line}
}

// skipPreprocess re-emits a preprocess block left unevaluated (recursion
// disabled) as plain text.
func (p *parser) skipPreprocess(tok token) ([]Node, error) {
	var sb strings.Builder
	sb.WriteString(tok.raw)
	depth := 1
	for p.pos < len(p.toks) {
		t := p.toks[p.pos]
		p.pos++
		switch t.kind {
		case tokText:
			sb.WriteString(t.text)
			continue
		case tokLiteral:
			d := p.st.delims
			sb.WriteString(t.raw)
			sb.WriteString(t.text)
			sb.WriteString(d.Block[0] + " end literal " + d.Block[1])
			continue
		}
		sb.WriteString(t.raw)
		head, rest := headWord(t.text)
		switch {
		case head == "preprocess":
			depth++
		case isPreprocessCloser(head, rest):
			depth--
		}
		if depth == 0 {
			return []Node{{Kind: NodeText, Text: sb.String(), Line: tok.line}}, nil
		}
	}
	return nil, p.fatal(tok, "unclosed preprocess block")
}

func isPreprocessCloser(head, rest string) bool {
	return head == "endpreprocess" || head == "/preprocess" || (head == "end" && rest == "preprocess")
}

// ----------------------------- Attributes -----------------------------------

// attrs holds `key="value"` pairs, bare positional values and flags of a
// structural directive.
type attrs struct {
	pos   []string
	kv    map[string]string
	flags map[string]bool
}

// get returns the named attribute, falling back to the positional value at
// index pos (pos < 0 disables the fallback).
func (a attrs) get(key string, pos int) string {
	if v, ok := a.kv[key]; ok {
		return v
	}
	if pos >= 0 && pos < len(a.pos) {
		return a.pos[pos]
	}
	return ""
}

// parseAttrs reads `file="x" as="y" with={...} only`, plus the short forms
// `"x"` and `as y`.
func parseAttrs(s string) (attrs, error) {
	a := attrs{kv: map[string]string{}, flags: map[string]bool{}}
	p := &exprParser{src: s}
	for {
		p.skipSpace()
		if p.eof() {
			return a, nil
		}
		c := p.peekByte()
		if c == '"' || c == '\'' {
			v, err := p.parseString()
			if err != nil {
				return a, err
			}
			a.pos = append(a.pos, v)
			continue
		}
		word := p.ident()
		if word == "" {
			return a, fmt.Errorf("unexpected %q in directive attributes", p.src[p.i:])
		}
		p.skipSpace()
		if p.peekByte() == '=' {
			p.i++
			v, err := attrValue(p)
			if err != nil {
				return a, fmt.Errorf("attribute %s: %w", word, err)
			}
			a.kv[word] = v
			continue
		}
		if word == "as" && !p.eof() {
			v, err := attrValue(p)
			if err != nil {
				return a, fmt.Errorf("as: %w", err)
			}
			a.kv["as"] = v
			continue
		}
		a.flags[word] = true
	}
}

// attrValue reads a quoted string, a balanced {...} map or a bare word.
func attrValue(p *exprParser) (string, error) {
	p.skipSpace()
	switch c := p.peekByte(); {
	case c == '"' || c == '\'':
		return p.parseString()
	case c == '{':
		start := p.i
		depth := 0
		var quote byte
		for ; p.i < len(p.src); p.i++ {
			ch := p.src[p.i]
			switch {
			case quote != 0:
				if ch == '\\' {
					p.i++
				} else if ch == quote {
					quote = 0
				}
			case ch == '"' || ch == '\'':
				quote = ch
			case ch == '{':
				depth++
			case ch == '}':
				depth--
				if depth == 0 {
					p.i++
					return p.src[start:p.i], nil
				}
			}
		}
		return "", fmt.Errorf("unbalanced braces")
	}
	start := p.i
	for p.i < len(p.src) && p.src[p.i] != ' ' && p.src[p.i] != '\t' && p.src[p.i] != '\n' {
		p.i++
	}
	if p.i == start {
		return "", fmt.Errorf("missing value")
	}
	return strings.TrimPrefix(p.src[start:p.i], "$"), nil
}
