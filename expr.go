package stencil

import (
	"fmt"
	"strconv"
	"strings"
)

// ----------------------------- Expressions ----------------------------------

// ExprKind tags an Expr.
type ExprKind uint8

const (
	ExprNil ExprKind = iota
	ExprBool
	ExprInt
	ExprFloat
	ExprString
	ExprVar    // Name + Path
	ExprList   // Items
	ExprMap    // Keys + Items
	ExprUnary  // Op X
	ExprBinary // X Op Y
	ExprCond   // X ? Y : Z, Y if X else Z, and Y X or Z
	ExprThen   // X then Y
	ExprCall   // Name(Args, Kwargs)
	ExprFilter // X | Name:(Args)
)

// SegKind tags one step of a variable path.
type SegKind uint8

const (
	SegKey    SegKind = iota // .name, ["name"]
	SegIndex                 // .0, [0]
	SegVar                   // .$i
	SegMethod                // .fn(args)
	SegExpr                  // [expr]
)

// Segment is one path step after the root variable.
type Segment struct {
	Kind   SegKind     `json:"k"`
	Name   string      `json:"n,omitempty"`
	Index  int         `json:"i,omitempty"`
	Args   []*Expr     `json:"a,omitempty"`
	Kwargs []NamedExpr `json:"kw,omitempty"`
	Expr   *Expr       `json:"e,omitempty"`
}

// NamedExpr is a name=expr pair (keyword arguments, with={...} entries).
type NamedExpr struct {
	Name string `json:"n"`
	Expr *Expr  `json:"e"`
}

// Expr is the serializable expression tree evaluated by the renderer.
type Expr struct {
	Kind   ExprKind    `json:"k"`
	Op     string      `json:"op,omitempty"`
	Bool   bool        `json:"b,omitempty"`
	Int    int64       `json:"i,omitempty"`
	Float  float64     `json:"f,omitempty"`
	Str    string      `json:"s,omitempty"`
	Name   string      `json:"n,omitempty"`
	Path   []Segment   `json:"p,omitempty"`
	X      *Expr       `json:"x,omitempty"`
	Y      *Expr       `json:"y,omitempty"`
	Z      *Expr       `json:"z,omitempty"`
	Items  []*Expr     `json:"it,omitempty"`
	Keys   []string    `json:"ks,omitempty"`
	Args   []*Expr     `json:"a,omitempty"`
	Kwargs []NamedExpr `json:"kw,omitempty"`
}

// exprFlags mirrors the preprocess command switches.
type exprFlags struct {
	noPaths   bool
	noFilters bool
}

// ----------------------------- Expression parser ----------------------------

type exprParser struct {
	src   string
	i     int
	flags exprFlags
}

// parseExpr compiles a complete expression; trailing input is an error.
func parseExpr(src string, flags exprFlags) (*Expr, error) {
	p := &exprParser{src: src, flags: flags}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if !p.eof() {
		return nil, fmt.Errorf("unexpected %q", p.src[p.i:])
	}
	return e, nil
}

func (p *exprParser) eof() bool { return p.i >= len(p.src) }

func (p *exprParser) skipSpace() {
	for p.i < len(p.src) {
		switch p.src[p.i] {
		case ' ', '\t', '\n', '\r':
			p.i++
		default:
			return
		}
	}
}

func (p *exprParser) peekByte() byte {
	if p.eof() {
		return 0
	}
	return p.src[p.i]
}

// accept consumes tok (after whitespace) when present.
func (p *exprParser) accept(tok string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.src[p.i:], tok) {
		p.i += len(tok)
		return true
	}
	return false
}

func (p *exprParser) expect(tok string) error {
	if !p.accept(tok) {
		if p.eof() {
			return fmt.Errorf("expected %q, found end of expression", tok)
		}
		return fmt.Errorf("expected %q at %q", tok, p.src[p.i:])
	}
	return nil
}

// acceptWord consumes a keyword only when it is not a prefix of a longer
// identifier.
func (p *exprParser) acceptWord(word string) bool {
	p.skipSpace()
	if !strings.HasPrefix(p.src[p.i:], word) {
		return false
	}
	end := p.i + len(word)
	if end < len(p.src) && isIdentByte(p.src[end]) {
		return false
	}
	p.i = end
	return true
}

func (p *exprParser) ident() string {
	start := p.i
	for p.i < len(p.src) && isIdentByte(p.src[p.i]) {
		p.i++
	}
	return p.src[start:p.i]
}

// expr := then ( '?' expr ':' expr | 'if' or ['else' expr] | and 'or' expr )?
//
// The last form, `$x cond or y`, prints x when cond holds and y otherwise.
// Its condition binds at the `and` level, so the first `or` after it starts
// the alternative.
func (p *exprParser) parseExpr() (*Expr, error) {
	x, err := p.parseThen()
	if err != nil {
		return nil, err
	}
	switch {
	case p.operandFollows():
		cond, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		if !p.acceptWord("or") && !p.accept("||") {
			if p.eof() {
				return nil, fmt.Errorf("expected \"or\" after condition, found end of expression")
			}
			return nil, fmt.Errorf("expected \"or\" after condition at %q", p.src[p.i:])
		}
		y, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &Expr{Kind: ExprCond, X: cond, Y: x, Z: y}, nil
	case p.accept("?"):
		y, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(":"); err != nil {
			return nil, err
		}
		z, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &Expr{Kind: ExprCond, X: x, Y: y, Z: z}, nil
	case p.acceptWord("if"):
		cond, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		e := &Expr{Kind: ExprCond, X: cond, Y: x, Z: &Expr{Kind: ExprString}}
		if p.acceptWord("else") {
			if e.Z, err = p.parseExpr(); err != nil {
				return nil, err
			}
		}
		return e, nil
	}
	return x, nil
}

// operandFollows reports whether the next token starts a fresh operand
// rather than an operator or a closing delimiter.
func (p *exprParser) operandFollows() bool {
	p.skipSpace()
	switch c := p.peekByte(); {
	case c == '$', c == '"', c == '\'', isDigit(c):
		return true
	case c == '!':
		return !strings.HasPrefix(p.src[p.i:], "!=")
	case isIdentStart(c):
		end := p.i
		for end < len(p.src) && isIdentByte(p.src[end]) {
			end++
		}
		switch p.src[p.i:end] {
		case "if", "else", "then", "or", "and", "in":
			return false
		}
		return true
	}
	return false
}

func (p *exprParser) parseThen() (*Expr, error) {
	x, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.acceptWord("then") {
		y, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		return &Expr{Kind: ExprThen, X: x, Y: y}, nil
	}
	return x, nil
}

func (p *exprParser) parseOr() (*Expr, error) {
	x, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if !p.acceptWord("or") && !p.accept("||") {
			return x, nil
		}
		y, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		x = &Expr{Kind: ExprBinary, Op: "or", X: x, Y: y}
	}
}

func (p *exprParser) parseAnd() (*Expr, error) {
	x, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		if !p.acceptWord("and") && !p.accept("&&") {
			return x, nil
		}
		y, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		x = &Expr{Kind: ExprBinary, Op: "and", X: x, Y: y}
	}
}

func (p *exprParser) parseNot() (*Expr, error) {
	p.skipSpace()
	if p.acceptWord("not") || (p.peekByte() == '!' && !strings.HasPrefix(p.src[p.i:], "!=") && p.accept("!")) {
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Expr{Kind: ExprUnary, Op: "not", X: x}, nil
	}
	return p.parseCompare()
}

var compareOps = []string{"==", "!=", "<=", ">=", "<", ">"}

func (p *exprParser) parseCompare() (*Expr, error) {
	x, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	for _, op := range compareOps {
		if p.accept(op) {
			y, err := p.parseAdd()
			if err != nil {
				return nil, err
			}
			return &Expr{Kind: ExprBinary, Op: op, X: x, Y: y}, nil
		}
	}
	save := p.i
	if p.acceptWord("not") {
		if p.acceptWord("in") {
			y, err := p.parseAdd()
			if err != nil {
				return nil, err
			}
			return &Expr{Kind: ExprUnary, Op: "not", X: &Expr{Kind: ExprBinary, Op: "in", X: x, Y: y}}, nil
		}
		p.i = save
	}
	if p.acceptWord("in") {
		y, err := p.parseAdd()
		if err != nil {
			return nil, err
		}
		return &Expr{Kind: ExprBinary, Op: "in", X: x, Y: y}, nil
	}
	return x, nil
}

func (p *exprParser) parseAdd() (*Expr, error) {
	x, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		c := p.peekByte()
		if c != '+' && c != '-' && c != '~' {
			return x, nil
		}
		p.i++
		y, err := p.parseMul()
		if err != nil {
			return nil, err
		}
		x = &Expr{Kind: ExprBinary, Op: string(c), X: x, Y: y}
	}
}

func (p *exprParser) parseMul() (*Expr, error) {
	x, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		c := p.peekByte()
		if c != '*' && c != '/' && c != '%' {
			return x, nil
		}
		p.i++
		y, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		x = &Expr{Kind: ExprBinary, Op: string(c), X: x, Y: y}
	}
}

func (p *exprParser) parseUnary() (*Expr, error) {
	p.skipSpace()
	if p.peekByte() == '-' {
		p.i++
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		switch x.Kind {
		case ExprInt:
			x.Int = -x.Int
			return x, nil
		case ExprFloat:
			x.Float = -x.Float
			return x, nil
		}
		return &Expr{Kind: ExprUnary, Op: "-", X: x}, nil
	}
	return p.parsePostfix()
}

// parsePostfix handles bracket access and filter pipelines. Dotted segments
// are consumed by parseVar so numeric segments are not read as floats.
func (p *exprParser) parsePostfix() (*Expr, error) {
	x, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		switch {
		case p.peekByte() == '[' && x.Kind == ExprVar:
			seg, err := p.parseBracket()
			if err != nil {
				return nil, err
			}
			x.Path = append(x.Path, seg)
			if err := p.parseDotted(x); err != nil {
				return nil, err
			}
		case p.peekByte() == '|' && !strings.HasPrefix(p.src[p.i:], "||"):
			p.i++
			f, err := p.parseFilter(x)
			if err != nil {
				return nil, err
			}
			x = f
		default:
			return x, nil
		}
	}
}

// parseFilter reads `name`, `name:(args)` or `name:literal`. The colon must
// follow the name directly so a ternary ':' is never taken as arguments.
func (p *exprParser) parseFilter(x *Expr) (*Expr, error) {
	p.skipSpace()
	name := p.ident()
	if name == "" {
		return nil, fmt.Errorf("missing filter name after '|'")
	}
	f := &Expr{Kind: ExprFilter, Name: name, X: x}
	if p.peekByte() == ':' {
		p.i++
		if p.peekByte() == '(' {
			p.i++
			args, kwargs, err := p.parseArgs(")")
			if err != nil {
				return nil, fmt.Errorf("filter %s: malformed argument list: %w", name, err)
			}
			if len(kwargs) > 0 {
				return nil, fmt.Errorf("filter %s: named arguments are not supported", name)
			}
			f.Args = args
		} else {
			arg, err := p.parsePrimary()
			if err != nil {
				return nil, fmt.Errorf("filter %s: malformed argument: %w", name, err)
			}
			f.Args = []*Expr{arg}
		}
	}
	if p.flags.noFilters {
		return x, nil
	}
	return f, nil
}

// parseArgs reads a comma separated argument list up to close. Arguments of
// the form name=expr are collected as keyword arguments.
func (p *exprParser) parseArgs(close string) ([]*Expr, []NamedExpr, error) {
	var args []*Expr
	var kwargs []NamedExpr
	if p.accept(close) {
		return nil, nil, nil
	}
	for {
		name, v, err := p.parseArg()
		if err != nil {
			return nil, nil, err
		}
		switch {
		case name != "":
			kwargs = append(kwargs, NamedExpr{Name: name, Expr: v})
		case len(kwargs) > 0:
			return nil, nil, fmt.Errorf("positional argument after named argument")
		default:
			args = append(args, v)
		}
		if p.accept(close) {
			return args, kwargs, nil
		}
		if err := p.expect(","); err != nil {
			return nil, nil, err
		}
	}
}

func (p *exprParser) parseArg() (string, *Expr, error) {
	p.skipSpace()
	save := p.i
	if name := p.ident(); name != "" {
		p.skipSpace()
		if p.peekByte() == '=' && !strings.HasPrefix(p.src[p.i:], "==") {
			p.i++
			v, err := p.parseExpr()
			return name, v, err
		}
	}
	p.i = save
	v, err := p.parseExpr()
	return "", v, err
}

func (p *exprParser) parsePrimary() (*Expr, error) {
	p.skipSpace()
	if p.eof() {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	c := p.src[p.i]
	switch {
	case c == '(':
		p.i++
		x, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return x, nil
	case c == '"' || c == '\'':
		s, err := p.parseString()
		if err != nil {
			return nil, err
		}
		return &Expr{Kind: ExprString, Str: s}, nil
	case isDigit(c):
		return p.parseNumber()
	case c == '[':
		p.i++
		items, kwargs, err := p.parseArgs("]")
		if err != nil {
			return nil, err
		}
		if len(kwargs) > 0 {
			return nil, fmt.Errorf("unexpected '=' in list literal")
		}
		return &Expr{Kind: ExprList, Items: items}, nil
	case c == '{':
		p.i++
		return p.parseMap()
	case c == '$':
		p.i++
		name := p.ident()
		if name == "" {
			return nil, fmt.Errorf("missing variable name after '$'")
		}
		return p.parseVar(name)
	case isIdentStart(c):
		name := p.ident()
		switch name {
		case "true":
			return &Expr{Kind: ExprBool, Bool: true}, nil
		case "false":
			return &Expr{Kind: ExprBool}, nil
		case "null", "nil", "none":
			return &Expr{Kind: ExprNil}, nil
		}
		p.skipSpace()
		if p.peekByte() == '(' {
			p.i++
			args, kwargs, err := p.parseArgs(")")
			if err != nil {
				return nil, fmt.Errorf("call %s: malformed argument list: %w", name, err)
			}
			return &Expr{Kind: ExprCall, Name: name, Args: args, Kwargs: kwargs}, nil
		}
		return p.parseVar(name)
	}
	return nil, fmt.Errorf("unexpected %q", p.src[p.i:])
}

func (p *exprParser) parseVar(name string) (*Expr, error) {
	x := &Expr{Kind: ExprVar, Name: name}
	if err := p.parseDotted(x); err != nil {
		return nil, err
	}
	return x, nil
}

// parseDotted reads `.seg` steps directly after a variable. A segment ending
// in a call parenthesis is a method call, a numeric or $-prefixed segment is
// an index, anything else is a string key.
func (p *exprParser) parseDotted(x *Expr) error {
	for p.peekByte() == '.' {
		if p.flags.noPaths {
			start := p.i
			p.i++
			for p.i < len(p.src) && (isIdentByte(p.src[p.i]) || p.src[p.i] == '.') {
				p.i++
			}
			x.Name += p.src[start:p.i]
			continue
		}
		p.i++
		switch c := p.peekByte(); {
		case isDigit(c):
			start := p.i
			for p.i < len(p.src) && isDigit(p.src[p.i]) {
				p.i++
			}
			n, _ := strconv.Atoi(p.src[start:p.i])
			x.Path = append(x.Path, Segment{Kind: SegIndex, Index: n})
		case c == '$':
			p.i++
			name := p.ident()
			if name == "" {
				return fmt.Errorf("missing variable name in path segment")
			}
			x.Path = append(x.Path, Segment{Kind: SegVar, Name: name})
		case isIdentStart(c):
			name := p.ident()
			if p.peekByte() == '(' {
				p.i++
				args, kwargs, err := p.parseArgs(")")
				if err != nil {
					return fmt.Errorf("method %s: malformed argument list: %w", name, err)
				}
				x.Path = append(x.Path, Segment{Kind: SegMethod, Name: name, Args: args, Kwargs: kwargs})
				continue
			}
			x.Path = append(x.Path, Segment{Kind: SegKey, Name: name})
		default:
			return fmt.Errorf("malformed path segment after %q", x.Name)
		}
	}
	return nil
}

func (p *exprParser) parseBracket() (Segment, error) {
	p.i++ // [
	idx, err := p.parseExpr()
	if err != nil {
		return Segment{}, err
	}
	if err := p.expect("]"); err != nil {
		return Segment{}, err
	}
	switch idx.Kind {
	case ExprString:
		return Segment{Kind: SegKey, Name: idx.Str}, nil
	case ExprInt:
		return Segment{Kind: SegIndex, Index: int(idx.Int)}, nil
	}
	return Segment{Kind: SegExpr, Expr: idx}, nil
}

func (p *exprParser) parseMap() (*Expr, error) {
	m := &Expr{Kind: ExprMap}
	if p.accept("}") {
		return m, nil
	}
	for {
		p.skipSpace()
		var key string
		switch c := p.peekByte(); {
		case c == '"' || c == '\'':
			s, err := p.parseString()
			if err != nil {
				return nil, err
			}
			key = s
		case c == '$':
			p.i++
			key = p.ident()
		default:
			key = p.ident()
		}
		if key == "" {
			return nil, fmt.Errorf("malformed map key at %q", p.src[p.i:])
		}
		if !p.accept(":") && !p.accept("=") {
			return nil, fmt.Errorf("expected ':' after map key %q", key)
		}
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		m.Keys = append(m.Keys, key)
		m.Items = append(m.Items, v)
		if p.accept("}") {
			return m, nil
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
	}
}

func (p *exprParser) parseString() (string, error) {
	q := p.src[p.i]
	p.i++
	var sb strings.Builder
	for p.i < len(p.src) {
		c := p.src[p.i]
		switch {
		case c == q:
			p.i++
			return sb.String(), nil
		case c == '\\' && p.i+1 < len(p.src):
			p.i++
			switch e := p.src[p.i]; e {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			default:
				sb.WriteByte(e)
			}
		default:
			sb.WriteByte(c)
		}
		p.i++
	}
	return "", fmt.Errorf("unterminated string literal")
}

func (p *exprParser) parseNumber() (*Expr, error) {
	start := p.i
	for p.i < len(p.src) && isDigit(p.src[p.i]) {
		p.i++
	}
	isFloat := false
	if p.i+1 < len(p.src) && p.src[p.i] == '.' && isDigit(p.src[p.i+1]) {
		isFloat = true
		p.i++
		for p.i < len(p.src) && isDigit(p.src[p.i]) {
			p.i++
		}
	}
	text := p.src[start:p.i]
	if isFloat {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, err
		}
		return &Expr{Kind: ExprFloat, Float: f}, nil
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return nil, err
	}
	return &Expr{Kind: ExprInt, Int: n}, nil
}

func isIdentStart(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isIdentByte(b byte) bool { return isIdentStart(b) || isDigit(b) }

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// rootName returns the name an iterable is known by for loop metadata:
// the last key of its path, or the variable itself.
func (e *Expr) rootName() string {
	if e == nil || e.Kind != ExprVar {
		return ""
	}
	for i := len(e.Path) - 1; i >= 0; i-- {
		if e.Path[i].Kind == SegKey {
			return e.Path[i].Name
		}
	}
	return e.Name
}
