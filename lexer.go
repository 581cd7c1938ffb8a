package stencil

import (
	"strings"
)

// ----------------------------- Lexer ----------------------------------------

// Delims holds the open/close pairs of the three tag families.
type Delims struct {
	Expr    [2]string `mapstructure:"expr" yaml:"expr"`
	Block   [2]string `mapstructure:"block" yaml:"block"`
	Comment [2]string `mapstructure:"comment" yaml:"comment"`
}

// DefaultDelims are {{ }}, {% %} and {# #}.
var DefaultDelims = Delims{
	Expr:    [2]string{"{{", "}}"},
	Block:   [2]string{"{%", "%}"},
	Comment: [2]string{"{#", "#}"},
}

func (d Delims) withDefaults() Delims {
	if d.Expr[0] == "" || d.Expr[1] == "" {
		d.Expr = DefaultDelims.Expr
	}
	if d.Block[0] == "" || d.Block[1] == "" {
		d.Block = DefaultDelims.Block
	}
	if d.Comment[0] == "" || d.Comment[1] == "" {
		d.Comment = DefaultDelims.Comment
	}
	return d
}

type tokenKind uint8

const (
	tokText tokenKind = iota
	tokTag
	tokLiteral
)

type token struct {
	kind tokenKind
	text string // text, trimmed tag body, or literal content
	raw  string // tag source including delimiters
	attr string // literal: attributes of the opening tag
	line int
}

const (
	famExpr = iota
	famBlock
	famComment
)

// nextOpen finds the earliest opening delimiter in s.
func nextOpen(s string, d Delims) (int, int) {
	at, fam := -1, -1
	for f, open := range [3]string{d.Expr[0], d.Block[0], d.Comment[0]} {
		i := strings.Index(s, open)
		if i < 0 {
			continue
		}
		// on a tie the longer delimiter wins
		if at < 0 || i < at || (i == at && len(open) > len(pairFor(d, fam)[0])) {
			at, fam = i, f
		}
	}
	return at, fam
}

func pairFor(d Delims, fam int) [2]string {
	switch fam {
	case famBlock:
		return d.Block
	case famComment:
		return d.Comment
	}
	return d.Expr
}

// findClose returns the index of close in s at or after from, skipping
// quoted strings. An unbalanced quote falls back to a plain search.
func findClose(s string, from int, close string) int {
	var quote byte
	for i := from; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case strings.HasPrefix(s[i:], close):
			return i
		}
	}
	if i := strings.Index(s[from:], close); i >= 0 {
		return from + i
	}
	return -1
}

// headWord splits a tag body into its leading keyword and the rest. The
// keyword must be followed by whitespace or end the tag.
func headWord(s string) (string, string) {
	if strings.HasPrefix(s, "/") {
		i := 1
		for i < len(s) && isIdentByte(s[i]) {
			i++
		}
		return s[:i], fastTrim(s[i:])
	}
	i := 0
	for i < len(s) && isIdentByte(s[i]) {
		i++
	}
	if i == 0 || (i < len(s) && s[i] != ' ' && s[i] != '\t' && s[i] != '\n' && s[i] != '\r') {
		return "", s
	}
	return s[:i], fastTrim(s[i:])
}

func isLiteralCloser(body string) bool {
	switch body {
	case "endliteral", "/literal":
		return true
	}
	head, rest := headWord(body)
	return head == "end" && rest == "literal"
}

// lex splits src into text, tag and literal tokens. Comments are dropped.
// Literal blocks are captured raw so nothing inside them is compiled.
func lex(src string, d Delims) ([]token, error) {
	toks := make([]token, 0, 16)
	line := 1
	i := 0
	for i < len(src) {
		j, fam := nextOpen(src[i:], d)
		if j < 0 {
			toks = append(toks, token{kind: tokText, text: src[i:], line: line})
			break
		}
		if j > 0 {
			text := src[i : i+j]
			toks = append(toks, token{kind: tokText, text: text, line: line})
			line += strings.Count(text, "\n")
		}
		i += j
		pair := pairFor(d, fam)
		start := i
		bodyStart := i + len(pair[0])

		if fam == famComment {
			end := strings.Index(src[bodyStart:], pair[1])
			if end < 0 {
				return nil, &CompileError{Line: line, Msg: "unterminated comment", Fatal: true}
			}
			i = bodyStart + end + len(pair[1])
			line += strings.Count(src[start:i], "\n")
			continue
		}

		end := findClose(src, bodyStart, pair[1])
		if end < 0 {
			return nil, &CompileError{Line: line, Fragment: clip(src[start:]), Msg: "unterminated tag", Fatal: true}
		}
		body := fastTrim(src[bodyStart:end])
		i = end + len(pair[1])
		raw := src[start:i]

		if head, rest := headWord(body); head == "literal" {
			content, next, ok := scanLiteral(src, i, d)
			if !ok {
				return nil, &CompileError{Line: line, Fragment: raw, Msg: "unclosed literal block", Fatal: true}
			}
			toks = append(toks, token{kind: tokLiteral, text: strings.Trim(content, "\r\n"), raw: raw, attr: rest, line: line})
			line += strings.Count(src[start:next], "\n")
			i = next
			continue
		}

		toks = append(toks, token{kind: tokTag, text: body, raw: raw, line: line})
		line += strings.Count(raw, "\n")
	}
	return toks, nil
}

// scanLiteral finds the literal closer after from. It returns the raw
// content and the offset just past the closing tag.
func scanLiteral(src string, from int, d Delims) (string, int, bool) {
	i := from
	for i < len(src) {
		j, fam := nextOpen(src[i:], d)
		if j < 0 {
			return "", 0, false
		}
		pos := i + j
		pair := pairFor(d, fam)
		if fam == famComment {
			i = pos + len(pair[0])
			continue
		}
		end := strings.Index(src[pos+len(pair[0]):], pair[1])
		if end < 0 {
			return "", 0, false
		}
		bodyEnd := pos + len(pair[0]) + end
		if isLiteralCloser(fastTrim(src[pos+len(pair[0]) : bodyEnd])) {
			return src[from:pos], bodyEnd + len(pair[1]), true
		}
		i = pos + len(pair[0])
	}
	return "", 0, false
}

func clip(s string) string {
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}
