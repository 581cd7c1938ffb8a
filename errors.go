package stencil

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTemplateNotFound is returned (wrapped in *NotFoundError) when no
	// candidate file exists for a template name.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrCacheMiss reports that no fresh compiled bundle was available.
	ErrCacheMiss = errors.New("cache miss")
)

// NotFoundError lists every candidate path tried while resolving Name.
type NotFoundError struct {
	Name  string
	Tried []string
}

func (e *NotFoundError) Error() string {
	if len(e.Tried) == 0 {
		return fmt.Sprintf("template %q not found", e.Name)
	}
	return fmt.Sprintf("template %q not found (tried %s)", e.Name, strings.Join(e.Tried, ", "))
}

func (e *NotFoundError) Unwrap() error { return ErrTemplateNotFound }

// CompileError describes a directive the compiler could not translate.
// Fatal errors (unbalanced block nesting) abort the template; the others are
// rendered as inline markers.
type CompileError struct {
	Template string
	Line     int
	Fragment string
	Msg      string
	Fatal    bool
}

func (e *CompileError) Error() string {
	var sb strings.Builder
	if e.Template != "" {
		sb.WriteString(e.Template)
		sb.WriteByte(':')
	}
	if e.Line > 0 {
		fmt.Fprintf(&sb, "%d:", e.Line)
	}
	if sb.Len() > 0 {
		sb.WriteByte(' ')
	}
	sb.WriteString(e.Msg)
	if e.Fragment != "" {
		fmt.Fprintf(&sb, " in %q", e.Fragment)
	}
	return sb.String()
}

// EvaluationError is surfaced only in strict mode; otherwise failed lookups
// render as empty strings.
type EvaluationError struct {
	Template string
	Expr     string
	Msg      string
}

func (e *EvaluationError) Error() string {
	if e.Template != "" {
		return fmt.Sprintf("%s: evaluating %s: %s", e.Template, e.Expr, e.Msg)
	}
	return fmt.Sprintf("evaluating %s: %s", e.Expr, e.Msg)
}

// errorMarker is the bounded inline text rendered in place of a broken
// directive.
func errorMarker(msg string) string {
	return "[stencil error: " + msg + "]"
}
