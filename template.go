package stencil

import (
	"context"
	"io"
	"strings"
)

// ----------------------------- Public API -----------------------------------

// Template is a compiled in-memory template bound to the engine that
// compiled it.
type Template struct {
	engine *Engine
	bundle *Bundle
}

// Compile compiles src with a fresh engine built from opts. Includes and
// extends resolve against the engine's template path.
func Compile(src string, opts ...Option) (*Template, error) {
	e, err := New(opts...)
	if err != nil {
		return nil, err
	}
	return e.Parse("inline", src)
}

// MustCompile is Compile that panics on error.
func MustCompile(src string, opts ...Option) *Template {
	t, err := Compile(src, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

// Parse compiles src under name with this engine.
func (e *Engine) Parse(name, src string) (*Template, error) {
	b, err := e.CompileString(name, src, nil)
	if err != nil {
		return nil, err
	}
	return &Template{engine: e, bundle: b}, nil
}

// Bundle returns the compiled representation.
func (t *Template) Bundle() *Bundle { return t.bundle }

// Render executes the template with the given data into w.
func (t *Template) Render(w io.Writer, data map[string]any) error {
	return t.engine.RenderBundle(context.Background(), w, t.bundle, data)
}

// RenderString renders into a pooled buffer and returns a string.
func (t *Template) RenderString(data map[string]any) (string, error) {
	sb := stringBuilderPool.Get().(*strings.Builder)
	sb.Reset()
	defer stringBuilderPool.Put(sb)
	if err := t.Render(sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// RenderToDiscard renders template to io.Discard for benchmarking
func (t *Template) RenderToDiscard(data map[string]any) error {
	return t.Render(io.Discard, data)
}
