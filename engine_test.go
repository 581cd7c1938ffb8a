package stencil

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/stencil/cachestore"
)

func TestExtends(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"base.html":   `[{{ yield "title" }}|{{ yield "sidebar" }}]{{ content }}`,
		"mid.html":    `{% extends "base" %}{% section "sidebar" %}MidSide{% end %}<div>{{ content }}</div>`,
		"page.html":   `{% extends "mid" %}{% section "title" %}Page{% end %}{% section "sidebar" %}Side{% end %}body`,
		"single.html": "{% extends \"base\" %}\n{% section \"title\" %}One{% end %}\n  child  \n",
		"layout.html": `<main>{{ body }}</main>`,
		"custom.html": `{% extends "layout" as="body" %}hi`,
		"spaced.html": "{% extends \"layout\" as=\"body\" %}\n a\n\n  b \n",
		"plain.html":  `HEAD`,
		"nomark.html": `{% extends "plain" %}X`,
		"orphan.html": `{% extends "nope" %}child`,
		"upper.html":  `{% extends "shout" %}{% section "title" %}quiet{% end %}`,
		"shout.html":  `{{ yield "title" modifier="upper" }}/{{ yield "missing" }}/{{ content }}`,
	})
	ctx := context.Background()

	tests := []struct {
		name string
		want string
	}{
		{"page", "[Page|Side]<div>body</div>"},
		{"single", "[One|]child"},
		{"custom", "<main>hi</main>"},
		{"spaced", "<main>a\n\n  b</main>"},
		{"nomark", "HEAD\nX"},
		{"upper", "QUIET//"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.RenderString(ctx, tt.name, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}

	t.Run("missing parent", func(t *testing.T) {
		out, err := e.RenderString(ctx, "orphan", nil)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, `[stencil error: extends "nope"`), out)
		assert.True(t, strings.HasSuffix(out, "child"), out)
	})
}

func TestInclude(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"header.html":  `<h1>{{ $title }}</h1>`,
		"with.html":    `{% include "header" with={"title": "Hi"} %}{{ $title }}`,
		"only.html":    `{% include "header" only %}`,
		"scope.html":   `{% include "header" %}`,
		"as.html":      `{% include "header" as="h" %}[{{ $h }}]`,
		"mod.html":     `{% include file="header" modifier="upper" %}`,
		"missing.html": `a{% include "nope" %}b`,
		"self.html":    `x{% include "self" %}`,
	}, WithMaxDepth(4))
	ctx := context.Background()
	scope := map[string]any{"title": "Outer"}

	tests := []struct {
		name string
		want string
	}{
		{"with", "<h1>Hi</h1>Outer"},
		{"only", "<h1></h1>"},
		{"scope", "<h1>Outer</h1>"},
		{"as", "[<h1>Outer</h1>]"},
		{"mod", "<H1>OUTER</H1>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.RenderString(ctx, tt.name, scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}

	t.Run("missing", func(t *testing.T) {
		out, err := e.RenderString(ctx, "missing", scope)
		require.NoError(t, err)
		assert.Contains(t, out, `[stencil error: include "nope"`)
		assert.True(t, strings.HasPrefix(out, "a"))
		assert.True(t, strings.HasSuffix(out, "b"))
	})

	t.Run("self include is bounded", func(t *testing.T) {
		out, err := e.RenderString(ctx, "self", scope)
		require.NoError(t, err)
		assert.Contains(t, out, "maximum nesting depth 4 exceeded")
		assert.True(t, strings.HasPrefix(out, "xxx"))
	})
}

func TestImport(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"macros.html": `ignored{% macro hello(name, greeting="Hello") %}{{ $greeting }} {{ $name }}{% end %}{% section "s" %}dropped{% end %}`,
		"page.html":   `{% import "macros" as m %}{{ $m.hello("Ann") }}|{{ $m.hello("Bo", greeting="Hi") }}|{{ yield "s" }}`,
		"bad.html":    `{% import "macros" as m %}{{ $m.nope() }}`,
	})
	ctx := context.Background()

	out, err := e.RenderString(ctx, "page", nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello Ann|Hi Bo|", out)

	b, err := e.Compile(ctx, "page", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"macros"}, b.Imports)
	assert.Empty(t, b.Macros)

	out, err = e.RenderString(ctx, "bad", nil)
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestResolve(t *testing.T) {
	dir := writeTemplates(t, map[string]string{
		"a.html":         "a-html",
		"a.tpl":          "a-tpl",
		"only.tpl":       "only-tpl",
		"page.html":      "page",
		"nested/x.html":  "nested",
		"dir.html/.keep": "",
	})
	other := writeTemplates(t, map[string]string{
		"a.html":     "other-a",
		"extra.html": "extra",
	})
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(dir), "secret.html"), []byte("secret"), 0o644))
	ctx := context.Background()

	e, err := New(WithTemplatePath(dir, other))
	require.NoError(t, err)

	tests := []struct {
		name string
		want string
	}{
		{"a", "a-html"},
		{"only", "only-tpl"},
		{"page.html", "page"},
		{"nested/x", "nested"},
		{"extra", "extra"},
	}
	for _, tt := range tests {
		out, err := e.RenderString(ctx, tt.name, nil)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, out, tt.name)
	}

	t.Run("suffix order", func(t *testing.T) {
		e, err := New(WithTemplatePath(dir), WithSuffix(".tpl", ".html"))
		require.NoError(t, err)
		out, err := e.RenderString(ctx, "a", nil)
		require.NoError(t, err)
		assert.Equal(t, "a-tpl", out)
	})

	t.Run("not found", func(t *testing.T) {
		e, err := New(WithTemplatePath(dir))
		require.NoError(t, err)
		_, err = e.RenderString(ctx, "missing", nil)
		var nf *NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.True(t, errors.Is(err, ErrTemplateNotFound))
		assert.Equal(t, "missing", nf.Name)
		assert.Equal(t, []string{
			filepath.Join(e.bases[0], "missing.html"),
			filepath.Join(e.bases[0], "missing.tpl"),
		}, nf.Tried)
	})

	t.Run("directories are skipped", func(t *testing.T) {
		_, err := e.RenderString(ctx, "dir", nil)
		assert.ErrorIs(t, err, ErrTemplateNotFound)
	})

	t.Run("path escape", func(t *testing.T) {
		_, err := e.RenderString(ctx, "../secret", nil)
		var nf *NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Empty(t, nf.Tried)
	})
}

func TestHooks(t *testing.T) {
	var seen []string
	e := newTestEngine(t, map[string]string{"page.html": `{{ $greeting }} {{ $name }}`},
		WithBeforeRender(func(name string, scope map[string]any) {
			seen = append(seen, name)
			scope["greeting"] = "hello"
		}),
		WithAfterRender(func(name, output string) string {
			return strings.ToUpper(output)
		}),
	)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		out, err := e.RenderString(ctx, "page", map[string]any{"name": "ann"})
		require.NoError(t, err)
		assert.Equal(t, "HELLO ANN", out)
	}
	out, err := e.RenderString(ctx, "page", nil)
	require.NoError(t, err)
	assert.Equal(t, "HELLO ", out)
	assert.Equal(t, []string{"page", "page", "page"}, seen)
}

// touch rewrites path and sets its mtime.
func touch(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestTemplateCache(t *testing.T) {
	ctx := context.Background()

	t.Run("hit serves the compiled bundle", func(t *testing.T) {
		dir := writeTemplates(t, map[string]string{"page.html": "v1"})
		path := filepath.Join(dir, "page.html")
		info, err := os.Stat(path)
		require.NoError(t, err)

		driver := cachestore.NewMemory(-1, time.Minute)
		e, err := New(WithTemplatePath(dir), WithCacheDriver(driver))
		require.NoError(t, err)

		out, err := e.RenderString(ctx, "page", nil)
		require.NoError(t, err)
		assert.Equal(t, "v1", out)
		assert.Equal(t, 1, driver.Len())

		// Same mtime: the cached bundle still wins.
		touch(t, path, "v2", info.ModTime())
		out, err = e.RenderString(ctx, "page", nil)
		require.NoError(t, err)
		assert.Equal(t, "v1", out)

		// Newer source: recompiled.
		touch(t, path, "v3", time.Now().Add(time.Hour))
		out, err = e.RenderString(ctx, "page", nil)
		require.NoError(t, err)
		assert.Equal(t, "v3", out)
	})

	t.Run("disabled", func(t *testing.T) {
		dir := writeTemplates(t, map[string]string{"page.html": "v1"})
		path := filepath.Join(dir, "page.html")
		info, err := os.Stat(path)
		require.NoError(t, err)

		e, err := New(WithTemplatePath(dir), WithCache(false))
		require.NoError(t, err)
		assert.Nil(t, e.Cache())

		out, err := e.RenderString(ctx, "page", nil)
		require.NoError(t, err)
		assert.Equal(t, "v1", out)
		touch(t, path, "v2", info.ModTime())
		out, err = e.RenderString(ctx, "page", nil)
		require.NoError(t, err)
		assert.Equal(t, "v2", out)
		assert.NoError(t, e.Precompile(ctx, "page"))
	})

	for _, track := range []bool{true, false} {
		name := "dependency tracking off"
		want := "<old>"
		if track {
			name = "dependency tracking on"
			want = "<new>"
		}
		t.Run(name, func(t *testing.T) {
			dir := writeTemplates(t, map[string]string{
				"page.html":    `{% include "partial" %}`,
				"partial.html": "<old>",
			})
			e, err := New(WithTemplatePath(dir), WithTrackDependencies(track))
			require.NoError(t, err)

			out, err := e.RenderString(ctx, "page", nil)
			require.NoError(t, err)
			assert.Equal(t, "<old>", out)

			touch(t, filepath.Join(dir, "partial.html"), "<new>", time.Now().Add(time.Hour))
			out, err = e.RenderString(ctx, "page", nil)
			require.NoError(t, err)
			assert.Equal(t, want, out)
		})
	}

	t.Run("precompile", func(t *testing.T) {
		dir := writeTemplates(t, map[string]string{
			"page.html":   `{% extends "layout" %}page`,
			"layout.html": `<{{ content }}>`,
		})
		e, err := New(WithTemplatePath(dir))
		require.NoError(t, err)
		require.NoError(t, e.Precompile(ctx, "page", "layout"))

		path := filepath.Join(e.bases[0], "page.html")
		info, err := os.Stat(path)
		require.NoError(t, err)
		b, ok := e.Cache().Load(ctx, e.Cache().Key(path), info.ModTime().UnixNano())
		require.True(t, ok)
		assert.Equal(t, "page", b.Name)
		assert.Len(t, b.Dependencies, 2)

		err = e.Precompile(ctx, "page", "missing")
		assert.ErrorIs(t, err, ErrTemplateNotFound)
	})
}

func TestCompileReportsFatalErrors(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"broken.html":  "ok\n{% if $x %}never closed",
		"wrapper.html": `{% include "broken" %}`,
	})
	ctx := context.Background()

	_, err := e.RenderString(ctx, "broken", nil)
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "broken", ce.Template)
	assert.Equal(t, 2, ce.Line)

	// A fatal error in an included file is contained to the include.
	out, err := e.RenderString(ctx, "wrapper", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "unclosed if block")
}

func TestMacroModes(t *testing.T) {
	files := map[string]string{"part.html": "PART"}
	body := `<{% include "part" %}>`

	t.Run("control flow leaves structural directives as text", func(t *testing.T) {
		e := newTestEngine(t, files)
		require.NoError(t, e.Registries().Macros.Define("box", nil, body))
		out, err := e.Parse("page", `{{ box() }}`)
		require.NoError(t, err)
		s, err := out.RenderString(nil)
		require.NoError(t, err)
		assert.Equal(t, `<{% include "part" %}>`, s)
	})

	t.Run("full resolves includes", func(t *testing.T) {
		e := newTestEngine(t, files, WithMacroMode(MacroModeFull))
		require.NoError(t, e.Registries().Macros.Define("box", nil, body))
		out, err := e.Parse("page", `{{ box() }}`)
		require.NoError(t, err)
		s, err := out.RenderString(nil)
		require.NoError(t, err)
		assert.Equal(t, "<PART>", s)
	})

	t.Run("engines sharing registries keep their own mode", func(t *testing.T) {
		dir := writeTemplates(t, files)
		reg := NewRegistries()
		full, err := New(WithTemplatePath(dir), WithRegistries(reg), WithMacroMode(MacroModeFull))
		require.NoError(t, err)
		flow, err := New(WithTemplatePath(dir), WithRegistries(reg))
		require.NoError(t, err)
		require.NoError(t, reg.Macros.Define("box", nil, body))

		for _, c := range []struct {
			e    *Engine
			want string
		}{
			{full, "<PART>"},
			{flow, `<{% include "part" %}>`},
			{full, "<PART>"},
		} {
			out, err := c.e.Parse("page", `{{ box() }}`)
			require.NoError(t, err)
			s, err := out.RenderString(nil)
			require.NoError(t, err)
			assert.Equal(t, c.want, s)
		}

		// Building an engine leaves the table's own mode alone.
		reg.Macros.SetMode(MacroModeFull)
		_, err = New(WithRegistries(reg))
		require.NoError(t, err)
		assert.Error(t, reg.Macros.Define("broken", nil, "{% if $x %}open"))
	})
}
