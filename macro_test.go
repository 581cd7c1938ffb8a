package stencil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateMacros(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		scope map[string]any
		want  string
	}{
		{
			name: "positional and named arguments",
			src:  `{% macro pair(a, b="two") %}{{ $a }}-{{ $b }}{% end %}{{ pair(1) }} {{ pair(1, 2) }} {{ pair(b=3, a=4) }}`,
			want: "1-two 1-2 4-3",
		},
		{
			name: "default refers to an earlier parameter",
			src:  `{% macro greet(name, msg="Hi " ~ $name) %}{{ $msg }}{% end %}{{ greet("Ann") }}`,
			want: "Hi Ann",
		},
		{
			name:  "body sees only its parameters",
			src:   `{% macro show() %}[{{ $outer }}]{% endmacro %}{{ show() }}{{ $outer }}`,
			scope: map[string]any{"outer": "x"},
			want:  "[]x",
		},
		{
			name: "missing argument is empty",
			src:  `{% macro m(a) %}<{{ $a }}>{% end %}{{ m() }}`,
			want: "<>",
		},
		{
			name: "recursion",
			src:  `{% macro count(n) %}{{ $n }}{% if $n > 0 %}{{ count($n - 1) }}{% end %}{% end %}{{ count(3) }}`,
			want: "3210",
		},
		{
			name: "first definition wins",
			src:  `{% macro m() %}A{% end %}{% macro m() %}B{% end %}{{ m() }}`,
			want: "A",
		},
		{
			name: "definition renders nothing",
			src:  "a{% macro m() %}body{% /macro %}b",
			want: "ab",
		},
		{
			name: "section inside a macro does not define a page section",
			src:  `{% macro m() %}{% section "title" %}FromMacro{% end %}{% end %}{% section "title" %}Page{% end %}[{{ yield "title" }}]`,
			want: "[Page]",
		},
		{
			name: "section inside a macro renders as text",
			src:  `{% macro m() %}{% section "title" %}{{ 1 + 1 }}{% end %}{% end %}{{ m() }}`,
			want: `{% section "title" %}2{% end %}`,
		},
		{
			name: "macros may call later macros",
			src:  `{% macro outer() %}({{ inner() }}){% end %}{% macro inner() %}in{% end %}{{ outer() }}`,
			want: "(in)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, renderInline(t, tt.src, tt.scope))
		})
	}
}

func TestMacroGlobalsAndEscaping(t *testing.T) {
	reg := NewRegistries()
	reg.AddGlobal("site", "Stencil")
	src := `{% macro brand(tag) %}[{{ $tag }}]{{ $site }}{% end %}{{ brand("<i>") }}{{ $site }}`

	out := renderInline(t, src, nil, WithRegistries(reg))
	assert.Equal(t, "[<i>]StencilStencil", out)

	// Macro output is already escaped, so it is not escaped twice.
	out = renderInline(t, src, nil, WithRegistries(reg), WithAutoEscape(true))
	assert.Equal(t, "[&lt;i&gt;]StencilStencil", out)
}

func TestMacroDepthLimit(t *testing.T) {
	src := `{% macro again() %}.{{ again() }}{% end %}{{ again() }}`

	tpl, err := Compile(src, WithStrict(true), WithMaxDepth(5))
	require.NoError(t, err)
	_, err = tpl.RenderString(nil)
	var ee *EvaluationError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "again()", ee.Expr)
	assert.Contains(t, ee.Msg, "maximum nesting depth 5 exceeded")

	out := renderInline(t, src, nil, WithMaxDepth(5))
	assert.Contains(t, out, "..")
}

func TestMacroTable(t *testing.T) {
	reg := NewRegistries()
	reg.AddGlobal("greeting", "Hello")
	mt := reg.Macros

	require.NoError(t, mt.Define("hello", []MacroParam{{Name: "name"}}, "{{ $greeting }} {{ $name }}"))
	require.NoError(t, mt.DefineSignature(`pair(a, b=2)`, "{{ $a }}-{{ $b }}"))
	assert.True(t, mt.Has("hello"))
	assert.False(t, mt.Has("nope"))

	out, err := mt.Invoke("hello", []any{"Ann"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello Ann", out)

	out, err = mt.Invoke("pair", []any{1}, nil)
	require.NoError(t, err)
	assert.Equal(t, "1-2", out)

	out, err = mt.Invoke("pair", nil, map[string]any{"a": "x", "b": "y"})
	require.NoError(t, err)
	assert.Equal(t, "x-y", out)

	_, err = mt.Invoke("nope", nil, nil)
	assert.EqualError(t, err, "macro nope not defined")

	t.Run("identical redefinition keeps the entry", func(t *testing.T) {
		before := mt.entries["hello"]
		require.NoError(t, mt.Define("hello", []MacroParam{{Name: "name"}}, "{{ $greeting }} {{ $name }}"))
		assert.Same(t, before, mt.entries["hello"])

		require.NoError(t, mt.Define("hello", []MacroParam{{Name: "name"}}, "Hi {{ $name }}"))
		assert.NotSame(t, before, mt.entries["hello"])
		out, err := mt.Invoke("hello", []any{"Bo"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "Hi Bo", out)
	})

	t.Run("callable from templates", func(t *testing.T) {
		out := renderInline(t, `{{ pair("p") }}|{{ hello("Cy") }}`, nil, WithRegistries(reg))
		assert.Equal(t, "p-2|Hi Cy", out)
	})

	t.Run("template macro shadows registry macro", func(t *testing.T) {
		out := renderInline(t, `{% macro pair() %}local{% end %}{{ pair() }}`, nil, WithRegistries(reg))
		assert.Equal(t, "local", out)
	})

	t.Run("empty name", func(t *testing.T) {
		assert.Error(t, mt.Define("", nil, "x"))
	})

	t.Run("broken body", func(t *testing.T) {
		require.NoError(t, mt.Define("broken", nil, "{% if $x %}open"))
		_, err := mt.Invoke("broken", nil, nil)
		var ce *CompileError
		require.ErrorAs(t, err, &ce)
		assert.True(t, ce.Fatal)
		assert.Equal(t, "macro:broken", ce.Template)

		full := NewRegistries()
		full.Macros.SetMode(MacroModeFull)
		assert.Error(t, full.Macros.Define("broken", nil, "{% if $x %}open"))
	})
}

func TestParseMacroSignature(t *testing.T) {
	name, params, err := ParseMacroSignature(` card($title, body="", n=1 + 1) `)
	require.NoError(t, err)
	assert.Equal(t, "card", name)
	require.Len(t, params, 3)
	assert.Equal(t, "title", params[0].Name)
	assert.Nil(t, params[0].Default)
	assert.Equal(t, ExprString, params[1].Default.Kind)
	assert.Equal(t, ExprBinary, params[2].Default.Kind)

	name, params, err = ParseMacroSignature("bare")
	require.NoError(t, err)
	assert.Equal(t, "bare", name)
	assert.Empty(t, params)

	for sig, msg := range map[string]string{
		"":          "macro name expected",
		"(a)":       "macro name expected",
		"m(a,,b)":   "malformed parameter list",
		"m(a, a)":   `duplicate parameter "a"`,
		"m(a=)":     "parameter a",
		"m(a) tail": "after parameter list",
		"m(a":       "malformed parameter list",
	} {
		_, _, err := ParseMacroSignature(sig)
		var ce *CompileError
		require.ErrorAs(t, err, &ce, sig)
		assert.Contains(t, ce.Msg, msg, sig)
	}
}

func TestParseMacroMode(t *testing.T) {
	for in, want := range map[string]MacroMode{
		"":             MacroModeControlFlow,
		"control_flow": MacroModeControlFlow,
		"Control-Flow": MacroModeControlFlow,
		"controlflow":  MacroModeControlFlow,
		" full ":       MacroModeFull,
	} {
		got, err := ParseMacroMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMacroMode("eager")
	assert.EqualError(t, err, `unknown macro mode "eager"`)
}
