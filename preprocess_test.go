package stencil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreprocess(t *testing.T) {
	reg := NewRegistries()
	reg.AddGlobal("n", 1)
	reg.AddGlobal("s", "abc")
	reg.AddGlobal("user.name", "flat")
	reg.AddGlobal("user", map[string]any{"name": "deep"})
	e := newTestEngine(t, map[string]string{
		"baked.html":     `{% preprocess %}A{{ $n }}{% endpreprocess %}B{{ $n }}`,
		"as.html":        `{% preprocess as="pre" %}[{{ $n }}]{% end preprocess %}x{{ $pre }}`,
		"chain.html":     `{% preprocess as="a" %}A{% /preprocess %}{% preprocess %}{{ $a }}!{% endpreprocess %}`,
		"paths.html":     `{% preprocess command="paths=off" %}{{ $user.name }}{% endpreprocess %}|{{ $user.name }}`,
		"filters.html":   `{% preprocess command="filters=off" %}{{ $s | upper }}{% endpreprocess %}|{{ $s | upper }}`,
		"nested.html":    `{% preprocess %}<{% preprocess %}{{ $n }}{% endpreprocess %}>{% endpreprocess %}`,
		"flat.html":      `{% preprocess command="recursive=off" %}<{% preprocess %}{{ $n }}{% endpreprocess %}>{% endpreprocess %}`,
		"badcmd.html":    `{% preprocess command="bogus=on" %}x{% endpreprocess %}y`,
		"badswitch.html": `{% preprocess command="paths=maybe" %}x{% endpreprocess %}y`,
	}, WithRegistries(reg))
	ctx := context.Background()
	scope := func(n int) map[string]any {
		return map[string]any{"n": n}
	}

	t.Run("globals baked at compile time", func(t *testing.T) {
		out, err := e.RenderString(ctx, "baked", scope(5))
		require.NoError(t, err)
		assert.Equal(t, "A1B5", out)

		out, err = e.RenderString(ctx, "baked", scope(2))
		require.NoError(t, err)
		assert.Equal(t, "A1B2", out)
	})

	tests := []struct {
		name string
		want string
	}{
		{"as", "x[1]"},
		{"chain", "A!"},
		{"paths", "flat|deep"},
		{"filters", "abc|ABC"},
		{"nested", "<1>"},
		{"flat", "<{% preprocess %}{{ $n }}{% endpreprocess %}>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.RenderString(ctx, tt.name, scope(1))
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}

	t.Run("explicit compile scope", func(t *testing.T) {
		b, err := e.Compile(ctx, "as", scope(7))
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"pre": "[7]"}, b.Extras)
	})

	t.Run("bad command", func(t *testing.T) {
		out, err := e.RenderString(ctx, "badcmd", scope(1))
		require.NoError(t, err)
		assert.Equal(t, `[stencil error: preprocess: unknown command "bogus"]y`, out)

		out, err = e.RenderString(ctx, "badswitch", scope(1))
		require.NoError(t, err)
		assert.Contains(t, out, `invalid switch value "maybe"`)
	})

	t.Run("unclosed", func(t *testing.T) {
		_, err := Compile("ok\n{% preprocess %}x")
		var ce *CompileError
		require.ErrorAs(t, err, &ce)
		assert.True(t, ce.Fatal)
		assert.Equal(t, 2, ce.Line)
		assert.Contains(t, ce.Msg, "unclosed preprocess block")
	})
}

func TestPreprocessIgnoresRenderScope(t *testing.T) {
	files := map[string]string{"who.html": `{% preprocess %}{{ $who }}{% end preprocess %}|{{ $who }}`}
	ctx := context.Background()
	cached := newTestEngine(t, files)
	fresh := newTestEngine(t, files, WithCache(false))

	for _, who := range []string{"A", "B", "A"} {
		scope := map[string]any{"who": who}
		hit, err := cached.RenderString(ctx, "who", scope)
		require.NoError(t, err)
		miss, err := fresh.RenderString(ctx, "who", scope)
		require.NoError(t, err)
		assert.Equal(t, miss, hit, who)
		assert.Equal(t, "|"+who, hit)
	}

	t.Run("precompiled", func(t *testing.T) {
		e := newTestEngine(t, files)
		require.NoError(t, e.Precompile(ctx, "who"))
		out, err := e.RenderString(ctx, "who", map[string]any{"who": "C"})
		require.NoError(t, err)
		assert.Equal(t, "|C", out)
	})
}

func TestParsePreprocessCommand(t *testing.T) {
	cmd, err := parsePreprocessCommand("")
	require.NoError(t, err)
	assert.Equal(t, preprocessCmd{recursive: true}, cmd)

	cmd, err = parsePreprocessCommand(" paths=off , filters=no,recursive=0 ")
	require.NoError(t, err)
	assert.Equal(t, preprocessCmd{flags: exprFlags{noPaths: true, noFilters: true}}, cmd)

	for _, bad := range []string{"paths", "paths=", "colour=on"} {
		_, err := parsePreprocessCommand(bad)
		assert.Error(t, err, bad)
	}
}
