package stencil

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/oarkflow/stencil/cachestore"
)

func TestCacheKey(t *testing.T) {
	c := NewTemplateCache(cachestore.NewMemory(-1, time.Minute), CacheConfig{Namespace: "site:"}, nil)
	dir := t.TempDir()
	key := c.Key(filepath.Join(dir, "a.html"))
	assert.Regexp(t, regexp.MustCompile(`^site:[0-9a-f]{16}$`), key)
	assert.Equal(t, key, c.Key(filepath.Join(dir, "sub", "..", "a.html")))
	assert.NotEqual(t, key, c.Key(filepath.Join(dir, "b.html")))
}

func TestBundleEncoding(t *testing.T) {
	e := newTestEngine(t, map[string]string{
		"layout.html": `<{{ content }}>{{ yield "title" }}`,
		"macros.html": `{% macro m(a, b=1) %}{{ $a }}{{ $b }}{% end %}`,
		"page.html": `{% extends "layout" %}{% import "macros" as mm %}{% section "title" %}T{% end %}` +
			`{% literal as="raw" %}{{ x }}{% endliteral %}{% preprocess as="pre" %}P{% endpreprocess %}` +
			`{% for $k, $v in $items %}{{ $k }}={{ $v | upper }}{% else %}none{% end %}` +
			`{% if $a and not $b %}x{% elseif $c %}y{% else %}z{% end %}{{ $mm.m(1, b=2) }}{{ {"k": [1, 2.5, "s"]} | json }}`,
	})
	ctx := context.Background()

	b, err := e.Compile(ctx, "page", nil)
	require.NoError(t, err)
	data, err := b.Encode()
	require.NoError(t, err)

	decoded, err := DecodeBundle(data)
	require.NoError(t, err)
	if diff := cmp.Diff(b, decoded, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("bundle changed across encode/decode (-want +got):\n%s", diff)
	}

	again, err := e.Compile(ctx, "page", nil)
	require.NoError(t, err)
	data2, err := again.Encode()
	require.NoError(t, err)
	assert.Equal(t, string(data), string(data2), "equal bundles encode identically")

	scope := map[string]any{"items": map[string]any{"b": "y", "a": "x"}, "a": true}
	want, err := renderBundleString(e, b, scope)
	require.NoError(t, err)
	got, err := renderBundleString(e, decoded, scope)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, `<{{ x }}a=Xb=Yx12{"k":[1,2.5,"s"]}>T`, got)

	t.Run("version mismatch", func(t *testing.T) {
		_, err := DecodeBundle([]byte(`{"version": 99}`))
		assert.ErrorContains(t, err, "unsupported version 99")
		_, err = DecodeBundle([]byte(`{`))
		assert.Error(t, err)
	})
}

func renderBundleString(e *Engine, b *Bundle, scope map[string]any) (string, error) {
	buf := getBuffer()
	defer putBuffer(buf)
	if err := e.RenderBundle(context.Background(), buf, b, scope); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func TestTemplateCacheLoad(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.DebugLevel)
	driver := cachestore.NewMemory(-1, time.Minute)
	c := NewTemplateCache(driver, CacheConfig{TrackDependencies: true}, zap.New(core))

	dir := writeTemplates(t, map[string]string{"page.html": "p", "part.html": "q"})
	page := filepath.Join(dir, "page.html")
	part := filepath.Join(dir, "part.html")
	info, err := os.Stat(part)
	require.NoError(t, err)

	b := &Bundle{
		Version:      bundleVersion,
		Name:         "page",
		Path:         page,
		SourceMTime:  100,
		Dependencies: map[string]int64{page: 100, part: info.ModTime().UnixNano()},
	}
	require.NoError(t, c.Save(ctx, "k", b))

	got, ok := c.Load(ctx, "k", 100)
	require.True(t, ok)
	assert.Equal(t, "page", got.Name)

	_, ok = c.Load(ctx, "nope", 0)
	assert.False(t, ok)

	t.Run("stale bundle", func(t *testing.T) {
		_, ok := c.Load(ctx, "k", 101)
		assert.False(t, ok)
	})

	t.Run("changed dependency", func(t *testing.T) {
		future := time.Now().Add(time.Hour)
		require.NoError(t, os.Chtimes(part, future, future))
		_, ok := c.Load(ctx, "k", 100)
		assert.False(t, ok)
		assert.Equal(t, 1, logs.FilterMessage("template dependency changed").Len())

		untracked := NewTemplateCache(driver, CacheConfig{}, nil)
		_, ok = untracked.Load(ctx, "k", 100)
		assert.True(t, ok)
	})

	t.Run("removed dependency", func(t *testing.T) {
		require.NoError(t, os.Remove(part))
		dep, changed := changedDependency(b)
		assert.True(t, changed)
		assert.Equal(t, part, dep)
	})

	t.Run("corrupt entry", func(t *testing.T) {
		require.NoError(t, driver.Save(ctx, "bad", []byte("{not json"), 0))
		_, ok := c.Load(ctx, "bad", 0)
		assert.False(t, ok)
		assert.Equal(t, 1, logs.FilterMessage("discarding corrupt cache entry").Len())
	})
}

func TestCacheNamespaceAndTTL(t *testing.T) {
	ctx := context.Background()
	dir := writeTemplates(t, map[string]string{"page.html": "hello"})
	cacheDir := t.TempDir()
	fileDriver, err := cachestore.NewFile(cacheDir)
	require.NoError(t, err)

	e, err := New(
		WithTemplatePath(dir),
		WithCacheDriver(fileDriver),
		WithCachePath("ns:"),
		WithCacheExpires(time.Hour),
	)
	require.NoError(t, err)

	out, err := e.RenderString(ctx, "page", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	matches, err := filepath.Glob(filepath.Join(cacheDir, "ns_*.bundle"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	// A second engine over the same directory reuses the stored bundle.
	e2, err := New(WithTemplatePath(dir), WithCacheDriver(fileDriver), WithCachePath("ns:"))
	require.NoError(t, err)
	path := filepath.Join(e2.bases[0], "page.html")
	info, err := os.Stat(path)
	require.NoError(t, err)
	_, ok := e2.Cache().Load(ctx, e2.Cache().Key(path), info.ModTime().UnixNano())
	assert.True(t, ok)
}
