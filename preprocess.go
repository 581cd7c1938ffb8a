package stencil

import (
	"fmt"
	"strings"
)

// ----------------------------- Preprocess blocks ----------------------------

// preprocessCmd is the parsed command="k=v,..." attribute.
type preprocessCmd struct {
	flags     exprFlags
	recursive bool
}

func parseSwitch(v string) (bool, error) {
	switch strings.ToLower(fastTrim(v)) {
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("invalid switch value %q", v)
}

// parsePreprocessCommand reads `paths=off,filters=off,recursive=off`. Every
// switch defaults to on.
func parsePreprocessCommand(s string) (preprocessCmd, error) {
	cmd := preprocessCmd{recursive: true}
	for _, part := range strings.Split(s, ",") {
		part = fastTrim(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return cmd, fmt.Errorf("malformed command %q", part)
		}
		on, err := parseSwitch(v)
		if err != nil {
			return cmd, err
		}
		switch fastTrim(k) {
		case "paths":
			cmd.flags.noPaths = !on
		case "filters":
			cmd.flags.noFilters = !on
		case "recursive":
			cmd.recursive = on
		default:
			return cmd, fmt.Errorf("unknown command %q", k)
		}
	}
	return cmd, nil
}

type tagSpan struct {
	start, end int // offsets of the whole tag
	head, rest string
}

// nextTag finds the next expression or block tag at or after from.
func nextTag(src string, from int, d Delims) (tagSpan, bool) {
	i := from
	for i < len(src) {
		j, fam := nextOpen(src[i:], d)
		if j < 0 {
			return tagSpan{}, false
		}
		pos := i + j
		pair := pairFor(d, fam)
		if fam == famComment {
			end := strings.Index(src[pos+len(pair[0]):], pair[1])
			if end < 0 {
				return tagSpan{}, false
			}
			i = pos + len(pair[0]) + end + len(pair[1])
			continue
		}
		end := findClose(src, pos+len(pair[0]), pair[1])
		if end < 0 {
			return tagSpan{}, false
		}
		head, rest := headWord(fastTrim(src[pos+len(pair[0]) : end]))
		return tagSpan{start: pos, end: end + len(pair[1]), head: head, rest: rest}, true
	}
	return tagSpan{}, false
}

// preprocess evaluates every top-level preprocess block in src at compile
// time. A block with `as` stores its output in the bundle extras; otherwise
// the output replaces the block in the source.
func (st *compileState) preprocess(src, name string, recursive bool) (string, error) {
	if !strings.Contains(src, "preprocess") {
		return src, nil
	}
	var out strings.Builder
	i := 0
	for {
		open, ok := st.findPreprocess(src, i)
		if !ok {
			out.WriteString(src[i:])
			return out.String(), nil
		}
		out.WriteString(src[i:open.start])

		body, next, ok := st.matchPreprocessEnd(src, open.end)
		if !ok {
			return "", &CompileError{
				Template: name,
				Line:     1 + strings.Count(src[:open.start], "\n"),
				Fragment: src[open.start:open.end],
				Msg:      "unclosed preprocess block",
				Fatal:    true,
			}
		}
		i = next

		result, as, err := st.runPreprocess(body, name, open.rest, recursive)
		if err != nil {
			if ce, ok := err.(*CompileError); ok && ce.Fatal {
				return "", err
			}
			msg := fmt.Sprintf("preprocess: %v", err)
			st.warn(&CompileError{Template: name, Fragment: src[open.start:open.end], Msg: msg})
			out.WriteString(errorMarker(msg))
			continue
		}
		if as != "" {
			st.extras[as] = result
			continue
		}
		out.WriteString(result)
	}
}

func (st *compileState) findPreprocess(src string, from int) (tagSpan, bool) {
	for {
		t, ok := nextTag(src, from, st.delims)
		if !ok {
			return tagSpan{}, false
		}
		if t.head == "preprocess" {
			return t, true
		}
		from = t.end
	}
}

// matchPreprocessEnd returns the body up to the matching closer, counting
// nested preprocess blocks.
func (st *compileState) matchPreprocessEnd(src string, from int) (string, int, bool) {
	depth := 1
	i := from
	for {
		t, ok := nextTag(src, i, st.delims)
		if !ok {
			return "", 0, false
		}
		switch {
		case t.head == "preprocess":
			depth++
		case isPreprocessCloser(t.head, t.rest):
			depth--
			if depth == 0 {
				return src[from:t.start], t.end, true
			}
		}
		i = t.end
	}
}

func (st *compileState) runPreprocess(body, name, attrSrc string, recursive bool) (string, string, error) {
	a, err := parseAttrs(attrSrc)
	if err != nil {
		return "", "", err
	}
	cmd, err := parsePreprocessCommand(a.kv["command"])
	if err != nil {
		return "", "", err
	}
	if recursive && cmd.recursive {
		if body, err = st.preprocess(body, name, true); err != nil {
			return "", "", err
		}
	}
	nodes, err := st.compileSource(body, name, compileOpts{structural: true, flags: cmd.flags})
	if err != nil {
		return "", "", err
	}

	ctx := getRenderCtx()
	defer putRenderCtx(ctx)
	ctx.name = name
	ctx.reg = st.reg
	ctx.sections = st.sections
	ctx.literals = st.literals
	ctx.macros = st.macros
	ctx.maxDepth = st.maxDepth
	ctx.macroMode = st.macroMode
	ctx.loader = st.loader
	for k, v := range st.reg.globals() {
		ctx.locals[k] = v
	}
	for k, v := range st.scope {
		ctx.locals[k] = v
	}
	for k, v := range st.extras {
		ctx.locals[k] = Safe(v)
	}
	out, err := ctx.capture(nodes)
	if err != nil {
		return "", "", err
	}
	return out, a.get("as", -1), nil
}
