package stencil

import (
	"encoding/json"
	"fmt"
	"html"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ----------------------------- Builtin filters ------------------------------

var (
	ugcPolicy    = bluemonday.UGCPolicy()
	strictPolicy = bluemonday.StrictPolicy()
)

var builtinFilters = map[string]Filter{
	"upper":      FilterFunc(filterUpper),
	"lower":      FilterFunc(filterLower),
	"title":      FilterFunc(filterTitle),
	"capitalize": FilterFunc(filterCapitalize),
	"trim":       FilterFunc(filterTrim),
	"truncate":   FilterFunc(filterTruncate),
	"escape":     FilterFunc(filterEscape),
	"e":          FilterFunc(filterEscape),
	"raw":        FilterFunc(filterRaw),
	"safe":       FilterFunc(filterRaw),
	"sanitize":   FilterFunc(filterSanitize),
	"striptags":  FilterFunc(filterStripTags),
	"default":    FilterFunc(filterDefault),
	"join":       FilterFunc(filterJoin),
	"length":     FilterFunc(filterLength),
	"count":      FilterFunc(filterLength),
	"first":      FilterFunc(filterFirst),
	"last":       FilterFunc(filterLast),
	"reverse":    FilterFunc(filterReverse),
	"sort":       FilterFunc(filterSort),
	"orderby":    FilterFunc(filterOrderBy),
	"keys":       FilterFunc(filterKeys),
	"json":       FilterFunc(filterJSON),
	"nl2br":      FilterFunc(filterNl2br),
	"replace":    FilterFunc(filterReplace),
	"slug":       FilterFunc(filterSlug),
	"comma":      FilterFunc(filterComma),
	"bytes":      FilterFunc(filterBytes),
	"ago":        FilterFunc(filterAgo),
	"date":       FilterFunc(filterDate),
	"abs":        FilterFunc(filterAbs),
	"round":      FilterFunc(filterRound),
}

func argString(args []any, i int, def string) string {
	if i < len(args) && args[i] != nil {
		return toString(args[i])
	}
	return def
}

func argInt(args []any, i int, def int) int {
	if i < len(args) {
		if n, ok := toInt64(args[i]); ok {
			return int(n)
		}
	}
	return def
}

func filterUpper(v any, _ []any) (any, error) { return strings.ToUpper(toString(v)), nil }

func filterLower(v any, _ []any) (any, error) { return strings.ToLower(toString(v)), nil }

// Casers are not safe for concurrent use, so one is built per call.
func filterTitle(v any, _ []any) (any, error) {
	return cases.Title(language.Und).String(toString(v)), nil
}

func filterCapitalize(v any, _ []any) (any, error) {
	s := toString(v)
	if s == "" {
		return s, nil
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToTitle(r)) + cases.Lower(language.Und).String(s[size:]), nil
}

func filterTrim(v any, args []any) (any, error) {
	if len(args) > 0 {
		return strings.Trim(toString(v), toString(args[0])), nil
	}
	return strings.TrimSpace(toString(v)), nil
}

func filterTruncate(v any, args []any) (any, error) {
	n := argInt(args, 0, 80)
	suffix := argString(args, 1, "...")
	s := toString(v)
	if n < 0 || utf8.RuneCountInString(s) <= n {
		return s, nil
	}
	r := []rune(s)
	return string(r[:n]) + suffix, nil
}

func filterEscape(v any, _ []any) (any, error) {
	if s, ok := v.(Safe); ok {
		return s, nil
	}
	return Safe(htmlEscapeFast(toString(v))), nil
}

func filterRaw(v any, _ []any) (any, error) { return Safe(toString(v)), nil }

func filterSanitize(v any, _ []any) (any, error) {
	return Safe(ugcPolicy.Sanitize(toString(v))), nil
}

func filterStripTags(v any, _ []any) (any, error) {
	return html.UnescapeString(strictPolicy.Sanitize(toString(v))), nil
}

func filterDefault(v any, args []any) (any, error) {
	if truthy(v) || len(args) == 0 {
		return v, nil
	}
	return args[0], nil
}

func filterJoin(v any, args []any) (any, error) {
	items, ok := toSlice(v)
	if !ok {
		return toString(v), nil
	}
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = toString(it)
	}
	return strings.Join(parts, argString(args, 0, "")), nil
}

func filterLength(v any, _ []any) (any, error) {
	n, _ := lengthOf(v)
	return n, nil
}

func filterFirst(v any, _ []any) (any, error) {
	if s, ok := v.(string); ok {
		if s == "" {
			return "", nil
		}
		r, _ := utf8.DecodeRuneInString(s)
		return string(r), nil
	}
	items, ok := toSlice(v)
	if !ok || len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

func filterLast(v any, _ []any) (any, error) {
	if s, ok := v.(string); ok {
		if s == "" {
			return "", nil
		}
		r, _ := utf8.DecodeLastRuneInString(s)
		return string(r), nil
	}
	items, ok := toSlice(v)
	if !ok || len(items) == 0 {
		return nil, nil
	}
	return items[len(items)-1], nil
}

func filterReverse(v any, _ []any) (any, error) {
	if s, ok := v.(string); ok {
		r := []rune(s)
		for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
		return string(r), nil
	}
	items, ok := toSlice(v)
	if !ok {
		return v, nil
	}
	out := make([]any, len(items))
	for i, it := range items {
		out[len(items)-1-i] = it
	}
	return out, nil
}

func filterSort(v any, _ []any) (any, error) {
	items, ok := toSlice(v)
	if !ok {
		return v, nil
	}
	out := append([]any(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		c, _ := compareValues(out[i], out[j])
		return c < 0
	})
	return out, nil
}

// filterOrderBy sorts a list of maps or structs by a key; a second argument
// of "desc" reverses the order.
func filterOrderBy(v any, args []any) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("orderby requires a key")
	}
	items, ok := toSlice(v)
	if !ok {
		return v, nil
	}
	key := toString(args[0])
	desc := strings.EqualFold(argString(args, 1, "asc"), "desc")
	out := append([]any(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		a, _ := keyStep(out[i], key)
		b, _ := keyStep(out[j], key)
		c, _ := compareValues(a, b)
		if desc {
			return c > 0
		}
		return c < 0
	})
	return out, nil
}

func filterKeys(v any, _ []any) (any, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map {
		return nil, nil
	}
	keys := sortedKeys(rv)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k.Interface()
	}
	return out, nil
}

func filterJSON(v any, _ []any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// filterNl2br escapes its input unless it is already Safe, then turns
// newlines into <br> tags.
func filterNl2br(v any, _ []any) (any, error) {
	s, ok := v.(Safe)
	if !ok {
		s = Safe(htmlEscapeFast(toString(v)))
	}
	return Safe(strings.ReplaceAll(string(s), "\n", "<br>\n")), nil
}

func filterReplace(v any, args []any) (any, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("replace requires old and new arguments")
	}
	return strings.ReplaceAll(toString(v), toString(args[0]), toString(args[1])), nil
}

func filterSlug(v any, _ []any) (any, error) {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	s, _, err := transform.String(t, toString(v))
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
			dash = false
			continue
		}
		if !dash && sb.Len() > 0 {
			sb.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(sb.String(), "-"), nil
}

func filterComma(v any, _ []any) (any, error) {
	if isInteger(v) {
		n, _ := toInt64(v)
		return humanize.Comma(n), nil
	}
	f, ok := toFloat64(v)
	if !ok {
		return toString(v), nil
	}
	if f == math.Trunc(f) {
		return humanize.Comma(int64(f)), nil
	}
	return humanize.Commaf(f), nil
}

func filterBytes(v any, _ []any) (any, error) {
	n, ok := toInt64(v)
	if !ok || n < 0 {
		return toString(v), nil
	}
	return humanize.Bytes(uint64(n)), nil
}

// toTime accepts time.Time, unix seconds and RFC 3339 strings.
func toTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case *time.Time:
		if x != nil {
			return *x, true
		}
	case string:
		if t, err := time.Parse(time.RFC3339, x); err == nil {
			return t, true
		}
		if t, err := time.Parse(time.DateOnly, x); err == nil {
			return t, true
		}
	}
	if n, ok := toInt64(v); ok && isInteger(v) {
		return time.Unix(n, 0), true
	}
	return time.Time{}, false
}

func filterAgo(v any, _ []any) (any, error) {
	t, ok := toTime(v)
	if !ok {
		return toString(v), nil
	}
	return humanize.Time(t), nil
}

func filterDate(v any, args []any) (any, error) {
	t, ok := toTime(v)
	if !ok {
		return toString(v), nil
	}
	return t.Format(argString(args, 0, time.DateOnly)), nil
}

func filterAbs(v any, _ []any) (any, error) {
	if isInteger(v) {
		n, _ := toInt64(v)
		if n < 0 {
			n = -n
		}
		return int(n), nil
	}
	f, ok := toFloat64(v)
	if !ok {
		return v, nil
	}
	return math.Abs(f), nil
}

func filterRound(v any, args []any) (any, error) {
	f, ok := toFloat64(v)
	if !ok {
		return v, nil
	}
	places := argInt(args, 0, 0)
	p := math.Pow(10, float64(places))
	r := math.Round(f*p) / p
	if places <= 0 {
		return int(r), nil
	}
	return r, nil
}
