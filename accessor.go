package stencil

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// ----------------------------- Path resolution ------------------------------

// Accessor lets external objects expose named properties to templates
// without reflection.
type Accessor interface {
	Get(name string) (any, bool)
}

// Invoker lets external objects answer `$obj.method(args)` calls. The macro
// namespaces bound by `import` are Invokers.
type Invoker interface {
	Invoke(method string, args []any, kwargs map[string]any) (any, error)
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// keyStep resolves a string key against maps, structs and Accessors.
func keyStep(in any, name string) (any, bool) {
	switch x := in.(type) {
	case nil:
		return nil, false
	case map[string]any:
		v, ok := x[name]
		return v, ok
	case Accessor:
		return x.Get(name)
	}

	rv := reflect.ValueOf(in)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Struct:
		fv := rv.FieldByNameFunc(func(n string) bool {
			return n == name || strings.EqualFold(n, name)
		})
		if fv.IsValid() && fv.CanInterface() {
			return fv.Interface(), true
		}
	case reflect.Map:
		kt := rv.Type().Key()
		var mk reflect.Value
		switch kt.Kind() {
		case reflect.String:
			mk = reflect.ValueOf(name).Convert(kt)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			n, err := strconv.ParseInt(name, 10, 64)
			if err != nil {
				return nil, false
			}
			mk = reflect.ValueOf(n).Convert(kt)
		default:
			return nil, false
		}
		mv := rv.MapIndex(mk)
		if mv.IsValid() {
			return mv.Interface(), true
		}
	case reflect.Slice, reflect.Array:
		if n, err := strconv.Atoi(name); err == nil {
			return indexStep(in, n)
		}
	}
	return nil, false
}

// indexStep resolves an integer index against lists, strings and maps.
func indexStep(in any, idx int) (any, bool) {
	switch x := in.(type) {
	case nil:
		return nil, false
	case []any:
		if idx < 0 || idx >= len(x) {
			return nil, false
		}
		return x[idx], true
	case []map[string]any:
		if idx < 0 || idx >= len(x) {
			return nil, false
		}
		return x[idx], true
	case string:
		r := []rune(x)
		if idx < 0 || idx >= len(r) {
			return nil, false
		}
		return string(r[idx]), true
	case map[string]any:
		v, ok := x[strconv.Itoa(idx)]
		return v, ok
	}

	rv := reflect.ValueOf(in)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if idx < 0 || idx >= rv.Len() {
			return nil, false
		}
		return rv.Index(idx).Interface(), true
	case reflect.Map:
		return keyStep(rv.Interface(), strconv.Itoa(idx))
	}
	return nil, false
}

// dynamicStep indexes with a runtime value: integers index, anything else is
// a key.
func dynamicStep(in, key any) (any, bool) {
	if isInteger(key) {
		n, _ := toInt64(key)
		return indexStep(in, int(n))
	}
	return keyStep(in, toString(key))
}

// methodStep calls a method on in. Invokers take precedence; otherwise the
// exported method is located by reflection (case-insensitive first letter).
// Go methods returning (value, error) surface the error.
func methodStep(in any, name string, args []any, kwargs map[string]any) (any, error) {
	if in == nil {
		return nil, fmt.Errorf("method %s called on nil", name)
	}
	if inv, ok := in.(Invoker); ok {
		return inv.Invoke(name, args, kwargs)
	}
	if m, ok := in.(map[string]any); ok {
		if fn, ok := m[name].(func(...any) (any, error)); ok {
			return fn(args...)
		}
	}

	rv := reflect.ValueOf(in)
	m := rv.MethodByName(name)
	if !m.IsValid() && name != "" {
		m = rv.MethodByName(strings.ToUpper(name[:1]) + name[1:])
	}
	if !m.IsValid() && rv.Kind() != reflect.Pointer && rv.CanAddr() {
		m = rv.Addr().MethodByName(name)
	}
	if !m.IsValid() {
		return nil, fmt.Errorf("no method %s on %T", name, in)
	}
	return callReflect(m, args)
}

func callReflect(fn reflect.Value, args []any) (any, error) {
	ft := fn.Type()
	switch {
	case ft.IsVariadic() && len(args) < ft.NumIn()-1:
		return nil, fmt.Errorf("expected at least %d arguments, got %d", ft.NumIn()-1, len(args))
	case !ft.IsVariadic() && len(args) != ft.NumIn():
		return nil, fmt.Errorf("expected %d arguments, got %d", ft.NumIn(), len(args))
	}
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		var pt reflect.Type
		if ft.IsVariadic() && i >= ft.NumIn()-1 {
			pt = ft.In(ft.NumIn() - 1).Elem()
		} else {
			pt = ft.In(i)
		}
		av, err := convertArg(a, pt)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		in[i] = av
	}
	out := fn.Call(in)
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if ft.Out(0) == errorType {
			err, _ := out[0].Interface().(error)
			return nil, err
		}
		return out[0].Interface(), nil
	default:
		if ft.Out(len(out)-1) == errorType {
			if err, _ := out[len(out)-1].Interface().(error); err != nil {
				return nil, err
			}
		}
		return out[0].Interface(), nil
	}
}

func convertArg(a any, t reflect.Type) (reflect.Value, error) {
	if a == nil {
		return reflect.Zero(t), nil
	}
	av := reflect.ValueOf(a)
	if av.Type().AssignableTo(t) {
		return av, nil
	}
	switch t.Kind() {
	case reflect.String:
		return reflect.ValueOf(toString(a)).Convert(t), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if n, ok := toInt64(a); ok {
			return reflect.ValueOf(n).Convert(t), nil
		}
	case reflect.Float32, reflect.Float64:
		if f, ok := toFloat64(a); ok {
			return reflect.ValueOf(f).Convert(t), nil
		}
	case reflect.Bool:
		return reflect.ValueOf(truthy(a)).Convert(t), nil
	}
	if av.Type().ConvertibleTo(t) {
		return av.Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", a, t)
}
