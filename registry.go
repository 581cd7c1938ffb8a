package stencil

import (
	"sync"
)

// ----------------------------- Registries -----------------------------------

// Filter transforms a value inside a pipeline. Arguments are evaluated before
// the call.
type Filter interface {
	Apply(value any, args []any) (any, error)
}

// FilterFunc adapts a plain function to Filter.
type FilterFunc func(value any, args []any) (any, error)

// Apply calls f(value, args).
func (f FilterFunc) Apply(value any, args []any) (any, error) { return f(value, args) }

// Filters maps names to filter implementations.
type Filters map[string]Filter

// Function is a helper callable from expressions as name(args...).
type Function func(args ...any) (any, error)

// CompilerExtension rewrites a directive the compiler does not recognize.
// Returning ok with a non-empty replacement makes the compiler compile the
// replacement in place of the directive; the first extension to do so wins.
type CompilerExtension interface {
	Rewrite(directive string) (replacement string, ok bool)
}

// ExtensionFunc adapts a plain function to CompilerExtension.
type ExtensionFunc func(directive string) (string, bool)

// Rewrite calls f(directive).
func (f ExtensionFunc) Rewrite(directive string) (string, bool) { return f(directive) }

// Registries is the shared, read-mostly set of filters, helper functions,
// global values, compiler extensions and registry-level macros. It is safe
// for concurrent use; registration after startup takes a write lock.
type Registries struct {
	mu         sync.RWMutex
	filters    Filters
	functions  map[string]Function
	globalVals map[string]any
	extensions []CompilerExtension

	Macros *MacroTable
}

// NewRegistries returns registries preloaded with the builtin filters.
func NewRegistries() *Registries {
	r := &Registries{
		filters:    make(Filters, len(builtinFilters)),
		functions:  make(map[string]Function),
		globalVals: make(map[string]any),
	}
	for name, f := range builtinFilters {
		r.filters[name] = f
	}
	r.Macros = newMacroTable(r)
	return r
}

// AddFilter registers (or replaces) a filter.
func (r *Registries) AddFilter(name string, f Filter) {
	r.mu.Lock()
	r.filters[name] = f
	r.mu.Unlock()
}

// AddFilterFunc registers a plain function as a filter.
func (r *Registries) AddFilterFunc(name string, f func(value any, args []any) (any, error)) {
	r.AddFilter(name, FilterFunc(f))
}

// Filter looks a filter up by name.
func (r *Registries) Filter(name string) (Filter, bool) {
	r.mu.RLock()
	f, ok := r.filters[name]
	r.mu.RUnlock()
	return f, ok
}

// AddFunction registers a helper function.
func (r *Registries) AddFunction(name string, fn Function) {
	r.mu.Lock()
	r.functions[name] = fn
	r.mu.Unlock()
}

// Function looks a helper function up by name.
func (r *Registries) Function(name string) (Function, bool) {
	r.mu.RLock()
	fn, ok := r.functions[name]
	r.mu.RUnlock()
	return fn, ok
}

// AddGlobal makes a value visible in every render scope and macro body.
func (r *Registries) AddGlobal(name string, v any) {
	r.mu.Lock()
	r.globalVals[name] = v
	r.mu.Unlock()
}

// globals returns a snapshot of the global values.
func (r *Registries) globals() map[string]any {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.globalVals))
	for k, v := range r.globalVals {
		out[k] = v
	}
	return out
}

// AddExtension appends a compiler extension. Extensions are consulted in
// registration order.
func (r *Registries) AddExtension(ext CompilerExtension) {
	r.mu.Lock()
	r.extensions = append(r.extensions, ext)
	r.mu.Unlock()
}

func (r *Registries) rewrite(directive string) (string, bool) {
	r.mu.RLock()
	exts := r.extensions
	r.mu.RUnlock()
	for _, ext := range exts {
		if repl, ok := ext.Rewrite(directive); ok && repl != "" {
			return repl, true
		}
	}
	return "", false
}
