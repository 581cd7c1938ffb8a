package stencil

import (
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
)

// ----------------------------- Expression evaluation ------------------------

// fail reports a failed evaluation. In strict mode it becomes an
// *EvaluationError; otherwise it is logged and the caller renders nothing.
func (ctx *renderCtx) fail(expr, msg string) error {
	if ctx.strict {
		return &EvaluationError{Template: ctx.name, Expr: expr, Msg: msg}
	}
	if ctx.logger != nil {
		ctx.logger.Debug("expression evaluated to empty",
			zap.String("template", ctx.name),
			zap.String("expr", expr),
			zap.String("reason", msg))
	}
	return nil
}

func (ctx *renderCtx) eval(e *Expr) (any, error) {
	if e == nil {
		return nil, nil
	}
	switch e.Kind {
	case ExprNil:
		return nil, nil
	case ExprBool:
		return e.Bool, nil
	case ExprInt:
		return int(e.Int), nil
	case ExprFloat:
		return e.Float, nil
	case ExprString:
		return e.Str, nil
	case ExprVar:
		return ctx.evalVar(e)
	case ExprList:
		out := make([]any, len(e.Items))
		for i, it := range e.Items {
			v, err := ctx.eval(it)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case ExprMap:
		out := make(map[string]any, len(e.Items))
		for i, it := range e.Items {
			v, err := ctx.eval(it)
			if err != nil {
				return nil, err
			}
			out[e.Keys[i]] = v
		}
		return out, nil
	case ExprUnary:
		return ctx.evalUnary(e)
	case ExprBinary:
		return ctx.evalBinary(e)
	case ExprCond:
		c, err := ctx.eval(e.X)
		if err != nil {
			return nil, err
		}
		if truthy(c) {
			return ctx.eval(e.Y)
		}
		return ctx.eval(e.Z)
	case ExprThen:
		c, err := ctx.eval(e.X)
		if err != nil || !truthy(c) {
			return nil, err
		}
		return ctx.eval(e.Y)
	case ExprCall:
		return ctx.evalCall(e)
	case ExprFilter:
		return ctx.evalFilter(e)
	}
	return nil, fmt.Errorf("unknown expression kind %d", e.Kind)
}

func (ctx *renderCtx) evalVar(e *Expr) (any, error) {
	v, ok := ctx.locals[e.Name]
	if !ok {
		return nil, ctx.fail("$"+e.Name, "undefined variable")
	}
	for i := range e.Path {
		seg := &e.Path[i]
		var found bool
		switch seg.Kind {
		case SegKey:
			v, found = keyStep(v, seg.Name)
		case SegIndex:
			v, found = indexStep(v, seg.Index)
		case SegVar:
			k, kok := ctx.locals[seg.Name]
			if !kok {
				return nil, ctx.fail("$"+e.Name, "undefined variable $"+seg.Name+" in path")
			}
			v, found = dynamicStep(v, k)
		case SegExpr:
			k, err := ctx.eval(seg.Expr)
			if err != nil {
				return nil, err
			}
			v, found = dynamicStep(v, k)
		case SegMethod:
			args, kwargs, err := ctx.evalArgs(seg.Args, seg.Kwargs)
			if err != nil {
				return nil, err
			}
			res, err := methodStep(v, seg.Name, args, kwargs)
			if err != nil {
				return nil, ctx.fail("$"+e.Name+"."+seg.Name+"()", err.Error())
			}
			v, found = res, true
		}
		if !found {
			return nil, ctx.fail(exprString(e), "cannot resolve path segment "+segmentString(seg))
		}
	}
	return v, nil
}

func segmentString(seg *Segment) string {
	switch seg.Kind {
	case SegIndex:
		return fmt.Sprintf("[%d]", seg.Index)
	case SegVar:
		return ".$" + seg.Name
	case SegExpr:
		return "[...]"
	case SegMethod:
		return "." + seg.Name + "()"
	}
	return "." + seg.Name
}

func (ctx *renderCtx) evalArgs(in []*Expr, kw []NamedExpr) ([]any, map[string]any, error) {
	var args []any
	if len(in) > 0 {
		args = make([]any, len(in))
		for i, a := range in {
			v, err := ctx.eval(a)
			if err != nil {
				return nil, nil, err
			}
			args[i] = v
		}
	}
	var kwargs map[string]any
	if len(kw) > 0 {
		kwargs = make(map[string]any, len(kw))
		for _, a := range kw {
			v, err := ctx.eval(a.Expr)
			if err != nil {
				return nil, nil, err
			}
			kwargs[a.Name] = v
		}
	}
	return args, kwargs, nil
}

func (ctx *renderCtx) evalUnary(e *Expr) (any, error) {
	x, err := ctx.eval(e.X)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case "not":
		return !truthy(x), nil
	case "-":
		if isInteger(x) {
			n, _ := toInt64(x)
			return int(-n), nil
		}
		if f, ok := toFloat64(x); ok {
			return -f, nil
		}
		return nil, ctx.fail("-", fmt.Sprintf("cannot negate %T", x))
	}
	return nil, ctx.fail(e.Op, "unknown operator")
}

func (ctx *renderCtx) evalBinary(e *Expr) (any, error) {
	x, err := ctx.eval(e.X)
	if err != nil {
		return nil, err
	}
	// or/and short-circuit and yield an operand, so `$x or "default"` works.
	switch e.Op {
	case "or":
		if truthy(x) {
			return x, nil
		}
		return ctx.eval(e.Y)
	case "and":
		if !truthy(x) {
			return x, nil
		}
		return ctx.eval(e.Y)
	}

	y, err := ctx.eval(e.Y)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case "==":
		return valuesEqual(x, y), nil
	case "!=":
		return !valuesEqual(x, y), nil
	case "<", "<=", ">", ">=":
		c, ok := compareValues(x, y)
		if !ok {
			return false, nil
		}
		switch e.Op {
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		}
		return c >= 0, nil
	case "in":
		return contains(y, x), nil
	case "~":
		return toString(x) + toString(y), nil
	}
	v, err := arith(e.Op, x, y)
	if err != nil {
		return nil, ctx.fail(e.Op, err.Error())
	}
	return v, nil
}

func isText(v any) bool {
	switch v.(type) {
	case string, Safe:
		return true
	}
	return false
}

// arith applies + - * / %. Integers stay integers unless a division leaves a
// remainder; a string operand turns + into concatenation.
func arith(op string, x, y any) (any, error) {
	if op == "+" && (isText(x) || isText(y)) {
		_, xn := toFloat64(x)
		_, yn := toFloat64(y)
		if !xn || !yn {
			return toString(x) + toString(y), nil
		}
	}
	if isInteger(x) && isInteger(y) {
		a, _ := toInt64(x)
		b, _ := toInt64(y)
		switch op {
		case "+":
			return int(a + b), nil
		case "-":
			return int(a - b), nil
		case "*":
			return int(a * b), nil
		case "/":
			if b == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			if a%b == 0 {
				return int(a / b), nil
			}
			return float64(a) / float64(b), nil
		case "%":
			if b == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return int(a % b), nil
		}
	}
	a, aok := toFloat64(x)
	b, bok := toFloat64(y)
	if !aok || !bok {
		return nil, fmt.Errorf("unsupported operands %T %s %T", x, op, y)
	}
	switch op {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/":
		if b == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return a / b, nil
	case "%":
		if b == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return math.Mod(a, b), nil
	}
	return nil, fmt.Errorf("unknown operator %s", op)
}

// evalCall resolves a bare call: template macros first, then the macro
// table, registered functions and finally filters used as functions.
func (ctx *renderCtx) evalCall(e *Expr) (any, error) {
	args, kwargs, err := ctx.evalArgs(e.Args, e.Kwargs)
	if err != nil {
		return nil, err
	}
	if m, ok := ctx.macros[e.Name]; ok {
		out, err := ctx.invokeMacro(m, ctx.macros, args, kwargs)
		if err != nil {
			return nil, ctx.wrapCallErr(e.Name, err)
		}
		return Safe(out), nil
	}
	if ctx.reg != nil {
		if ctx.reg.Macros.Has(e.Name) {
			out, err := ctx.reg.Macros.invoke(ctx, e.Name, args, kwargs)
			if err != nil {
				return nil, ctx.wrapCallErr(e.Name, err)
			}
			return Safe(out), nil
		}
		if fn, ok := ctx.reg.Function(e.Name); ok {
			v, err := fn(args...)
			if err != nil {
				return nil, ctx.fail(e.Name+"()", err.Error())
			}
			return v, nil
		}
		if f, ok := ctx.reg.Filter(e.Name); ok && len(args) > 0 {
			v, err := f.Apply(args[0], args[1:])
			if err != nil {
				return nil, ctx.fail(e.Name+"()", err.Error())
			}
			return v, nil
		}
	}
	return nil, ctx.fail(e.Name+"()", "undefined function")
}

func (ctx *renderCtx) wrapCallErr(name string, err error) error {
	if _, ok := err.(*EvaluationError); ok {
		return err
	}
	return ctx.fail(name+"()", err.Error())
}

// evalFilter applies a filter by name. Unknown filters pass the value
// through unchanged.
func (ctx *renderCtx) evalFilter(e *Expr) (any, error) {
	x, err := ctx.eval(e.X)
	if err != nil {
		return nil, err
	}
	var f Filter
	var ok bool
	if ctx.reg != nil {
		f, ok = ctx.reg.Filter(e.Name)
	}
	if !ok {
		if ctx.logger != nil {
			ctx.logger.Debug("unknown filter, passing through",
				zap.String("template", ctx.name),
				zap.String("filter", e.Name))
		}
		return x, nil
	}
	args, _, err := ctx.evalArgs(e.Args, nil)
	if err != nil {
		return nil, err
	}
	v, err := f.Apply(x, args)
	if err != nil {
		return nil, ctx.fail("|"+e.Name, err.Error())
	}
	return v, nil
}

// exprString gives a short printable form of e for error messages.
func exprString(e *Expr) string {
	if e == nil {
		return ""
	}
	switch e.Kind {
	case ExprVar:
		var sb strings.Builder
		sb.WriteString("$" + e.Name)
		for i := range e.Path {
			sb.WriteString(segmentString(&e.Path[i]))
		}
		return sb.String()
	case ExprCall:
		return e.Name + "()"
	case ExprFilter:
		return exprString(e.X) + "|" + e.Name
	case ExprString:
		return fmt.Sprintf("%q", e.Str)
	}
	return fmt.Sprintf("<%d>", e.Kind)
}
