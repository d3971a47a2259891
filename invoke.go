package goroutine

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/ygrebnov/goroutine/protocol"
)

var contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
var errType = reflect.TypeOf((*error)(nil)).Elem()

// builtinFunc answers a reserved source query without going through the
// interpreter. The parent side installs these for queries a shipped literal
// could not answer, such as the pool size.
type builtinFunc func() (any, error)

// resolveTarget turns a request target into a callable.
//
// An index target is looked up in the process registry and its signature is
// compared against the caller's; absence or drift yields the fixed
// malformed-registry failure. A source target is checked against the builtin
// table first and otherwise evaluated in a fresh interpreter context.
func resolveTarget(req *protocol.Request, builtins map[string]builtinFunc) (reflect.Value, builtinFunc, error) {
	if idx, ok := req.Index(); ok {
		e, found := processRegistry.lookup(idx)
		if !found || e.sig != req.Sig {
			return reflect.Value{}, nil, ErrRegistryMalformed
		}
		return e.fn, nil, nil
	}
	if src, ok := req.Source(); ok {
		if b, found := builtins[src]; found {
			return reflect.Value{}, b, nil
		}
		fn, err := evalSource(src)
		if err != nil {
			return reflect.Value{}, nil, err
		}
		return fn, nil, nil
	}
	return reflect.Value{}, nil, ErrNotFunction
}

// evalSource evaluates function source text in a fresh expression context.
func evalSource(src string) (reflect.Value, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return reflect.Value{}, fmt.Errorf("%s: interpreter: %w", Namespace, err)
	}
	v, err := i.Eval(src)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("%s: evaluating source: %w", Namespace, err)
	}
	for (v.Kind() == reflect.Interface || v.Kind() == reflect.Ptr) && !v.IsNil() {
		v = v.Elem()
	}
	if !v.IsValid() || v.Kind() != reflect.Func {
		return reflect.Value{}, ErrNotCallable
	}
	return v, nil
}

// rejectSourceClass mirrors the register-side rule that class-like targets
// are not callable payloads.
func rejectSourceClass(src string) error {
	if strings.HasPrefix(strings.TrimSpace(src), "class ") {
		return ErrNotFunction
	}
	return nil
}

// invoke calls fn with the given arguments, adapting decoded values to the
// parameter types. When the first parameter is a context.Context and the
// argument list does not supply one, ctx is injected. Return conventions:
// (R, error), R, error, or nothing.
func invoke(ctx context.Context, fn reflect.Value, args []any) (res any, err error) {
	t := fn.Type()

	in, err := buildArgs(ctx, t, args)
	if err != nil {
		return nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = panicError(p)
		}
	}()

	out := fn.Call(in)

	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if t.Out(0).Implements(errType) {
			return nil, asError(out[0])
		}
		return out[0].Interface(), nil
	default:
		last := out[len(out)-1]
		if t.Out(len(out) - 1).Implements(errType) {
			if e := asError(last); e != nil {
				return nil, e
			}
			out = out[:len(out)-1]
		}
		if len(out) == 1 {
			return out[0].Interface(), nil
		}
		vals := make([]any, len(out))
		for i, v := range out {
			vals[i] = v.Interface()
		}
		return vals, nil
	}
}

func asError(v reflect.Value) error {
	switch v.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		if v.IsNil() {
			return nil
		}
	}
	return v.Interface().(error)
}

func buildArgs(ctx context.Context, t reflect.Type, args []any) ([]reflect.Value, error) {
	offset := 0
	numIn := t.NumIn()
	if numIn > 0 && t.In(0) == contextType {
		offset = 1
	}

	fixed := numIn - offset
	if t.IsVariadic() {
		fixed--
		if len(args) < fixed {
			return nil, fmt.Errorf("%s: call expects at least %d arguments, got %d",
				Namespace, fixed, len(args))
		}
	} else if len(args) != fixed {
		return nil, fmt.Errorf("%s: call expects %d arguments, got %d",
			Namespace, fixed, len(args))
	}

	in := make([]reflect.Value, 0, offset+len(args))
	if offset == 1 {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, a := range args {
		var pt reflect.Type
		if t.IsVariadic() && i >= fixed {
			pt = t.In(numIn - 1).Elem()
		} else {
			pt = t.In(i + offset)
		}
		v, err := convertArg(a, pt)
		if err != nil {
			return nil, fmt.Errorf("%s: argument %d: %w", Namespace, i, err)
		}
		in = append(in, v)
	}
	return in, nil
}

// convertArg adapts one decoded value to a parameter type. The codec carries
// every signed integer as int64, every unsigned one as uint64 and every object
// as map[string]any, so calls into typed functions need the widening reversed.
func convertArg(a any, t reflect.Type) (reflect.Value, error) {
	if t.Kind() == reflect.Interface && t.NumMethod() == 0 {
		if a == nil {
			return reflect.Zero(t), nil
		}
		return reflect.ValueOf(a), nil
	}
	if a == nil {
		switch t.Kind() {
		case reflect.Ptr, reflect.Slice, reflect.Map, reflect.Interface, reflect.Chan, reflect.Func:
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, fmt.Errorf("cannot use nil as %s", t)
	}

	v := reflect.ValueOf(a)
	if v.Type().AssignableTo(t) {
		return v, nil
	}

	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		if isNumeric(v.Kind()) {
			return v.Convert(t), nil
		}

	case reflect.String:
		if v.Kind() == reflect.String {
			return v.Convert(t), nil
		}

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice || v.Kind() == reflect.Array {
			n := v.Len()
			var out reflect.Value
			if t.Kind() == reflect.Slice {
				out = reflect.MakeSlice(t, n, n)
			} else {
				if n > t.Len() {
					return reflect.Value{}, fmt.Errorf("cannot fit %d elements into %s", n, t)
				}
				out = reflect.New(t).Elem()
			}
			for i := 0; i < n; i++ {
				el, err := convertArg(v.Index(i).Interface(), t.Elem())
				if err != nil {
					return reflect.Value{}, err
				}
				out.Index(i).Set(el)
			}
			return out, nil
		}

	case reflect.Map:
		if v.Kind() == reflect.Map {
			out := reflect.MakeMapWithSize(t, v.Len())
			for _, k := range v.MapKeys() {
				ck, err := convertArg(k.Interface(), t.Key())
				if err != nil {
					return reflect.Value{}, err
				}
				cv, err := convertArg(v.MapIndex(k).Interface(), t.Elem())
				if err != nil {
					return reflect.Value{}, err
				}
				out.SetMapIndex(ck, cv)
			}
			return out, nil
		}

	case reflect.Struct:
		if m, ok := a.(map[string]any); ok {
			out := reflect.New(t).Elem()
			for i := 0; i < t.NumField(); i++ {
				f := t.Field(i)
				if !f.IsExported() {
					continue
				}
				fv, present := m[f.Name]
				if !present {
					continue
				}
				cv, err := convertArg(fv, f.Type)
				if err != nil {
					return reflect.Value{}, err
				}
				out.Field(i).Set(cv)
			}
			return out, nil
		}

	case reflect.Ptr:
		el, err := convertArg(a, t.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(t.Elem())
		out.Elem().Set(el)
		return out, nil
	}

	if v.Type().ConvertibleTo(t) && isNumeric(v.Kind()) == isNumeric(t.Kind()) {
		return v.Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", a, t)
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
