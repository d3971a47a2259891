// Package codec encodes arbitrary permitted values into a transport-neutral
// form and reverses the encoding on the other side of a worker channel.
//
// The wire form is a tagged value tree marshaled with msgpack. The same codec
// is applied to every argument list, result, thrown value, and workerData
// blob, regardless of the transport carrying the bytes.
//
// Supported values: nil, booleans, all integer kinds (carried as int64 or
// uint64), floats (NaN and ±Inf round-trip exactly), strings, []byte,
// time.Time, *regexp.Regexp, slices and arrays, maps with string keys and
// structs (own exported fields), maps with arbitrary keys, maps with struct{}
// values (sets), and error values (name, message and stack carried as data,
// decoded as *RemoteError). Functions and channels are dropped.
//
// Cyclic structures are de-cycled: a back-reference to a value on the current
// encoding path is replaced with a sentinel that decodes to nil, so decoding
// always reconstructs a finite tree.
package codec

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// value kinds on the wire. Append-only; the tag values are part of the
// cross-process contract.
const (
	kindNil byte = iota
	kindBool
	kindInt
	kindUint
	kindFloat
	kindString
	kindBinary
	kindTime
	kindRegexp
	kindList
	kindObject
	kindMap
	kindSet
	kindError
	kindCycle
)

// maxDepth bounds the encoded tree. Cycles are broken separately; the guard
// rejects pathologically nested acyclic data.
const maxDepth = 256

var (
	// ErrTooDeep is returned when a value nests beyond maxDepth levels.
	ErrTooDeep = errors.New("codec: value nests too deeply")
	// ErrMalformed is returned when a wire blob does not decode to a known shape.
	ErrMalformed = errors.New("codec: malformed wire value")
)

// node is one vertex of the tagged value tree.
type node struct {
	Kind  byte    `msgpack:"k"`
	Bool  bool    `msgpack:"b,omitempty"`
	Int   int64   `msgpack:"i,omitempty"`
	Uint  uint64  `msgpack:"u,omitempty"`
	Float float64 `msgpack:"f,omitempty"`
	Str   string  `msgpack:"s,omitempty"`
	Bin   []byte  `msgpack:"x,omitempty"`
	// Items holds list elements, object/map values, or nothing.
	Items []*node `msgpack:"l,omitempty"`
	// Keys parallels Items for object/map/set kinds.
	Keys []*node `msgpack:"K,omitempty"`
	// Name carries the error name.
	Name string `msgpack:"n,omitempty"`
	// Msg carries the error message.
	Msg string `msgpack:"m,omitempty"`
	// Stack carries the error stack text, when one was captured.
	Stack string `msgpack:"t,omitempty"`
}

// RemoteError is the decoded form of an error that crossed the channel.
// Name and Message mirror the sender side; Stack is best-effort.
type RemoteError struct {
	Name    string
	Message string
	Stack   string
}

func (e *RemoteError) Error() string {
	if e.Name == "" || e.Name == "Error" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// NewRemoteError builds a RemoteError directly. Used by runtimes that need to
// attach a captured stack to a failure before encoding it.
func NewRemoteError(name, message, stack string) *RemoteError {
	return &RemoteError{Name: name, Message: message, Stack: stack}
}

// Encode converts v into its wire form.
func Encode(v any) ([]byte, error) {
	n, err := encodeValue(reflect.ValueOf(v), newEncodeState())
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(n)
}

// Decode reverses Encode.
func Decode(b []byte) (any, error) {
	var n node
	if err := msgpack.Unmarshal(b, &n); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return decodeNode(&n)
}

type encodeState struct {
	depth int
	// path holds pointers of containers on the current encoding path;
	// revisiting one of them is a back-edge.
	path map[uintptr]struct{}
}

func newEncodeState() *encodeState {
	return &encodeState{path: make(map[uintptr]struct{})}
}

func (s *encodeState) enter(v reflect.Value) (leave func(), cyclic bool, err error) {
	s.depth++
	if s.depth > maxDepth {
		s.depth--
		return nil, false, ErrTooDeep
	}
	switch v.Kind() {
	case reflect.Map, reflect.Slice, reflect.Ptr:
		p := v.Pointer()
		if p != 0 {
			if _, on := s.path[p]; on {
				s.depth--
				return nil, true, nil
			}
			s.path[p] = struct{}{}
			return func() { delete(s.path, p); s.depth-- }, false, nil
		}
	}
	return func() { s.depth-- }, false, nil
}

var (
	timeType   = reflect.TypeOf(time.Time{})
	regexpType = reflect.TypeOf((*regexp.Regexp)(nil))
	errorType  = reflect.TypeOf((*error)(nil)).Elem()
)

func encodeValue(v reflect.Value, s *encodeState) (*node, error) {
	if !v.IsValid() {
		return &node{Kind: kindNil}, nil
	}

	// Unwrap interfaces before inspecting the concrete value.
	for v.Kind() == reflect.Interface {
		if v.IsNil() {
			return &node{Kind: kindNil}, nil
		}
		v = v.Elem()
	}

	// Errors are recognized before structural kinds so concrete error types do
	// not fall into the object path.
	if v.Type().Implements(errorType) {
		if v.Kind() == reflect.Ptr && v.IsNil() {
			return &node{Kind: kindNil}, nil
		}
		return encodeError(v.Interface().(error)), nil
	}

	switch v.Kind() {
	case reflect.Bool:
		return &node{Kind: kindBool, Bool: v.Bool()}, nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return &node{Kind: kindInt, Int: v.Int()}, nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return &node{Kind: kindUint, Uint: v.Uint()}, nil

	case reflect.Float32, reflect.Float64:
		return &node{Kind: kindFloat, Float: v.Float()}, nil

	case reflect.String:
		return &node{Kind: kindString, Str: v.String()}, nil

	case reflect.Ptr:
		if v.IsNil() {
			return &node{Kind: kindNil}, nil
		}
		if v.Type() == regexpType {
			return &node{Kind: kindRegexp, Str: v.Interface().(*regexp.Regexp).String()}, nil
		}
		leave, cyclic, err := s.enter(v)
		if err != nil {
			return nil, err
		}
		if cyclic {
			return &node{Kind: kindCycle}, nil
		}
		defer leave()
		return encodeValue(v.Elem(), s)

	case reflect.Struct:
		if v.Type() == timeType {
			t := v.Interface().(time.Time)
			return &node{Kind: kindTime, Int: t.UnixNano()}, nil
		}
		return encodeStruct(v, s)

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return &node{Kind: kindNil}, nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			return &node{Kind: kindBinary, Bin: b}, nil
		}
		return encodeList(v, s)

	case reflect.Map:
		if v.IsNil() {
			return &node{Kind: kindNil}, nil
		}
		return encodeMap(v, s)

	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		// Not transportable; dropped.
		return &node{Kind: kindNil}, nil
	}

	return &node{Kind: kindNil}, nil
}

func encodeError(err error) *node {
	if re, ok := err.(*RemoteError); ok {
		return &node{Kind: kindError, Name: re.Name, Msg: re.Message, Stack: re.Stack}
	}
	return &node{Kind: kindError, Name: errorName(err), Msg: err.Error()}
}

// errorName reports the error's type name, with the stdlib's unexported
// concrete types collapsed to the generic "Error".
func errorName(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return "Error"
	}
	n := t.Name()
	if n == "" {
		return "Error"
	}
	root := t.PkgPath()
	if i := strings.IndexByte(root, '/'); i >= 0 {
		root = root[:i]
	}
	stdlib := !strings.Contains(root, ".")
	if stdlib && n[0] >= 'a' && n[0] <= 'z' {
		return "Error"
	}
	return n
}

func encodeList(v reflect.Value, s *encodeState) (*node, error) {
	leave, cyclic, err := s.enter(v)
	if err != nil {
		return nil, err
	}
	if cyclic {
		return &node{Kind: kindCycle}, nil
	}
	defer leave()

	items := make([]*node, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		el, err := encodeValue(v.Index(i), s)
		if err != nil {
			return nil, err
		}
		items = append(items, el)
	}
	return &node{Kind: kindList, Items: items}, nil
}

func encodeStruct(v reflect.Value, s *encodeState) (*node, error) {
	leave, _, err := s.enter(v)
	if err != nil {
		return nil, err
	}
	defer leave()

	t := v.Type()
	n := &node{Kind: kindObject}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		fv := v.Field(i)
		if !transportable(fv) {
			continue
		}
		el, err := encodeValue(fv, s)
		if err != nil {
			return nil, err
		}
		n.Keys = append(n.Keys, &node{Kind: kindString, Str: f.Name})
		n.Items = append(n.Items, el)
	}
	return n, nil
}

func encodeMap(v reflect.Value, s *encodeState) (*node, error) {
	leave, cyclic, err := s.enter(v)
	if err != nil {
		return nil, err
	}
	if cyclic {
		return &node{Kind: kindCycle}, nil
	}
	defer leave()

	t := v.Type()
	stringKeyed := t.Key().Kind() == reflect.String
	isSet := t.Elem() == reflect.TypeOf(struct{}{})

	keys := v.MapKeys()
	// Map iteration order is randomized; sorting keeps the encoding stable
	// under repeated calls.
	sort.Slice(keys, func(i, j int) bool {
		return mapKeyOrder(keys[i]) < mapKeyOrder(keys[j])
	})

	n := &node{}
	switch {
	case isSet:
		n.Kind = kindSet
	case stringKeyed:
		n.Kind = kindObject
	default:
		n.Kind = kindMap
	}

	for _, k := range keys {
		mv := v.MapIndex(k)
		if !isSet && !transportable(mv) {
			continue
		}
		kn, err := encodeValue(k, s)
		if err != nil {
			return nil, err
		}
		n.Keys = append(n.Keys, kn)
		if isSet {
			continue
		}
		el, err := encodeValue(mv, s)
		if err != nil {
			return nil, err
		}
		n.Items = append(n.Items, el)
	}
	return n, nil
}

// mapKeyOrder produces a total order over map keys of any kind.
func mapKeyOrder(k reflect.Value) string {
	for k.Kind() == reflect.Interface {
		if k.IsNil() {
			return ""
		}
		k = k.Elem()
	}
	switch k.Kind() {
	case reflect.String:
		return "s:" + k.String()
	default:
		return fmt.Sprintf("%v:%v", k.Kind(), k.Interface())
	}
}

// transportable reports whether v survives the codec at all. Functions and
// channels inside objects and maps are dropped rather than encoded as nil.
func transportable(v reflect.Value) bool {
	for v.Kind() == reflect.Interface {
		if v.IsNil() {
			return true
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return false
	}
	return true
}

func decodeNode(n *node) (any, error) {
	if n == nil {
		return nil, nil
	}
	switch n.Kind {
	case kindNil, kindCycle:
		// Back-edges are lost, not re-linked.
		return nil, nil

	case kindBool:
		return n.Bool, nil

	case kindInt:
		return n.Int, nil

	case kindUint:
		return n.Uint, nil

	case kindFloat:
		return n.Float, nil

	case kindString:
		return n.Str, nil

	case kindBinary:
		if n.Bin == nil {
			return []byte{}, nil
		}
		return n.Bin, nil

	case kindTime:
		return time.Unix(0, n.Int).UTC(), nil

	case kindRegexp:
		re, err := regexp.Compile(n.Str)
		if err != nil {
			return nil, fmt.Errorf("%w: regexp %q: %w", ErrMalformed, n.Str, err)
		}
		return re, nil

	case kindList:
		out := make([]any, len(n.Items))
		for i, el := range n.Items {
			v, err := decodeNode(el)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil

	case kindObject:
		if len(n.Keys) != len(n.Items) {
			return nil, ErrMalformed
		}
		out := make(map[string]any, len(n.Keys))
		for i, kn := range n.Keys {
			v, err := decodeNode(n.Items[i])
			if err != nil {
				return nil, err
			}
			out[kn.Str] = v
		}
		return out, nil

	case kindMap:
		if len(n.Keys) != len(n.Items) {
			return nil, ErrMalformed
		}
		out := make(map[any]any, len(n.Keys))
		for i, kn := range n.Keys {
			k, err := decodeNode(kn)
			if err != nil {
				return nil, err
			}
			v, err := decodeNode(n.Items[i])
			if err != nil {
				return nil, err
			}
			if !hashable(k) {
				continue
			}
			out[k] = v
		}
		return out, nil

	case kindSet:
		out := make(map[any]struct{}, len(n.Keys))
		for _, kn := range n.Keys {
			k, err := decodeNode(kn)
			if err != nil {
				return nil, err
			}
			if !hashable(k) {
				continue
			}
			out[k] = struct{}{}
		}
		return out, nil

	case kindError:
		return &RemoteError{Name: n.Name, Message: n.Msg, Stack: n.Stack}, nil
	}

	return nil, ErrMalformed
}

// hashable reports whether a decoded value can serve as a map key. Keys that
// decoded to container kinds (a [2]int key arrives as a list) are skipped.
func hashable(k any) bool {
	if k == nil {
		return true
	}
	switch reflect.TypeOf(k).Kind() {
	case reflect.Slice, reflect.Map, reflect.Func:
		return false
	}
	return true
}
