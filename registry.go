package goroutine

import (
	"hash/fnv"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/ygrebnov/errorc"
)

// registryEntry is one ordered slot: the callable plus the 32-bit signature of
// its identity. Slots are append-only for the process lifetime; indices are
// stable.
type registryEntry struct {
	index int
	fn    reflect.Value
	sig   uint32
}

// registry is the process-private indexed sequence of callables. It is never
// synchronized across processes: the main side and every worker build
// identically ordered registries by executing the same registration code on
// load. Drift is detected at call time by signature comparison.
type registry struct {
	mu      sync.Mutex
	entries []*registryEntry
	byFn    map[uintptr]int

	// deferred holds roots recorded by Use. Collection is deferred until the
	// registry is first consulted, so Use may precede the definitions it
	// covers.
	deferred []any
}

var processRegistry = &registry{byFn: make(map[uintptr]int)}

// Register appends fn to the process registry if not already present and
// returns it unchanged, so registration can wrap a declaration. It panics on
// non-function values; registration happens at load time where a bad value is
// a programming error, mirrored identically in main and workers.
func Register(fn any) any {
	if _, err := processRegistry.register(fn); err != nil {
		panic(err)
	}
	return fn
}

// Use records roots for deferred registration. A root may be a function, a
// slice of functions, a map keyed by string whose function values are
// registered in sorted key order, or a struct (or pointer to one) whose
// exported function fields are registered in field order. Non-function
// members are skipped.
//
// Registration order must be deterministic across processes, which is why map
// roots are walked sorted.
func Use(roots ...any) {
	processRegistry.mu.Lock()
	defer processRegistry.mu.Unlock()
	processRegistry.deferred = append(processRegistry.deferred, roots...)
}

func (r *registry) register(fn any) (int, error) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return 0, errorc.With(ErrNotFunction,
			errorc.String("kind", reflect.ValueOf(fn).Kind().String()))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.add(v), nil
}

// add appends v unless its code pointer is already registered. Caller holds
// r.mu.
func (r *registry) add(v reflect.Value) int {
	p := v.Pointer()
	if idx, ok := r.byFn[p]; ok {
		return idx
	}
	e := &registryEntry{
		index: len(r.entries),
		fn:    v,
		sig:   signatureOf(funcIdentity(v)),
	}
	r.entries = append(r.entries, e)
	r.byFn[p] = e.index
	return e.index
}

// collect drains deferred Use roots into the registry. Called before any
// lookup or index query.
func (r *registry) collect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	roots := r.deferred
	r.deferred = nil
	for _, root := range roots {
		r.collectRoot(root)
	}
}

func (r *registry) collectRoot(root any) {
	v := reflect.ValueOf(root)
	if !v.IsValid() {
		return
	}
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Func:
		if !v.IsNil() {
			r.add(v)
		}

	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			el := v.Index(i)
			for el.Kind() == reflect.Interface {
				el = el.Elem()
			}
			if el.Kind() == reflect.Func && !el.IsNil() {
				r.add(el)
			}
		}

	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return
		}
		keys := make([]string, 0, v.Len())
		for _, k := range v.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		for _, k := range keys {
			el := v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key()))
			for el.Kind() == reflect.Interface {
				el = el.Elem()
			}
			if el.Kind() == reflect.Func && !el.IsNil() {
				r.add(el)
			}
		}

	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			f := v.Field(i)
			for f.Kind() == reflect.Interface {
				f = f.Elem()
			}
			if f.Kind() == reflect.Func && !f.IsNil() {
				r.add(f)
			}
		}
	}
}

// lookup returns the entry at index, after draining deferred roots.
func (r *registry) lookup(index int) (*registryEntry, bool) {
	r.collect()
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || index >= len(r.entries) {
		return nil, false
	}
	return r.entries[index], true
}

// indexOf returns the slot for fn, registering it when absent so that a call
// with a never-registered function still travels as an index (the receiving
// side then reports the registry as malformed, the defined drift behavior).
func (r *registry) indexOf(v reflect.Value) (index int, sig uint32) {
	r.collect()
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.add(v)
	return idx, r.entries[idx].sig
}

func (r *registry) size() int {
	r.collect()
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// funcIdentity is the stable identity text of a function value: its fully
// qualified symbol name. Identical binaries resolve identical names, which
// stands in for the source text of the host runtime.
func funcIdentity(v reflect.Value) string {
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return "unknown"
	}
	// Closures of the same literal share a symbol; trailing instantiation
	// suffixes (".func1") stay, autogenerated wrapper markers do not.
	return strings.TrimSuffix(f.Name(), "-fm")
}

// signatureOf hashes identity text into the 32-bit wire signature.
func signatureOf(src string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(src))
	return h.Sum32()
}
