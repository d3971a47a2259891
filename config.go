package goroutine

import (
	"log"
	"runtime"
	"time"

	"github.com/ygrebnov/errorc"
	"github.com/ygrebnov/goroutine/metrics"
	"github.com/ygrebnov/goroutine/pool"
	"github.com/ygrebnov/goroutine/transport"
)

// Method re-exports the dispatch policies.
type Method = pool.Method

const (
	// MethodRoundRobin distributes calls by uid modulo the pool size once the
	// pool is at its maximum.
	MethodRoundRobin = pool.MethodRoundRobin
	// MethodLeastTime picks the most recently responsive worker.
	MethodLeastTime = pool.MethodLeastTime
)

// AdapterKind selects one of the built-in transports.
type AdapterKind string

const (
	// AdapterProcess runs each worker as a child subprocess of the worker
	// entry binary. The default.
	AdapterProcess AdapterKind = transport.AdapterProcess
	// AdapterInproc runs each worker as a goroutine inside this process.
	AdapterInproc AdapterKind = transport.AdapterInproc
)

// config holds Runtime configuration, frozen at Start.
type config struct {
	// Filename is the worker entry binary. Empty means resolve automatically
	// (the running executable).
	Filename string

	// MinWorkers and MaxWorkers bound the pool. With a fixed pool both are
	// equal and all workers spawn eagerly; with a dynamic pool MinWorkers
	// spawn eagerly and the rest on demand.
	MinWorkers int
	MaxWorkers int
	fixedPool  bool

	// Method is the dispatch policy. Derived from the pool shape when not set
	// explicitly: fixed pools default to round-robin, dynamic pools to
	// least-time.
	Method    Method
	methodSet bool

	// AdapterKind selects the transport; CustomAdapter overrides it.
	AdapterKind   AdapterKind
	CustomAdapter transport.Adapter

	// ExecArgs are extra leading arguments for spawned workers.
	ExecArgs []string

	// WorkerData is encoded via the codec and delivered to each worker.
	WorkerData any

	// Stdin, Stdout, Stderr enable piped IO on subprocess workers.
	Stdin  bool
	Stdout bool
	Stderr bool

	// TickInterval is the worker liveness tick period; StaleAfter is the age
	// beyond which a worker counts as blocked.
	TickInterval time.Duration
	StaleAfter   time.Duration

	// Metrics receives runtime instruments. Defaults to a no-op provider.
	Metrics metrics.Provider

	// Warn receives the one-shot advisory warning emitted when calls are
	// served locally because the pool is empty.
	Warn func(msg string)
}

// defaultConfig centralizes default values for config.
func defaultConfig() config {
	return config{
		MinWorkers:   runtime.NumCPU(),
		MaxWorkers:   runtime.NumCPU(),
		fixedPool:    true,
		AdapterKind:  AdapterProcess,
		TickInterval: 100 * time.Millisecond,
		StaleAfter:   time.Second,
		Metrics:      metrics.NewNoopProvider(),
		Warn:         func(msg string) { log.Print(msg) },
	}
}

// validateConfig performs invariant checks on an assembled config.
func validateConfig(cfg *config) error {
	if cfg.MinWorkers < 1 {
		return errorc.With(ErrInvalidConfig,
			errorc.String("", "minimum workers must be at least 1"))
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		return errorc.With(ErrInvalidConfig,
			errorc.String("", "maximum workers must be at least the minimum"))
	}
	if cfg.methodSet && cfg.Method != MethodRoundRobin && cfg.Method != MethodLeastTime {
		return errorc.With(ErrInvalidConfig,
			errorc.String("method", string(cfg.Method)))
	}
	switch cfg.AdapterKind {
	case AdapterProcess, AdapterInproc:
	default:
		if cfg.CustomAdapter == nil {
			return errorc.With(ErrInvalidConfig,
				errorc.String("adapter", string(cfg.AdapterKind)))
		}
	}
	if cfg.TickInterval <= 0 || cfg.StaleAfter <= 0 {
		return errorc.With(ErrInvalidConfig,
			errorc.String("", "tick interval and stale threshold must be positive"))
	}
	return nil
}

// deriveMethod applies the default-policy rule when no explicit method was
// configured.
func (cfg *config) deriveMethod() Method {
	if cfg.methodSet {
		return cfg.Method
	}
	if cfg.fixedPool {
		return MethodRoundRobin
	}
	return MethodLeastTime
}
