package goroutine

import (
	"time"

	"github.com/ygrebnov/errorc"
	"github.com/ygrebnov/goroutine/metrics"
	"github.com/ygrebnov/goroutine/transport"
)

// Option configures a Runtime. Use New(opts...) or Start(ctx, opts...) to
// apply options; invalid input surfaces as an error rather than a panic.
type Option func(*config) error

// WithFilename sets the worker entry binary. When unset, the running
// executable is used.
func WithFilename(path string) Option {
	return func(cfg *config) error { cfg.Filename = path; return nil }
}

// WithWorkers selects a fixed pool of n workers, all spawned eagerly at
// Start (must be > 0).
func WithWorkers(n int) Option {
	return func(cfg *config) error {
		if n < 1 {
			return errorc.With(ErrInvalidConfig,
				errorc.String("", "WithWorkers requires n > 0"))
		}
		cfg.MinWorkers = n
		cfg.MaxWorkers = n
		cfg.fixedPool = true
		return nil
	}
}

// WithWorkerRange selects a dynamic pool: min workers spawn eagerly at Start
// and additional workers spawn on demand up to max.
func WithWorkerRange(min, max int) Option {
	return func(cfg *config) error {
		if min < 1 || max < min {
			return errorc.With(ErrInvalidConfig,
				errorc.String("", "WithWorkerRange requires 1 <= min <= max"))
		}
		cfg.MinWorkers = min
		cfg.MaxWorkers = max
		cfg.fixedPool = false
		return nil
	}
}

// WithMethod overrides the dispatch policy. Round-robin over a dynamic pool
// is deferred until the pool has grown to its maximum; until then selection
// behaves as least-time.
func WithMethod(m Method) Option {
	return func(cfg *config) error {
		cfg.Method = m
		cfg.methodSet = true
		return nil
	}
}

// WithAdapter selects one of the built-in transports.
func WithAdapter(kind AdapterKind) Option {
	return func(cfg *config) error { cfg.AdapterKind = kind; return nil }
}

// WithTransport installs a custom transport adapter. Intended for tests and
// embedders; the built-in adapters cover normal use.
func WithTransport(a transport.Adapter) Option {
	return func(cfg *config) error { cfg.CustomAdapter = a; return nil }
}

// WithExecArgs passes extra leading arguments to spawned workers.
func WithExecArgs(args ...string) Option {
	return func(cfg *config) error {
		cfg.ExecArgs = append([]string(nil), args...)
		return nil
	}
}

// WithWorkerData delivers v, encoded via the codec, to every worker.
func WithWorkerData(v any) Option {
	return func(cfg *config) error { cfg.WorkerData = v; return nil }
}

// WithStdin pipes the parent's stdin to subprocess workers.
func WithStdin() Option {
	return func(cfg *config) error { cfg.Stdin = true; return nil }
}

// WithStdout pipes subprocess workers' stdout to the parent's.
func WithStdout() Option {
	return func(cfg *config) error { cfg.Stdout = true; return nil }
}

// WithStderr pipes subprocess workers' stderr to the parent's.
func WithStderr() Option {
	return func(cfg *config) error { cfg.Stderr = true; return nil }
}

// WithMetrics installs a metrics provider for runtime instruments.
func WithMetrics(p metrics.Provider) Option {
	return func(cfg *config) error {
		if p == nil {
			return errorc.With(ErrInvalidConfig,
				errorc.String("", "WithMetrics requires a provider"))
		}
		cfg.Metrics = p
		return nil
	}
}

// WithWarningHandler replaces the advisory-warning sink (default: log.Print).
func WithWarningHandler(fn func(msg string)) Option {
	return func(cfg *config) error {
		if fn == nil {
			return errorc.With(ErrInvalidConfig,
				errorc.String("", "WithWarningHandler requires a function"))
		}
		cfg.Warn = fn
		return nil
	}
}

// WithTickInterval overrides the liveness tick period of in-process workers
// (default 100ms). Subprocess workers always tick every 100ms.
func WithTickInterval(d time.Duration) Option {
	return func(cfg *config) error { cfg.TickInterval = d; return nil }
}

// WithStaleAfter overrides the blocked-worker threshold (default 1s).
func WithStaleAfter(d time.Duration) Option {
	return func(cfg *config) error { cfg.StaleAfter = d; return nil }
}
