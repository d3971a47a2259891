package goroutine

import "errors"

const Namespace = "goroutine"

var (
	// ErrRegistryMalformed is the fixed cross-process failure for a call whose
	// registry index is missing on the receiving side or whose signature does
	// not match. The text is part of the wire-visible contract and carries no
	// namespace prefix.
	ErrRegistryMalformed = errors.New("Goroutine registry malformed, function call cannot be performed")

	ErrNotFunction = errors.New(
		Namespace + ": target must be a function or function source text",
	)
	ErrMainOnly = errors.New(
		Namespace + ": operation is allowed on the main side only",
	)
	ErrNotStarted = errors.New(
		Namespace + ": runtime has not been started",
	)
	ErrAlreadyStarted = errors.New(
		Namespace + ": runtime has already been started",
	)
	ErrInvalidConfig = errors.New(
		Namespace + ": invalid configuration",
	)
	ErrEntryNotFound = errors.New(
		Namespace + ": cannot resolve the worker entry binary",
	)
	ErrWorkerDied = errors.New(
		Namespace + ": worker exited before responding",
	)
	ErrNotCallable = errors.New(
		Namespace + ": source did not evaluate to a function",
	)
)
