package goroutine

import (
	"errors"
	"fmt"
)

// CallMetaError exposes correlation metadata for a failed worker call.
type CallMetaError interface {
	error
	Unwrap() error
	CallUID() (uint64, bool)
	WorkerID() (int, bool)
}

type callTaggedError struct {
	err      error
	uid      uint64
	workerID int
}

func newCallTaggedError(err error, uid uint64, workerID int) error {
	if err == nil {
		return nil
	}
	return &callTaggedError{err: err, uid: uid, workerID: workerID}
}

func (e *callTaggedError) Error() string { return e.err.Error() }
func (e *callTaggedError) Unwrap() error { return e.err }

func (e *callTaggedError) CallUID() (uint64, bool) { return e.uid, true }

func (e *callTaggedError) WorkerID() (int, bool) {
	if e.workerID <= 0 {
		return 0, false
	}
	return e.workerID, true
}

func (e *callTaggedError) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			_, _ = fmt.Fprintf(s, "call(uid=%d,worker=%d): %+v", e.uid, e.workerID, e.err)
			return
		}
		fallthrough
	case 's':
		_, _ = fmt.Fprint(s, e.Error())
	case 'q':
		_, _ = fmt.Fprintf(s, "%q", e.Error())
	}
}

// ExtractCallUID returns the call uid from err if present.
func ExtractCallUID(err error) (uint64, bool) {
	var cme CallMetaError
	if errors.As(err, &cme) {
		return cme.CallUID()
	}
	return 0, false
}

// ExtractCallWorkerID returns the serving worker's id from err if present.
func ExtractCallWorkerID(err error) (int, bool) {
	var cme CallMetaError
	if errors.As(err, &cme) {
		return cme.WorkerID()
	}
	return 0, false
}
