package store

import "errors"

// Sentinel errors matching the failure kinds in spec.md section 4.1 and
// the taxonomy in section 7. Callers test with errors.Is.
var (
	ErrNotFound   = errors.New("store: not found")
	ErrConflict   = errors.New("store: conflict")
	ErrTransient  = errors.New("store: transient failure")
	ErrFatal      = errors.New("store: fatal failure")
	ErrWrongAgent = errors.New("store: wrong agent")
)
