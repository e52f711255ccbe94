package dlshim

import "fmt"

// FatalError is returned by a trap handler when the guest cannot
// continue: an unsupported entry point was called, or a host
// collaborator failed. The emulator must stop.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("dlshim: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatal(op string, err error) error {
	return &FatalError{Op: op, Err: err}
}
