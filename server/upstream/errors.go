package upstream

import (
	jerrors "github.com/juju/errors"
)

// TrapError is a logical error the device itself reported in a !trap reply.
// The command reached the device and was rejected, so it must never be
// retried or queued.
type TrapError struct {
	Message  string
	Category string
}

func (e *TrapError) Error() string {
	return "Trap: " + e.Message
}

// IsTrap reports whether err is a device-reported logical error. Everything
// else (dial, I/O, timeout, DNS, framing) is transient.
func IsTrap(err error) bool {
	_, ok := jerrors.Cause(err).(*TrapError)
	return ok
}
