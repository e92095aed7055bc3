// Package apperr holds the error taxonomy shared by the access core and its
// protocol clients.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input rejected before any network dispatch
	// (malformed MAC, out-of-range static IP, unknown VLAN).
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when a device, identity, token or request does not exist.
	ErrNotFound = errors.New("not found")
	// ErrIllegalTransition is returned when an event is not valid for the device's current status.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrTransient marks socket/HTTP/UDP failures and timeouts talking to RADIUS or DHCP.
	ErrTransient = errors.New("transient network error")
	// ErrProtocol marks a well-formed reply that reports failure.
	ErrProtocol = errors.New("protocol error")
)

// Validationf builds an error wrapping ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// TransientError wraps a network failure for operation Op.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// ProtocolError reports a reply that the remote side marked as failed.
type ProtocolError struct {
	Op   string
	Code int
	Text string
}

func (e *ProtocolError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("%s: remote returned code %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: remote returned code %d: %s", e.Op, e.Code, e.Text)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }
