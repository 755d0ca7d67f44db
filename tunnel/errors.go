// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package tunnel

import (
	"errors"
	"fmt"
)

// ConnectErrorKind classifies a failed connect or disconnect request.
type ConnectErrorKind uint8

const (
	// AlreadyRunning is reported when the engine already runs a tunnel.
	AlreadyRunning ConnectErrorKind = iota
	// PermissionDenied is reported when a platform permission is missing.
	PermissionDenied
	// RequiresLogin is reported when no usable account is stored.
	RequiresLogin
	// EngineUnreachable is reported when the engine can not be reached.
	EngineUnreachable
	// InvalidRequest is reported when the stored selection can not be
	// turned into a connect request.
	InvalidRequest
	// NotRunning is reported by the engine when there is no tunnel to stop.
	NotRunning
)

var connectErrorNames = [...]string{
	AlreadyRunning:    "already running",
	PermissionDenied:  "permission denied",
	RequiresLogin:     "requires login",
	EngineUnreachable: "engine unreachable",
	InvalidRequest:    "invalid request",
	NotRunning:        "not running",
}

// String returns the stable name of the ConnectErrorKind.
func (k ConnectErrorKind) String() string {
	if int(k) < len(connectErrorNames) {
		return connectErrorNames[k]
	}
	return fmt.Sprintf("[unknown connect error %d]", uint8(k))
}

// ConnectError is the error returned by connect and disconnect requests.
type ConnectError struct {
	Kind ConnectErrorKind
	Err  error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	if e.Err == nil {
		return "tunnel: " + e.Kind.String()
	}
	return fmt.Sprintf("tunnel: %v: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Is matches any ConnectError of the same Kind.
func (e *ConnectError) Is(target error) bool {
	t, ok := target.(*ConnectError)
	return ok && t.Kind == e.Kind
}

var (
	ErrAlreadyRunning    = &ConnectError{Kind: AlreadyRunning}
	ErrPermissionDenied  = &ConnectError{Kind: PermissionDenied}
	ErrRequiresLogin     = &ConnectError{Kind: RequiresLogin}
	ErrEngineUnreachable = &ConnectError{Kind: EngineUnreachable}
	ErrNotRunning        = &ConnectError{Kind: NotRunning}

	// ErrHalted is the error returned when the state machine was shut down.
	ErrHalted = errors.New("tunnel: halted")
)

// AsConnectError classifies an arbitrary engine error, treating anything
// untyped as the engine being unreachable.
func AsConnectError(err error) *ConnectError {
	if err == nil {
		return nil
	}
	var cErr *ConnectError
	if errors.As(err, &cErr) {
		return cErr
	}
	return &ConnectError{Kind: EngineUnreachable, Err: err}
}
