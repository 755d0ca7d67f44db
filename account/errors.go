// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package account

import "fmt"

// ErrorKind classifies a failed account operation.
type ErrorKind uint8

const (
	// InvalidMnemonic is reported for a malformed recovery phrase.
	InvalidMnemonic ErrorKind = iota
	// Storage is reported when the account could not be stored.
	Storage
	// AlreadyConnectedCannotLogout is reported when removing the account
	// while the tunnel is not disconnected.
	AlreadyConnectedCannotLogout
	// Unavailable is reported when the account API could not be queried.
	Unavailable
)

// String returns the stable name of the ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case InvalidMnemonic:
		return "invalid mnemonic"
	case Storage:
		return "storage failure"
	case AlreadyConnectedCannotLogout:
		return "tunnel must be disconnected to log out"
	case Unavailable:
		return "account service unavailable"
	default:
		return fmt.Sprintf("[unknown account error %d]", uint8(k))
	}
}

// Error is the error returned by account operations.
type Error struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return "account: " + e.Kind.String()
	}
	return fmt.Sprintf("account: %v: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidMnemonic              = &Error{Kind: InvalidMnemonic}
	ErrStorage                      = &Error{Kind: Storage}
	ErrAlreadyConnectedCannotLogout = &Error{Kind: AlreadyConnectedCannotLogout}
	ErrUnavailable                  = &Error{Kind: Unavailable}
)
