// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/katzenpost/katzenvpn/core/gateway"
)

// Source is a gateway directory.
type Source interface {
	// ListGateways returns the gateways usable for the given mode and hop.
	ListGateways(ctx context.Context, mode gateway.Mode, hop gateway.Hop, userAgent string) ([]*gateway.Node, error)
}

// FetchErrorKind classifies a failed directory fetch.
type FetchErrorKind uint8

const (
	// Unreachable is reported when the directory could not be queried.
	Unreachable FetchErrorKind = iota
	// Malformed is reported when the directory returned invalid data.
	Malformed
)

// String returns the stable name of the FetchErrorKind.
func (k FetchErrorKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case Malformed:
		return "malformed"
	default:
		return fmt.Sprintf("[unknown fetch error %d]", uint8(k))
	}
}

// FetchError is the error returned by a failed refresh.
type FetchError struct {
	Kind FetchErrorKind
	List List
	Err  error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("directory: %v %v list: %v", e.Kind, e.List, e.Err)
}

// Unwrap returns the underlying error.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is matches any FetchError of the same Kind.
func (e *FetchError) Is(target error) bool {
	t, ok := target.(*FetchError)
	return ok && t.Kind == e.Kind
}

var (
	ErrUnreachable = &FetchError{Kind: Unreachable}
	ErrMalformed   = &FetchError{Kind: Malformed}
)

func asFetchError(list List, err error) *FetchError {
	var fErr *FetchError
	if errors.As(err, &fErr) {
		if fErr.List != list {
			return &FetchError{Kind: fErr.Kind, List: list, Err: fErr.Err}
		}
		return fErr
	}
	return &FetchError{Kind: Unreachable, List: list, Err: err}
}
