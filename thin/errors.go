// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package thin

import (
	"errors"
	"fmt"

	"github.com/katzenpost/katzenvpn/directory"
	"github.com/katzenpost/katzenvpn/tunnel"
)

// Reply error codes.
const (
	ErrorSuccess uint8 = iota
	ErrorAlreadyRunning
	ErrorPermissionDenied
	ErrorNotRunning
	ErrorInvalidRequest
	ErrorDirectoryUnreachable
	ErrorDirectoryMalformed
	ErrorInternal
)

// ErrClosed is the error returned when the daemon connection is gone.
var ErrClosed = errors.New("thin: connection closed")

func errorCodeToString(code uint8) string {
	switch code {
	case ErrorSuccess:
		return "success"
	case ErrorAlreadyRunning:
		return "already running"
	case ErrorPermissionDenied:
		return "permission denied"
	case ErrorNotRunning:
		return "not running"
	case ErrorInvalidRequest:
		return "invalid request"
	case ErrorDirectoryUnreachable:
		return "directory unreachable"
	case ErrorDirectoryMalformed:
		return "directory malformed"
	case ErrorInternal:
		return "internal error"
	default:
		return fmt.Sprintf("unknown error code: %d", code)
	}
}

// replyError converts a Reply's error code into a typed error.
func replyError(r *Reply) error {
	if r.ErrorCode == ErrorSuccess {
		return nil
	}
	var cause error
	if r.ErrorMessage != "" {
		cause = errors.New(r.ErrorMessage)
	}
	switch r.ErrorCode {
	case ErrorAlreadyRunning:
		return &tunnel.ConnectError{Kind: tunnel.AlreadyRunning, Err: cause}
	case ErrorPermissionDenied:
		return &tunnel.ConnectError{Kind: tunnel.PermissionDenied, Err: cause}
	case ErrorNotRunning:
		return &tunnel.ConnectError{Kind: tunnel.NotRunning, Err: cause}
	case ErrorInvalidRequest:
		return &tunnel.ConnectError{Kind: tunnel.InvalidRequest, Err: cause}
	case ErrorDirectoryUnreachable:
		return &directory.FetchError{Kind: directory.Unreachable, Err: cause}
	case ErrorDirectoryMalformed:
		return &directory.FetchError{Kind: directory.Malformed, Err: cause}
	default:
		if cause == nil {
			return fmt.Errorf("thin: %v", errorCodeToString(r.ErrorCode))
		}
		return fmt.Errorf("thin: %v: %v", errorCodeToString(r.ErrorCode), cause)
	}
}
