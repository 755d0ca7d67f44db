// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package tunnel

import "context"

// EventSource is the VPN engine as seen by the state machine.  Every
// method may block and is never called from the state machine's executor.
type EventSource interface {
	// Init prepares the engine for the given environment.
	Init(ctx context.Context, environment string, credentialMode CredentialMode) error

	// Connect asks the engine to bring a tunnel up.  On success it returns
	// the engine session tag used on subsequent events.
	Connect(ctx context.Context, req *ConnectRequest) (uint64, error)

	// Disconnect asks the engine to tear the tunnel down.
	Disconnect(ctx context.Context) error

	// CurrentState queries the engine's view of the tunnel.
	CurrentState(ctx context.Context) (State, error)

	// Events returns the channel the engine's events are delivered on.
	Events() <-chan Event
}

// AccountChecker reports whether the stored account allows connecting.
type AccountChecker interface {
	IsUsable() bool
}

// RequestBuilder assembles a ConnectRequest from the current configuration
// and gateway selection.
type RequestBuilder func() (*ConnectRequest, error)
