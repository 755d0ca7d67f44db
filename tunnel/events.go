// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package tunnel

import "fmt"

// Event is a tunnel event, as reported by the engine or synthesized for
// notification subscribers.
type Event interface {
	// String returns a string representation of the Event.
	String() string
}

// NewTunnelState is the event sent when the engine reports a new state.
type NewTunnelState struct {
	// State is the new tunnel state.
	State State

	// Session is the engine session the state belongs to, zero if unknown.
	Session uint64
}

// String returns a string representation of the NewTunnelState.
func (e *NewTunnelState) String() string {
	return fmt.Sprintf("NewTunnelState[%d]: %v", e.Session, e.State)
}

// MixnetTelemetry is the event sent when the engine learns new mixnet
// addressing for the current session.
type MixnetTelemetry struct {
	// Info is the mixnet addressing.
	Info *MixnetInfo

	// Session is the engine session the telemetry belongs to, zero if
	// unknown.
	Session uint64
}

// String returns a string representation of the MixnetTelemetry.
func (e *MixnetTelemetry) String() string {
	if e.Info == nil {
		return fmt.Sprintf("MixnetTelemetry[%d]: <nil>", e.Session)
	}
	return fmt.Sprintf("MixnetTelemetry[%d]: %v", e.Session, e.Info.NymAddress)
}

// BandwidthDepleted is the event sent when the account ran out of bandwidth.
type BandwidthDepleted struct{}

// String returns a string representation of the BandwidthDepleted.
func (e *BandwidthDepleted) String() string {
	return "BandwidthDepleted"
}

// BandwidthLow is the event sent when the remaining bandwidth drops below the
// engine's warning threshold.
type BandwidthLow struct {
	// Remaining is the remaining bandwidth in bytes.
	Remaining uint64
}

// String returns a string representation of the BandwidthLow.
func (e *BandwidthLow) String() string {
	return fmt.Sprintf("BandwidthLow: %d bytes remaining", e.Remaining)
}

// NetworkUnavailable is the event sent when the host lost connectivity.
type NetworkUnavailable struct{}

// String returns a string representation of the NetworkUnavailable.
func (e *NetworkUnavailable) String() string {
	return "NetworkUnavailable"
}

// NetworkRestored is the event sent when the host regained connectivity.
type NetworkRestored struct{}

// String returns a string representation of the NetworkRestored.
func (e *NetworkRestored) String() string {
	return "NetworkRestored"
}

// PermissionRequired is the notification sent when the engine refused to
// start the tunnel for lack of a platform permission.
type PermissionRequired struct{}

// String returns a string representation of the PermissionRequired.
func (e *PermissionRequired) String() string {
	return "PermissionRequired"
}
