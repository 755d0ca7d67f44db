// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package thin

import (
	"github.com/katzenpost/katzenvpn/account"
	"github.com/katzenpost/katzenvpn/core/gateway"
	"github.com/katzenpost/katzenvpn/tunnel"
)

// InitRequest prepares the engine.
type InitRequest struct {
	Environment    string                `cbor:"environment"`
	CredentialMode tunnel.CredentialMode `cbor:"credential_mode"`
}

// StoreMnemonicRequest stores an account recovery phrase.
type StoreMnemonicRequest struct {
	Mnemonic string `cbor:"mnemonic"`
}

// GetAccountLinksRequest asks for the localized account links.
type GetAccountLinksRequest struct {
	Locale string `cbor:"locale"`
}

// ListGatewaysRequest asks for a gateway list.
type ListGatewaysRequest struct {
	Mode      gateway.Mode `cbor:"mode"`
	Hop       gateway.Hop  `cbor:"hop"`
	UserAgent string       `cbor:"user_agent"`
}

// Request is a thin client request.  Exactly one of the operation fields is
// set, except for IsThinClose.
type Request struct {
	// QueryID correlates the Reply with this request.
	QueryID uint64 `cbor:"query_id"`

	Init              *InitRequest            `cbor:"init,omitempty"`
	Connect           *tunnel.ConnectRequest  `cbor:"connect,omitempty"`
	Disconnect        *struct{}               `cbor:"disconnect,omitempty"`
	CurrentState      *struct{}               `cbor:"current_state,omitempty"`
	IsMnemonicStored  *struct{}               `cbor:"is_mnemonic_stored,omitempty"`
	StoreMnemonic     *StoreMnemonicRequest   `cbor:"store_mnemonic,omitempty"`
	RemoveMnemonic    *struct{}               `cbor:"remove_mnemonic,omitempty"`
	GetAccountSummary *struct{}               `cbor:"get_account_summary,omitempty"`
	GetAccountLinks   *GetAccountLinksRequest `cbor:"get_account_links,omitempty"`
	ListGateways      *ListGatewaysRequest    `cbor:"list_gateways,omitempty"`

	// IsThinClose announces the client is going away.
	IsThinClose bool `cbor:"is_thin_close,omitempty"`
}

// Reply is the daemon's answer to a Request.
type Reply struct {
	QueryID uint64 `cbor:"query_id"`

	ErrorCode    uint8  `cbor:"error_code"`
	ErrorMessage string `cbor:"error_message,omitempty"`

	Session        uint64           `cbor:"session,omitempty"`
	State          *tunnel.Record   `cbor:"state,omitempty"`
	MnemonicStored bool             `cbor:"mnemonic_stored,omitempty"`
	Summary        *account.Summary `cbor:"summary,omitempty"`
	Links          *account.Links   `cbor:"links,omitempty"`
	Gateways       []*gateway.Node  `cbor:"gateways,omitempty"`
}

// TunnelStateEvent reports a new tunnel state.
type TunnelStateEvent struct {
	Session uint64         `cbor:"session"`
	State   *tunnel.Record `cbor:"state"`
}

// MixnetTelemetryEvent reports the mixnet addressing of a session.
type MixnetTelemetryEvent struct {
	Session uint64             `cbor:"session"`
	Info    *tunnel.MixnetInfo `cbor:"info"`
}

// BandwidthEvent reports the account's bandwidth status.
type BandwidthEvent struct {
	Depleted  bool   `cbor:"depleted"`
	Remaining uint64 `cbor:"remaining"`
}

// NetworkEvent reports host connectivity changes.
type NetworkEvent struct {
	Available bool `cbor:"available"`
}

// Response is a message sent by the daemon, either a Reply or an event.
type Response struct {
	Reply *Reply `cbor:"reply,omitempty"`

	TunnelStateEvent     *TunnelStateEvent     `cbor:"tunnel_state_event,omitempty"`
	MixnetTelemetryEvent *MixnetTelemetryEvent `cbor:"mixnet_telemetry_event,omitempty"`
	BandwidthEvent       *BandwidthEvent       `cbor:"bandwidth_event,omitempty"`
	NetworkEvent         *NetworkEvent         `cbor:"network_event,omitempty"`
	ShutdownEvent        *struct{}             `cbor:"shutdown_event,omitempty"`
}
