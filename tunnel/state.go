// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package tunnel

import (
	"errors"
	"fmt"
	"time"

	"github.com/katzenpost/katzenvpn/core/gateway"
)

// Kind is the discriminant of a State.
type Kind uint8

const (
	KindDisconnected Kind = iota
	KindConnecting
	KindConnected
	KindDisconnecting
	KindOffline
	KindError
)

var kindNames = [...]string{
	KindDisconnected:  "disconnected",
	KindConnecting:    "connecting",
	KindConnected:     "connected",
	KindDisconnecting: "disconnecting",
	KindOffline:       "offline",
	KindError:         "error",
}

// String returns the stable name of the Kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("[unknown kind %d]", uint8(k))
}

// State is the connectivity state of the tunnel.  Values are immutable once
// published, transitions always install a new value.
type State interface {
	// Kind returns the discriminant of the State.
	Kind() Kind

	// String returns a string representation of the State.
	String() string
}

// Disconnected is the state of an idle tunnel.
type Disconnected struct{}

func (s *Disconnected) Kind() Kind     { return KindDisconnected }
func (s *Disconnected) String() string { return "Disconnected" }

// Connecting is the state of a tunnel being established.  Info is filled in
// as the engine reports partial connection details.
type Connecting struct {
	Info *ConnectionInfo
}

func (s *Connecting) Kind() Kind { return KindConnecting }

func (s *Connecting) String() string {
	if s.Info == nil {
		return "Connecting"
	}
	return fmt.Sprintf("Connecting (%v)", s.Info)
}

// Connected is the state of an established tunnel.
type Connected struct {
	Info        *ConnectionInfo
	ConnectedAt time.Time
}

func (s *Connected) Kind() Kind { return KindConnected }

func (s *Connected) String() string {
	return fmt.Sprintf("Connected since %v (%v)", s.ConnectedAt.Format(time.RFC3339), s.Info)
}

// DisconnectReason tags why a tunnel is being torn down.
type DisconnectReason uint8

const (
	UserRequested DisconnectReason = iota
	ErrorRecovery
	Reconnect
)

// String returns the stable name of the DisconnectReason.
func (r DisconnectReason) String() string {
	switch r {
	case UserRequested:
		return "user-requested"
	case ErrorRecovery:
		return "error-recovery"
	case Reconnect:
		return "reconnect"
	default:
		return fmt.Sprintf("[unknown reason %d]", uint8(r))
	}
}

// Disconnecting is the state of a tunnel being torn down.
type Disconnecting struct {
	Reason DisconnectReason
}

func (s *Disconnecting) Kind() Kind     { return KindDisconnecting }
func (s *Disconnecting) String() string { return fmt.Sprintf("Disconnecting (%v)", s.Reason) }

// Offline is the state of a tunnel without network connectivity.
type Offline struct {
	// WillAutoReconnect is true iff the tunnel comes back by itself once the
	// network is reachable again.
	WillAutoReconnect bool
}

func (s *Offline) Kind() Kind { return KindOffline }

func (s *Offline) String() string {
	return fmt.Sprintf("Offline (auto reconnect: %v)", s.WillAutoReconnect)
}

// ErrorState is the state of a tunnel that failed.  The engine is always
// told to tear such a tunnel down.
type ErrorState struct {
	Reason ErrorReason
}

func (s *ErrorState) Kind() Kind     { return KindError }
func (s *ErrorState) String() string { return fmt.Sprintf("Error (%v)", s.Reason) }

// ErrorKind enumerates the failure reasons reported to users.
type ErrorKind uint8

const (
	ErrInternal ErrorKind = iota
	ErrFirewall
	ErrRouting
	ErrDNS
	ErrTunDevice
	ErrTunnelProvider
	ErrSameEntryAndExitGateway
	ErrInvalidEntryCountry
	ErrInvalidExitCountry
	ErrBandwidthExhausted
	ErrNoCredential
	ErrKindPermissionDenied
	ErrKindEngineUnreachable
)

var errorKindNames = map[ErrorKind]string{
	ErrInternal:                "internal",
	ErrFirewall:                "firewall",
	ErrRouting:                 "routing",
	ErrDNS:                     "dns",
	ErrTunDevice:               "tun-device",
	ErrTunnelProvider:          "tunnel-provider",
	ErrSameEntryAndExitGateway: "same-entry-and-exit-gateway",
	ErrInvalidEntryCountry:     "invalid-entry-country",
	ErrInvalidExitCountry:      "invalid-exit-country",
	ErrBandwidthExhausted:      "bandwidth-exhausted",
	ErrNoCredential:            "no-credential",
	ErrKindPermissionDenied:    "permission-denied",
	ErrKindEngineUnreachable:   "engine-unreachable",
}

// String returns the stable name of the ErrorKind.
func (k ErrorKind) String() string {
	if s, ok := errorKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("[unknown error kind %d]", uint8(k))
}

// ErrorReason is a typed failure reason with an optional detail message.
type ErrorReason struct {
	Kind    ErrorKind `cbor:"kind"`
	Message string    `cbor:"message,omitempty"`
}

// String returns a string representation of the ErrorReason.
func (r ErrorReason) String() string {
	if r.Message == "" {
		return r.Kind.String()
	}
	return fmt.Sprintf("%v: %v", r.Kind, r.Message)
}

// MixnetInfo is the mixnet addressing of an established tunnel.
type MixnetInfo struct {
	NymAddress     string `cbor:"nym_address"`
	ExitIPRAddress string `cbor:"exit_ipr_address"`
	EntryIP        string `cbor:"entry_ip,omitempty"`
	ExitIP         string `cbor:"exit_ip,omitempty"`
}

// WireguardNode is one end of a wireguard hop.
type WireguardNode struct {
	Endpoint    string `cbor:"endpoint"`
	PublicKey   string `cbor:"public_key"`
	PrivateIPv4 string `cbor:"private_ipv4,omitempty"`
	PrivateIPv6 string `cbor:"private_ipv6,omitempty"`
}

// WireguardInfo is the wireguard key and endpoint material of a tunnel.
type WireguardInfo struct {
	Entry WireguardNode `cbor:"entry"`
	Exit  WireguardNode `cbor:"exit"`
}

// ConnectionInfo describes the tunnel actually in use.  It is replaced as a
// whole on every transition, never modified after being published.
type ConnectionInfo struct {
	EntryGateway string       `cbor:"entry_gateway"`
	ExitGateway  string       `cbor:"exit_gateway"`
	Mode         gateway.Mode `cbor:"mode"`

	Mixnet    *MixnetInfo    `cbor:"mixnet,omitempty"`
	Wireguard *WireguardInfo `cbor:"wireguard,omitempty"`

	IPv4 string `cbor:"ipv4,omitempty"`
	IPv6 string `cbor:"ipv6,omitempty"`
}

// String returns a string representation of the ConnectionInfo.
func (i *ConnectionInfo) String() string {
	if i == nil {
		return "no connection info"
	}
	return fmt.Sprintf("%v via %v -> %v", i.Mode, i.EntryGateway, i.ExitGateway)
}

// WithMixnet returns a copy of the ConnectionInfo with the mixnet addressing
// replaced.  A nil receiver yields a fresh ConnectionInfo.
func (i *ConnectionInfo) WithMixnet(m *MixnetInfo) *ConnectionInfo {
	n := new(ConnectionInfo)
	if i != nil {
		*n = *i
	}
	if m != nil {
		mm := *m
		n.Mixnet = &mm
	} else {
		n.Mixnet = nil
	}
	return n
}

// Record is the serializable form of a State.
type Record struct {
	Kind              Kind             `cbor:"kind"`
	Info              *ConnectionInfo  `cbor:"info,omitempty"`
	ConnectedAt       time.Time        `cbor:"connected_at"`
	Reason            DisconnectReason `cbor:"reason"`
	WillAutoReconnect bool             `cbor:"will_auto_reconnect"`
	Error             *ErrorReason     `cbor:"error,omitempty"`
}

// NewRecord converts a State to its serializable form.
func NewRecord(s State) *Record {
	r := &Record{Kind: s.Kind()}
	switch st := s.(type) {
	case *Connecting:
		r.Info = st.Info
	case *Connected:
		r.Info = st.Info
		r.ConnectedAt = st.ConnectedAt
	case *Disconnecting:
		r.Reason = st.Reason
	case *Offline:
		r.WillAutoReconnect = st.WillAutoReconnect
	case *ErrorState:
		reason := st.Reason
		r.Error = &reason
	}
	return r
}

// State converts the Record back into a State.
func (r *Record) State() (State, error) {
	switch r.Kind {
	case KindDisconnected:
		return &Disconnected{}, nil
	case KindConnecting:
		return &Connecting{Info: r.Info}, nil
	case KindConnected:
		if r.Info == nil {
			return nil, errors.New("tunnel: connected record without connection info")
		}
		return &Connected{Info: r.Info, ConnectedAt: r.ConnectedAt}, nil
	case KindDisconnecting:
		return &Disconnecting{Reason: r.Reason}, nil
	case KindOffline:
		return &Offline{WillAutoReconnect: r.WillAutoReconnect}, nil
	case KindError:
		if r.Error == nil {
			return &ErrorState{Reason: ErrorReason{Kind: ErrInternal}}, nil
		}
		return &ErrorState{Reason: *r.Error}, nil
	default:
		return nil, fmt.Errorf("tunnel: invalid state kind: %v", r.Kind)
	}
}
