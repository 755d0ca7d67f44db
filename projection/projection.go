// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package projection derives the user facing view of the tunnel.  It holds
// no state of its own.
package projection

import (
	"fmt"
	"time"

	"github.com/katzenpost/katzenvpn/core/gateway"
	"github.com/katzenpost/katzenvpn/tunnel"
)

// Badge is the coarse connection indicator.
type Badge uint8

const (
	BadgeOff Badge = iota
	BadgeConnecting
	BadgeOn
	BadgeOffline
	BadgeError
)

// String returns the badge label.
func (b Badge) String() string {
	switch b {
	case BadgeOff:
		return "OFF"
	case BadgeConnecting:
		return "CONNECTING"
	case BadgeOn:
		return "ON"
	case BadgeOffline:
		return "OFFLINE"
	case BadgeError:
		return "ERROR"
	default:
		return fmt.Sprintf("[unknown badge %d]", uint8(b))
	}
}

// Labeler resolves gateway identities to display labels.
type Labeler interface {
	Lookup(id string) (*gateway.Node, bool)
	CountryName(code string) string
}

// View is everything a user interface shows about the tunnel.
type View struct {
	Badge      Badge
	StatusText string
	ErrorText  string

	// ConnectedFor is the uptime of a Connected tunnel.
	ConnectedFor time.Duration

	EntryLabel string
	ExitLabel  string

	// NeedsLogin is set when connecting requires storing an account first.
	NeedsLogin bool

	CanConnect    bool
	CanDisconnect bool
}

// Project derives the View of state s at time now.
func Project(s tunnel.State, accountUsable bool, labels Labeler, now time.Time) *View {
	v := &View{NeedsLogin: !accountUsable}

	switch st := s.(type) {
	case *tunnel.Disconnected:
		v.Badge = BadgeOff
		v.StatusText = "Not connected"
		v.CanConnect = accountUsable
	case *tunnel.Connecting:
		v.Badge = BadgeConnecting
		v.StatusText = "Connecting..."
		v.CanDisconnect = true
		v.setLabels(st.Info, labels)
	case *tunnel.Connected:
		v.Badge = BadgeOn
		v.ConnectedFor = now.Sub(st.ConnectedAt).Truncate(time.Second)
		if v.ConnectedFor < 0 {
			v.ConnectedFor = 0
		}
		v.StatusText = fmt.Sprintf("Connected for %v", v.ConnectedFor)
		v.CanDisconnect = true
		v.setLabels(st.Info, labels)
	case *tunnel.Disconnecting:
		v.Badge = BadgeConnecting
		if st.Reason == tunnel.Reconnect {
			v.StatusText = "Reconnecting..."
		} else {
			v.StatusText = "Disconnecting..."
		}
	case *tunnel.Offline:
		v.Badge = BadgeOffline
		if st.WillAutoReconnect {
			v.StatusText = "Offline, will reconnect when the network is back"
			v.CanDisconnect = true
		} else {
			v.StatusText = "Offline"
			v.CanConnect = accountUsable
		}
	case *tunnel.ErrorState:
		v.Badge = BadgeError
		v.StatusText = "Connection failed"
		v.ErrorText = ErrorText(st.Reason)
		v.CanConnect = accountUsable
	default:
		v.Badge = BadgeError
		v.StatusText = "Unknown state"
	}
	return v
}

func (v *View) setLabels(info *tunnel.ConnectionInfo, labels Labeler) {
	if info == nil {
		return
	}
	v.EntryLabel = label(info.EntryGateway, labels)
	v.ExitLabel = label(info.ExitGateway, labels)
}

func label(id string, labels Labeler) string {
	if id == "" {
		return ""
	}
	if labels == nil {
		return id
	}
	n, ok := labels.Lookup(id)
	if !ok {
		return id
	}
	if country := labels.CountryName(n.Country); country != "" {
		return fmt.Sprintf("%s (%s)", n.DisplayName(), country)
	}
	return n.DisplayName()
}

var errorTexts = map[tunnel.ErrorKind]string{
	tunnel.ErrInternal:                "An internal error occurred",
	tunnel.ErrFirewall:                "The firewall could not be configured",
	tunnel.ErrRouting:                 "The routing table could not be configured",
	tunnel.ErrDNS:                     "DNS could not be configured",
	tunnel.ErrTunDevice:               "The tunnel device could not be created",
	tunnel.ErrTunnelProvider:          "The system tunnel provider failed",
	tunnel.ErrSameEntryAndExitGateway: "Entry and exit gateway must differ",
	tunnel.ErrInvalidEntryCountry:     "No entry gateway is available in the selected country",
	tunnel.ErrInvalidExitCountry:      "No exit gateway is available in the selected country",
	tunnel.ErrBandwidthExhausted:      "Your bandwidth allowance is used up",
	tunnel.ErrNoCredential:            "No valid credential is available",
	tunnel.ErrKindPermissionDenied:    "Permission to create the tunnel was denied",
	tunnel.ErrKindEngineUnreachable:   "The VPN service is not running",
}

// ErrorText renders an error reason for display.
func ErrorText(r tunnel.ErrorReason) string {
	text, ok := errorTexts[r.Kind]
	if !ok {
		text = errorTexts[tunnel.ErrInternal]
	}
	if r.Message != "" {
		return fmt.Sprintf("%s: %s", text, r.Message)
	}
	return text
}

// ConnectErrorText renders a failed connect request for display.
func ConnectErrorText(err *tunnel.ConnectError) string {
	switch err.Kind {
	case tunnel.RequiresLogin:
		return "Log in before connecting"
	case tunnel.PermissionDenied:
		return errorTexts[tunnel.ErrKindPermissionDenied]
	case tunnel.EngineUnreachable:
		return errorTexts[tunnel.ErrKindEngineUnreachable]
	case tunnel.InvalidRequest:
		return "The gateway selection is invalid"
	default:
		return err.Kind.String()
	}
}
