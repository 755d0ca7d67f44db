// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package gateway defines the gateway directory vocabulary shared by the
// tunnel state machine, the directory cache and the selection store.
package gateway

import (
	"errors"
	"fmt"
	"strings"
)

// Mode is the tunnel mode a gateway list is requested for.
type Mode uint8

const (
	// Mixnet routes traffic through the five hop mixnet.
	Mixnet Mode = iota
	// Wireguard routes traffic through a fast two hop VPN.
	Wireguard
)

// String returns the stable name of the Mode.
func (m Mode) String() string {
	switch m {
	case Mixnet:
		return "mixnet"
	case Wireguard:
		return "wireguard"
	default:
		return fmt.Sprintf("[unknown mode %d]", uint8(m))
	}
}

// ParseMode parses a mode name as returned by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "mixnet", "":
		return Mixnet, nil
	case "wireguard", "wg", "two-hop":
		return Wireguard, nil
	default:
		return Mixnet, fmt.Errorf("gateway: invalid mode: '%v'", s)
	}
}

// Hop is the position of a gateway in the tunnel.
type Hop uint8

const (
	Entry Hop = iota
	Exit
)

// String returns the stable name of the Hop.
func (h Hop) String() string {
	switch h {
	case Entry:
		return "entry"
	case Exit:
		return "exit"
	default:
		return fmt.Sprintf("[unknown hop %d]", uint8(h))
	}
}

// ParseHop parses a hop name as returned by Hop.String.
func ParseHop(s string) (Hop, error) {
	switch strings.ToLower(s) {
	case "entry", "":
		return Entry, nil
	case "exit":
		return Exit, nil
	default:
		return Entry, fmt.Errorf("gateway: invalid hop: '%v'", s)
	}
}

// Score is a coarse performance rating published by the directory.
type Score uint8

const (
	ScoreNone Score = iota
	ScoreLow
	ScoreMedium
	ScoreHigh
)

// String returns the stable name of the Score.
func (s Score) String() string {
	switch s {
	case ScoreNone:
		return "none"
	case ScoreLow:
		return "low"
	case ScoreMedium:
		return "medium"
	case ScoreHigh:
		return "high"
	default:
		return fmt.Sprintf("[unknown score %d]", uint8(s))
	}
}

// ParseScore parses a score name, unknown names map to ScoreNone.
func ParseScore(s string) Score {
	switch strings.ToLower(s) {
	case "low":
		return ScoreLow
	case "medium":
		return ScoreMedium
	case "high":
		return ScoreHigh
	default:
		return ScoreNone
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Score) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Score) UnmarshalText(b []byte) error {
	*s = ParseScore(string(b))
	return nil
}

// Node is a gateway as published by the directory.  Nodes are immutable
// values, a directory refresh replaces whole lists of them.
type Node struct {
	// ID is the opaque gateway identity.
	ID string `cbor:"id" toml:"ID"`

	// Name is the human readable moniker.
	Name string `cbor:"name" toml:"Name"`

	// Country is the ISO 3166-1 alpha-2 country code.
	Country string `cbor:"country" toml:"Country"`

	// MixnetScore and WireguardScore rate the gateway per mode.
	MixnetScore    Score `cbor:"mixnet_score" toml:"MixnetScore"`
	WireguardScore Score `cbor:"wireguard_score" toml:"WireguardScore"`

	SupportsEntry bool `cbor:"entry" toml:"Entry"`
	SupportsExit  bool `cbor:"exit" toml:"Exit"`
	SupportsVPN   bool `cbor:"vpn" toml:"VPN"`
}

// ScoreFor returns the node's score for the given mode.
func (n *Node) ScoreFor(mode Mode) Score {
	if mode == Wireguard {
		return n.WireguardScore
	}
	return n.MixnetScore
}

// Validate checks that the node is usable as directory data.
func (n *Node) Validate() error {
	if n.ID == "" {
		return errors.New("gateway: node has no identity")
	}
	if !IsCountryCode(n.Country) {
		return fmt.Errorf("gateway: node %v has invalid country code: '%v'", n.ID, n.Country)
	}
	return nil
}

// DisplayName returns the moniker, or the identity when there is none.
func (n *Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// Country is a country derived from a gateway list.
type Country struct {
	// Code is the upper case ISO 3166-1 alpha-2 code.
	Code string

	// Name is the localized display name.
	Name string
}

// IsCountryCode returns true iff s looks like an alpha-2 country code.
func IsCountryCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}
