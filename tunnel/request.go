// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package tunnel

import (
	"fmt"
	"strings"

	"github.com/katzenpost/katzenvpn/core/gateway"
)

// CredentialMode is the zero-knowledge credential override passed to the
// engine.
type CredentialMode uint8

const (
	// CredentialModeDefault leaves the decision to the engine.
	CredentialModeDefault CredentialMode = iota
	// CredentialModeOn forces credential use.
	CredentialModeOn
	// CredentialModeOff disables credential use.
	CredentialModeOff
)

// String returns the stable name of the CredentialMode.
func (c CredentialMode) String() string {
	switch c {
	case CredentialModeDefault:
		return "default"
	case CredentialModeOn:
		return "on"
	case CredentialModeOff:
		return "off"
	default:
		return fmt.Sprintf("[unknown credential mode %d]", uint8(c))
	}
}

// ParseCredentialMode parses a CredentialMode from its name.
func ParseCredentialMode(s string) (CredentialMode, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return CredentialModeDefault, nil
	case "on", "true", "enabled":
		return CredentialModeOn, nil
	case "off", "false", "disabled":
		return CredentialModeOff, nil
	default:
		return CredentialModeDefault, fmt.Errorf("tunnel: invalid credential mode: '%v'", s)
	}
}

// Configuration is the user controlled tunnel configuration.
type Configuration struct {
	Mode           gateway.Mode   `cbor:"mode"`
	CredentialMode CredentialMode `cbor:"credential_mode"`
}

// UserAgent identifies the application to the engine and to gateways.
type UserAgent struct {
	Application string `cbor:"application"`
	Version     string `cbor:"version"`
	Platform    string `cbor:"platform"`
	GitCommit   string `cbor:"git_commit"`
}

// String returns the user agent in its conventional slash separated form.
func (u UserAgent) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", u.Application, u.Version, u.Platform, u.GitCommit)
}

// ConnectRequest is everything the engine needs to bring a tunnel up.
type ConnectRequest struct {
	Entry          gateway.Point  `cbor:"entry"`
	Exit           gateway.Point  `cbor:"exit"`
	Mode           gateway.Mode   `cbor:"mode"`
	CredentialMode CredentialMode `cbor:"credential_mode"`
	UserAgent      UserAgent      `cbor:"user_agent"`
}

// Equal returns true iff both requests are structurally identical.
func (r *ConnectRequest) Equal(o *ConnectRequest) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.Entry.Equal(o.Entry) &&
		r.Exit.Equal(o.Exit) &&
		r.Mode == o.Mode &&
		r.CredentialMode == o.CredentialMode &&
		r.UserAgent == o.UserAgent
}

// String returns a string representation of the ConnectRequest.
func (r *ConnectRequest) String() string {
	return fmt.Sprintf("%v entry=%v exit=%v credentials=%v", r.Mode, r.Entry, r.Exit, r.CredentialMode)
}

// Validate returns an error if the request can not be sent to the engine.
func (r *ConnectRequest) Validate() error {
	if err := r.Entry.Validate(gateway.Entry); err != nil {
		return err
	}
	return r.Exit.Validate(gateway.Exit)
}
