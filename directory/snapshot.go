// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package directory

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/katzenvpn/core/gateway"
)

//go:embed bundled/gateways.toml
var bundledGateways []byte

// List names one of the gateway lists held by the directory.
type List uint8

const (
	MixnetEntry List = iota
	MixnetExit
	VPN
)

// Lists is every List, in fetch order.
var Lists = []List{MixnetEntry, MixnetExit, VPN}

// String returns the stable name of the List.
func (l List) String() string {
	switch l {
	case MixnetEntry:
		return "mixnet-entry"
	case MixnetExit:
		return "mixnet-exit"
	case VPN:
		return "vpn"
	default:
		return fmt.Sprintf("[unknown list %d]", uint8(l))
	}
}

// ListFor returns the List backing the given mode and hop.
func ListFor(mode gateway.Mode, hop gateway.Hop) List {
	switch {
	case mode == gateway.Wireguard:
		return VPN
	case hop == gateway.Exit:
		return MixnetExit
	default:
		return MixnetEntry
	}
}

// query returns the mode and hop a List is fetched with.
func (l List) query() (gateway.Mode, gateway.Hop) {
	switch l {
	case MixnetExit:
		return gateway.Mixnet, gateway.Exit
	case VPN:
		return gateway.Wireguard, gateway.Entry
	default:
		return gateway.Mixnet, gateway.Entry
	}
}

// Snapshot is a complete copy of the directory.  Snapshots are never
// modified once installed, a refresh installs a new one.
type Snapshot struct {
	MixnetEntry []*gateway.Node `cbor:"mixnet_entry" toml:"MixnetEntry"`
	MixnetExit  []*gateway.Node `cbor:"mixnet_exit" toml:"MixnetExit"`
	VPN         []*gateway.Node `cbor:"vpn" toml:"VPN"`

	// FetchedAt is the time of the fetch, zero for the bundled inventory.
	FetchedAt time.Time `cbor:"fetched_at" toml:"-"`
}

// Nodes returns the nodes of the given List.
func (s *Snapshot) Nodes(l List) []*gateway.Node {
	switch l {
	case MixnetEntry:
		return s.MixnetEntry
	case MixnetExit:
		return s.MixnetExit
	default:
		return s.VPN
	}
}

func (s *Snapshot) setNodes(l List, nodes []*gateway.Node) {
	switch l {
	case MixnetEntry:
		s.MixnetEntry = nodes
	case MixnetExit:
		s.MixnetExit = nodes
	default:
		s.VPN = nodes
	}
}

// IsEmpty returns true iff the snapshot holds no gateways at all.
func (s *Snapshot) IsEmpty() bool {
	return len(s.MixnetEntry) == 0 && len(s.MixnetExit) == 0 && len(s.VPN) == 0
}

// Lookup returns the node with the given identity from any list.
func (s *Snapshot) Lookup(id string) (*gateway.Node, bool) {
	for _, l := range Lists {
		for _, n := range s.Nodes(l) {
			if n.ID == id {
				return n, true
			}
		}
	}
	return nil, false
}

// validate checks every node and sorts every list for display.
func (s *Snapshot) validate() error {
	for _, l := range Lists {
		nodes, err := prepareNodes(l, s.Nodes(l))
		if err != nil {
			return err
		}
		s.setNodes(l, nodes)
	}
	return nil
}

// prepareNodes validates nodes and returns a copy sorted by descending
// score, then by name.
func prepareNodes(l List, nodes []*gateway.Node) ([]*gateway.Node, error) {
	mode, _ := l.query()
	out := make([]*gateway.Node, 0, len(nodes))
	for _, n := range nodes {
		if n == nil {
			return nil, &FetchError{Kind: Malformed, List: l, Err: fmt.Errorf("nil node")}
		}
		if err := n.Validate(); err != nil {
			return nil, &FetchError{Kind: Malformed, List: l, Err: err}
		}
		nn := *n
		nn.Country = strings.ToUpper(nn.Country)
		out = append(out, &nn)
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].ScoreFor(mode), out[j].ScoreFor(mode)
		if si != sj {
			return si > sj
		}
		if out[i].DisplayName() != out[j].DisplayName() {
			return out[i].DisplayName() < out[j].DisplayName()
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Bundled returns the inventory shipped with the client.
func Bundled() (*Snapshot, error) {
	s := new(Snapshot)
	if _, err := toml.Decode(string(bundledGateways), s); err != nil {
		return nil, fmt.Errorf("directory: failed to decode bundled gateways: %v", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}
