// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package gateway

import (
	"errors"
	"fmt"
	"strings"
)

// PointKind discriminates the ways a user may pick a gateway.
type PointKind uint8

const (
	// ByCountry picks any gateway located in Point.Country.
	ByCountry PointKind = iota
	// ByLowLatencyCountry picks the lowest latency gateway in Point.Country.
	ByLowLatencyCountry
	// ByGateway pins the gateway Point.GatewayID.
	ByGateway
	// RandomLowLatency lets the engine pick a low latency gateway.  Entry only.
	RandomLowLatency
	// Random lets the engine pick any gateway.  Entry only.
	Random
)

var pointKindNames = map[PointKind]string{
	ByCountry:           "country",
	ByLowLatencyCountry: "low-latency-country",
	ByGateway:           "gateway",
	RandomLowLatency:    "random-low-latency",
	Random:              "random",
}

// String returns the stable name of the PointKind.
func (k PointKind) String() string {
	if s, ok := pointKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("[unknown point kind %d]", uint8(k))
}

// Point selects an entry or exit gateway.
type Point struct {
	Kind      PointKind `cbor:"kind"`
	Country   string    `cbor:"country,omitempty"`
	GatewayID string    `cbor:"gateway_id,omitempty"`
}

// CountryPoint returns a ByCountry point for code.
func CountryPoint(code string) Point {
	return Point{Kind: ByCountry, Country: strings.ToUpper(code)}
}

// GatewayPoint returns a ByGateway point for id.
func GatewayPoint(id string) Point {
	return Point{Kind: ByGateway, GatewayID: id}
}

// IsRandom returns true for the kinds that leave the choice to the engine.
func (p Point) IsRandom() bool {
	return p.Kind == Random || p.Kind == RandomLowLatency
}

// Validate checks that the point is well formed for the given hop.
func (p Point) Validate(hop Hop) error {
	switch p.Kind {
	case ByCountry, ByLowLatencyCountry:
		if !IsCountryCode(p.Country) {
			return fmt.Errorf("gateway: invalid %v country code: '%v'", hop, p.Country)
		}
	case ByGateway:
		if p.GatewayID == "" {
			return fmt.Errorf("gateway: %v gateway point without an identity", hop)
		}
	case RandomLowLatency, Random:
		if hop == Exit {
			return errors.New("gateway: random selection is not supported for the exit")
		}
	default:
		return fmt.Errorf("gateway: invalid %v point kind: %v", hop, p.Kind)
	}
	return nil
}

// Equal returns true iff both points select the same thing.
func (p Point) Equal(o Point) bool {
	return p.Kind == o.Kind &&
		strings.EqualFold(p.Country, o.Country) &&
		p.GatewayID == o.GatewayID
}

// String returns a human readable representation of the point.
func (p Point) String() string {
	switch p.Kind {
	case ByCountry, ByLowLatencyCountry:
		return fmt.Sprintf("%v(%v)", p.Kind, strings.ToUpper(p.Country))
	case ByGateway:
		return fmt.Sprintf("%v(%v)", p.Kind, p.GatewayID)
	default:
		return p.Kind.String()
	}
}

// ParsePoint parses the command line form of a point: a two letter country
// code, "fast:<CC>", "gateway:<id>", "random" or "fastest".
func ParsePoint(s string, hop Hop) (Point, error) {
	var p Point
	switch {
	case s == "random":
		p = Point{Kind: Random}
	case s == "fastest":
		p = Point{Kind: RandomLowLatency}
	case strings.HasPrefix(s, "fast:"):
		p = Point{Kind: ByLowLatencyCountry, Country: strings.ToUpper(strings.TrimPrefix(s, "fast:"))}
	case strings.HasPrefix(s, "gateway:"):
		p = GatewayPoint(strings.TrimPrefix(s, "gateway:"))
	default:
		p = CountryPoint(s)
	}
	if err := p.Validate(hop); err != nil {
		return Point{}, err
	}
	return p, nil
}
