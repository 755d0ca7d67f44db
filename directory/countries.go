// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package directory

import (
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/katzenpost/katzenvpn/core/gateway"
)

// countryNamer resolves localized country names and orders them.
type countryNamer struct {
	tag   language.Tag
	namer display.Namer
}

func newCountryNamer(locale string) *countryNamer {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.English
	}
	namer := display.Regions(tag)
	if namer == nil {
		tag = language.English
		namer = display.Regions(tag)
	}
	return &countryNamer{tag: tag, namer: namer}
}

// name returns the localized name of an alpha-2 code, or the empty string
// if it can not be resolved.
func (c *countryNamer) name(code string) string {
	region, err := language.ParseRegion(code)
	if err != nil {
		return ""
	}
	return c.namer.Name(region)
}

// countries groups nodes by country code and returns the countries sorted by
// localized display name.  Codes without a display name are dropped.
func (c *countryNamer) countries(nodes []*gateway.Node) []gateway.Country {
	seen := make(map[string]bool)
	out := []gateway.Country{}
	for _, n := range nodes {
		if seen[n.Country] {
			continue
		}
		seen[n.Country] = true
		name := c.name(n.Country)
		if name == "" {
			continue
		}
		out = append(out, gateway.Country{Code: n.Country, Name: name})
	}

	coll := collate.New(c.tag, collate.IgnoreCase)
	sort.SliceStable(out, func(i, j int) bool {
		if r := coll.CompareString(out[i].Name, out[j].Name); r != 0 {
			return r < 0
		}
		return out[i].Code < out[j].Code
	})
	return out
}
