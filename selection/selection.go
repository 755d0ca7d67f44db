// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package selection stores the user's entry and exit gateway choices and
// validates them against the gateway directory.
package selection

import (
	"fmt"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzenvpn/core/gateway"
	"github.com/katzenpost/katzenvpn/core/log"
	"github.com/katzenpost/katzenvpn/settings"
)

const (
	entryKey = "entry"
	exitKey  = "exit"

	// DefaultCountry is the fallback country when none is configured.
	DefaultCountry = "DE"
)

// Directory is the view of the gateway directory used for validation.
type Directory interface {
	GatewaysFor(mode gateway.Mode, hop gateway.Hop) []*gateway.Node
	CountriesFor(mode gateway.Mode, hop gateway.Hop) []gateway.Country
}

// Store is the durable record of the entry and exit selections.
type Store struct {
	sync.RWMutex

	log   *logging.Logger
	store settings.Store

	defaultCountry string
	entry          gateway.Point
	exit           gateway.Point

	onChange []func()
}

// New loads the selections from store, defaulting to a random entry and an
// exit in defaultCountry.
func New(store settings.Store, defaultCountry string, logBackend *log.Backend) (*Store, error) {
	if defaultCountry == "" {
		defaultCountry = DefaultCountry
	}
	if !gateway.IsCountryCode(defaultCountry) {
		return nil, fmt.Errorf("selection: invalid default country: '%v'", defaultCountry)
	}
	s := &Store{
		log:            logBackend.GetLogger("selection"),
		store:          store,
		defaultCountry: gateway.CountryPoint(defaultCountry).Country,
		entry:          gateway.Point{Kind: gateway.Random},
		exit:           gateway.CountryPoint(defaultCountry),
	}
	if err := s.load(entryKey, gateway.Entry, &s.entry); err != nil {
		return nil, err
	}
	if err := s.load(exitKey, gateway.Exit, &s.exit); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load(key string, hop gateway.Hop, dst *gateway.Point) error {
	var p gateway.Point
	ok, err := s.store.Get(settings.SelectionBucket, key, &p)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err = p.Validate(hop); err != nil {
		s.log.Warningf("Ignoring invalid stored %v selection: %v", hop, err)
		return nil
	}
	*dst = p
	return nil
}

// OnChange registers fn to be called after every successful write.
func (s *Store) OnChange(fn func()) {
	s.Lock()
	defer s.Unlock()
	s.onChange = append(s.onChange, fn)
}

// DefaultCountry returns the configured fallback country.
func (s *Store) DefaultCountry() string {
	return s.defaultCountry
}

// Get returns the stored selection for hop, as written.
func (s *Store) Get(hop gateway.Hop) gateway.Point {
	s.RLock()
	defer s.RUnlock()
	if hop == gateway.Exit {
		return s.exit
	}
	return s.entry
}

// Set stores the selection for hop.  Writing the selection already in
// effect does not fire the change hooks.
func (s *Store) Set(hop gateway.Hop, p gateway.Point) error {
	if err := p.Validate(hop); err != nil {
		return err
	}
	p.Country = strings.ToUpper(p.Country)
	if s.Get(hop) == p {
		return nil
	}
	key := entryKey
	if hop == gateway.Exit {
		key = exitKey
	}
	if err := s.store.Put(settings.SelectionBucket, key, &p); err != nil {
		return err
	}

	s.Lock()
	if hop == gateway.Exit {
		s.exit = p
	} else {
		s.entry = p
	}
	hooks := append([]func(){}, s.onChange...)
	s.Unlock()

	s.log.Infof("%v selection set to %v", hop, p)
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Validated returns the stored selection for hop, resolved against dir.
func (s *Store) Validated(hop gateway.Hop, mode gateway.Mode, dir Directory) gateway.Point {
	p := s.Get(hop)
	v := Validate(p, hop, mode, dir, s.defaultCountry)
	if !v.Equal(p) {
		s.log.Debugf("%v selection %v is stale, using %v", hop, p, v)
	}
	return v
}

// Validate resolves p against the gateways dir currently lists for mode and
// hop.  A gateway or country that is no longer listed is replaced by
// defaultCountry if that is listed, else by the first listed country.  When
// no country is listed at all p is returned unchanged.
func Validate(p gateway.Point, hop gateway.Hop, mode gateway.Mode, dir Directory, defaultCountry string) gateway.Point {
	nodes := dir.GatewaysFor(mode, hop)
	switch p.Kind {
	case gateway.Random, gateway.RandomLowLatency:
		return p
	case gateway.ByGateway:
		for _, n := range nodes {
			if n.ID == p.GatewayID {
				return p
			}
		}
	case gateway.ByCountry, gateway.ByLowLatencyCountry:
		for _, n := range nodes {
			if strings.EqualFold(n.Country, p.Country) {
				return p
			}
		}
	}

	countries := dir.CountriesFor(mode, hop)
	if len(countries) == 0 {
		return p
	}
	for _, c := range countries {
		if c.Code == defaultCountry {
			return gateway.CountryPoint(c.Code)
		}
	}
	return gateway.CountryPoint(countries[0].Code)
}
