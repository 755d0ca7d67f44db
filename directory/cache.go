// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package directory implements the gateway directory cache.
package directory

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzenvpn/core/gateway"
	"github.com/katzenpost/katzenvpn/core/log"
	"github.com/katzenpost/katzenvpn/core/retry"
	"github.com/katzenpost/katzenvpn/core/worker"
	"github.com/katzenpost/katzenvpn/internal/instrument"
	"github.com/katzenpost/katzenvpn/settings"
)

const (
	// DefaultRefreshInterval is how long a fetched snapshot is considered
	// fresh.
	DefaultRefreshInterval = 30 * time.Minute

	fetchTimeout = 30 * time.Second
	refreshKey   = "refresh"
	snapshotKey  = "snapshot"
)

// ErrNoSnapshot is the error returned when neither a persisted nor a bundled
// inventory is available.
var ErrNoSnapshot = errors.New("directory: no gateway inventory available")

// Config is the directory cache configuration.
type Config struct {
	// RefreshInterval is how long a fetched snapshot is considered fresh.
	RefreshInterval time.Duration

	// RetryBaseDelay and RetryMaxDelay bound the backoff of failed
	// background refreshes.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Locale is the BCP 47 tag country names are localized to.
	Locale string

	// UserAgent is sent along with every directory query.
	UserAgent string

	// DisableBundled disables the shipped inventory fallback.
	DisableBundled bool

	// Now returns the current time, time.Now if nil.
	Now func() time.Time
}

// Cache holds the last gateway directory snapshot and keeps it fresh.
type Cache struct {
	worker.Worker
	sync.RWMutex

	log     *logging.Logger
	cfg     Config
	source  Source
	store   settings.Store
	namer   *countryNamer
	backoff *retry.Backoff
	group   singleflight.Group

	snap *Snapshot

	forceCh chan struct{}
	retryCh chan struct{}
}

// New creates a Cache, seeded from the persisted snapshot if there is one,
// or from the bundled inventory otherwise.  The background refresh worker is
// started by Start.
func New(source Source, store settings.Store, cfg *Config, logBackend *log.Backend) (*Cache, error) {
	c := &Cache{
		log:     logBackend.GetLogger("directory"),
		cfg:     *cfg,
		source:  source,
		store:   store,
		namer:   newCountryNamer(cfg.Locale),
		forceCh: make(chan struct{}, 1),
		retryCh: make(chan struct{}, 1),
	}
	if c.cfg.RefreshInterval <= 0 {
		c.cfg.RefreshInterval = DefaultRefreshInterval
	}
	if c.cfg.Now == nil {
		c.cfg.Now = time.Now
	}
	c.backoff = &retry.Backoff{
		BaseDelay: c.cfg.RetryBaseDelay,
		MaxDelay:  c.cfg.RetryMaxDelay,
		Jitter:    retry.DefaultJitter,
	}
	if c.backoff.BaseDelay <= 0 {
		c.backoff.BaseDelay = retry.DefaultBaseDelay
	}
	if c.backoff.MaxDelay <= 0 {
		c.backoff.MaxDelay = retry.DefaultMaxDelay
	}

	snap := new(Snapshot)
	ok, err := store.Get(settings.DirectoryBucket, snapshotKey, snap)
	switch {
	case err != nil:
		c.log.Warningf("Discarding persisted gateway snapshot: %v", err)
	case ok:
		if err = snap.validate(); err == nil {
			c.log.Infof("Loaded gateway snapshot fetched at %v", snap.FetchedAt)
			c.snap = snap
		} else {
			c.log.Warningf("Discarding invalid persisted gateway snapshot: %v", err)
		}
	}
	if c.snap == nil && !cfg.DisableBundled {
		if c.snap, err = Bundled(); err != nil {
			return nil, err
		}
		c.log.Info("Using the bundled gateway inventory")
	}
	if c.snap == nil {
		c.snap = new(Snapshot)
	}
	c.updateMetrics(c.snap)
	return c, nil
}

// Start launches the background refresh worker.
func (c *Cache) Start() {
	c.Go(c.worker)
}

// Shutdown stops the background refresh worker.
func (c *Cache) Shutdown() {
	c.Halt()
}

// Snapshot returns the current snapshot.
func (c *Cache) Snapshot() *Snapshot {
	c.RLock()
	defer c.RUnlock()
	return c.snap
}

// LastFetch returns the time of the last successful fetch, zero if the cache
// only holds the bundled inventory.
func (c *Cache) LastFetch() time.Time {
	return c.Snapshot().FetchedAt
}

// IsFresh returns true iff the snapshot was fetched less than the refresh
// interval ago.
func (c *Cache) IsFresh() bool {
	fetchedAt := c.LastFetch()
	return !fetchedAt.IsZero() && c.cfg.Now().Sub(fetchedAt) < c.cfg.RefreshInterval
}

// Refresh fetches a new snapshot unless force is false and the current one
// is still fresh.  Concurrent calls share a single fetch.
func (c *Cache) Refresh(ctx context.Context, force bool) error {
	if !force && c.IsFresh() {
		return nil
	}
	ch := c.group.DoChan(refreshKey, func() (interface{}, error) {
		return nil, c.fetch()
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger asks the background worker to refresh as soon as possible.
func (c *Cache) Trigger() {
	select {
	case c.forceCh <- struct{}{}:
	default:
	}
}

// GatewaysFor returns the gateways for the given mode and hop, best first.
// It never triggers a fetch.
func (c *Cache) GatewaysFor(mode gateway.Mode, hop gateway.Hop) []*gateway.Node {
	nodes := c.Snapshot().Nodes(ListFor(mode, hop))
	out := make([]*gateway.Node, len(nodes))
	copy(out, nodes)
	return out
}

// CountriesFor returns the countries of the gateways for the given mode and
// hop, sorted by localized name.
func (c *Cache) CountriesFor(mode gateway.Mode, hop gateway.Hop) []gateway.Country {
	return c.namer.countries(c.Snapshot().Nodes(ListFor(mode, hop)))
}

// Lookup returns the gateway with the given identity.
func (c *Cache) Lookup(id string) (*gateway.Node, bool) {
	return c.Snapshot().Lookup(id)
}

// CountryName returns the localized name of a country code.
func (c *Cache) CountryName(code string) string {
	return c.namer.name(code)
}

func (c *Cache) fetch() error {
	start := time.Now()
	ctx, cancel := c.HaltContext(context.Background())
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, fetchTimeout)
	defer cancelTimeout()

	snap := &Snapshot{FetchedAt: c.cfg.Now()}
	for _, l := range Lists {
		mode, hop := l.query()
		nodes, err := c.source.ListGateways(ctx, mode, hop, c.cfg.UserAgent)
		if err == nil {
			nodes, err = prepareNodes(l, nodes)
		}
		if err != nil {
			fErr := asFetchError(l, err)
			instrument.DirectoryFetch(start, fErr)
			c.scheduleRetry()
			return fErr
		}
		snap.setNodes(l, nodes)
	}
	instrument.DirectoryFetch(start, nil)

	c.Lock()
	c.snap = snap
	c.Unlock()
	c.updateMetrics(snap)
	c.log.Noticef("Gateway directory refreshed: %d entry, %d exit, %d vpn",
		len(snap.MixnetEntry), len(snap.MixnetExit), len(snap.VPN))

	if err := c.store.Put(settings.DirectoryBucket, snapshotKey, snap); err != nil {
		c.log.Warningf("Failed to persist gateway snapshot: %v", err)
	}
	return nil
}

// scheduleRetry tells the worker a fetch failed so that it retries with
// backoff instead of waiting out the refresh interval.
func (c *Cache) scheduleRetry() {
	select {
	case c.retryCh <- struct{}{}:
	default:
	}
}

func (c *Cache) updateMetrics(snap *Snapshot) {
	for _, l := range Lists {
		instrument.DirectoryGateways(l.String(), len(snap.Nodes(l)))
	}
}

// nextRefresh returns how long until the snapshot goes stale.
func (c *Cache) nextRefresh() time.Duration {
	fetchedAt := c.LastFetch()
	if fetchedAt.IsZero() {
		return 0
	}
	d := c.cfg.RefreshInterval - c.cfg.Now().Sub(fetchedAt)
	if d < 0 {
		return 0
	}
	return d
}

func (c *Cache) worker() {
	timer := time.NewTimer(c.nextRefresh())
	defer func() {
		c.log.Debug("Halting directory worker.")
		timer.Stop()
	}()

	retrying := false
	for {
		force := false
		select {
		case <-c.HaltCh():
			c.log.Debug("Terminating gracefully.")
			return
		case <-c.forceCh:
			force = true
		case <-c.retryCh:
			next := c.backoff.Next()
			c.log.Warningf("Gateway directory fetch failed, retrying in %v", next)
			retrying = true
			timer.Reset(next)
			continue
		case <-timer.C:
			// A retry must fetch even if the snapshot is still fresh.
			force = retrying
		}

		ctx, cancel := c.HaltContext(context.Background())
		err := c.Refresh(ctx, force)
		cancel()

		// Our own failure is handled below.
		select {
		case <-c.retryCh:
		default:
		}

		var next time.Duration
		switch {
		case err == nil:
			retrying = false
			c.backoff.Reset()
			next = c.nextRefresh()
			if next == 0 {
				next = c.cfg.RefreshInterval
			}
		case c.IsHalted():
			return
		default:
			retrying = true
			next = c.backoff.Next()
			c.log.Warningf("Failed to refresh gateway directory, retrying in %v: %v", next, err)
		}
		timer.Reset(next)
	}

	// NOTREACHED
}
