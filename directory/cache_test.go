// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/schwarmco/go-cartesian-product"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/katzenvpn/core/gateway"
	"github.com/katzenpost/katzenvpn/core/log"
	"github.com/katzenpost/katzenvpn/settings"
)

type fakeSource struct {
	sync.Mutex

	lists   map[List][]*gateway.Node
	err     error
	failOn  List
	gate    chan struct{}
	fetches int
	agents  []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		lists: map[List][]*gateway.Node{
			MixnetEntry: {
				{ID: "entry-low", Name: "b-low", Country: "us", MixnetScore: gateway.ScoreLow},
				{ID: "entry-high", Name: "z-high", Country: "JP", MixnetScore: gateway.ScoreHigh},
				{ID: "entry-high-2", Name: "a-high", Country: "US", MixnetScore: gateway.ScoreHigh},
			},
			MixnetExit: {
				{ID: "exit-1", Name: "exit-1", Country: "FR", MixnetScore: gateway.ScoreMedium},
			},
			VPN: {
				{ID: "vpn-1", Name: "vpn-1", Country: "CH", WireguardScore: gateway.ScoreLow},
				{ID: "vpn-2", Name: "vpn-2", Country: "DE", WireguardScore: gateway.ScoreHigh},
			},
		},
		failOn: List(255),
	}
}

func (s *fakeSource) ListGateways(ctx context.Context, mode gateway.Mode, hop gateway.Hop, userAgent string) ([]*gateway.Node, error) {
	l := ListFor(mode, hop)

	s.Lock()
	gate := s.gate
	if l == MixnetEntry {
		s.fetches++
	}
	s.agents = append(s.agents, userAgent)
	s.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.Lock()
	defer s.Unlock()
	if s.err != nil && (s.failOn == List(255) || s.failOn == l) {
		return nil, s.err
	}
	return s.lists[l], nil
}

func (s *fakeSource) fetchCount() int {
	s.Lock()
	defer s.Unlock()
	return s.fetches
}

type testClock struct {
	sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.Lock()
	defer c.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T, source Source, store settings.Store, cfg *Config) *Cache {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	if cfg == nil {
		cfg = &Config{}
	}
	c, err := New(source, store, cfg, logBackend)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c
}

func TestConcurrentRefreshSingleFetch(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	source := newFakeSource()
	source.gate = make(chan struct{})
	c := newTestCache(t, source, settings.NewMemStore(), nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Refresh(context.Background(), true)
		}(i)
	}

	require.Eventually(func() bool { return source.fetchCount() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(source.gate)
	wg.Wait()

	require.NoError(errs[0])
	require.NoError(errs[1])
	require.Equal(1, source.fetchCount())
	require.Len(c.GatewaysFor(gateway.Mixnet, gateway.Entry), 3)
}

func TestRefreshHonorsInterval(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	clock := &testClock{now: time.Unix(1700000000, 0)}
	source := newFakeSource()
	c := newTestCache(t, source, settings.NewMemStore(), &Config{
		Now:       clock.Now,
		UserAgent: "katzenvpn/1.0.0/linux/abcdef",
	})
	ctx := context.Background()

	require.False(c.IsFresh())
	require.NoError(c.Refresh(ctx, false))
	require.Equal(1, source.fetchCount())
	require.Equal(clock.Now(), c.LastFetch())

	clock.Advance(29 * time.Minute)
	require.NoError(c.Refresh(ctx, false))
	require.Equal(1, source.fetchCount())

	require.NoError(c.Refresh(ctx, true))
	require.Equal(2, source.fetchCount())

	clock.Advance(DefaultRefreshInterval)
	require.NoError(c.Refresh(ctx, false))
	require.Equal(3, source.fetchCount())
	require.Contains(source.agents, "katzenvpn/1.0.0/linux/abcdef")
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	source := newFakeSource()
	c := newTestCache(t, source, settings.NewMemStore(), nil)
	ctx := context.Background()

	require.NoError(c.Refresh(ctx, true))
	before := c.Snapshot()

	source.Lock()
	source.err = errors.New("connection reset by peer")
	source.failOn = VPN
	source.Unlock()

	err := c.Refresh(ctx, true)
	require.True(errors.Is(err, ErrUnreachable))
	var fErr *FetchError
	require.True(errors.As(err, &fErr))
	require.Equal(VPN, fErr.List)
	require.Same(before, c.Snapshot())

	source.Lock()
	source.err = nil
	source.lists[MixnetExit] = []*gateway.Node{{ID: "bad", Country: "DEU"}}
	source.Unlock()

	err = c.Refresh(ctx, true)
	require.True(errors.Is(err, ErrMalformed))
	require.Same(before, c.Snapshot())

	source.Lock()
	source.lists[MixnetExit] = []*gateway.Node{{ID: "", Country: "DE"}}
	source.Unlock()
	require.True(errors.Is(c.Refresh(ctx, true), ErrMalformed))
}

func TestOfflineUsesBundledCountries(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	source := newFakeSource()
	source.err = errors.New("network is unreachable")
	c := newTestCache(t, source, settings.NewMemStore(), &Config{Locale: "en"})

	require.Error(c.Refresh(context.Background(), false))

	countries := c.CountriesFor(gateway.Mixnet, gateway.Entry)
	require.Equal([]gateway.Country{
		{Code: "DE", Name: "Germany"},
		{Code: "NL", Name: "Netherlands"},
		{Code: "SE", Name: "Sweden"},
		{Code: "CH", Name: "Switzerland"},
	}, countries)

	// Country lists are deterministic.
	require.Equal(countries, c.CountriesFor(gateway.Mixnet, gateway.Entry))

	require.NotEmpty(c.CountriesFor(gateway.Mixnet, gateway.Exit))
	require.NotEmpty(c.CountriesFor(gateway.Wireguard, gateway.Entry))
}

func TestDisableBundled(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	source := newFakeSource()
	source.err = errors.New("network is unreachable")
	c := newTestCache(t, source, settings.NewMemStore(), &Config{DisableBundled: true})

	require.Empty(c.GatewaysFor(gateway.Mixnet, gateway.Entry))
	require.Empty(c.CountriesFor(gateway.Mixnet, gateway.Entry))
	require.True(c.Snapshot().IsEmpty())
}

func TestLocalizedCountries(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	source := newFakeSource()
	c := newTestCache(t, source, settings.NewMemStore(), &Config{Locale: "de"})
	require.NoError(c.Refresh(context.Background(), true))

	countries := c.CountriesFor(gateway.Wireguard, gateway.Exit)
	require.Equal([]gateway.Country{
		{Code: "DE", Name: "Deutschland"},
		{Code: "CH", Name: "Schweiz"},
	}, countries)
	require.Equal("Deutschland", c.CountryName("DE"))
}

func TestGatewayOrdering(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	source := newFakeSource()
	c := newTestCache(t, source, settings.NewMemStore(), nil)
	require.NoError(c.Refresh(context.Background(), true))

	modes := []interface{}{gateway.Mixnet, gateway.Wireguard}
	hops := []interface{}{gateway.Entry, gateway.Exit}

	for product := range cartesian.Iter(modes, hops) {
		mode := product[0].(gateway.Mode)
		hop := product[1].(gateway.Hop)
		t.Run(fmt.Sprintf("%v-%v", mode, hop), func(t *testing.T) {
			assert := assert.New(t)
			nodes := c.GatewaysFor(mode, hop)
			assert.NotEmpty(nodes)
			for i := 1; i < len(nodes); i++ {
				prev, cur := nodes[i-1], nodes[i]
				assert.GreaterOrEqual(prev.ScoreFor(mode), cur.ScoreFor(mode))
				if prev.ScoreFor(mode) == cur.ScoreFor(mode) {
					assert.LessOrEqual(prev.Name, cur.Name)
				}
			}
			for _, n := range nodes {
				assert.True(gateway.IsCountryCode(n.Country))
				require.Equal(n, mustLookup(t, c, n.ID))
			}
		})
	}

	entry := c.GatewaysFor(gateway.Mixnet, gateway.Entry)
	require.Equal("entry-high-2", entry[0].ID)
	require.Equal("US", entry[2].Country)
}

func mustLookup(t *testing.T, c *Cache, id string) *gateway.Node {
	n, ok := c.Lookup(id)
	require.True(t, ok)
	return n
}

func TestPersistedSnapshot(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	clock := &testClock{now: time.Unix(1700000000, 0).UTC()}
	store := settings.NewMemStore()
	source := newFakeSource()
	c := newTestCache(t, source, store, &Config{Now: clock.Now})
	require.NoError(c.Refresh(context.Background(), true))

	offline := newFakeSource()
	offline.err = errors.New("network is unreachable")
	c2 := newTestCache(t, offline, store, &Config{Now: clock.Now})
	require.True(c2.IsFresh())
	require.True(c2.LastFetch().Equal(clock.Now()))
	require.NoError(c2.Refresh(context.Background(), false))
	require.Equal(0, offline.fetchCount())

	_, ok := c2.Lookup("vpn-2")
	require.True(ok)
	_, ok = c2.Lookup("2BuMSfMW3zpeAjKXyKLhmY4QW1DXurrtSPEJ6CjX3SEh")
	require.False(ok)
}

func TestWorkerRefreshes(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	source := newFakeSource()
	c := newTestCache(t, source, settings.NewMemStore(), nil)
	c.Start()

	require.Eventually(func() bool { return !c.LastFetch().IsZero() }, 5*time.Second, time.Millisecond)
	require.Equal(1, source.fetchCount())

	c.Trigger()
	require.Eventually(func() bool { return source.fetchCount() == 2 }, 5*time.Second, time.Millisecond)
}

func TestWorkerRetriesFailedRefresh(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	source := newFakeSource()
	c := newTestCache(t, source, settings.NewMemStore(), &Config{
		RetryBaseDelay: 10 * time.Millisecond,
		RetryMaxDelay:  20 * time.Millisecond,
	})
	c.Start()
	require.Eventually(func() bool { return source.fetchCount() == 1 }, 5*time.Second, time.Millisecond)

	source.Lock()
	source.err = errors.New("connection refused")
	source.Unlock()
	require.Error(c.Refresh(context.Background(), true))
	failedAt := time.Now()

	source.Lock()
	source.err = nil
	source.Unlock()

	// The snapshot is still fresh, the retry fetches regardless.
	require.Eventually(func() bool { return c.LastFetch().After(failedAt) }, 5*time.Second, time.Millisecond)
	require.GreaterOrEqual(source.fetchCount(), 3)
}

func TestBundled(t *testing.T) {
	require := require.New(t)

	s, err := Bundled()
	require.NoError(err)
	require.False(s.IsEmpty())
	require.True(s.FetchedAt.IsZero())
	for _, l := range Lists {
		require.NotEmpty(s.Nodes(l), l.String())
	}
}
