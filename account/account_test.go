// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package account

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/katzenvpn/core/log"
	"github.com/katzenpost/katzenvpn/tunnel"
)

const testMnemonic = "abandon ability able about above absent absorb abstract absurd abuse access accident"

type fakeAPI struct {
	sync.Mutex

	stored     string
	summaryErr error
	storeErr   error
	removed    int
	block      bool
	locale     string
	onRemove   func()
}

func (a *fakeAPI) IsMnemonicStored(ctx context.Context) (bool, error) {
	a.Lock()
	block := a.block
	a.Unlock()
	if block {
		<-ctx.Done()
		return false, ctx.Err()
	}

	a.Lock()
	defer a.Unlock()
	return a.stored != "", nil
}

func (a *fakeAPI) StoreMnemonic(ctx context.Context, mnemonic string) error {
	a.Lock()
	defer a.Unlock()
	if a.storeErr != nil {
		return a.storeErr
	}
	a.stored = mnemonic
	return nil
}

func (a *fakeAPI) RemoveMnemonic(ctx context.Context) error {
	a.Lock()
	defer a.Unlock()
	if a.onRemove != nil {
		a.onRemove()
	}
	a.stored = ""
	a.removed++
	return nil
}

func (a *fakeAPI) GetAccountSummary(ctx context.Context) (*Summary, error) {
	a.Lock()
	defer a.Unlock()
	if a.summaryErr != nil {
		return nil, a.summaryErr
	}
	return &Summary{AccountID: "n1account", DeviceID: "device"}, nil
}

func (a *fakeAPI) GetAccountLinks(ctx context.Context, locale string) (*Links, error) {
	a.Lock()
	defer a.Unlock()
	a.locale = locale
	return &Links{SignUp: "https://example.org/" + locale + "/signup"}, nil
}

type fixedState struct {
	state tunnel.State
}

func (s *fixedState) State() tunnel.State {
	return s.state
}

func newTestGate(t *testing.T, api API, st StateSource) *Gate {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return New(api, st, 50*time.Millisecond, "en", logBackend)
}

func TestNormalizeMnemonic(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	m, err := NormalizeMnemonic("  ABANDON ability able about above absent\tabsorb abstract absurd abuse access   accident\n")
	require.NoError(err)
	require.Equal(testMnemonic, m)

	_, err = NormalizeMnemonic("abandon ability able")
	require.True(errors.Is(err, ErrInvalidMnemonic))

	_, err = NormalizeMnemonic("abandon ability able about above absent absorb abstract absurd abuse access acc1dent")
	require.True(errors.Is(err, ErrInvalidMnemonic))

	// Compatibility characters are decomposed.
	m, err = NormalizeMnemonic("ﬁve ability able about above absent absorb abstract absurd abuse access accident")
	require.NoError(err)
	require.Equal("five", m[:4])
}

func TestStoreAndRemove(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	api := &fakeAPI{}
	st := &fixedState{state: &tunnel.Disconnected{}}
	g := newTestGate(t, api, st)
	ctx := context.Background()

	require.NoError(g.Refresh(ctx))
	require.False(g.IsUsable())
	require.Equal("https://example.org/en/signup", g.State().Links.SignUp)

	require.NoError(g.Store(ctx, testMnemonic))
	require.True(g.IsUsable())
	require.Equal("n1account", g.State().Summary.AccountID)
	require.Equal(testMnemonic, api.stored)

	st.state = &tunnel.Connected{}
	err := g.Remove(ctx)
	require.True(errors.Is(err, ErrAlreadyConnectedCannotLogout))
	require.True(g.IsUsable())

	st.state = &tunnel.Disconnected{}
	require.NoError(g.Remove(ctx))
	require.False(g.IsUsable())
	require.Equal(1, api.removed)
}

func TestRemoveBlocksConnect(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	api := &fakeAPI{}
	g := newTestGate(t, api, &fixedState{state: &tunnel.Disconnected{}})
	ctx := context.Background()

	require.NoError(g.Store(ctx, testMnemonic))
	require.True(g.IsUsable())

	usableDuringRemove := true
	api.onRemove = func() { usableDuringRemove = g.IsUsable() }
	require.NoError(g.Remove(ctx))
	require.False(usableDuringRemove)
	require.False(g.IsUsable())
}

func TestStoreRollback(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	api := &fakeAPI{summaryErr: errors.New("device registration failed")}
	g := newTestGate(t, api, nil)

	err := g.Store(context.Background(), testMnemonic)
	require.True(errors.Is(err, ErrStorage))
	require.Equal("", api.stored)
	require.Equal(1, api.removed)
	require.False(g.IsUsable())

	api.summaryErr = nil
	api.storeErr = errors.New("keyring locked")
	err = g.Store(context.Background(), testMnemonic)
	require.True(errors.Is(err, ErrStorage))
	require.Equal(1, api.removed)

	err = g.Store(context.Background(), "not a mnemonic")
	require.True(errors.Is(err, ErrInvalidMnemonic))
}

func TestRefreshTimeout(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	api := &fakeAPI{block: true}
	g := newTestGate(t, api, nil)

	start := time.Now()
	err := g.Refresh(context.Background())
	require.True(errors.Is(err, ErrUnavailable))
	require.True(errors.Is(err, context.DeadlineExceeded))
	require.Less(time.Since(start), 5*time.Second)
	require.False(g.IsUsable())
}
