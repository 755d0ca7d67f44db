// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/katzenvpn/account"
	"github.com/katzenpost/katzenvpn/config"
	"github.com/katzenpost/katzenvpn/core/gateway"
	"github.com/katzenpost/katzenvpn/projection"
	"github.com/katzenpost/katzenvpn/tunnel"
)

const waitFor = 5 * time.Second

type fakeEngine struct {
	sync.Mutex

	environment string
	connects    []*tunnel.ConnectRequest
	disconnects int
	current     tunnel.State
	session     uint64
	eventCh     chan tunnel.Event
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		current: &tunnel.Disconnected{},
		eventCh: make(chan tunnel.Event),
	}
}

func (e *fakeEngine) Init(ctx context.Context, environment string, credentialMode tunnel.CredentialMode) error {
	e.Lock()
	defer e.Unlock()
	e.environment = environment
	return nil
}

func (e *fakeEngine) Connect(ctx context.Context, req *tunnel.ConnectRequest) (uint64, error) {
	e.Lock()
	defer e.Unlock()
	e.connects = append(e.connects, req)
	e.session++
	return e.session, nil
}

func (e *fakeEngine) Disconnect(context.Context) error {
	e.Lock()
	defer e.Unlock()
	e.disconnects++
	return nil
}

func (e *fakeEngine) CurrentState(context.Context) (tunnel.State, error) {
	e.Lock()
	defer e.Unlock()
	return e.current, nil
}

func (e *fakeEngine) Events() <-chan tunnel.Event {
	return e.eventCh
}

func (e *fakeEngine) connectCount() int {
	e.Lock()
	defer e.Unlock()
	return len(e.connects)
}

func (e *fakeEngine) disconnectCount() int {
	e.Lock()
	defer e.Unlock()
	return e.disconnects
}

func (e *fakeEngine) lastConnect() *tunnel.ConnectRequest {
	e.Lock()
	defer e.Unlock()
	return e.connects[len(e.connects)-1]
}

type fakeAPI struct {
	sync.Mutex

	stored bool
}

func (a *fakeAPI) IsMnemonicStored(context.Context) (bool, error) {
	a.Lock()
	defer a.Unlock()
	return a.stored, nil
}

func (a *fakeAPI) StoreMnemonic(context.Context, string) error {
	a.Lock()
	defer a.Unlock()
	a.stored = true
	return nil
}

func (a *fakeAPI) RemoveMnemonic(context.Context) error {
	a.Lock()
	defer a.Unlock()
	a.stored = false
	return nil
}

func (a *fakeAPI) GetAccountSummary(context.Context) (*account.Summary, error) {
	return &account.Summary{AccountID: "n1account", DeviceID: "device"}, nil
}

func (a *fakeAPI) GetAccountLinks(context.Context, string) (*account.Links, error) {
	return &account.Links{SignUp: "https://example.org/signup"}, nil
}

type offlineSource struct{}

func (offlineSource) ListGateways(context.Context, gateway.Mode, gateway.Hop, string) ([]*gateway.Node, error) {
	return nil, errors.New("network unreachable")
}

func testConfig(t *testing.T) *config.Config {
	cfg, err := config.Load([]byte("[Logging]\nDisable = true\n"))
	require.NoError(t, err)
	return cfg
}

func startClient(t *testing.T, cfg *config.Config, engine *fakeEngine, api *fakeAPI) *Client {
	c, err := New(cfg, engine, api, offlineSource{})
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	require.NoError(t, c.Start(context.Background()))
	return c
}

func sendEvent(t *testing.T, engine *fakeEngine, ev tunnel.Event) {
	select {
	case engine.eventCh <- ev:
	case <-time.After(waitFor):
		t.Fatalf("event %v not consumed", ev)
	}
}

func connected(entry, exit string) *tunnel.Connected {
	return &tunnel.Connected{
		Info: &tunnel.ConnectionInfo{
			EntryGateway: entry,
			ExitGateway:  exit,
			Mode:         gateway.Mixnet,
		},
		ConnectedAt: time.Now(),
	}
}

func TestStartAdoptsEngineState(t *testing.T) {
	require := require.New(t)

	engine := newFakeEngine()
	engine.current = connected("2BuMSfMW3zpeAjKXyKLhmY4QW1DXurrtSPEJ6CjX3SEh", "x")
	c := startClient(t, testConfig(t), engine, &fakeAPI{stored: true})

	require.Equal("mainnet", engine.environment)
	require.Equal(tunnel.KindConnected, c.State().Kind())

	v := c.View()
	require.Equal(projection.BadgeOn, v.Badge)
	require.True(v.CanDisconnect)
	require.False(v.NeedsLogin)
}

func TestConnectRequiresLogin(t *testing.T) {
	require := require.New(t)

	engine := newFakeEngine()
	c := startClient(t, testConfig(t), engine, &fakeAPI{})

	require.True(c.View().NeedsLogin)
	err := c.Connect(context.Background())
	require.ErrorIs(err, tunnel.ErrRequiresLogin)
	require.Zero(engine.connectCount())

	require.NoError(c.Login(context.Background(), "abandon ability able about above absent absorb abstract absurd abuse access accident"))
	require.False(c.View().NeedsLogin)
	require.NoError(c.Connect(context.Background()))
	require.Eventually(func() bool { return engine.connectCount() == 1 }, waitFor, time.Millisecond)
}

func TestConnectUsesSelection(t *testing.T) {
	require := require.New(t)

	engine := newFakeEngine()
	c := startClient(t, testConfig(t), engine, &fakeAPI{stored: true})

	require.Error(c.SetExit(gateway.Point{Kind: gateway.Random}))
	require.NoError(c.SetExit(gateway.CountryPoint("ch")))
	require.NoError(c.SetEntry(gateway.GatewayPoint("no-such-gateway")))
	require.Equal(gateway.CountryPoint("DE"), c.ValidatedSelection(gateway.Entry))

	require.NoError(c.Connect(context.Background()))
	require.Equal(tunnel.KindConnecting, c.State().Kind())
	require.Eventually(func() bool { return engine.connectCount() == 1 }, waitFor, time.Millisecond)

	req := engine.lastConnect()
	require.Equal(gateway.Mixnet, req.Mode)
	require.Equal(gateway.CountryPoint("CH"), req.Exit)
	require.Equal(gateway.CountryPoint("DE"), req.Entry)
	require.Equal(applicationName, req.UserAgent.Application)
}

func TestSetModeReconnects(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	engine := newFakeEngine()
	c := startClient(t, testConfig(t), engine, &fakeAPI{stored: true})

	require.NoError(c.Connect(ctx))
	require.Eventually(func() bool { return engine.connectCount() == 1 }, waitFor, time.Millisecond)
	sendEvent(t, engine, &tunnel.NewTunnelState{State: connected("a", "b"), Session: 1})
	require.Eventually(func() bool { return c.State().Kind() == tunnel.KindConnected }, waitFor, time.Millisecond)

	// Setting the current mode again is not a change.
	require.NoError(c.SetMode(ctx, gateway.Mixnet))
	require.Equal(tunnel.KindConnected, c.State().Kind())

	require.NoError(c.SetMode(ctx, gateway.Wireguard))
	require.Equal(&tunnel.Disconnecting{Reason: tunnel.Reconnect}, c.State())
	require.Eventually(func() bool { return engine.disconnectCount() == 1 }, waitFor, time.Millisecond)

	sendEvent(t, engine, &tunnel.NewTunnelState{State: &tunnel.Disconnected{}})
	require.Eventually(func() bool { return engine.connectCount() == 2 }, waitFor, time.Millisecond)
	require.Equal(gateway.Wireguard, engine.lastConnect().Mode)
}

func TestSelectionChangeReconnects(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	engine := newFakeEngine()
	c := startClient(t, testConfig(t), engine, &fakeAPI{stored: true})

	require.NoError(c.Connect(ctx))
	require.Eventually(func() bool { return engine.connectCount() == 1 }, waitFor, time.Millisecond)
	sendEvent(t, engine, &tunnel.NewTunnelState{State: connected("a", "b"), Session: 1})
	require.Eventually(func() bool { return c.State().Kind() == tunnel.KindConnected }, waitFor, time.Millisecond)

	require.NoError(c.SetExit(gateway.CountryPoint("SE")))
	require.Eventually(func() bool { return engine.disconnectCount() == 1 }, waitFor, time.Millisecond)
}

func TestConfigurationPersisted(t *testing.T) {
	require := require.New(t)

	cfg := testConfig(t)
	cfg.Storage.DataDir = t.TempDir()

	c, err := New(cfg, newFakeEngine(), &fakeAPI{}, offlineSource{})
	require.NoError(err)
	require.NoError(c.SetCredentialMode(context.Background(), tunnel.CredentialModeOff))
	require.NoError(c.SetMode(context.Background(), gateway.Wireguard))
	require.NoError(c.SetExit(gateway.CountryPoint("FR")))
	c.Shutdown()

	c, err = New(cfg, newFakeEngine(), &fakeAPI{}, offlineSource{})
	require.NoError(err)
	defer c.Shutdown()
	require.Equal(tunnel.Configuration{Mode: gateway.Wireguard, CredentialMode: tunnel.CredentialModeOff}, c.Configuration())
	require.Equal(gateway.CountryPoint("FR"), c.Selection(gateway.Exit))
}

func TestEngineStreamClosedShutsDown(t *testing.T) {
	engine := newFakeEngine()
	c := startClient(t, testConfig(t), engine, &fakeAPI{})

	close(engine.eventCh)
	doneCh := make(chan struct{})
	go func() {
		c.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(waitFor):
		t.Fatal("client did not shut down")
	}
}
