// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package tunnel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/katzenvpn/core/gateway"
	"github.com/katzenpost/katzenvpn/core/log"
)

const waitFor = 5 * time.Second

type fakeEngine struct {
	sync.Mutex

	connects      []*ConnectRequest
	disconnects   int
	connectErr    error
	disconnectErr error
	current       State
	session       uint64
	eventCh       chan Event
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		current: &Disconnected{},
		eventCh: make(chan Event),
	}
}

func (e *fakeEngine) Init(context.Context, string, CredentialMode) error {
	return nil
}

func (e *fakeEngine) Connect(ctx context.Context, req *ConnectRequest) (uint64, error) {
	e.Lock()
	defer e.Unlock()
	e.connects = append(e.connects, req)
	if e.connectErr != nil {
		return 0, e.connectErr
	}
	e.session++
	return e.session, nil
}

func (e *fakeEngine) Disconnect(context.Context) error {
	e.Lock()
	defer e.Unlock()
	e.disconnects++
	return e.disconnectErr
}

func (e *fakeEngine) CurrentState(context.Context) (State, error) {
	e.Lock()
	defer e.Unlock()
	return e.current, nil
}

func (e *fakeEngine) Events() <-chan Event {
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

func (e *fakeEngine) lastConnect() *ConnectRequest {
	e.Lock()
	defer e.Unlock()
	return e.connects[len(e.connects)-1]
}

type testConfig struct {
	sync.Mutex

	usable bool
	mode   gateway.Mode
	exit   string
}

func (c *testConfig) IsUsable() bool {
	c.Lock()
	defer c.Unlock()
	return c.usable
}

func (c *testConfig) build() (*ConnectRequest, error) {
	c.Lock()
	defer c.Unlock()
	return &ConnectRequest{
		Entry: gateway.Point{Kind: gateway.Random},
		Exit:  gateway.CountryPoint(c.exit),
		Mode:  c.mode,
	}, nil
}

func (c *testConfig) set(mode gateway.Mode, exit string) {
	c.Lock()
	defer c.Unlock()
	c.mode = mode
	c.exit = exit
}

func newTestMachine(t *testing.T, engine *fakeEngine, usable bool) (*StateMachine, *testConfig) {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)

	cfg := &testConfig{usable: usable, exit: "DE"}
	m := NewStateMachine(engine, cfg, cfg.build, logBackend)
	t.Cleanup(m.Shutdown)
	return m, cfg
}

func sendState(t *testing.T, m *StateMachine, s State) {
	require.NoError(t, m.OnEngineEvent(context.Background(), &NewTunnelState{State: s}))
}

func connected() *Connected {
	return &Connected{
		Info: &ConnectionInfo{
			EntryGateway: "entry",
			ExitGateway:  "exit",
			Mode:         gateway.Mixnet,
		},
		ConnectedAt: time.Unix(1700000000, 0),
	}
}

func TestConnectRequiresLogin(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	engine := newFakeEngine()
	m, _ := newTestMachine(t, engine, false)

	err := m.Connect(context.Background())
	require.True(errors.Is(err, ErrRequiresLogin))
	require.Equal(0, engine.connectCount())
	require.Equal(KindDisconnected, m.State().Kind())
}

func TestConnectIgnoredWhileBusy(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	engine := newFakeEngine()
	m, _ := newTestMachine(t, engine, true)
	ctx := context.Background()

	require.NoError(m.Connect(ctx))
	require.Equal(KindConnecting, m.State().Kind())
	require.NoError(m.Connect(ctx))
	require.Equal(1, engine.connectCount())

	sendState(t, m, connected())
	require.NoError(m.Connect(ctx))
	require.Equal(1, engine.connectCount())

	sendState(t, m, &Disconnecting{Reason: ErrorRecovery})
	require.NoError(m.Connect(ctx))
	require.Equal(1, engine.connectCount())
}

func TestStateFollowsEngine(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	engine := newFakeEngine()
	m, _ := newTestMachine(t, engine, true)

	states := []State{
		&Connecting{},
		connected(),
		&Offline{WillAutoReconnect: true},
		&Connecting{},
		&Disconnecting{Reason: UserRequested},
		&Disconnected{},
	}
	for _, s := range states {
		sendState(t, m, s)
		require.Equal(s, m.State())
	}
}

func TestTelemetryKeepsDiscriminant(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	engine := newFakeEngine()
	m, _ := newTestMachine(t, engine, true)
	ctx := context.Background()
	info := &MixnetInfo{NymAddress: "nym.client", ExitIPRAddress: "ipr.exit"}

	require.NoError(m.OnEngineEvent(ctx, &MixnetTelemetry{Info: info}))
	require.Equal(&Disconnected{}, m.State())

	require.NoError(m.Connect(ctx))
	require.NoError(m.OnEngineEvent(ctx, &MixnetTelemetry{Info: info, Session: 1}))
	st, ok := m.State().(*Connecting)
	require.True(ok)
	require.Equal(info, st.Info.Mixnet)

	c := connected()
	sendState(t, m, c)
	updated := &MixnetInfo{NymAddress: "nym.client2"}
	require.NoError(m.OnEngineEvent(ctx, &MixnetTelemetry{Info: updated, Session: 1}))
	cst, ok := m.State().(*Connected)
	require.True(ok)
	require.Equal(c.ConnectedAt, cst.ConnectedAt)
	require.Equal("nym.client2", cst.Info.Mixnet.NymAddress)
	require.Nil(c.Info.Mixnet)

	// Telemetry of an older session is dropped.
	require.NoError(m.OnEngineEvent(ctx, &MixnetTelemetry{Info: info, Session: 42}))
	require.Equal(cst, m.State())
}

func TestReconnectCoalesced(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	engine := newFakeEngine()
	m, cfg := newTestMachine(t, engine, true)
	ctx := context.Background()

	require.NoError(m.Connect(ctx))
	sendState(t, m, connected())

	// Reconciling an unchanged configuration does nothing.
	require.NoError(m.ReconcileConfigurationChange(ctx))
	require.Equal(KindConnected, m.State().Kind())

	cfg.set(gateway.Wireguard, "DE")
	require.NoError(m.ReconcileConfigurationChange(ctx))
	cfg.set(gateway.Wireguard, "CH")
	require.NoError(m.ReconcileConfigurationChange(ctx))
	cfg.set(gateway.Mixnet, "SE")
	require.NoError(m.ReconcileConfigurationChange(ctx))

	require.Equal(&Disconnecting{Reason: Reconnect}, m.State())
	require.Eventually(func() bool { return engine.disconnectCount() == 1 }, waitFor, time.Millisecond)

	sendState(t, m, &Disconnected{})
	require.Equal(KindConnecting, m.State().Kind())
	require.Eventually(func() bool { return engine.connectCount() == 2 }, waitFor, time.Millisecond)
	require.Equal(1, engine.disconnectCount())

	req := engine.lastConnect()
	require.Equal(gateway.Mixnet, req.Mode)
	require.Equal("SE", req.Exit.Country)
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	engine := newFakeEngine()
	m, cfg := newTestMachine(t, engine, true)
	ctx := context.Background()

	require.NoError(m.Connect(ctx))
	sendState(t, m, connected())

	cfg.set(gateway.Wireguard, "DE")
	require.NoError(m.ReconcileConfigurationChange(ctx))
	require.NoError(m.Disconnect(ctx))
	require.Equal(&Disconnecting{Reason: UserRequested}, m.State())

	sendState(t, m, &Disconnected{})
	require.Equal(&Disconnected{}, m.State())
	require.Equal(1, engine.connectCount())

	// Disconnecting an idle tunnel is a no-op.
	require.Eventually(func() bool { return engine.disconnectCount() == 2 }, waitFor, time.Millisecond)
	require.NoError(m.Disconnect(ctx))
	require.Equal(&Disconnected{}, m.State())
	require.Never(func() bool { return engine.disconnectCount() != 2 }, 50*time.Millisecond, time.Millisecond)
}

func TestAbandonedConnectTornDown(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	engine := newFakeEngine()
	m, _ := newTestMachine(t, engine, true)
	ctx := context.Background()

	require.NoError(m.Connect(ctx))
	require.NoError(m.Disconnect(ctx))
	require.Eventually(func() bool { return engine.disconnectCount() == 1 }, waitFor, time.Millisecond)

	sendState(t, m, connected())
	require.Equal(&Disconnecting{Reason: UserRequested}, m.State())
	require.Eventually(func() bool { return engine.disconnectCount() == 2 }, waitFor, time.Millisecond)

	sendState(t, m, &Disconnected{})
	require.Equal(&Disconnected{}, m.State())
}

func TestForeignSessionAfterAbandonKept(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	engine := newFakeEngine()
	m, _ := newTestMachine(t, engine, true)
	ctx := context.Background()

	require.NoError(m.Connect(ctx))
	require.NoError(m.Disconnect(ctx))
	require.Eventually(func() bool { return engine.disconnectCount() == 1 }, waitFor, time.Millisecond)
	sendState(t, m, &Disconnected{})

	// A tunnel started elsewhere is adopted, not torn down.
	sendState(t, m, &Connecting{})
	c := connected()
	sendState(t, m, c)
	require.Equal(c, m.State())
	require.Never(func() bool { return engine.disconnectCount() != 1 }, 50*time.Millisecond, time.Millisecond)
}

func TestAdoptedTunnelNotReconnectedWhenUnchanged(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	engine := newFakeEngine()
	engine.current = connected()
	m, cfg := newTestMachine(t, engine, true)
	ctx := context.Background()

	require.NoError(m.Resync(ctx))
	require.Equal(KindConnected, m.State().Kind())

	require.NoError(m.ReconcileConfigurationChange(ctx))
	require.Equal(KindConnected, m.State().Kind())
	require.Never(func() bool { return engine.disconnectCount() != 0 }, 50*time.Millisecond, time.Millisecond)

	cfg.set(gateway.Wireguard, "CH")
	require.NoError(m.ReconcileConfigurationChange(ctx))
	require.Equal(&Disconnecting{Reason: Reconnect}, m.State())
	require.Eventually(func() bool { return engine.disconnectCount() == 1 }, waitFor, time.Millisecond)
}

func TestErrorForcesDisconnect(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	engine := newFakeEngine()
	m, _ := newTestMachine(t, engine, true)

	e := &ErrorState{Reason: ErrorReason{Kind: ErrSameEntryAndExitGateway}}
	sendState(t, m, e)
	require.Equal(e, m.State())
	require.Eventually(func() bool { return engine.disconnectCount() == 1 }, waitFor, time.Millisecond)
	require.Equal(e, m.State())
}

func TestConnectAlreadyRunning(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	engine := newFakeEngine()
	engine.connectErr = &ConnectError{Kind: AlreadyRunning}
	engine.current = connected()
	m, _ := newTestMachine(t, engine, true)

	require.NoError(m.Connect(context.Background()))
	require.Eventually(func() bool { return m.State().Kind() == KindConnected }, waitFor, time.Millisecond)
}

func TestConnectPermissionDenied(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	engine := newFakeEngine()
	engine.connectErr = &ConnectError{Kind: PermissionDenied}
	m, _ := newTestMachine(t, engine, true)

	notifications, cancel := m.Notifications()
	defer cancel()

	err := m.Connect(context.Background())
	require.True(errors.Is(err, ErrPermissionDenied))
	require.Equal(&Disconnected{}, m.State())

	select {
	case ev := <-notifications:
		require.IsType(&PermissionRequired{}, ev)
	case <-time.After(waitFor):
		require.FailNow("no PermissionRequired notification")
	}
	require.Eventually(func() bool { return engine.disconnectCount() == 1 }, waitFor, time.Millisecond)
}

func TestConnectEngineUnreachable(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	engine := newFakeEngine()
	engine.connectErr = errors.New("connection refused")
	m, _ := newTestMachine(t, engine, true)

	err := m.Connect(context.Background())
	require.True(errors.Is(err, ErrEngineUnreachable))
	require.Equal(&Disconnected{}, m.State())
}

func TestNetworkUnavailableAndRestored(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	engine := newFakeEngine()
	m, _ := newTestMachine(t, engine, true)
	ctx := context.Background()

	require.NoError(m.OnEngineEvent(ctx, &NetworkUnavailable{}))
	require.Equal(&Offline{WillAutoReconnect: false}, m.State())
	require.NoError(m.OnEngineEvent(ctx, &NetworkRestored{}))
	require.Equal(&Disconnected{}, m.State())
	require.Equal(0, engine.connectCount())

	require.NoError(m.Connect(ctx))
	sendState(t, m, connected())
	require.NoError(m.OnEngineEvent(ctx, &NetworkUnavailable{}))
	require.Equal(&Offline{WillAutoReconnect: true}, m.State())
	require.NoError(m.OnEngineEvent(ctx, &NetworkRestored{}))
	require.Equal(KindConnecting, m.State().Kind())
	require.Eventually(func() bool { return engine.connectCount() == 2 }, waitFor, time.Millisecond)
}

func TestDisconnectNotRunning(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	engine := newFakeEngine()
	engine.disconnectErr = &ConnectError{Kind: NotRunning}
	m, _ := newTestMachine(t, engine, true)
	ctx := context.Background()

	require.NoError(m.OnEngineEvent(ctx, &NetworkUnavailable{}))
	require.NoError(m.Disconnect(ctx))
	require.Eventually(func() bool { return m.State().Kind() == KindDisconnected }, waitFor, time.Millisecond)
}

func TestNotificationsAndSubscribe(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	engine := newFakeEngine()
	m, _ := newTestMachine(t, engine, true)
	ctx := context.Background()

	states, cancelStates := m.Subscribe()
	defer cancelStates()
	require.Equal(KindDisconnected, (<-states).Kind())

	notifications, cancel := m.Notifications()
	defer cancel()

	require.NoError(m.OnEngineEvent(ctx, &BandwidthLow{Remaining: 1024}))
	require.NoError(m.OnEngineEvent(ctx, &BandwidthDepleted{}))
	require.Equal(&BandwidthLow{Remaining: 1024}, <-notifications)
	require.Equal(&BandwidthDepleted{}, <-notifications)
	require.Equal(&Disconnected{}, m.State())

	sendState(t, m, &Connecting{})
	require.Equal(KindConnecting, (<-states).Kind())
}

func TestRecordRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	for _, s := range []State{
		&Disconnected{},
		&Connecting{},
		connected(),
		&Disconnecting{Reason: Reconnect},
		&Offline{WillAutoReconnect: true},
		&ErrorState{Reason: ErrorReason{Kind: ErrDNS, Message: "timeout"}},
	} {
		out, err := NewRecord(s).State()
		require.NoError(err)
		require.Equal(s, out)
	}

	_, err := (&Record{Kind: KindConnected}).State()
	require.Error(err)
}
