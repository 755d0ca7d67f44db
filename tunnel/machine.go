// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package tunnel implements the VPN tunnel state machine.
package tunnel

import (
	"context"
	"errors"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzenvpn/core/log"
	"github.com/katzenpost/katzenvpn/core/worker"
	"github.com/katzenpost/katzenvpn/internal/instrument"
)

const subscriberDepth = 8

type opConnect struct {
	replyCh chan error
}

type opConnectAck struct {
	attempt uint64
	session uint64
	err     error
	replyCh chan error
}

type opDisconnect struct {
	doneCh chan struct{}
}

type opStopAck struct {
	teardown uint64
	err      error
}

type opEvent struct {
	ev     Event
	doneCh chan struct{}
}

type opReconcile struct {
	doneCh chan struct{}
}

// StateMachine owns the tunnel state.  All mutations happen on a single
// executor goroutine, engine calls are made off it and their results are
// posted back as operations.
type StateMachine struct {
	worker.Worker

	log      *logging.Logger
	engine   EventSource
	account  AccountChecker
	requests RequestBuilder

	opCh chan interface{}

	snapMu sync.RWMutex
	snap   State

	states        *broadcaster[State]
	notifications *broadcaster[Event]

	// Executor owned.
	state            State
	active           *ConnectRequest
	attempt          uint64
	abandoned        uint64
	engineSession    uint64
	teardown         uint64
	reconnectEpoch   uint64
	pendingReconnect uint64
}

// NewStateMachine creates and starts a StateMachine in the Disconnected
// state.
func NewStateMachine(engine EventSource, account AccountChecker, requests RequestBuilder, logBackend *log.Backend) *StateMachine {
	m := &StateMachine{
		log:           logBackend.GetLogger("tunnel"),
		engine:        engine,
		account:       account,
		requests:      requests,
		opCh:          make(chan interface{}),
		states:        newBroadcaster[State](subscriberDepth),
		notifications: newBroadcaster[Event](subscriberDepth),
		state:         &Disconnected{},
	}
	m.snap = m.state
	m.Go(m.worker)
	return m
}

// State returns the current tunnel state.
func (m *StateMachine) State() State {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}

// Subscribe returns a channel receiving every published state, starting
// with the current one, and a function to cancel the subscription.
func (m *StateMachine) Subscribe() (<-chan State, func()) {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	ch, cancel := m.states.subscribe()
	m.states.publishTo(ch, m.snap)
	return ch, cancel
}

// Notifications returns a channel receiving user facing notifications and a
// function to cancel the subscription.
func (m *StateMachine) Notifications() (<-chan Event, func()) {
	return m.notifications.subscribe()
}

// Connect asks for the tunnel to be brought up.  It is a no-op unless the
// tunnel is Disconnected, Offline or in Error.
func (m *StateMachine) Connect(ctx context.Context) error {
	replyCh := make(chan error, 1)
	if err := m.post(ctx, &opConnect{replyCh: replyCh}); err != nil {
		return err
	}
	select {
	case err := <-replyCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.HaltCh():
		return ErrHalted
	}
}

// Disconnect asks for the tunnel to be torn down and cancels any pending
// configuration reconnect.
func (m *StateMachine) Disconnect(ctx context.Context) error {
	doneCh := make(chan struct{})
	if err := m.post(ctx, &opDisconnect{doneCh: doneCh}); err != nil {
		return err
	}
	return m.wait(ctx, doneCh)
}

// OnEngineEvent applies an engine event.
func (m *StateMachine) OnEngineEvent(ctx context.Context, ev Event) error {
	doneCh := make(chan struct{})
	if err := m.post(ctx, &opEvent{ev: ev, doneCh: doneCh}); err != nil {
		return err
	}
	return m.wait(ctx, doneCh)
}

// ReconcileConfigurationChange reconnects a Connected tunnel if the request
// built from the current configuration differs from the one in use.
func (m *StateMachine) ReconcileConfigurationChange(ctx context.Context) error {
	doneCh := make(chan struct{})
	if err := m.post(ctx, &opReconcile{doneCh: doneCh}); err != nil {
		return err
	}
	return m.wait(ctx, doneCh)
}

// Resync adopts the engine's current state.
func (m *StateMachine) Resync(ctx context.Context) error {
	s, err := m.engine.CurrentState(ctx)
	instrument.EngineCall("current_state", err)
	if err != nil {
		return AsConnectError(err)
	}
	return m.OnEngineEvent(ctx, &NewTunnelState{State: s})
}

// Shutdown stops the executor and closes all subscriptions.
func (m *StateMachine) Shutdown() {
	m.Halt()
	m.states.close()
	m.notifications.close()
}

func (m *StateMachine) post(ctx context.Context, op interface{}) error {
	select {
	case m.opCh <- op:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.HaltCh():
		return ErrHalted
	}
}

func (m *StateMachine) postAsync(op interface{}) {
	select {
	case m.opCh <- op:
	case <-m.HaltCh():
	}
}

func (m *StateMachine) wait(ctx context.Context, doneCh chan struct{}) error {
	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.HaltCh():
		return ErrHalted
	}
}

func (m *StateMachine) worker() {
	for {
		var op interface{}
		select {
		case <-m.HaltCh():
			m.log.Debug("Terminating gracefully.")
			return
		case op = <-m.opCh:
		}

		switch o := op.(type) {
		case *opConnect:
			m.doConnect(o.replyCh)
		case *opConnectAck:
			m.doConnectAck(o)
		case *opDisconnect:
			m.doDisconnect()
			close(o.doneCh)
		case *opStopAck:
			m.doStopAck(o)
		case *opEvent:
			m.doEvent(o.ev)
			close(o.doneCh)
		case *opReconcile:
			m.doReconcile()
			close(o.doneCh)
		default:
			m.log.Errorf("BUG: unknown operation: %T", op)
		}
	}
}

func reply(replyCh chan error, err error) {
	if replyCh != nil {
		replyCh <- err
	}
}

func (m *StateMachine) setState(s State) {
	if s.Kind() != m.state.Kind() {
		m.log.Noticef("%v -> %v", m.state.Kind(), s)
		instrument.TunnelTransition(s.Kind().String())
	} else {
		m.log.Debugf("State updated: %v", s)
	}
	m.state = s

	m.snapMu.Lock()
	m.snap = s
	m.snapMu.Unlock()
	m.states.publish(s)
}

func (m *StateMachine) notify(ev Event) {
	m.log.Infof("Notification: %v", ev)
	m.notifications.publish(ev)
}

func (m *StateMachine) doConnect(replyCh chan error) {
	switch m.state.(type) {
	case *Disconnected, *Offline, *ErrorState:
	default:
		m.log.Debugf("Ignoring connect while %v", m.state.Kind())
		reply(replyCh, nil)
		return
	}
	if !m.account.IsUsable() {
		reply(replyCh, ErrRequiresLogin)
		return
	}
	req, err := m.requests()
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		m.log.Warningf("Failed to build connect request: %v", err)
		reply(replyCh, &ConnectError{Kind: InvalidRequest, Err: err})
		return
	}

	m.attempt++
	attempt := m.attempt
	m.abandoned = 0
	m.engineSession = 0
	m.active = req
	m.setState(&Connecting{})

	m.log.Infof("Connecting: %v", req)
	m.Go(func() {
		ctx, cancel := m.HaltContext(context.Background())
		defer cancel()
		session, err := m.engine.Connect(ctx, req)
		instrument.EngineCall("connect", err)
		m.postAsync(&opConnectAck{
			attempt: attempt,
			session: session,
			err:     err,
			replyCh: replyCh,
		})
	})
}

func (m *StateMachine) doConnectAck(ack *opConnectAck) {
	cErr := AsConnectError(ack.err)
	if ack.attempt != m.attempt {
		m.log.Debugf("Ignoring superseded connect ack for attempt %d", ack.attempt)
		if cErr != nil {
			reply(ack.replyCh, cErr)
		} else {
			reply(ack.replyCh, nil)
		}
		return
	}
	if cErr == nil {
		m.engineSession = ack.session
		reply(ack.replyCh, nil)
		return
	}

	switch cErr.Kind {
	case AlreadyRunning:
		m.log.Info("Engine already running a tunnel, adopting its state")
		m.resyncAsync()
		reply(ack.replyCh, nil)
	case PermissionDenied:
		m.log.Warning("Engine lacks permission to start the tunnel")
		m.revertConnect(ack.attempt)
		m.notify(&PermissionRequired{})
		m.stopAsync()
		reply(ack.replyCh, cErr)
	default:
		m.log.Errorf("Connect failed: %v", cErr)
		m.revertConnect(ack.attempt)
		reply(ack.replyCh, cErr)
	}
}

func (m *StateMachine) revertConnect(attempt uint64) {
	m.active = nil
	switch st := m.state.(type) {
	case *Connecting:
		m.setState(&Disconnected{})
	case *Disconnecting:
		if st.Reason == UserRequested && m.abandoned == attempt {
			m.abandoned = 0
			m.setState(&Disconnected{})
		}
	}
}

func (m *StateMachine) doDisconnect() {
	m.reconnectEpoch++
	m.pendingReconnect = 0

	switch m.state.(type) {
	case *Disconnected:
		m.log.Debug("Ignoring disconnect while disconnected")
		return
	case *Connecting:
		m.abandoned = m.attempt
	}
	m.setState(&Disconnecting{Reason: UserRequested})
	m.stopAsync()
}

func (m *StateMachine) stopAsync() {
	m.teardown++
	teardown := m.teardown
	m.Go(func() {
		ctx, cancel := m.HaltContext(context.Background())
		defer cancel()
		err := m.engine.Disconnect(ctx)
		instrument.EngineCall("disconnect", err)
		m.postAsync(&opStopAck{teardown: teardown, err: err})
	})
}

func (m *StateMachine) doStopAck(ack *opStopAck) {
	if ack.err == nil {
		return
	}
	if ack.teardown != m.teardown {
		m.log.Debugf("Ignoring superseded disconnect error: %v", ack.err)
		return
	}
	if errors.Is(ack.err, ErrNotRunning) {
		m.abandoned = 0
		if _, ok := m.state.(*Disconnecting); ok {
			m.applyState(&Disconnected{})
		}
		return
	}
	m.log.Errorf("Disconnect failed: %v", ack.err)
	m.resyncAsync()
}

func (m *StateMachine) resyncAsync() {
	m.Go(func() {
		ctx, cancel := m.HaltContext(context.Background())
		defer cancel()
		if err := m.Resync(ctx); err != nil && !errors.Is(err, ErrHalted) {
			m.log.Warningf("Failed to resynchronize with engine: %v", err)
		}
	})
}

func (m *StateMachine) doEvent(ev Event) {
	switch e := ev.(type) {
	case *NewTunnelState:
		if e.State == nil {
			m.log.Error("BUG: NewTunnelState without a state")
			return
		}
		if e.Session != 0 && m.engineSession != 0 && e.Session != m.engineSession {
			m.log.Debugf("Dropping state from stale session %d: %v", e.Session, e.State)
			instrument.StaleEvent("state")
			return
		}
		m.applyState(e.State)
	case *MixnetTelemetry:
		m.applyTelemetry(e)
	case *BandwidthLow, *BandwidthDepleted:
		m.notify(ev)
	case *NetworkUnavailable:
		m.networkUnavailable()
	case *NetworkRestored:
		m.networkRestored()
	default:
		m.log.Errorf("BUG: unknown event: %T", ev)
	}
}

func (m *StateMachine) applyState(s State) {
	if _, ok := s.(*Connected); ok && m.abandoned != 0 && m.abandoned == m.attempt {
		m.log.Notice("Tunnel came up after being abandoned, tearing it down")
		m.stopAsync()
		return
	}

	m.setState(s)
	switch s.(type) {
	case *Connected:
		if m.active == nil {
			m.adoptActive()
		}
	case *ErrorState:
		// Only the stop is requested here, Disconnecting{ErrorRecovery}
		// arrives from the engine.
		m.stopAsync()
	case *Disconnected:
		m.engineSession = 0
		m.active = nil
		m.abandoned = 0
		if m.pendingReconnect != 0 && m.pendingReconnect == m.reconnectEpoch {
			m.pendingReconnect = 0
			m.log.Info("Reconnecting with the updated configuration")
			m.doConnect(nil)
		}
	}
}

// adoptActive records the current configuration as the request in effect
// for a tunnel this machine did not start.
func (m *StateMachine) adoptActive() {
	req, err := m.requests()
	if err != nil {
		m.log.Warningf("Failed to build request for adopted tunnel: %v", err)
		return
	}
	m.active = req
}

func (m *StateMachine) applyTelemetry(e *MixnetTelemetry) {
	if e.Session != 0 && m.engineSession != 0 && e.Session != m.engineSession {
		m.log.Debugf("Dropping telemetry from stale session %d", e.Session)
		instrument.StaleEvent("telemetry")
		return
	}
	switch st := m.state.(type) {
	case *Connecting:
		m.setState(&Connecting{Info: st.Info.WithMixnet(e.Info)})
	case *Connected:
		m.setState(&Connected{Info: st.Info.WithMixnet(e.Info), ConnectedAt: st.ConnectedAt})
	default:
		m.log.Debugf("Dropping telemetry while %v", m.state.Kind())
		instrument.StaleEvent("telemetry")
	}
}

func (m *StateMachine) networkUnavailable() {
	if _, ok := m.state.(*Offline); ok {
		return
	}
	willReconnect := false
	switch m.state.(type) {
	case *Connected, *Connecting:
		willReconnect = true
	}
	if m.pendingReconnect != 0 {
		willReconnect = true
		m.pendingReconnect = 0
		m.reconnectEpoch++
	}
	m.setState(&Offline{WillAutoReconnect: willReconnect})
}

func (m *StateMachine) networkRestored() {
	off, ok := m.state.(*Offline)
	if !ok {
		return
	}
	m.setState(&Disconnected{})
	if off.WillAutoReconnect {
		m.log.Info("Network restored, reconnecting")
		m.doConnect(nil)
	}
}

func (m *StateMachine) doReconcile() {
	if m.pendingReconnect != 0 {
		m.log.Debug("Reconnect already pending")
		return
	}
	if _, ok := m.state.(*Connected); !ok {
		return
	}
	req, err := m.requests()
	if err != nil {
		m.log.Warningf("Failed to build connect request: %v", err)
		return
	}
	if m.active == nil {
		m.log.Debug("No request on record for the adopted tunnel, keeping it")
		m.active = req
		return
	}
	if req.Equal(m.active) {
		return
	}

	m.reconnectEpoch++
	m.pendingReconnect = m.reconnectEpoch
	instrument.TunnelReconnect()
	m.log.Infof("Configuration changed, reconnecting: %v", req)
	m.setState(&Disconnecting{Reason: Reconnect})
	m.stopAsync()
}
