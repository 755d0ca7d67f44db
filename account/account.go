// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package account gates tunnel connections on a stored account.
package account

import (
	"context"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzenvpn/core/log"
	"github.com/katzenpost/katzenvpn/tunnel"
)

const (
	// DefaultRPCTimeout bounds each account API call.
	DefaultRPCTimeout = 5 * time.Second
)

// Summary is the account as known to the engine.
type Summary struct {
	AccountID    string `cbor:"account_id"`
	DeviceID     string `cbor:"device_id"`
	DeviceStatus string `cbor:"device_status"`
	Subscription string `cbor:"subscription"`
}

// Links are the account management web links.
type Links struct {
	SignUp  string `cbor:"sign_up"`
	SignIn  string `cbor:"sign_in"`
	Account string `cbor:"account"`
}

// API is the engine's account interface.
type API interface {
	IsMnemonicStored(ctx context.Context) (bool, error)
	StoreMnemonic(ctx context.Context, mnemonic string) error
	RemoveMnemonic(ctx context.Context) error
	GetAccountSummary(ctx context.Context) (*Summary, error)
	GetAccountLinks(ctx context.Context, locale string) (*Links, error)
}

// StateSource exposes the current tunnel state.
type StateSource interface {
	State() tunnel.State
}

// State is the cached account state.
type State struct {
	MnemonicStored bool
	Summary        *Summary
	Links          *Links
}

// Gate caches the account state and guards account mutations.
type Gate struct {
	sync.RWMutex

	log     *logging.Logger
	api     API
	tunnel  StateSource
	timeout time.Duration
	locale  string

	state    State
	removing bool

	// opMu serializes Store and Remove.
	opMu sync.Mutex
}

// New creates a Gate.  The cached state is empty until Refresh is called.
func New(api API, tunnelState StateSource, rpcTimeout time.Duration, locale string, logBackend *log.Backend) *Gate {
	if rpcTimeout <= 0 {
		rpcTimeout = DefaultRPCTimeout
	}
	return &Gate{
		log:     logBackend.GetLogger("account"),
		api:     api,
		tunnel:  tunnelState,
		timeout: rpcTimeout,
		locale:  locale,
	}
}

// SetTunnel sets the tunnel state source consulted by Remove.
func (g *Gate) SetTunnel(tunnelState StateSource) {
	g.Lock()
	defer g.Unlock()
	g.tunnel = tunnelState
}

// IsUsable returns true iff a mnemonic is stored.  It only reads the cached
// state and never blocks on the engine.
func (g *Gate) IsUsable() bool {
	g.RLock()
	defer g.RUnlock()
	return g.state.MnemonicStored && !g.removing
}

// State returns the cached account state.
func (g *Gate) State() State {
	g.RLock()
	defer g.RUnlock()
	return g.state
}

func (g *Gate) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return fn(ctx)
}

// Refresh reloads the account state from the engine.
func (g *Gate) Refresh(ctx context.Context) error {
	var (
		stored  bool
		summary *Summary
		links   *Links
	)
	err := g.call(ctx, func(ctx context.Context) (err error) {
		stored, err = g.api.IsMnemonicStored(ctx)
		return
	})
	if err != nil {
		return &Error{Kind: Unavailable, Err: err}
	}
	if stored {
		if err = g.call(ctx, func(ctx context.Context) (err error) {
			summary, err = g.api.GetAccountSummary(ctx)
			return
		}); err != nil {
			g.log.Warningf("Failed to fetch account summary: %v", err)
		}
	}
	if err = g.call(ctx, func(ctx context.Context) (err error) {
		links, err = g.api.GetAccountLinks(ctx, g.locale)
		return
	}); err != nil {
		g.log.Warningf("Failed to fetch account links: %v", err)
	}

	g.Lock()
	g.state = State{MnemonicStored: stored, Summary: summary, Links: links}
	g.Unlock()
	g.log.Debugf("Account refreshed, mnemonic stored: %v", stored)
	return nil
}

// Store validates and stores a recovery phrase, then registers the device.
// A failure after the phrase was stored removes it again.
func (g *Gate) Store(ctx context.Context, mnemonic string) error {
	normalized, err := NormalizeMnemonic(mnemonic)
	if err != nil {
		return err
	}

	g.opMu.Lock()
	defer g.opMu.Unlock()

	if err = g.call(ctx, func(ctx context.Context) error {
		return g.api.StoreMnemonic(ctx, normalized)
	}); err != nil {
		return &Error{Kind: Storage, Err: err}
	}

	var (
		summary *Summary
		links   *Links
	)
	err = g.call(ctx, func(ctx context.Context) (err error) {
		summary, err = g.api.GetAccountSummary(ctx)
		return
	})
	if err == nil {
		err = g.call(ctx, func(ctx context.Context) (err error) {
			links, err = g.api.GetAccountLinks(ctx, g.locale)
			return
		})
	}
	if err != nil {
		g.log.Errorf("Account setup failed, removing stored mnemonic: %v", err)
		if rmErr := g.call(context.Background(), g.api.RemoveMnemonic); rmErr != nil {
			g.log.Errorf("Failed to remove mnemonic: %v", rmErr)
		}
		g.Lock()
		g.state = State{}
		g.Unlock()
		return &Error{Kind: Storage, Err: err}
	}

	g.Lock()
	g.state = State{MnemonicStored: true, Summary: summary, Links: links}
	g.Unlock()
	g.log.Notice("Account stored")
	return nil
}

// Remove forgets the stored account.  The tunnel must be disconnected.  The
// account reports itself unusable for the duration of the call, so a
// concurrent Connect fails with RequiresLogin.  A Connect already past its
// login check is detected by checking the tunnel again after the RPC.
func (g *Gate) Remove(ctx context.Context) error {
	g.opMu.Lock()
	defer g.opMu.Unlock()

	g.Lock()
	src := g.tunnel
	g.removing = true
	g.Unlock()
	defer func() {
		g.Lock()
		g.removing = false
		g.Unlock()
	}()
	if src != nil {
		if src.State().Kind() != tunnel.KindDisconnected {
			return ErrAlreadyConnectedCannotLogout
		}
	}

	if err := g.call(ctx, g.api.RemoveMnemonic); err != nil {
		return &Error{Kind: Storage, Err: err}
	}
	g.Lock()
	g.state = State{}
	g.Unlock()
	if src != nil && src.State().Kind() != tunnel.KindDisconnected {
		g.log.Warningf("Account removed while the tunnel is %v", src.State().Kind())
	}
	g.log.Notice("Account removed")
	return nil
}
