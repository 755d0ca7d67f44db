// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package client provides the VPN client service object, wiring the tunnel
// state machine, the gateway directory, the selection store and the account
// gate together.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzenvpn/account"
	"github.com/katzenpost/katzenvpn/config"
	"github.com/katzenpost/katzenvpn/core/gateway"
	"github.com/katzenpost/katzenvpn/core/log"
	"github.com/katzenpost/katzenvpn/core/worker"
	"github.com/katzenpost/katzenvpn/directory"
	"github.com/katzenpost/katzenvpn/directory/httpapi"
	"github.com/katzenpost/katzenvpn/internal/instrument"
	"github.com/katzenpost/katzenvpn/projection"
	"github.com/katzenpost/katzenvpn/selection"
	"github.com/katzenpost/katzenvpn/settings"
	"github.com/katzenpost/katzenvpn/thin"
	"github.com/katzenpost/katzenvpn/tunnel"
)

const (
	applicationName  = "katzenvpn"
	configurationKey = "configuration"
)

// Client is the VPN client.  It is constructed explicitly, started with
// Start and torn down with Shutdown.
type Client struct {
	worker.Worker

	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger
	fatalErrCh chan error
	haltOnce   sync.Once

	store     settings.Store
	engine    tunnel.EventSource
	machine   *tunnel.StateMachine
	directory *directory.Cache
	selection *selection.Store
	account   *account.Gate
	userAgent tunnel.UserAgent
	closers   []io.Closer

	confMu sync.RWMutex
	conf   tunnel.Configuration
}

// New creates a new Client with the provided configuration, engine, account
// API and directory source.
func New(cfg *config.Config, engine tunnel.EventSource, accountAPI account.API, source directory.Source) (*Client, error) {
	logBackend, err := newLogBackend(cfg)
	if err != nil {
		return nil, err
	}
	return newClient(cfg, logBackend, engine, accountAPI, source)
}

// Dial connects to the VPN daemon named by the configuration and creates a
// Client that uses it as engine, account API and, unless the HTTP directory
// is configured, directory source.
func Dial(ctx context.Context, cfg *config.Config) (*Client, error) {
	logBackend, err := newLogBackend(cfg)
	if err != nil {
		return nil, err
	}
	daemon, err := thin.Dial(ctx, &thin.Config{
		Network:     cfg.Engine.Network,
		Address:     cfg.Engine.Address,
		DialTimeout: cfg.Engine.DialTimeoutDuration(),
	}, logBackend)
	if err != nil {
		return nil, fmt.Errorf("client: failed to reach the daemon: %w", err)
	}

	var source directory.Source = daemon
	if cfg.Directory.Source == config.DirectorySourceHTTP {
		if source, err = httpapi.New(cfg.Directory.URL, cfg.UpstreamProxyConfig(), logBackend); err != nil {
			daemon.Close()
			return nil, err
		}
	}

	c, err := newClient(cfg, logBackend, daemon, daemon, source)
	if err != nil {
		daemon.Close()
		return nil, err
	}
	c.closers = append(c.closers, daemon)
	return c, nil
}

func newLogBackend(cfg *config.Config) (*log.Backend, error) {
	f := cfg.Logging.File
	if !cfg.Logging.Disable && f != "" {
		if !filepath.IsAbs(f) {
			return nil, errors.New("log file path must be absolute path")
		}
	}
	return log.New(f, cfg.Logging.Level, cfg.Logging.Disable)
}

func newClient(cfg *config.Config, logBackend *log.Backend, engine tunnel.EventSource, accountAPI account.API, source directory.Source) (*Client, error) {
	c := &Client{
		cfg:        cfg,
		logBackend: logBackend,
		log:        logBackend.GetLogger("katzenvpn/client"),
		fatalErrCh: make(chan error, 1),
		engine:     engine,
		userAgent:  newUserAgent(cfg),
	}
	instrument.Init()

	var err error
	if p := cfg.Storage.DBPath(); p != "" {
		if c.store, err = settings.Open(p); err != nil {
			return nil, err
		}
	} else {
		c.store = settings.NewMemStore()
	}
	if err = c.initComponents(accountAPI, source); err != nil {
		c.store.Close()
		return nil, err
	}

	// fatalErr calls Shutdown which halts the worker, so it must not run
	// under worker.Go.
	go c.fatalErr()
	return c, nil
}

func (c *Client) initComponents(accountAPI account.API, source directory.Source) error {
	c.conf = tunnel.Configuration{
		Mode:           gateway.Mixnet,
		CredentialMode: c.cfg.Engine.CredentialModeValue(),
	}
	if _, err := c.store.Get(settings.ConfigurationBucket, configurationKey, &c.conf); err != nil {
		return err
	}

	var err error
	dirCfg := &directory.Config{
		RefreshInterval: c.cfg.Directory.RefreshIntervalDuration(),
		RetryBaseDelay:  time.Duration(c.cfg.Directory.RetryBaseDelay) * time.Second,
		RetryMaxDelay:   time.Duration(c.cfg.Directory.RetryMaxDelay) * time.Second,
		Locale:          c.cfg.Selection.Locale,
		UserAgent:       c.userAgent.String(),
		DisableBundled:  c.cfg.Directory.DisableBundled,
	}
	if c.directory, err = directory.New(source, c.store, dirCfg, c.logBackend); err != nil {
		return err
	}
	if c.selection, err = selection.New(c.store, c.cfg.Selection.DefaultCountry, c.logBackend); err != nil {
		return err
	}

	c.account = account.New(accountAPI, nil, c.cfg.Account.RPCTimeoutDuration(), c.cfg.Selection.Locale, c.logBackend)
	c.machine = tunnel.NewStateMachine(c.engine, c.account, c.buildRequest, c.logBackend)
	c.account.SetTunnel(c.machine)
	c.selection.OnChange(c.reconcile)
	return nil
}

func newUserAgent(cfg *config.Config) tunnel.UserAgent {
	app := applicationName
	if cfg.Engine.UserAgent != "" {
		app = cfg.Engine.UserAgent
	}
	return tunnel.UserAgent{
		Application: app,
		Version:     versioninfo.Short(),
		Platform:    runtime.GOOS + "/" + runtime.GOARCH,
		GitCommit:   versioninfo.Revision,
	}
}

// Start initializes the engine, loads the account state, adopts the engine's
// current tunnel state and starts the directory and event workers.
func (c *Client) Start(ctx context.Context) error {
	if err := c.engine.Init(ctx, c.cfg.Engine.Environment, c.Configuration().CredentialMode); err != nil {
		return tunnel.AsConnectError(err)
	}
	if err := c.account.Refresh(ctx); err != nil {
		c.log.Warningf("Failed to load the account state: %v", err)
	}
	if err := c.machine.Resync(ctx); err != nil {
		return err
	}
	c.directory.Start()
	c.Go(c.eventWorker)
	c.log.Noticef("Started, tunnel is %v.", c.machine.State())
	return nil
}

func (c *Client) eventWorker() {
	ctx, cancelFn := c.HaltContext(context.Background())
	defer cancelFn()

	events := c.engine.Events()
	for {
		select {
		case <-c.HaltCh():
			return
		case ev, ok := <-events:
			if !ok {
				c.fatal(tunnel.ErrEngineUnreachable)
				return
			}
			if err := c.machine.OnEngineEvent(ctx, ev); err != nil {
				c.log.Debugf("Dropped engine event %v: %v", ev, err)
			}
		}
	}
}

func (c *Client) fatal(err error) {
	select {
	case c.fatalErrCh <- err:
	default:
	}
}

func (c *Client) fatalErr() {
	select {
	case <-c.HaltCh():
	case err := <-c.fatalErrCh:
		c.log.Warningf("Shutting down due to error: %v", err)
		c.Shutdown()
	}
}

// Shutdown cleanly shuts down a given Client instance.
func (c *Client) Shutdown() {
	c.haltOnce.Do(c.halt)
}

func (c *Client) halt() {
	c.log.Noticef("Starting graceful shutdown.")
	c.Halt()
	c.directory.Shutdown()
	c.machine.Shutdown()
	for _, closer := range c.closers {
		if err := closer.Close(); err != nil {
			c.log.Debugf("Close: %v", err)
		}
	}
	if err := c.store.Close(); err != nil {
		c.log.Warningf("Failed to close the settings store: %v", err)
	}
	c.log.Noticef("Shutdown complete.")
}

// Wait waits till the Client is terminated for any reason.
func (c *Client) Wait() {
	<-c.HaltCh()
}

// LogBackend returns the Client's log backend.
func (c *Client) LogBackend() *log.Backend {
	return c.logBackend
}

// Directory returns the gateway directory.
func (c *Client) Directory() *directory.Cache {
	return c.directory
}

// Account returns the account gate.
func (c *Client) Account() *account.Gate {
	return c.account
}

// Configuration returns the current tunnel configuration.
func (c *Client) Configuration() tunnel.Configuration {
	c.confMu.RLock()
	defer c.confMu.RUnlock()
	return c.conf
}

// SetMode persists the tunnel mode and reconnects the tunnel if needed.
func (c *Client) SetMode(ctx context.Context, mode gateway.Mode) error {
	return c.updateConfiguration(ctx, func(conf *tunnel.Configuration) {
		conf.Mode = mode
	})
}

// SetCredentialMode persists the credential override and reconnects the
// tunnel if needed.
func (c *Client) SetCredentialMode(ctx context.Context, mode tunnel.CredentialMode) error {
	return c.updateConfiguration(ctx, func(conf *tunnel.Configuration) {
		conf.CredentialMode = mode
	})
}

func (c *Client) updateConfiguration(ctx context.Context, fn func(*tunnel.Configuration)) error {
	c.confMu.Lock()
	conf := c.conf
	fn(&conf)
	if conf == c.conf {
		c.confMu.Unlock()
		return nil
	}
	if err := c.store.Put(settings.ConfigurationBucket, configurationKey, &conf); err != nil {
		c.confMu.Unlock()
		return err
	}
	c.conf = conf
	c.confMu.Unlock()

	c.log.Infof("Configuration set to %v (credentials %v)", conf.Mode, conf.CredentialMode)
	return c.machine.ReconcileConfigurationChange(ctx)
}

// Selection returns the stored selection for hop.
func (c *Client) Selection(hop gateway.Hop) gateway.Point {
	return c.selection.Get(hop)
}

// ValidatedSelection returns the selection for hop as it would be used by the
// next connection.
func (c *Client) ValidatedSelection(hop gateway.Hop) gateway.Point {
	return c.selection.Validated(hop, c.Configuration().Mode, c.directory)
}

// SetEntry persists the entry selection and reconnects the tunnel if needed.
func (c *Client) SetEntry(p gateway.Point) error {
	return c.selection.Set(gateway.Entry, p)
}

// SetExit persists the exit selection and reconnects the tunnel if needed.
func (c *Client) SetExit(p gateway.Point) error {
	return c.selection.Set(gateway.Exit, p)
}

func (c *Client) reconcile() {
	ctx, cancelFn := c.HaltContext(context.Background())
	defer cancelFn()
	if err := c.machine.ReconcileConfigurationChange(ctx); err != nil {
		c.log.Debugf("Reconcile: %v", err)
	}
}

func (c *Client) buildRequest() (*tunnel.ConnectRequest, error) {
	conf := c.Configuration()
	return &tunnel.ConnectRequest{
		Entry:          c.selection.Validated(gateway.Entry, conf.Mode, c.directory),
		Exit:           c.selection.Validated(gateway.Exit, conf.Mode, c.directory),
		Mode:           conf.Mode,
		CredentialMode: conf.CredentialMode,
		UserAgent:      c.userAgent,
	}, nil
}

// Connect brings the tunnel up.
func (c *Client) Connect(ctx context.Context) error {
	return c.machine.Connect(ctx)
}

// Disconnect tears the tunnel down.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.machine.Disconnect(ctx)
}

// State returns the current tunnel state.
func (c *Client) State() tunnel.State {
	return c.machine.State()
}

// View returns the user facing projection of the current state.
func (c *Client) View() *projection.View {
	return projection.Project(c.machine.State(), c.account.IsUsable(), c.directory, time.Now())
}

// Subscribe returns a channel of tunnel states, starting with the current
// one, and a function that cancels the subscription.
func (c *Client) Subscribe() (<-chan tunnel.State, func()) {
	return c.machine.Subscribe()
}

// Notifications returns a channel of side channel notifications and a
// function that cancels the subscription.
func (c *Client) Notifications() (<-chan tunnel.Event, func()) {
	return c.machine.Notifications()
}

// Login stores the account mnemonic.
func (c *Client) Login(ctx context.Context, mnemonic string) error {
	return c.account.Store(ctx, mnemonic)
}

// Logout removes the account mnemonic.  The tunnel must be down.
func (c *Client) Logout(ctx context.Context) error {
	return c.account.Remove(ctx)
}
