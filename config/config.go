// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the VPN client configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/katzenvpn/core/gateway"
	"github.com/katzenpost/katzenvpn/internal/proxy"
	"github.com/katzenpost/katzenvpn/tunnel"
)

const (
	defaultLogLevel        = "NOTICE"
	defaultEngineNetwork   = "unix"
	defaultEngineAddress   = "/run/katzenvpn/daemon.sock"
	defaultEnvironment     = "mainnet"
	defaultDialTimeout     = 10
	defaultRPCTimeout      = 5
	maxRPCTimeout          = 9
	defaultRefreshInterval = 30
	defaultRetryBaseDelay  = 5
	defaultRetryMaxDelay   = 5 * 60
	defaultLocale          = "en"
	defaultDBName          = "katzenvpn.db"

	// DirectorySourceEngine queries the gateway directory through the
	// daemon.
	DirectorySourceEngine = "engine"
	// DirectorySourceHTTP queries the gateway directory over HTTP.
	DirectorySourceHTTP = "http"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Engine is the VPN daemon configuration.
type Engine struct {
	// Network is the daemon socket network (`unix`, `tcp`).
	Network string

	// Address is the daemon socket address.
	Address string

	// Environment is the network environment the engine joins.
	Environment string

	// CredentialMode overrides the engine's zero-knowledge credential use
	// (`default`, `on`, `off`).
	CredentialMode string

	// UserAgent overrides the application name sent to the engine.
	UserAgent string

	// DialTimeout is the daemon connection timeout in seconds.
	DialTimeout int

	credentialMode tunnel.CredentialMode
}

func (eCfg *Engine) validate() error {
	eCfg.Network = strings.ToLower(eCfg.Network)
	switch eCfg.Network {
	case "":
		eCfg.Network = defaultEngineNetwork
	case "unix", "tcp", "tcp4", "tcp6":
	default:
		return fmt.Errorf("config: Engine: Network '%v' is invalid", eCfg.Network)
	}
	if eCfg.Address == "" {
		if eCfg.Network != defaultEngineNetwork {
			return errors.New("config: Engine: Address is required for TCP")
		}
		eCfg.Address = defaultEngineAddress
	}
	if strings.HasPrefix(eCfg.Network, "tcp") {
		if _, _, err := net.SplitHostPort(eCfg.Address); err != nil {
			return fmt.Errorf("config: Engine: Address '%v' is invalid: %v", eCfg.Address, err)
		}
	}
	if eCfg.Environment == "" {
		eCfg.Environment = defaultEnvironment
	}
	mode, err := tunnel.ParseCredentialMode(eCfg.CredentialMode)
	if err != nil {
		return fmt.Errorf("config: Engine: %v", err)
	}
	eCfg.credentialMode = mode
	switch {
	case eCfg.DialTimeout == 0:
		eCfg.DialTimeout = defaultDialTimeout
	case eCfg.DialTimeout < 0:
		return fmt.Errorf("config: Engine: DialTimeout %v is invalid", eCfg.DialTimeout)
	}
	return nil
}

// CredentialModeValue returns the parsed CredentialMode.
func (eCfg *Engine) CredentialModeValue() tunnel.CredentialMode {
	return eCfg.credentialMode
}

// DialTimeoutDuration returns DialTimeout as a time.Duration.
func (eCfg *Engine) DialTimeoutDuration() time.Duration {
	return time.Duration(eCfg.DialTimeout) * time.Second
}

// Account is the account gate configuration.
type Account struct {
	// RPCTimeout bounds each account call, in seconds.
	RPCTimeout int
}

func (aCfg *Account) validate() error {
	switch {
	case aCfg.RPCTimeout == 0:
		aCfg.RPCTimeout = defaultRPCTimeout
	case aCfg.RPCTimeout < 0 || aCfg.RPCTimeout > maxRPCTimeout:
		return fmt.Errorf("config: Account: RPCTimeout %v is out of range", aCfg.RPCTimeout)
	}
	return nil
}

// RPCTimeoutDuration returns RPCTimeout as a time.Duration.
func (aCfg *Account) RPCTimeoutDuration() time.Duration {
	return time.Duration(aCfg.RPCTimeout) * time.Second
}

// Directory is the gateway directory configuration.
type Directory struct {
	// Source is where gateways are listed from (`engine`, `http`).
	Source string

	// URL is the HTTP directory API base URL.
	URL string

	// RefreshInterval is the directory refresh interval in minutes.
	RefreshInterval int

	// RetryBaseDelay and RetryMaxDelay bound the failed refresh backoff, in
	// seconds.
	RetryBaseDelay int
	RetryMaxDelay  int

	// DisableBundled disables the shipped gateway inventory.
	DisableBundled bool
}

func (dCfg *Directory) validate() error {
	dCfg.Source = strings.ToLower(dCfg.Source)
	switch dCfg.Source {
	case "":
		dCfg.Source = DirectorySourceEngine
	case DirectorySourceEngine:
	case DirectorySourceHTTP:
		u, err := url.Parse(dCfg.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config: Directory: URL '%v' is invalid", dCfg.URL)
		}
	default:
		return fmt.Errorf("config: Directory: Source '%v' is invalid", dCfg.Source)
	}
	if dCfg.RefreshInterval == 0 {
		dCfg.RefreshInterval = defaultRefreshInterval
	}
	if dCfg.RetryBaseDelay == 0 {
		dCfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if dCfg.RetryMaxDelay == 0 {
		dCfg.RetryMaxDelay = defaultRetryMaxDelay
	}
	if dCfg.RefreshInterval < 0 || dCfg.RetryBaseDelay < 0 || dCfg.RetryMaxDelay < dCfg.RetryBaseDelay {
		return errors.New("config: Directory: invalid refresh or retry timing")
	}
	return nil
}

// RefreshIntervalDuration returns RefreshInterval as a time.Duration.
func (dCfg *Directory) RefreshIntervalDuration() time.Duration {
	return time.Duration(dCfg.RefreshInterval) * time.Minute
}

// Selection is the gateway selection configuration.
type Selection struct {
	// DefaultCountry is the country stale selections fall back to.
	DefaultCountry string

	// Locale is the BCP 47 tag country names are displayed in.
	Locale string
}

func (sCfg *Selection) validate() error {
	if sCfg.DefaultCountry == "" {
		sCfg.DefaultCountry = "DE"
	}
	if !gateway.IsCountryCode(sCfg.DefaultCountry) {
		return fmt.Errorf("config: Selection: DefaultCountry '%v' is invalid", sCfg.DefaultCountry)
	}
	sCfg.DefaultCountry = strings.ToUpper(sCfg.DefaultCountry)
	if sCfg.Locale == "" {
		sCfg.Locale = defaultLocale
	}
	return nil
}

// Storage is the persistent storage configuration.
type Storage struct {
	// DataDir is the directory holding the settings database.  An empty
	// DataDir keeps all settings in memory.
	DataDir string
}

// DBPath returns the settings database path, or the empty string when
// settings are kept in memory.
func (sCfg *Storage) DBPath() string {
	if sCfg.DataDir == "" {
		return ""
	}
	return filepath.Join(sCfg.DataDir, defaultDBName)
}

func (sCfg *Storage) validate() error {
	if sCfg.DataDir == "" {
		return nil
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Storage: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	return nil
}

// Metrics is the Prometheus configuration.
type Metrics struct {
	// Address is the metrics listener address, empty disables it.
	Address string
}

func (mCfg *Metrics) validate() error {
	if mCfg.Address == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(mCfg.Address); err != nil {
		return fmt.Errorf("config: Metrics: Address '%v' is invalid: %v", mCfg.Address, err)
	}
	return nil
}

// UpstreamProxy is the outgoing connection proxy configuration.
type UpstreamProxy struct {
	// Type is the proxy type ("none", "socks5").
	Type string

	// Network is the proxy address' network (`unix`, `tcp`).
	Network string

	// Address is the proxy's address.
	Address string

	// User is the optional proxy username.
	User string

	// Password is the optional proxy password.
	Password string
}

func (uCfg *UpstreamProxy) toProxyConfig() (*proxy.Config, error) {
	cfg := &proxy.Config{
		Type:     uCfg.Type,
		Network:  uCfg.Network,
		Address:  uCfg.Address,
		User:     uCfg.User,
		Password: uCfg.Password,
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Config is the top level VPN client configuration.
type Config struct {
	Logging       *Logging
	Engine        *Engine
	Account       *Account
	Directory     *Directory
	Selection     *Selection
	Storage       *Storage
	Metrics       *Metrics
	UpstreamProxy *UpstreamProxy

	upstreamProxy *proxy.Config
}

// UpstreamProxyConfig returns the configured upstream proxy, suitable for
// internal use.  Most people should not use this.
func (c *Config) UpstreamProxyConfig() *proxy.Config {
	return c.upstreamProxy
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	// Handle missing sections if possible.
	if c.Logging == nil {
		l := defaultLogging
		c.Logging = &l
	}
	if c.Engine == nil {
		c.Engine = &Engine{}
	}
	if c.Account == nil {
		c.Account = &Account{}
	}
	if c.Directory == nil {
		c.Directory = &Directory{}
	}
	if c.Selection == nil {
		c.Selection = &Selection{}
	}
	if c.Storage == nil {
		c.Storage = &Storage{}
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}
	if c.UpstreamProxy == nil {
		c.UpstreamProxy = &UpstreamProxy{}
	}

	// Validate/fixup the various sections.
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if err := c.Engine.validate(); err != nil {
		return err
	}
	if err := c.Account.validate(); err != nil {
		return err
	}
	if err := c.Directory.validate(); err != nil {
		return err
	}
	if err := c.Selection.validate(); err != nil {
		return err
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := c.Metrics.validate(); err != nil {
		return err
	}
	uCfg, err := c.UpstreamProxy.toProxyConfig()
	if err != nil {
		return err
	}
	c.upstreamProxy = uCfg
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// Default returns the validated default configuration.
func Default() *Config {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		panic("BUG: default configuration is invalid: " + err.Error())
	}
	return cfg
}
