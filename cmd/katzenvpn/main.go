// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// katzenvpn is the command line front-end of the VPN client.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/katzenpost/katzenvpn/client"
	"github.com/katzenpost/katzenvpn/common"
	"github.com/katzenpost/katzenvpn/config"
)

// Config holds the command line configuration shared by every command.
type Config struct {
	ConfigFile string
	Verbose    bool
	Timeout    time.Duration
}

func newRootCommand() *cobra.Command {
	cfg := new(Config)

	cmd := &cobra.Command{
		Use:   "katzenvpn",
		Short: "Katzenpost VPN client",
		Long: `katzenvpn drives the local VPN daemon. It keeps the tunnel state in
sync with the daemon, refreshes the gateway directory, remembers the entry and
exit gateway selections and reconnects the tunnel when they change.

The tunnel can either be routed through the five hop mixnet for traffic
analysis resistance, or through a fast two hop wireguard VPN.`,
		Example: `  # Run the client in the foreground and bring the tunnel up
  katzenvpn run --connect

  # Show the tunnel status
  katzenvpn status -c /etc/katzenvpn/katzenvpn.toml

  # List the exit countries of the mixnet
  katzenvpn countries --mode mixnet --hop exit

  # Exit through Switzerland and reconnect if needed
  katzenvpn select exit CH`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&cfg.ConfigFile, "config", "c", "",
		"path to the configuration file (TOML format), defaults are used if omitted")
	cmd.PersistentFlags().BoolVarP(&cfg.Verbose, "verbose", "v", false,
		"log to stdout in one-shot commands")
	cmd.PersistentFlags().DurationVarP(&cfg.Timeout, "timeout", "t", 30*time.Second,
		"time limit of one-shot commands")

	cmd.AddCommand(
		newRunCommand(cfg),
		newStatusCommand(cfg),
		newConnectCommand(cfg),
		newDisconnectCommand(cfg),
		newModeCommand(cfg),
		newSelectCommand(cfg),
		newCountriesCommand(cfg),
		newGatewaysCommand(cfg),
		newLoginCommand(cfg),
		newLogoutCommand(cfg),
		newLinksCommand(cfg),
	)
	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func loadConfig(cfg *Config) (*config.Config, error) {
	if cfg.ConfigFile == "" {
		return config.Default(), nil
	}
	c, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}
	return c, nil
}

// withClient runs fn against a started client that is shut down afterwards.
func withClient(cfg *Config, fn func(ctx context.Context, c *client.Client) error) error {
	clientCfg, err := loadConfig(cfg)
	if err != nil {
		return err
	}
	if !cfg.Verbose && clientCfg.Logging.File == "" {
		clientCfg.Logging.Disable = true
	}

	ctx, cancelFn := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancelFn()

	c, err := client.Dial(ctx, clientCfg)
	if err != nil {
		return err
	}
	defer c.Shutdown()
	if err = c.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, c)
}
