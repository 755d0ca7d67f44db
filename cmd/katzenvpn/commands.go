// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/katzenpost/qrterminal"
	"github.com/spf13/cobra"

	"github.com/katzenpost/katzenvpn/client"
	"github.com/katzenpost/katzenvpn/core/gateway"
	"github.com/katzenpost/katzenvpn/tunnel"
)

func newStatusCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the tunnel status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(ctx context.Context, c *client.Client) error {
				w := cmd.OutOrStdout()
				fmt.Fprintln(w, renderView(c.View()))
				conf := c.Configuration()
				fmt.Fprintf(w, "Mode: %v, credentials: %v\n", conf.Mode, conf.CredentialMode)
				fmt.Fprintf(w, "Entry: %v\n", c.ValidatedSelection(gateway.Entry))
				fmt.Fprintf(w, "Exit: %v\n", c.ValidatedSelection(gateway.Exit))
				return nil
			})
		},
	}
}

// waitForSettled blocks until the tunnel leaves the transitional states.
func waitForSettled(ctx context.Context, c *client.Client) (tunnel.State, error) {
	states, cancelFn := c.Subscribe()
	defer cancelFn()
	for {
		select {
		case <-ctx.Done():
			return c.State(), ctx.Err()
		case s, ok := <-states:
			if !ok {
				return c.State(), tunnel.ErrHalted
			}
			switch s.Kind() {
			case tunnel.KindConnecting, tunnel.KindDisconnecting:
			default:
				return s, nil
			}
		}
	}
}

func newConnectCommand(cfg *Config) *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Bring the tunnel up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(ctx context.Context, c *client.Client) error {
				if err := c.Connect(ctx); err != nil {
					return err
				}
				if wait {
					if _, err := waitForSettled(ctx, c); err != nil {
						return err
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderView(c.View()))
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", true, "wait for the tunnel to come up")
	return cmd
}

func newDisconnectCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Tear the tunnel down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(ctx context.Context, c *client.Client) error {
				if err := c.Disconnect(ctx); err != nil {
					return err
				}
				if _, err := waitForSettled(ctx, c); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderView(c.View()))
				return nil
			})
		},
	}
}

func newModeCommand(cfg *Config) *cobra.Command {
	var credentials string

	cmd := &cobra.Command{
		Use:   "mode <mixnet|wireguard>",
		Short: "Set the tunnel mode, reconnecting if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := gateway.ParseMode(args[0])
			if err != nil {
				return err
			}
			credentialMode, err := tunnel.ParseCredentialMode(credentials)
			if err != nil {
				return err
			}
			return withClient(cfg, func(ctx context.Context, c *client.Client) error {
				if err := c.SetMode(ctx, mode); err != nil {
					return err
				}
				if cmd.Flags().Changed("credentials") {
					return c.SetCredentialMode(ctx, credentialMode)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&credentials, "credentials", "default", "zero-knowledge credential use (default, on, off)")
	return cmd
}

func newSelectCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "select <entry|exit> <selector>",
		Short: "Select the entry or exit gateway, reconnecting if needed",
		Long: `The selector is a two letter country code, "fast:<CC>" for the lowest
latency gateway of a country, "gateway:<identity>" for a specific gateway, or,
for the entry only, "random" or "fastest".`,
		Example: `  katzenvpn select exit CH
  katzenvpn select entry fastest`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			hop, err := gateway.ParseHop(args[0])
			if err != nil {
				return err
			}
			p, err := gateway.ParsePoint(args[1], hop)
			if err != nil {
				return err
			}
			return withClient(cfg, func(ctx context.Context, c *client.Client) error {
				if hop == gateway.Exit {
					err = c.SetExit(p)
				} else {
					err = c.SetEntry(p)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%v: %v\n", hop, c.ValidatedSelection(hop))
				return nil
			})
		},
	}
}

type listFlags struct {
	mode    string
	hop     string
	refresh bool
}

func (f *listFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.mode, "mode", "m", "mixnet", "tunnel mode (mixnet, wireguard)")
	cmd.Flags().StringVar(&f.hop, "hop", "entry", "gateway hop (entry, exit)")
	cmd.Flags().BoolVarP(&f.refresh, "refresh", "r", false, "refresh the gateway directory first")
}

func (f *listFlags) parse() (gateway.Mode, gateway.Hop, error) {
	mode, err := gateway.ParseMode(f.mode)
	if err != nil {
		return mode, gateway.Entry, err
	}
	hop, err := gateway.ParseHop(f.hop)
	return mode, hop, err
}

func (f *listFlags) maybeRefresh(ctx context.Context, w io.Writer, c *client.Client) {
	if !f.refresh {
		return
	}
	if err := c.Directory().Refresh(ctx, true); err != nil {
		fmt.Fprintln(w, renderNotice(fmt.Sprintf("Directory refresh failed, showing cached gateways: %v", err)))
	}
}

func newCountriesCommand(cfg *Config) *cobra.Command {
	var flags listFlags

	cmd := &cobra.Command{
		Use:   "countries",
		Short: "List the countries gateways are available in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, hop, err := flags.parse()
			if err != nil {
				return err
			}
			return withClient(cfg, func(ctx context.Context, c *client.Client) error {
				flags.maybeRefresh(ctx, cmd.OutOrStdout(), c)
				fmt.Fprintln(cmd.OutOrStdout(), renderCountries(c.Directory().CountriesFor(mode, hop)))
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newGatewaysCommand(cfg *Config) *cobra.Command {
	var flags listFlags

	cmd := &cobra.Command{
		Use:   "gateways",
		Short: "List the gateways, best first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, hop, err := flags.parse()
			if err != nil {
				return err
			}
			return withClient(cfg, func(ctx context.Context, c *client.Client) error {
				flags.maybeRefresh(ctx, cmd.OutOrStdout(), c)
				dir := c.Directory()
				fmt.Fprintln(cmd.OutOrStdout(), renderGateways(dir.GatewaysFor(mode, hop), mode, dir.CountryName))
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func readMnemonic(r io.Reader, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func newLoginCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "login [recovery phrase words...]",
		Short: "Store the account recovery phrase",
		Long: `Login stores the account recovery phrase with the daemon and registers
this device. The phrase is read from standard input when not given as
arguments.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			mnemonic, err := readMnemonic(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			return withClient(cfg, func(ctx context.Context, c *client.Client) error {
				if err := c.Login(ctx, mnemonic); err != nil {
					return err
				}
				st := c.Account().State()
				if st.Summary != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %v (device %v)\n", st.Summary.AccountID, st.Summary.DeviceID)
				}
				return nil
			})
		},
	}
}

func newLogoutCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored account, the tunnel must be down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(ctx context.Context, c *client.Client) error {
				return c.Logout(ctx)
			})
		},
	}
}

func newLinksCommand(cfg *Config) *cobra.Command {
	var isQRCode bool

	cmd := &cobra.Command{
		Use:   "links",
		Short: "Show the account management links",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(ctx context.Context, c *client.Client) error {
				st := c.Account().State()
				if st.Links == nil {
					return errors.New("account links are not available")
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Sign up: %v\nSign in: %v\n", st.Links.SignUp, st.Links.SignIn)
				link := st.Links.SignUp
				if st.MnemonicStored {
					fmt.Fprintf(w, "Account: %v\n", st.Links.Account)
					link = st.Links.Account
				}
				if isQRCode && link != "" {
					qrterminal.GenerateWithConfig(link, qrterminal.Config{
						Level:      qrterminal.L,
						Writer:     w,
						HalfBlocks: true,
						QuietZone:  1,
					})
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&isQRCode, "qr", false, "render the link as a QR code")
	return cmd
}
