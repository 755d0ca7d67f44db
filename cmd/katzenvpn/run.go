// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/katzenpost/katzenvpn/client"
	"github.com/katzenpost/katzenvpn/common"
	"github.com/katzenpost/katzenvpn/internal/instrument"
	"github.com/katzenpost/katzenvpn/internal/profiling"
	"github.com/katzenpost/katzenvpn/projection"
)

func newRunCommand(cfg *Config) *cobra.Command {
	var connect bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the client in the foreground",
		Long: `Run keeps the client attached to the VPN daemon until interrupted,
printing every tunnel state change and notification. The log file is reopened
on SIGHUP.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.OutOrStdout(), cfg, connect)
		},
	}
	cmd.Flags().BoolVar(&connect, "connect", false, "bring the tunnel up after starting")
	return cmd
}

func runClient(w io.Writer, cfg *Config, connect bool) error {
	clientCfg, err := loadConfig(cfg)
	if err != nil {
		return err
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(haltCh)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)
	defer signal.Stop(rotateCh)

	ctx, cancelFn := context.WithTimeout(context.Background(), clientCfg.Engine.DialTimeoutDuration())
	c, err := client.Dial(ctx, clientCfg)
	cancelFn()
	if err != nil {
		return err
	}
	defer c.Shutdown()
	log := c.LogBackend().GetLogger("katzenvpn")

	if err = profiling.Start(log); err != nil {
		log.Warningf("Failed to start profiling: %v", err)
	}
	if addr := clientCfg.Metrics.Address; addr != "" {
		srv, err := instrument.StartPrometheusListener(addr)
		if err != nil {
			return fmt.Errorf("failed to start the metrics listener: %v", err)
		}
		defer srv.Close()
		log.Noticef("Serving metrics on %v", addr)
	}

	if err = c.Start(context.Background()); err != nil {
		return err
	}

	states, cancelStates := c.Subscribe()
	defer cancelStates()
	notifications, cancelNotifications := c.Notifications()
	defer cancelNotifications()

	if connect {
		if err = c.Connect(context.Background()); err != nil {
			fmt.Fprintln(w, renderNotice(common.UserMessage(err)))
		}
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-haltCh:
			log.Notice("Received shutdown request.")
			return nil
		case <-rotateCh:
			if err := c.LogBackend().Rotate(); err != nil {
				log.Errorf("Failed to rotate the log file: %v", err)
			}
		case <-c.HaltCh():
			return nil
		case _, ok := <-states:
			if !ok {
				return nil
			}
			fmt.Fprintln(w, renderView(c.View()))
		case ev, ok := <-notifications:
			if !ok {
				return nil
			}
			fmt.Fprintln(w, renderNotification(ev))
		case <-ticker.C:
			if v := c.View(); v.Badge == projection.BadgeOn {
				fmt.Fprintln(w, renderView(v))
			}
		}
	}
}
