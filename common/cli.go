// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package common provides shared utilities for the katzenvpn CLI.
package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/katzenpost/katzenvpn/account"
	"github.com/katzenpost/katzenvpn/projection"
	"github.com/katzenpost/katzenvpn/tunnel"
)

// ExecuteWithFang executes a cobra command using fang with the standard
// katzenvpn options.
func ExecuteWithFang(cmd *cobra.Command) {
	if err := fang.Execute(
		context.Background(),
		cmd,
		fang.WithVersion(versioninfo.Short()),
		fang.WithErrorHandler(ErrorHandlerWithUsage(cmd)),
	); err != nil {
		os.Exit(1)
	}
}

// ErrorHandlerWithUsage returns an error handler that renders the error,
// followed by the usage help for CLI argument errors.  Tunnel and account
// errors are rendered as user facing text rather than raw error strings.
func ErrorHandlerWithUsage(cmd *cobra.Command) fang.ErrorHandler {
	return func(w io.Writer, styles fang.Styles, err error) {
		_, _ = fmt.Fprintln(w, styles.ErrorHeader.String())
		_, _ = fmt.Fprintln(w, styles.ErrorText.Render(UserMessage(err)+"."))
		_, _ = fmt.Fprintln(w)

		if isUsageError(err) {
			helpFunc := cmd.HelpFunc()
			if helpFunc != nil {
				_ = colorprofile.NewWriter(w, nil)
				helpFunc(cmd, []string{})
			}
			return
		}
		_, _ = fmt.Fprintln(w, lipgloss.JoinHorizontal(
			lipgloss.Left,
			styles.ErrorText.UnsetWidth().Render("Try"),
			styles.Program.Flag.Render("--help"),
			styles.ErrorText.UnsetWidth().UnsetMargins().UnsetTransform().PaddingLeft(1).Render("for usage."),
		))
		_, _ = fmt.Fprintln(w)
	}
}

// UserMessage returns the text shown to the user for err.
func UserMessage(err error) string {
	var connErr *tunnel.ConnectError
	if errors.As(err, &connErr) {
		return projection.ConnectErrorText(connErr)
	}
	var accErr *account.Error
	if errors.As(err, &accErr) {
		return strings.TrimPrefix(accErr.Error(), "account: ")
	}
	return err.Error()
}

func isUsageError(err error) bool {
	s := err.Error()
	for _, prefix := range []string{
		"flag needs an argument:",
		"unknown flag:",
		"unknown shorthand flag:",
		"unknown command",
		"invalid argument",
		"required flag",
		"accepts",
		"arg(s), received",
		"failed to load config file",
		"invalid mode",
		"invalid hop",
		"country code:",
		"point without an identity",
		"random selection is not supported",
	} {
		if strings.Contains(s, prefix) {
			return true
		}
	}
	return false
}
