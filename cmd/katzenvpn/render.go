// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"strings"

	"charm.land/lipgloss/v2"

	"github.com/katzenpost/katzenvpn/core/gateway"
	"github.com/katzenpost/katzenvpn/projection"
	"github.com/katzenpost/katzenvpn/tunnel"
)

var (
	badgeStyles = map[projection.Badge]lipgloss.Style{
		projection.BadgeOff:        lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Bold(true),
		projection.BadgeConnecting: lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
		projection.BadgeOn:         lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		projection.BadgeOffline:    lipgloss.NewStyle().Foreground(lipgloss.Color("13")).Bold(true),
		projection.BadgeError:      lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

func renderBadge(b projection.Badge) string {
	style, ok := badgeStyles[b]
	if !ok {
		style = badgeStyles[projection.BadgeError]
	}
	return style.Render(fmt.Sprintf("[%v]", b))
}

func renderView(v *projection.View) string {
	var sb strings.Builder
	sb.WriteString(renderBadge(v.Badge))
	sb.WriteString(" ")
	sb.WriteString(v.StatusText)
	if v.EntryLabel != "" || v.ExitLabel != "" {
		fmt.Fprintf(&sb, " %s %s %s", labelStyle.Render(v.EntryLabel), "->", labelStyle.Render(v.ExitLabel))
	}
	if v.ErrorText != "" {
		sb.WriteString("\n  ")
		sb.WriteString(errorStyle.Render(v.ErrorText))
	}
	if v.NeedsLogin {
		sb.WriteString("\n  ")
		sb.WriteString(noticeStyle.Render("No account is stored, run `katzenvpn login` first"))
	}
	return sb.String()
}

func renderNotice(s string) string {
	return noticeStyle.Render("! " + s)
}

func renderNotification(ev tunnel.Event) string {
	switch e := ev.(type) {
	case *tunnel.BandwidthLow:
		return renderNotice(fmt.Sprintf("Bandwidth is running low, %d bytes left", e.Remaining))
	case *tunnel.BandwidthDepleted:
		return renderNotice("Bandwidth is depleted")
	case *tunnel.PermissionRequired:
		return renderNotice("The VPN permission is required, grant it to the daemon and connect again")
	default:
		return renderNotice(ev.String())
	}
}

func renderCountries(countries []gateway.Country) string {
	var sb strings.Builder
	sb.WriteString(headerStyle.Render("CODE  COUNTRY"))
	for _, c := range countries {
		fmt.Fprintf(&sb, "\n%-4s  %s", c.Code, c.Name)
	}
	return sb.String()
}

func renderGateways(nodes []*gateway.Node, mode gateway.Mode, countryName func(string) string) string {
	var sb strings.Builder
	sb.WriteString(headerStyle.Render(fmt.Sprintf("%-20s %-7s %-16s %s", "NAME", "SCORE", "COUNTRY", "IDENTITY")))
	for _, n := range nodes {
		fmt.Fprintf(&sb, "\n%-20s %-7v %-16s %s", n.DisplayName(), n.ScoreFor(mode), countryName(n.Country), n.ID)
	}
	return sb.String()
}
