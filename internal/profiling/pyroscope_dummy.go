// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !pyroscope
// +build !pyroscope

package profiling

import "gopkg.in/op/go-logging.v1"

// Start is a no-op unless built with the pyroscope tag.
func Start(log *logging.Logger) error {
	log.Debug("Profiling is disabled")
	return nil
}
