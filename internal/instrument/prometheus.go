// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes the prometheus metrics of the VPN client.
package instrument

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "katzenvpn"

var (
	tunnelTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "state_transitions_total",
			Help:      "Number of tunnel state transitions by target state",
		},
		[]string{"state"},
	)
	tunnelReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnel",
			Name:      "reconnects_total",
			Help:      "Number of configuration triggered reconnects",
		},
	)
	engineCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "calls_total",
			Help:      "Number of engine calls by method and result",
		},
		[]string{"method", "result"},
	)
	staleEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "stale_events_total",
			Help:      "Number of engine events dropped as stale",
		},
		[]string{"event"},
	)
	directoryFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "fetches_total",
			Help:      "Number of gateway directory fetches by result",
		},
		[]string{"result"},
	)
	directoryFetchDuration = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of gateway directory refreshes",
		},
	)
	directoryGateways = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "gateways",
			Help:      "Number of gateways per directory list",
		},
		[]string{"list"},
	)

	initOnce sync.Once
)

// Init registers all the metrics with the default registry.  It is safe to
// call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(tunnelTransitions)
		prometheus.MustRegister(tunnelReconnects)
		prometheus.MustRegister(engineCalls)
		prometheus.MustRegister(staleEvents)
		prometheus.MustRegister(directoryFetches)
		prometheus.MustRegister(directoryFetchDuration)
		prometheus.MustRegister(directoryGateways)
	})
}

// StartPrometheusListener serves the registered metrics over HTTP on the
// given address until the returned server is shut down.
func StartPrometheusListener(address string) (*http.Server, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = ln.Close()
		}
	}()
	return srv, nil
}

// TunnelTransition counts a transition into the named state.
func TunnelTransition(state string) {
	tunnelTransitions.With(prometheus.Labels{"state": state}).Inc()
}

// TunnelReconnect counts a configuration triggered reconnect.
func TunnelReconnect() {
	tunnelReconnects.Inc()
}

// EngineCall counts an engine call and its outcome.
func EngineCall(method string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	engineCalls.With(prometheus.Labels{"method": method, "result": result}).Inc()
}

// StaleEvent counts an engine event dropped as stale.
func StaleEvent(event string) {
	staleEvents.With(prometheus.Labels{"event": event}).Inc()
}

// DirectoryFetch counts a directory refresh and observes its duration.
func DirectoryFetch(start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	directoryFetches.With(prometheus.Labels{"result": result}).Inc()
	directoryFetchDuration.Observe(time.Since(start).Seconds())
}

// DirectoryGateways sets the number of gateways in a directory list.
func DirectoryGateways(list string, n int) {
	directoryGateways.With(prometheus.Labels{"list": list}).Set(float64(n))
}
