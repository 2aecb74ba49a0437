// Copyright 2023 Sauce Labs Inc., all rights reserved.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package proxywrap

import (
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type proxyMetrics struct {
	accepted prometheus.Counter
	sessions *prometheus.CounterVec
	active   prometheus.Gauge
	errors   *prometheus.CounterVec
	relayed  *prometheus.CounterVec
}

func newProxyMetrics(r prometheus.Registerer, namespace string) *proxyMetrics {
	if r == nil {
		r = prometheus.NewRegistry() // This registry will be discarded.
	}
	f := promauto.With(r)

	return &proxyMetrics{
		accepted: f.NewCounter(prometheus.CounterOpts{
			Name:      "connections_accepted_total",
			Namespace: namespace,
			Help:      "Number of accepted client connections",
		}),
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Name:      "sessions_total",
			Namespace: namespace,
			Help:      "Number of proxied sessions by kind",
		}, []string{"kind"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Name:      "sessions_active",
			Namespace: namespace,
			Help:      "Number of currently live sessions",
		}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Name:      "errors_total",
			Namespace: namespace,
			Help:      "Number of proxy errors",
		}, []string{"reason"}),
		relayed: f.NewCounterVec(prometheus.CounterOpts{
			Name:      "relay_bytes_total",
			Namespace: namespace,
			Help:      "Number of bytes relayed between client and upstream",
		}, []string{"direction"}),
	}
}

func (m *proxyMetrics) session(kind string) {
	m.sessions.WithLabelValues(kind).Inc()
}

func (m *proxyMetrics) error(reason string) {
	m.errors.WithLabelValues(reason).Inc()
}

func (m *proxyMetrics) relayedBytes(direction string, n int) {
	m.relayed.WithLabelValues(direction).Add(float64(n))
}

// proxyMetrics doubles as listener callbacks.
var _ ListenerCallbacks = (*proxyMetrics)(nil)

func (m *proxyMetrics) OnAccept(net.Conn) {
	m.accepted.Inc()
}

func (m *proxyMetrics) OnBindError(address string, err error) {
	m.error("bind")
}
