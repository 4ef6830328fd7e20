// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector with Prometheus metrics.
type PrometheusCollector struct {
	connectionsTotal  *prometheus.CounterVec
	connectionsActive *prometheus.GaugeVec
	tlsTotal          *prometheus.CounterVec

	authAttemptsTotal *prometheus.CounterVec
	commandsTotal     *prometheus.CounterVec

	deliveredTotal prometheus.Counter
	retrievedTotal prometheus.Counter
	purgedTotal    prometheus.Counter
	sizeBytes      *prometheus.HistogramVec
}

// NewPrometheusCollector creates the metrics and registers them with reg.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailmock_connections_total",
			Help: "Total number of connections accepted.",
		}, []string{"protocol"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailmock_connections_active",
			Help: "Number of currently open connections.",
		}, []string{"protocol"}),
		tlsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailmock_tls_connections_total",
			Help: "Total number of TLS sessions established, implicit or upgraded.",
		}, []string{"protocol"}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailmock_auth_attempts_total",
			Help: "Total number of authentication attempts.",
		}, []string{"protocol", "mechanism", "result"}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailmock_commands_total",
			Help: "Total number of commands processed.",
		}, []string{"protocol", "command"}),

		deliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailmock_messages_delivered_total",
			Help: "Total number of messages accepted over SMTP.",
		}),
		retrievedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailmock_messages_retrieved_total",
			Help: "Total number of messages retrieved over POP3.",
		}),
		purgedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailmock_messages_purged_total",
			Help: "Total number of messages removed when a POP3 session quit.",
		}),
		sizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailmock_message_size_bytes",
			Help:    "Size of delivered and retrieved messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400},
		}, []string{"direction"}),
	}

	for _, col := range []prometheus.Collector{
		c.connectionsTotal,
		c.connectionsActive,
		c.tlsTotal,
		c.authAttemptsTotal,
		c.commandsTotal,
		c.deliveredTotal,
		c.retrievedTotal,
		c.purgedTotal,
		c.sizeBytes,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *PrometheusCollector) ConnectionOpened(protocol string) {
	c.connectionsTotal.WithLabelValues(protocol).Inc()
	c.connectionsActive.WithLabelValues(protocol).Inc()
}

func (c *PrometheusCollector) ConnectionClosed(protocol string) {
	c.connectionsActive.WithLabelValues(protocol).Dec()
}

func (c *PrometheusCollector) TLSEstablished(protocol string) {
	c.tlsTotal.WithLabelValues(protocol).Inc()
}

func (c *PrometheusCollector) AuthAttempt(protocol, mechanism string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(protocol, mechanism, result).Inc()
}

func (c *PrometheusCollector) CommandProcessed(protocol, command string) {
	c.commandsTotal.WithLabelValues(protocol, command).Inc()
}

func (c *PrometheusCollector) MessageDelivered(sizeBytes int) {
	c.deliveredTotal.Inc()
	c.sizeBytes.WithLabelValues("in").Observe(float64(sizeBytes))
}

func (c *PrometheusCollector) MessageRetrieved(sizeBytes int) {
	c.retrievedTotal.Inc()
	c.sizeBytes.WithLabelValues("out").Observe(float64(sizeBytes))
}

func (c *PrometheusCollector) MessagesPurged(count int) {
	c.purgedTotal.Add(float64(count))
}
