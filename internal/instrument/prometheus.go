// SPDX-FileCopyrightText: Copyright (C) 2026 The Lodestar Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes the relay's prometheus metrics.
package instrument

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	packetsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lodestar",
			Name:      "received_packets_total",
			Help:      "Number of packets received off ingress links",
		},
	)
	packetsForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lodestar",
			Name:      "forwarded_packets_total",
			Help:      "Number of packets handed to an egress link",
		},
	)
	packetsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lodestar",
			Name:      "delivered_packets_total",
			Help:      "Number of terminal packets delivered to local circuits",
		},
	)
	packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lodestar",
			Name:      "dropped_packets_total",
			Help:      "Number of packets dropped, by reason",
		},
		[]string{"reason"},
	)
	schedulerQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "lodestar",
			Name:      "scheduler_queue_depth",
			Help:      "Per egress link scheduler queue depth",
		},
		[]string{"peer"},
	)
	linkState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "lodestar",
			Name:      "link_up",
			Help:      "Per peer link state, 1 when up",
		},
		[]string{"peer"},
	)
	topologyGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lodestar",
			Name:      "topology_generation",
			Help:      "Generation counter of the current topology snapshot",
		},
	)
	circuitsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lodestar",
			Name:      "open_circuits",
			Help:      "Number of currently open virtual circuits",
		},
	)
)

func init() {
	prometheus.MustRegister(
		packetsReceived,
		packetsForwarded,
		packetsDelivered,
		packetsDropped,
		schedulerQueueDepth,
		linkState,
		topologyGeneration,
		circuitsOpen,
	)
}

// StartPrometheusListener starts the metrics HTTP listener on addr.
// The returned listener should be closed on shutdown.
func StartPrometheusListener(addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.Serve(l, mux)
	}()
	return l, nil
}

// PacketReceived increments the received packet counter.
func PacketReceived() {
	packetsReceived.Inc()
}

// PacketForwarded increments the forwarded packet counter.
func PacketForwarded() {
	packetsForwarded.Inc()
}

// PacketDelivered increments the delivered packet counter.
func PacketDelivered() {
	packetsDelivered.Inc()
}

// PacketDropped increments the dropped packet counter for reason.
func PacketDropped(reason string) {
	packetsDropped.WithLabelValues(reason).Inc()
}

// SchedulerQueueDepth observes the queue depth for the given peer.
func SchedulerQueueDepth(peer string, depth int) {
	schedulerQueueDepth.WithLabelValues(peer).Set(float64(depth))
}

// LinkUp records the link to peer as up or down.
func LinkUp(peer string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	linkState.WithLabelValues(peer).Set(v)
}

// TopologyGeneration records the current topology snapshot generation.
func TopologyGeneration(generation uint64) {
	topologyGeneration.Set(float64(generation))
}

// CircuitsOpen observes the number of currently open circuits.
func CircuitsOpen(n int) {
	circuitsOpen.Set(float64(n))
}
