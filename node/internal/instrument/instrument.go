// SPDX-FileCopyrightText: Copyright (C) 2026  The Relaymix Authors.
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes packet pipeline metrics to prometheus.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaymix"

var (
	packetsEncoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_encoded_total",
			Help:      "Number of encoded packets by routing kind",
		},
		[]string{"kind"},
	)
	packetsDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_decoded_total",
			Help:      "Number of decoded packets by verdict",
		},
		[]string{"verdict"},
	)
	packetsUndecodable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "undecodable_packets_total",
			Help:      "Number of dropped undecodable packets",
		},
	)
	packetsReplayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replayed_packets_total",
			Help:      "Number of replayed packets",
		},
	)
	processingErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processing_errors_total",
			Help:      "Number of packets that decoded but failed processing",
		},
	)
	acknowledgements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acknowledgements_total",
			Help:      "Number of resolved acknowledgements by outcome",
		},
		[]string{"outcome"},
	)
	anomalies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_anomalies_total",
			Help:      "Number of protocol anomalies attributed to peers",
		},
	)
	surbDistress = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "surb_distress_total",
			Help:      "Number of SURB distress conditions raised",
		},
	)
)

func init() {
	prometheus.MustRegister(packetsEncoded)
	prometheus.MustRegister(packetsDecoded)
	prometheus.MustRegister(packetsUndecodable)
	prometheus.MustRegister(packetsReplayed)
	prometheus.MustRegister(processingErrors)
	prometheus.MustRegister(acknowledgements)
	prometheus.MustRegister(anomalies)
	prometheus.MustRegister(surbDistress)
}

// Init exposes the registered metrics via HTTP on addr.
func Init(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go srv.ListenAndServe()
	return srv
}

// PacketEncoded increments the counter for encoded packets of a kind.
func PacketEncoded(kind string) {
	packetsEncoded.With(prometheus.Labels{"kind": kind}).Inc()
}

// PacketDecoded increments the counter for decoded packets of a verdict.
func PacketDecoded(verdict string) {
	packetsDecoded.With(prometheus.Labels{"verdict": verdict}).Inc()
}

// PacketUndecodable increments the counter for undecodable packets.
func PacketUndecodable() {
	packetsUndecodable.Inc()
}

// PacketReplayed increments the counter for replayed packets.
func PacketReplayed() {
	packetsReplayed.Inc()
}

// ProcessingError increments the counter for processing errors.
func ProcessingError() {
	processingErrors.Inc()
}

// Acknowledgement increments the counter for acknowledgements of an outcome.
func Acknowledgement(outcome string) {
	acknowledgements.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// Anomaly increments the counter for protocol anomalies.
func Anomaly() {
	anomalies.Inc()
}

// SurbDistress increments the counter for SURB distress conditions.
func SurbDistress() {
	surbDistress.Inc()
}
