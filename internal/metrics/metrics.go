// Package metrics holds the Prometheus collectors exported by an okufs node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "okufs"

// Registry is the registry served on /metrics.
var Registry = prometheus.NewRegistry()

var (
	// EntriesInserted counts entries stored by the document engine, by origin.
	EntriesInserted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "docs",
		Name:      "entries_inserted_total",
		Help:      "Entries inserted into replicas.",
	}, []string{"origin"})

	// EntriesRejected counts remote entries dropped by verification or policy.
	EntriesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "docs",
		Name:      "entries_rejected_total",
		Help:      "Remote entries rejected during sync.",
	}, []string{"reason"})

	// PeerSyncs counts finished peer sync sessions by result.
	PeerSyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "docs",
		Name:      "peer_syncs_total",
		Help:      "Document sync sessions with a single peer.",
	}, []string{"result"})

	// FetchDuration observes how long a replica fetch takes to converge.
	FetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "fetch_duration_seconds",
		Help:      "Time from fetch start to convergence or failure.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"result"})

	// BlobsDownloaded counts blobs fetched from peers.
	BlobsDownloaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "blobs",
		Name:      "downloaded_total",
		Help:      "Blobs downloaded and verified.",
	})

	// BlobBytesServed counts uncompressed blob bytes sent to peers.
	BlobBytesServed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "blobs",
		Name:      "served_bytes_total",
		Help:      "Blob bytes served to peers.",
	})

	// Announces counts DHT announcements per replica by result.
	Announces = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "discovery",
		Name:      "announces_total",
		Help:      "Replica announcements published to the DHT.",
	}, []string{"result"})

	// TicketRequests counts inbound ticket requests by outcome.
	TicketRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "discovery",
		Name:      "ticket_requests_total",
		Help:      "Inbound ticket requests handled.",
	}, []string{"outcome"})

	// RaceDiscarded counts peer responses that arrived after a race was won.
	RaceDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "discovery",
		Name:      "race_discarded_total",
		Help:      "Late peer results discarded after the first success.",
	})

	// RelaySessions is the number of bridge sessions held by a relay.
	RelaySessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "sessions",
		Help:      "Connected bridge sessions.",
	})

	// DHTRecords is the number of records held in the local DHT stores.
	DHTRecords = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "dht",
		Name:      "records",
		Help:      "Records held locally, by kind.",
	}, []string{"kind"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		EntriesInserted,
		EntriesRejected,
		PeerSyncs,
		FetchDuration,
		BlobsDownloaded,
		BlobBytesServed,
		Announces,
		TicketRequests,
		RaceDiscarded,
		RelaySessions,
		DHTRecords,
	)
}

// Result returns "ok" or "error" for a result label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
