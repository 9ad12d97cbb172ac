// Package metrics provides Prometheus collectors for the hdhub streaming
// core. Label cardinality is bounded: no episode ids, client ids or URLs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TranscodeStartTotal counts StartTranscode outcomes by mode and result.
	TranscodeStartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hdhub_transcode_start_total",
		Help: "Total StartTranscode calls, by mode (interactive/bulk) and result.",
	}, []string{"mode", "result"})

	// TranscodeEvictTotal counts cache evictions by cause.
	TranscodeEvictTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hdhub_transcode_evict_total",
		Help: "Total transcode evictions, by cause (capacity/retention/api).",
	}, []string{"cause"})

	// ActiveTranscodes tracks the number of running transcoder children.
	ActiveTranscodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hdhub_active_transcodes",
		Help: "Current number of active recorded-content transcodes.",
	})

	// TunerState tracks tuners by state (idle/active/cooldown/offline).
	TunerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hdhub_tuners",
		Help: "Current number of tuners, by state.",
	}, []string{"state"})

	// LiveViewers tracks registered live viewers.
	LiveViewers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hdhub_live_viewers",
		Help: "Current number of registered live viewers.",
	})

	// WatchTotal counts live watch requests by result.
	WatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hdhub_live_watch_total",
		Help: "Total live watch requests, by result (shared/started/reused/failed).",
	}, []string{"result"})

	// DiscoveryPassTotal counts discovery passes by result.
	DiscoveryPassTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hdhub_discovery_pass_total",
		Help: "Total discovery passes, by result (ok/error/busy).",
	}, []string{"result"})

	// AppliancesOnline tracks the size of the discovered appliance set.
	AppliancesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hdhub_appliances_online",
		Help: "Current number of reachable appliances.",
	})

	// CloudRetryTotal counts DeviceAuth refresh-and-retry cycles.
	CloudRetryTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hdhub_cloud_auth_retry_total",
		Help: "Total cloud calls retried after a DeviceAuth refresh.",
	})

	// SyncEpisodesTotal counts episodes upserted by metadata sync.
	SyncEpisodesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hdhub_sync_episodes_total",
		Help: "Total episode rows upserted by metadata sync.",
	})
)
