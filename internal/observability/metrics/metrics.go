package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	EnvelopesRelayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_envelopes_total",
			Help: "Total number of envelopes accepted for relay.",
		},
		[]string{"service", "kind"},
	)

	EnvelopePayloadBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_envelope_payload_bytes",
			Help:    "Wire payload sizes for relayed envelopes.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		},
		[]string{"service", "kind"},
	)

	PushDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_push_deliveries_total",
			Help: "Push delivery attempts to live sessions.",
		},
		[]string{"service", "result"},
	)

	ActiveSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "registry_active_sessions",
			Help: "Device sessions currently in the active state.",
		},
		[]string{"service"},
	)

	SessionsEvictedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_sessions_evicted_total",
			Help: "Sessions removed from the registry, by reason.",
		},
		[]string{"service", "reason"},
	)

	PreKeyBundlesIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keys_prekey_bundles_issued_total",
			Help: "Pre-key bundles issued, split by one-time prekey presence.",
		},
		[]string{"service", "one_time"},
	)

	SenderKeyPublishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keys_sender_key_publishes_total",
			Help: "Sender-key distribution publishes, by outcome.",
		},
		[]string{"service", "result"},
	)

	PermissionChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "permission_checks_total",
			Help: "Channel permission checks, by outcome.",
		},
		[]string{"service", "result"},
	)
)

func MustRegister(serviceName string) {
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)
	EnvelopesRelayedTotal = EnvelopesRelayedTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	EnvelopePayloadBytes = EnvelopePayloadBytes.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)
	PushDeliveriesTotal = PushDeliveriesTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	ActiveSessions = ActiveSessions.MustCurryWith(prometheus.Labels{"service": serviceName})
	SessionsEvictedTotal = SessionsEvictedTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	PreKeyBundlesIssuedTotal = PreKeyBundlesIssuedTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	SenderKeyPublishesTotal = SenderKeyPublishesTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	PermissionChecksTotal = PermissionChecksTotal.MustCurryWith(prometheus.Labels{"service": serviceName})

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		EnvelopesRelayedTotal,
		EnvelopePayloadBytes,
		PushDeliveriesTotal,
		ActiveSessions,
		SessionsEvictedTotal,
		PreKeyBundlesIssuedTotal,
		SenderKeyPublishesTotal,
		PermissionChecksTotal,
	)
}
