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

	DeviceRegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_registrations_total",
			Help: "Device registration attempts by result.",
		},
		[]string{"result"},
	)

	PreKeyBundlesFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prekey_bundles_fetched_total",
			Help: "Pre-key bundle fetches by result.",
		},
		[]string{"result"},
	)

	SignedPreKeysRotatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signed_prekeys_rotated_total",
			Help: "Signed pre-key rotations by result.",
		},
		[]string{"result"},
	)

	SafetyNumbersComputedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safety_numbers_computed_total",
			Help: "Safety number computations by result.",
		},
		[]string{"result"},
	)

	EncryptionStatusChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "encryption_status_checks_total",
			Help: "Conversation encryption status checks by outcome.",
		},
		[]string{"outcome"},
	)

	OneTimePreKeyPoolEmptyTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "one_time_prekey_pool_empty_total",
			Help: "Bundle fetches served without a one-time pre-key.",
		},
	)
)

func MustRegister(serviceName string) {
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		DeviceRegistrationsTotal,
		PreKeyBundlesFetchedTotal,
		SignedPreKeysRotatedTotal,
		SafetyNumbersComputedTotal,
		EncryptionStatusChecksTotal,
		OneTimePreKeyPoolEmptyTotal,
	)
}
