package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests"},
		[]string{"route", "method", "status"},
	)
	ReqDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request duration seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "http_in_flight_requests", Help: "In-flight HTTP requests"},
	)
	Resolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "identity_resolutions_total", Help: "Identity resolutions by result"},
		[]string{"result"},
	)
	CodesIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "verification_codes_issued_total", Help: "Verification codes issued by channel"},
		[]string{"channel"},
	)
	CodeValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "verification_code_validations_total", Help: "Verification code validations by result"},
		[]string{"result"},
	)
	LoginRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "login_requests_total", Help: "Handoff tokens minted and redeemed"},
		[]string{"op", "result"},
	)
)

// MustRegister registra los collectors; solo lo llama cmd/api.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		RequestsTotal,
		ReqDuration,
		InFlight,
		Resolutions,
		CodesIssued,
		CodeValidations,
		LoginRequests,
	)
}
