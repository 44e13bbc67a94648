package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "powersol_settlement_build_info",
			Help: "Build information of the settlement service",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powersol_settlement_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "powersol_settlement_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "powersol_settlement_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Draw metrics
	DrawsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powersol_settlement_draws_total",
			Help: "Total number of round draws by outcome",
		},
		[]string{"lottery_type", "status"}, // "completed", "no_tickets", "error", "halted"
	)

	DrawDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "powersol_settlement_draw_duration_seconds",
			Help:    "Duration of a single round draw in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"lottery_type"},
	)

	DrawWinnersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powersol_settlement_draw_winners_total",
			Help: "Total number of winning tickets",
		},
		[]string{"lottery_type"},
	)

	DrawPrizeLamportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powersol_settlement_draw_prize_lamports_total",
			Help: "Total prize amount allocated to winners, in lamports",
		},
		[]string{"lottery_type"},
	)

	// Claim metrics
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powersol_settlement_claims_total",
			Help: "Total number of claim protocol steps by outcome",
		},
		[]string{"kind", "phase", "status"}, // phase: "prepare", "submit", "expire"
	)

	ClaimConfirmDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "powersol_settlement_claim_confirm_duration_seconds",
			Help:    "Time from broadcast to confirmation of a claim transaction",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
		[]string{"kind"},
	)

	ClaimedLamportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powersol_settlement_claimed_lamports_total",
			Help: "Total lamports paid out through completed claims",
		},
		[]string{"kind"},
	)

	// Affiliate metrics
	CommissionLamportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powersol_settlement_commission_lamports_total",
			Help: "Total affiliate commission and treasury delta, in lamports",
		},
		[]string{"destination"}, // "affiliate", "treasury_delta"
	)

	PurchaseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powersol_settlement_purchase_events_total",
			Help: "Total number of ticket purchase events processed",
		},
		[]string{"status"}, // "recorded", "duplicate", "rejected", "error"
	)

	// External collaborators
	ExternalRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powersol_settlement_external_requests_total",
			Help: "Total number of requests to external services",
		},
		[]string{"service", "method", "status"},
	)

	ExternalRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "powersol_settlement_external_request_duration_seconds",
			Help:    "Duration of requests to external services in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"service", "method"},
	)

	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "powersol_settlement_job_runs_total",
			Help: "Total number of scheduled job runs",
		},
		[]string{"job", "status"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			path = rctx.RoutePattern()
		}
		if path == "" {
			path = r.URL.Path
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordDraw records the outcome of one round draw.
func RecordDraw(lotteryType, outcome string, duration time.Duration, winners int, prizeLamports uint64) {
	DrawsTotal.WithLabelValues(lotteryType, outcome).Inc()
	DrawDuration.WithLabelValues(lotteryType).Observe(duration.Seconds())
	if winners > 0 {
		DrawWinnersTotal.WithLabelValues(lotteryType).Add(float64(winners))
		DrawPrizeLamportsTotal.WithLabelValues(lotteryType).Add(float64(prizeLamports))
	}
}

// RecordClaim records one prepare, submit or expire step.
func RecordClaim(kind, phase, outcome string) {
	ClaimsTotal.WithLabelValues(kind, phase, outcome).Inc()
}

// RecordClaimPaid records a confirmed payout.
func RecordClaimPaid(kind string, lamports uint64, confirmIn time.Duration) {
	ClaimedLamportsTotal.WithLabelValues(kind).Add(float64(lamports))
	ClaimConfirmDuration.WithLabelValues(kind).Observe(confirmIn.Seconds())
}

// RecordCommission records a commission split.
func RecordCommission(commission, delta uint64) {
	CommissionLamportsTotal.WithLabelValues("affiliate").Add(float64(commission))
	CommissionLamportsTotal.WithLabelValues("treasury_delta").Add(float64(delta))
}

// RecordExternal records a call to an external service such as the chain RPC or entropy beacon.
func RecordExternal(service, method string, duration time.Duration, err error) {
	ExternalRequestsTotal.WithLabelValues(service, method, status(err)).Inc()
	ExternalRequestDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

// RecordJob records a scheduled job run.
func RecordJob(job string, err error) {
	JobRunsTotal.WithLabelValues(job, status(err)).Inc()
}
