package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	CommandsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commands_submitted_total",
			Help: "Total number of commands accepted at intake",
		},
		[]string{"name"},
	)
	CommandsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "commands_running",
			Help: "Number of commands currently executing",
		},
		[]string{"name"},
	)
	CommandsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commands_completed_total",
			Help: "Total number of commands finished, by terminal status",
		},
		[]string{"name", "status"},
	)
	CommandRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "command_retries_total",
			Help: "Total number of command retry dispatches",
		},
		[]string{"name"},
	)
	CommandsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commands_dead_lettered_total",
			Help: "Total number of commands moved to the DLQ",
		},
		[]string{"name"},
	)
	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "command_handler_duration_seconds",
			Help:    "Command handler execution time in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"name"},
	)

	OutboxPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Total number of outbox rows published to the broker",
		},
		[]string{"category"},
	)
	OutboxRescheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_rescheduled_total",
			Help: "Total number of outbox dispatch failures sent back for retry",
		},
		[]string{"category"},
	)
	OutboxBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outbox_backlog",
			Help: "Outbox rows by status",
		},
		[]string{"status"},
	)

	ProcessesStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processes_started_total",
			Help: "Total number of process instances started",
		},
		[]string{"type"},
	)
	ProcessesFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processes_finished_total",
			Help: "Total number of process instances reaching a terminal status",
		},
		[]string{"type", "status"},
	)
	CompensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "process_compensations_total",
			Help: "Total number of compensation runs",
		},
		[]string{"type"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(CommandsSubmittedTotal)
	prometheus.MustRegister(CommandsRunning)
	prometheus.MustRegister(CommandsCompletedTotal)
	prometheus.MustRegister(CommandRetriesTotal)
	prometheus.MustRegister(CommandsDeadLetteredTotal)
	prometheus.MustRegister(HandlerDuration)
	prometheus.MustRegister(OutboxPublishedTotal)
	prometheus.MustRegister(OutboxRescheduledTotal)
	prometheus.MustRegister(OutboxBacklog)
	prometheus.MustRegister(ProcessesStartedTotal)
	prometheus.MustRegister(ProcessesFinishedTotal)
	prometheus.MustRegister(CompensationsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func SubmitCommand(name string) {
	CommandsSubmittedTotal.WithLabelValues(name).Inc()
}

func StartProcessingCommand(name string) {
	CommandsRunning.WithLabelValues(name).Inc()
}

func CompleteCommand(name, status string) {
	CommandsRunning.WithLabelValues(name).Dec()
	CommandsCompletedTotal.WithLabelValues(name, status).Inc()
}

// AbortProcessingCommand releases the running gauge for attempts that end
// without a terminal status: duplicates detected mid-flight and retries
// handed back to the queue.
func AbortProcessingCommand(name string) {
	CommandsRunning.WithLabelValues(name).Dec()
}

func RetryCommand(name string) {
	CommandRetriesTotal.WithLabelValues(name).Inc()
}

func DeadLetterCommand(name string) {
	CommandsDeadLetteredTotal.WithLabelValues(name).Inc()
}

func ObserveHandler(name string, d time.Duration) {
	HandlerDuration.WithLabelValues(name).Observe(d.Seconds())
}

func PublishOutboxRow(category string) {
	OutboxPublishedTotal.WithLabelValues(category).Inc()
}

func RescheduleOutboxRow(category string) {
	OutboxRescheduledTotal.WithLabelValues(category).Inc()
}

func SetOutboxBacklog(newRows, sending int64) {
	OutboxBacklog.WithLabelValues("new").Set(float64(newRows))
	OutboxBacklog.WithLabelValues("sending").Set(float64(sending))
}

func StartProcess(processType string) {
	ProcessesStartedTotal.WithLabelValues(processType).Inc()
}

func FinishProcess(processType, status string) {
	ProcessesFinishedTotal.WithLabelValues(processType, status).Inc()
}

func StartCompensation(processType string) {
	CompensationsTotal.WithLabelValues(processType).Inc()
}
