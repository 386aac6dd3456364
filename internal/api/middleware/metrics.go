// metrics.go — Prometheus HTTP метрики magpie-server.
// Регистрирует метрики: magpie_http_requests_total, magpie_http_request_duration_seconds.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magpie_http_requests_total",
			Help: "Общее количество HTTP-запросов к magpie-server",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "magpie_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к magpie-server в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			status := strconv.Itoa(wrapped.statusCode)
			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(time.Since(start).Seconds())
		})
	}
}

// metricsResponseWriter — обёртка для перехвата статус-кода.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// normalizePath заменяет ключи записей и identity на шаблоны,
// чтобы кардинальность метрик не росла с числом записей.
// /api/v1/records/9780306406157/share/u-1 → /api/v1/records/{key}/share/{identity}
func normalizePath(path string) string {
	const recordsPrefix = "/api/v1/records/"

	if !strings.HasPrefix(path, recordsPrefix) || len(path) == len(recordsPrefix) {
		return path
	}

	rest := strings.Split(strings.TrimPrefix(path, recordsPrefix), "/")
	switch {
	case len(rest) == 1:
		return recordsPrefix + "{key}"
	case len(rest) == 2 && (rest[1] == "share" || rest[1] == "loan" || rest[1] == "return"):
		return recordsPrefix + "{key}/" + rest[1]
	case len(rest) == 3 && rest[1] == "share":
		return recordsPrefix + "{key}/share/{identity}"
	default:
		return recordsPrefix + "{key}/other"
	}
}
