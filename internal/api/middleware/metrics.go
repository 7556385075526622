// metrics.go — Prometheus HTTP метрики для AGraphStore.
// Регистрирует метрики: ags_http_requests_total, ags_http_request_duration_seconds.
// Бизнес-метрики (ags_graph_version, ags_sync_total и др.) экспортируются
// для обновления из сервисного слоя и цикла синхронизации.
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
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ags_http_requests_total",
			Help: "Общее количество HTTP-запросов к AGraphStore",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ags_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к AGraphStore в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Бизнес-метрики (экспортируются для обновления из сервисного слоя)
var (
	// GraphVersion — текущая версия графа (gauge).
	GraphVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ags_graph_version",
			Help: "Текущая версия локального графа",
		},
	)

	// GraphNodes — текущее количество узлов графа (gauge).
	GraphNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ags_graph_nodes",
			Help: "Текущее количество узлов графа",
		},
	)

	// GraphEdges — текущее количество рёбер графа (gauge).
	GraphEdges = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ags_graph_edges",
			Help: "Текущее количество рёбер графа",
		},
	)

	// MutationsTotal — общее количество принятых мутаций.
	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ags_mutations_total",
			Help: "Общее количество принятых мутаций графа",
		},
		[]string{"type", "result"},
	)

	// SyncTotal — количество раундов синхронизации.
	SyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ags_sync_total",
			Help: "Общее количество применённых синхронизаций",
		},
		[]string{"type", "result"},
	)

	// SnapshotSavesTotal — количество сохранений снапшота на диск.
	SnapshotSavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ags_snapshot_saves_total",
			Help: "Общее количество сохранений снапшота на диск",
		},
		[]string{"result"},
	)
)

// UpdateGraphMetrics обновляет gauge-метрики состояния графа.
func UpdateGraphMetrics(version uint64, nodes, edges int) {
	GraphVersion.Set(float64(version))
	GraphNodes.Set(float64(nodes))
	GraphEdges.Set(float64(edges))
}

// SyncRecorder — реализация счётчиков синхронизации поверх Prometheus.
type SyncRecorder struct{}

// SyncApplied фиксирует успешно применённый раунд синхронизации.
func (SyncRecorder) SyncApplied(full bool) {
	syncType := "delta"
	if full {
		syncType = "full"
	}
	SyncTotal.WithLabelValues(syncType, "success").Inc()
}

// SyncFailed фиксирует неудачную попытку синхронизации.
func (SyncRecorder) SyncFailed() {
	SyncTotal.WithLabelValues("any", "error").Inc()
}

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
// Записывает количество запросов и длительность для каждого endpoint.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Нормализуем путь для лейблов метрик
			// (заменяем ключи узлов на {key} для предотвращения кардинальности)
			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(duration)
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

// normalizePath заменяет переменные сегменты пути (ключи узлов) на
// плейсхолдеры для предотвращения взрывного роста кардинальности метрик.
// /api/v1/nodes/ab12cd34 → /api/v1/nodes/{key}
func normalizePath(path string) string {
	switch path {
	case "/health/live", "/health/ready", "/metrics",
		"/api/v1/info", "/api/v1/graph", "/api/v1/graph/retain",
		"/api/v1/nodes", "/api/v1/edges",
		"/api/v1/nodes/sources", "/api/v1/nodes/sinks",
		"/api/v1/replication/snapshot", "/api/v1/replication/peers",
		"/api/v1/replication/status":
		return path
	}

	const nodesPrefix = "/api/v1/nodes/"
	if rest, ok := strings.CutPrefix(path, nodesPrefix); ok {
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			// /api/v1/nodes/{key}/neighbors и подобные
			return nodesPrefix + "{key}" + rest[idx:]
		}
		return nodesPrefix + "{key}"
	}

	const edgesPrefix = "/api/v1/edges/"
	if _, ok := strings.CutPrefix(path, edgesPrefix); ok {
		// /api/v1/edges/{from}/{to}
		return edgesPrefix + "{from}/{to}"
	}

	return path
}
