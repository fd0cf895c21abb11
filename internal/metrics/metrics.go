// ============================================================================
// Mutation Queue Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集佇列與 flush 的運行指標，支持 Prometheus 抓取
//
// 指標分類:
//
//   1. 計數器 (Counter) - 依操作種類 (kind) 標記：
//      - mutq_operations_enqueued_total: 加入佇列的操作數
//      - mutq_operations_merged_total: 被合併的操作數（outcome 標籤）
//      - mutq_operations_executed_total: 執行成功的操作數
//      - mutq_operations_failed_total: 失敗的執行嘗試數（含重試）
//      - mutq_operations_exhausted_total: 用盡重試的操作數
//      - mutq_reconciliations_total: 暫時 ID → 永久 ID 對應次數
//      - mutq_flushes_total: flush 次數（result 標籤: ok / failed）
//
//   2. 性能指標 (Histogram)：
//      - mutq_operation_latency_seconds: 單次成功執行的延遲
//      - mutq_flush_duration_seconds: 整個 flush 的耗時
//
//   3. 狀態指標 (Gauge)：
//      - mutq_operations_pending: 尚未完成的操作數（含 flush 中）
//      - mutq_flushes_in_flight: 正在 flush 的實體數
//
// Prometheus 查詢示例:
//
//   # 每種操作的失敗率
//   rate(mutq_operations_failed_total[5m]) / rate(mutq_operations_enqueued_total[5m])
//
//   # 95 分位 flush 耗時
//   histogram_quantile(0.95, mutq_flush_duration_seconds_bucket)
//
// HTTP 端點:
//   通過 /metrics 端點暴露，默認端口: 9090
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/mutation-queue/pkg/types"
)

var log = slog.Default()

const namespace = "mutq"

// Collector Prometheus 指標收集器，實作 queue.Metrics
type Collector struct {
	// 操作相關指標
	enqueued   *prometheus.CounterVec
	merged     *prometheus.CounterVec
	executed   *prometheus.CounterVec
	failed     *prometheus.CounterVec
	exhausted  *prometheus.CounterVec
	reconciled prometheus.Counter
	flushes    *prometheus.CounterVec

	// 效能指標
	latency       *prometheus.HistogramVec
	flushDuration prometheus.Histogram

	// 狀態指標
	pending  prometheus.Gauge
	inFlight prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg；reg 為 nil 時使用預設 registry
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_enqueued_total",
			Help:      "Total number of operations enqueued",
		}, []string{"kind"}),
		merged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_merged_total",
			Help:      "Total number of operations folded into a queued operation",
		}, []string{"outcome"}),
		executed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_executed_total",
			Help:      "Total number of operations executed successfully",
		}, []string{"kind"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_failed_total",
			Help:      "Total number of failed execution attempts",
		}, []string{"kind"}),
		exhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_exhausted_total",
			Help:      "Total number of operations that ran out of retries",
		}, []string{"kind"}),
		reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Total number of temporary ids bound to permanent ids",
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Total number of flushes by result",
		}, []string{"result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_seconds",
			Help:      "Latency of successful executor calls in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Duration of a whole flush including backoff in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operations_pending",
			Help:      "Current number of operations not yet synced",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flushes_in_flight",
			Help:      "Current number of entities being flushed",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.enqueued,
		c.merged,
		c.executed,
		c.failed,
		c.exhausted,
		c.reconciled,
		c.flushes,
		c.latency,
		c.flushDuration,
		c.pending,
		c.inFlight,
	)

	return c
}

// RecordEnqueue 記錄操作加入佇列
func (c *Collector) RecordEnqueue(kind types.Kind) {
	c.enqueued.WithLabelValues(string(kind)).Inc()
}

// RecordMerge 記錄操作被合併
func (c *Collector) RecordMerge(outcome string) {
	c.merged.WithLabelValues(outcome).Inc()
}

// RecordReconcile 記錄一次 ID 對應
func (c *Collector) RecordReconcile() {
	c.reconciled.Inc()
}

// RecordExecuted 記錄操作執行成功
func (c *Collector) RecordExecuted(kind types.Kind, latencySeconds float64) {
	c.executed.WithLabelValues(string(kind)).Inc()
	c.latency.WithLabelValues(string(kind)).Observe(latencySeconds)
}

// RecordFailed 記錄一次執行失敗
func (c *Collector) RecordFailed(kind types.Kind) {
	c.failed.WithLabelValues(string(kind)).Inc()
}

// RecordExhausted 記錄操作用盡重試
func (c *Collector) RecordExhausted(kind types.Kind) {
	c.exhausted.WithLabelValues(string(kind)).Inc()
}

// RecordFlush 記錄一次 flush
func (c *Collector) RecordFlush(d time.Duration, failed int) {
	result := "ok"
	if failed > 0 {
		result = "failed"
	}
	c.flushes.WithLabelValues(result).Inc()
	c.flushDuration.Observe(d.Seconds())
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(pendingOps, flushing int) {
	c.pending.Set(float64(pendingOps))
	c.inFlight.Set(float64(flushing))
}

// Handler 回傳 g 的 /metrics handler；g 為 nil 時使用預設 gatherer
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 結束時關閉
//
// 參數：
//   - ctx: 控制伺服器生命週期
//   - port: HTTP 伺服器端口
//   - g: 指標來源，nil 表示預設 gatherer
//
// 返回值：
//   - error: 啟動失敗的錯誤；正常關閉時為 nil
func StartServer(ctx context.Context, port int, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("Metrics server shutdown failed", "error", err)
		}
	}()

	log.Info("Metrics server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
