package queue

import (
	"time"

	"github.com/ChuLiYu/mutation-queue/pkg/types"
)

// Metrics receives queue events. metrics.Collector implements it.
type Metrics interface {
	RecordEnqueue(kind types.Kind)
	RecordMerge(outcome string)
	RecordReconcile()
	RecordExecuted(kind types.Kind, latencySeconds float64)
	RecordFailed(kind types.Kind)
	RecordExhausted(kind types.Kind)
	RecordFlush(d time.Duration, failed int)
	UpdateQueueStats(pendingOps, flushing int)
}

type noopMetrics struct{}

func (noopMetrics) RecordEnqueue(types.Kind) {}
func (noopMetrics) RecordMerge(string) {}
func (noopMetrics) RecordReconcile() {}
func (noopMetrics) RecordExecuted(types.Kind, float64) {}
func (noopMetrics) RecordFailed(types.Kind) {}
func (noopMetrics) RecordExhausted(types.Kind) {}
func (noopMetrics) RecordFlush(time.Duration, int) {}
func (noopMetrics) UpdateQueueStats(pendingOps, flushing int) {}
