package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/mutation-queue/pkg/types"
)

// Flusher 執行 flush 的對象，由 queue.Manager 實作
type Flusher interface {
	Flush(ctx context.Context, temp, perm types.EntityID) ([]types.OperationResult, error)
	RetryFailedOperations(ctx context.Context, key types.EntityID) ([]types.OperationResult, error)
}

// Task 代表一次要執行的 flush
type Task struct {
	Temp      types.EntityID // 實體建立時的暫時 ID（可為零值）
	Permanent types.EntityID // 遠端指派的永久 ID，所有操作都送往這裡
	Retry     bool           // true 時改呼叫 RetryFailedOperations
	Timeout   time.Duration  // 整個 flush 的超時時間，0 表示不限
}

// Result 代表 flush 執行結果
type Result struct {
	Key      types.EntityID          // 永久 ID
	Results  []types.OperationResult // 每個操作的結果
	Success  bool                    // 沒有錯誤且所有操作都成功
	Error    error                   // flush 本身的錯誤（如果有）
	Duration time.Duration           // 實際執行時間
}

// Failed 回傳執行失敗的操作數
func (r Result) Failed() int {
	n := 0
	for _, op := range r.Results {
		if !op.Succeeded() {
			n++
		}
	}
	return n
}
