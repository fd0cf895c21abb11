// ============================================================================
// Flush Worker Pool - 並發 flush 執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期，並行 flush 不同實體
//
// 設計模式:
//   採用 Worker Pool 模式：
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 通過共享的任務 channel 分發 flush 任務
//   3. 通過結果 channel 收集執行結果
//
// 架構組件:
//   ┌─────────────┐
//   │  simulate   │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//          │
//          ▼
//     queue.Manager.Flush()
//
// 同一實體的操作永遠在同一個 flush 內依序執行；不同實體之間沒有順序保證。
// 同一實體的重複任務由 queue 以 ErrFlushInProgress 拒絕，結果中會帶著該錯誤。
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) - 提交任務到 taskCh
//   4. ReceiveResult() - 從 resultCh 讀取結果
//   5. Stop() - 不再接受新任務，等待已提交的任務完成
//
// 並發控制:
//   - mu: 保護 started/stopped 狀態
//   - sendMu (RWMutex): Submit 在發送期間持有讀鎖，Stop 取得寫鎖後才關閉 taskCh，
//     因此不會向已關閉的 channel 發送
//   - stopCh: 在 taskCh 之前關閉，通知阻塞中的 Submit 放棄
//   - WaitGroup: 追蹤所有 Worker，確保優雅關閉
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 表示 Pool 已經啟動
	ErrPoolStarted = errors.New("worker pool already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	flusher  Flusher            // 所有 Worker 共用的 flush 目標
	workers  []*Worker          // 已啟動的 Worker
	taskCh   chan Task          // 任務通道
	resultCh chan Result        // 結果通道
	stopCh   chan struct{}      // 停止訊號
	ctx      context.Context    // 傳給每個 flush 的父 Context
	cancel   context.CancelFunc // Stop 時取消仍在執行的 flush
	wg       sync.WaitGroup     // 等待所有 Worker 完成
	started  bool
	stopped  bool
	mu       sync.Mutex   // 保護 started 和 stopped 狀態
	sendMu   sync.RWMutex // 保護 taskCh 的發送與關閉
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - flusher: 執行 flush 的佇列
//   - bufferSize: 任務和結果通道的緩衝大小
//
// Worker 以非阻塞方式送出結果，結果通道滿時該結果會被丟棄（只記錄 Warn）。
// 呼叫端必須持續 ReceiveResult，或讓 bufferSize 不小於提交的任務數。
func NewPool(flusher Flusher, bufferSize int) *Pool {
	if bufferSize < 0 {
		bufferSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		flusher:  flusher,
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.ctx, p.flusher, p.taskCh, p.resultCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	log.Info("Worker pool started", "workers", workerCount)
	return nil
}

// Submit 提交 flush 任務到 Worker Pool
//
// 通道已滿時會阻塞，直到有 Worker 取走任務或 Pool 被關閉。
//
// 返回值：
//   - error: 如果 Pool 未啟動或已關閉則返回錯誤
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	// stopCh 先於 taskCh 關閉
	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult 從結果通道接收執行結果
//
// Stop 之後仍可讀出已完成的結果，全部讀完後返回 ErrPoolClosed。
func (p *Pool) ReceiveResult(ctx context.Context) (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌並關閉 stopCh，讓阻塞中的 Submit 釋放讀鎖返回
//  2. 再次取得寫鎖後關閉 taskCh，Worker 處理完已排入的任務後退出
//  3. 等待所有 Worker 完成
//  4. 關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)

	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	p.wg.Wait()
	p.cancel()
	close(p.resultCh)

	log.Info("Worker pool stopped", "workers", len(p.workers))
}

// Abort 取消所有執行中的 flush 後關閉 Pool
//
// 被中斷的 flush 會把尚未執行的操作留在佇列中。
func (p *Pool) Abort() {
	p.cancel()
	p.Stop()
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

