// ============================================================================
// Mutation Queue Manager - 樂觀變更佇列與識別碼對應
// ============================================================================
//
// Package: internal/queue
// 文件: manager.go
// 功能: 在實體取得永久 ID 之前暫存本地變更，取得後依序重播
//
// 資料結構:
//   queues   map[EntityID][]*Operation - 每個實體目前的待處理清單（暫時或永久 ID，不會同時存在）
//   inflight map[EntityID][]*Operation - 正在 flush 的清單（以永久 ID 為 key）
//   ids      *idmap.Map                - 暫時 ID → 永久 ID
//   statuses *status.Tracker           - 每個實體的同步狀態
//
// 流程:
//   Enqueue(op)           → merger.Merge 折疊進既有清單，狀態 pending
//   Reconcile(temp, perm) → 記錄對應，清單改掛到永久 ID，狀態 syncing
//   Flush(ctx, temp, perm)→ 依序執行，失敗時指數退避重試，成功則清空
//
// 並發安全:
//   - 所有 map 操作都在 mu 保護下完成，且不會阻塞
//   - Flush 執行 executor 時釋放鎖；同一實體同時只允許一個 flush（ErrFlushInProgress）
//   - Flush 期間新進的操作放在新的清單，失敗的操作會排回它們前面，保持程式順序
//   - Clear 會遞增 generation，之後才結束的 flush 不會寫回狀態
//
// ============================================================================

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/mutation-queue/internal/idmap"
	"github.com/ChuLiYu/mutation-queue/internal/merger"
	"github.com/ChuLiYu/mutation-queue/internal/status"
	"github.com/ChuLiYu/mutation-queue/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 同一實體已有 flush 正在執行
	ErrFlushInProgress = errors.New("flush already in progress")
	// 實體已被標記刪除
	ErrTombstoned = errors.New("entity is tombstoned")
	// 操作描述不完整
	ErrInvalidOperation = errors.New("invalid operation")
	// 暫時 ID 尚未取得永久 ID
	ErrNotReconciled = errors.New("temporary id not reconciled")
)

// ============================================================================
// 設定
// ============================================================================

// 預設值
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
)

// Config Manager 設定
type Config struct {
	MaxRetries int           // 每個操作的最大重試次數
	BaseDelay  time.Duration // 指數退避的基準延遲
	Sleep      SleepFunc     // 退避等待函式（測試可替換）
	Metrics    Metrics       // 指標收集器，nil 表示不收集
}

// DefaultConfig 回傳預設設定
func DefaultConfig() Config {
	return Config{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
	}
}

// Manager 樂觀變更佇列，唯一擁有佇列、ID 對應與狀態三份資料
type Manager struct {
	mu         sync.Mutex
	queues     map[types.EntityID][]*types.Operation
	inflight   map[types.EntityID][]*types.Operation
	tombstones map[types.EntityID]struct{}
	generation uint64

	ids      *idmap.Map
	statuses *status.Tracker
	clock    *Clock

	cfg Config
}

// New 建立 Manager。由組合根（CLI）建立並傳遞，不使用全域單例。
func New(cfg Config) *Manager {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepWithContext
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}

	return &Manager{
		queues:     make(map[types.EntityID][]*types.Operation),
		inflight:   make(map[types.EntityID][]*types.Operation),
		tombstones: make(map[types.EntityID]struct{}),
		ids:        idmap.New(),
		statuses: status.NewTracker(func(id types.EntityID, from, to types.SyncStatus) {
			log.Debug("Sync status changed", "key", id, "from", from, "to", to)
		}),
		clock: NewClock(),
		cfg:   cfg,
	}
}

// ============================================================================
// 佇列操作
// ============================================================================

// Enqueue 加入一筆操作
//
// 若 op.Key 是已對應的暫時 ID，會直接掛到永久 ID 底下。op.ID 為空時會指派一個
// uuid；Manager 保存的是 op 的副本，呼叫端之後修改 op 不會影響佇列。
//
// 錯誤處理：
//   - ErrInvalidOperation: 缺少 Key、Executor 或種類不合法
//   - ErrTombstoned: 實體已被標記刪除
func (m *Manager) Enqueue(op *types.Operation) error {
	if err := validate(op); err != nil {
		return err
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.resolveLocked(op.Key)
	if _, dead := m.tombstones[key]; dead {
		return fmt.Errorf("%w: %s", ErrTombstoned, key)
	}

	stored := op.Clone()
	stored.Key = key
	stored.CreatedAt = m.clock.Next()

	list, outcome := merger.Merge(m.queues[key], stored)
	m.queues[key] = list

	if current, ok := m.statuses.Get(key); !ok || current == types.StatusSynced {
		m.setStatusLocked(key, types.StatusPending)
	}

	m.cfg.Metrics.RecordEnqueue(op.Kind)
	if outcome != merger.Appended {
		m.cfg.Metrics.RecordMerge(outcome.String())
	}
	m.updateGaugesLocked()

	log.Debug("Operation enqueued",
		"key", key,
		"operationID", op.ID,
		"kind", op.Kind,
		"merge", outcome.String(),
		"queued", len(list))
	return nil
}

// Reconcile 將暫時 ID 綁定到永久 ID，並把佇列與狀態搬到永久 ID 底下
//
// 只準備佇列，不執行任何操作；執行由 Flush 負責。
func (m *Manager) Reconcile(temp, perm types.EntityID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.ids.Resolve(temp); ok && existing == perm {
		log.Debug("Identifier already reconciled", "temp", temp, "permanent", perm)
		return nil
	}
	if err := m.ids.Record(temp, perm); err != nil {
		return fmt.Errorf("reconcile %s -> %s: %w", temp, perm, err)
	}

	moved := len(m.queues[temp])
	m.rekeyLocked(temp, perm)

	if _, dead := m.tombstones[temp]; dead {
		delete(m.tombstones, temp)
		m.tombstones[perm] = struct{}{}
	}

	next := m.statuses.Migrate(temp, perm)

	m.cfg.Metrics.RecordReconcile()
	log.Info("Identifier reconciled",
		"temp", temp,
		"permanent", perm,
		"operations", moved,
		"status", next)
	return nil
}

// rekeyLocked 把 temp 底下的清單移到 perm，temp 的操作排在前面
func (m *Manager) rekeyLocked(temp, perm types.EntityID) {
	list := m.queues[temp]
	if len(list) == 0 {
		delete(m.queues, temp)
		return
	}

	rekeyed := make([]*types.Operation, 0, len(list)+len(m.queues[perm]))
	for _, op := range list {
		c := op.Clone()
		c.Key = perm
		rekeyed = append(rekeyed, c)
	}
	rekeyed = append(rekeyed, m.queues[perm]...)

	m.queues[perm] = rekeyed
	delete(m.queues, temp)
}

// ============================================================================
// Flush 與重試
// ============================================================================

// Flush 依序執行 perm（或尚未搬移的 temp）底下的所有操作
//
// 每個操作失敗時，若 RetryCount < MaxRetries，等待 BaseDelay * 2^RetryCount 後
// 遞增 RetryCount 再試；用盡後記錄失敗並繼續下一個操作。全部成功時清空佇列並
// 標記 synced；否則失敗的操作留在佇列中，狀態為 error。
//
// 返回值：
//   - []types.OperationResult: 每個操作的結果，依執行順序
//   - error: ErrFlushInProgress、ErrInvalidOperation 或 context 取消
func (m *Manager) Flush(ctx context.Context, temp, perm types.EntityID) ([]types.OperationResult, error) {
	if !perm.IsPermanent() {
		return nil, fmt.Errorf("%w: flush target %s is not a permanent id", ErrInvalidOperation, perm)
	}

	start := time.Now()

	m.mu.Lock()
	if _, busy := m.inflight[perm]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrFlushInProgress, perm)
	}

	list := m.queues[perm]
	if len(list) == 0 && !temp.IsZero() && temp.IsTemporary() {
		// reconcile 應該先於 flush；若沒有，直接使用 temp 底下的清單
		if len(m.queues[temp]) > 0 {
			log.Warn("Flushing operations still queued under temporary id", "temp", temp, "permanent", perm)
			m.rekeyLocked(temp, perm)
			m.statuses.Delete(temp)
			list = m.queues[perm]
		}
	}

	if len(list) == 0 {
		// error 只能經由 syncing 離開
		if st, _ := m.statuses.Get(perm); st == types.StatusError {
			m.setStatusLocked(perm, types.StatusSyncing)
		}
		m.setStatusLocked(perm, types.StatusSynced)
		m.mu.Unlock()
		return nil, nil
	}

	delete(m.queues, perm)
	m.inflight[perm] = list
	gen := m.generation
	m.setStatusLocked(perm, types.StatusSyncing)
	m.updateGaugesLocked()
	m.mu.Unlock()

	log.Info("Flush started", "temp", temp, "permanent", perm, "operations", len(list))

	results := make([]types.OperationResult, 0, len(list))
	var (
		retained   []*types.Operation
		tombstoned bool
		ctxErr     error
	)
	for i, op := range list {
		if ctxErr = ctx.Err(); ctxErr != nil {
			retained = append(retained, list[i:]...)
			break
		}
		if m.isTombstoned(perm) {
			tombstoned = true
			for _, rest := range list[i:] {
				results = append(results, types.OperationResult{
					OperationID: rest.ID,
					Kind:        rest.Kind,
					Err:         ErrTombstoned,
				})
			}
			break
		}

		res := m.execute(ctx, op, perm)
		results = append(results, res)
		if res.Err != nil {
			retained = append(retained, op)
		}
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil && !errors.Is(r.Err, ErrTombstoned) {
			failed++
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.inflight, perm)
	if gen != m.generation {
		// Clear 在 flush 期間被呼叫，結果不寫回
		log.Warn("Queue cleared during flush, discarding flush state", "permanent", perm)
		return results, ctxErr
	}

	if tombstoned {
		delete(m.queues, perm)
		m.statuses.Delete(perm)
		m.updateGaugesLocked()
		log.Info("Flush stopped at tombstone", "permanent", perm, "dropped", countTombstoned(results))
		return results, ctxErr
	}

	// 失敗的操作排回 flush 期間新進操作的前面
	if len(retained) > 0 || len(m.queues[perm]) > 0 {
		m.queues[perm] = append(retained, m.queues[perm]...)
	}
	if len(m.queues[temp]) > 0 && temp.IsTemporary() {
		m.rekeyLocked(temp, perm)
	}

	switch {
	case failed > 0 || ctxErr != nil:
		m.setStatusLocked(perm, types.StatusError)
	case len(m.queues[perm]) > 0:
		m.setStatusLocked(perm, types.StatusPending)
	default:
		delete(m.queues, perm)
		delete(m.queues, temp)
		m.setStatusLocked(perm, types.StatusSynced)
	}

	m.cfg.Metrics.RecordFlush(time.Since(start), failed)
	m.updateGaugesLocked()

	log.Info("Flush finished",
		"permanent", perm,
		"executed", len(results),
		"failed", failed,
		"remaining", len(m.queues[perm]),
		"status", m.statuses.Status(perm),
		"duration", time.Since(start))

	if ctxErr != nil {
		return results, fmt.Errorf("flush %s interrupted: %w", perm, ctxErr)
	}
	return results, nil
}

// execute 執行單一操作，包含指數退避重試
func (m *Manager) execute(ctx context.Context, op *types.Operation, target types.EntityID) types.OperationResult {
	res := types.OperationResult{OperationID: op.ID, Kind: op.Kind}

	for {
		started := time.Now()
		res.Attempts++
		err := op.Executor.Execute(ctx, target, op.Payload)
		if err == nil {
			m.cfg.Metrics.RecordExecuted(op.Kind, time.Since(started).Seconds())
			log.Debug("Operation succeeded",
				"permanent", target,
				"operationID", op.ID,
				"kind", op.Kind,
				"attempts", res.Attempts)
			res.Err = nil
			return res
		}

		m.cfg.Metrics.RecordFailed(op.Kind)
		res.Err = err

		m.mu.Lock()
		retryCount := op.RetryCount
		m.mu.Unlock()

		if retryCount >= m.cfg.MaxRetries {
			m.cfg.Metrics.RecordExhausted(op.Kind)
			log.Warn("Operation exhausted retries",
				"permanent", target,
				"operationID", op.ID,
				"kind", op.Kind,
				"attempts", res.Attempts,
				"error", err)
			return res
		}

		delay := backoffDelay(m.cfg.BaseDelay, retryCount)
		log.Debug("Operation failed, backing off",
			"permanent", target,
			"operationID", op.ID,
			"retryCount", retryCount,
			"delay", delay,
			"error", err)

		if sleepErr := m.cfg.Sleep(ctx, delay); sleepErr != nil {
			res.Err = fmt.Errorf("%w (retry aborted: %v)", err, sleepErr)
			return res
		}

		m.mu.Lock()
		op.RetryCount++
		m.mu.Unlock()
	}
}

// RetryFailedOperations 重設 key 底下所有操作的重試次數並重新 flush
func (m *Manager) RetryFailedOperations(ctx context.Context, key types.EntityID) ([]types.OperationResult, error) {
	m.mu.Lock()
	target := m.resolveLocked(key)
	if target.IsTemporary() {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotReconciled, key)
	}
	if _, busy := m.inflight[target]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrFlushInProgress, target)
	}

	for _, op := range m.queues[target] {
		op.RetryCount = 0
	}
	origin, _ := m.ids.Origin(target)
	queued := len(m.queues[target])
	m.mu.Unlock()

	log.Info("Retrying failed operations",
		"permanent", target,
		"origin", origin,
		"operations", queued)

	return m.Flush(ctx, origin, target)
}

// Tombstone 標記實體已刪除：丟棄仍在排隊的操作，正在 flush 的清單會在下一個
// 操作前停止。之後對該實體的 Enqueue 會回傳 ErrTombstoned。
//
// 返回值：
//   - int: 被丟棄的排隊操作數量（不含正在 flush 的操作）
func (m *Manager) Tombstone(key types.EntityID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := m.resolveLocked(key)
	dropped := len(m.queues[target])
	delete(m.queues, target)
	m.tombstones[target] = struct{}{}
	if _, busy := m.inflight[target]; !busy {
		m.statuses.Delete(target)
	}
	m.updateGaugesLocked()

	log.Info("Entity tombstoned", "key", target, "dropped", dropped)
	return dropped
}

// ============================================================================
// 查詢方法
// ============================================================================

// GetSyncStatus 取得實體的同步狀態
//
//   - 已對應的暫時 ID：回報永久 ID 的狀態
//   - 未對應的暫時 ID：有排隊操作為 pending，否則 synced
//   - 其他：記錄的狀態，預設 synced
func (m *Manager) GetSyncStatus(key types.EntityID) types.SyncStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key.IsTemporary() {
		if perm, ok := m.ids.Resolve(key); ok {
			return m.statuses.Status(perm)
		}
		if len(m.queues[key]) > 0 {
			return types.StatusPending
		}
		return types.StatusSynced
	}
	return m.statuses.Status(key)
}

// HasPendingOperations key（或對應到 key 的任一暫時 ID）是否還有未完成的操作
func (m *Manager) HasPendingOperations(key types.EntityID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasWorkLocked(key) {
		return true
	}
	if key.IsTemporary() {
		// 已對應的暫時 ID 清單已搬到永久 ID 底下
		return false
	}
	for _, temp := range m.ids.Temporaries(key) {
		if m.hasWorkLocked(temp) {
			return true
		}
	}
	return false
}

func (m *Manager) hasWorkLocked(key types.EntityID) bool {
	return len(m.queues[key]) > 0 || len(m.inflight[key]) > 0
}

// Resolve 回傳 id 目前使用的 key（已對應的暫時 ID 回傳永久 ID）
func (m *Manager) Resolve(id types.EntityID) types.EntityID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveLocked(id)
}

func (m *Manager) resolveLocked(id types.EntityID) types.EntityID {
	if id.IsTemporary() {
		if perm, ok := m.ids.Resolve(id); ok {
			return perm
		}
	}
	return id
}

// Stats 取得統計資訊
func (m *Manager) Stats() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	ops := 0
	for _, list := range m.queues {
		ops += len(list)
	}
	for _, list := range m.inflight {
		ops += len(list)
	}

	counts := m.statuses.Counts()
	return map[string]int{
		"operations": ops,
		"entities":   len(m.queues),
		"flushing":   len(m.inflight),
		"mappings":   m.ids.Len(),
		"tombstones": len(m.tombstones),
		"pending":    counts[types.StatusPending],
		"syncing":    counts[types.StatusSyncing],
		"synced":     counts[types.StatusSynced],
		"error":      counts[types.StatusError],
		"clock":      int(m.clock.Current()),
	}
}

// Inspect 回傳整個佇列的唯讀檢視，依 key 排序
func (m *Manager) Inspect() types.Inspection {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make(map[types.EntityID]struct{})
	for k := range m.queues {
		keys[k] = struct{}{}
	}
	for k := range m.inflight {
		keys[k] = struct{}{}
	}
	for k := range m.tombstones {
		keys[k] = struct{}{}
	}
	for s := range m.statusKeysLocked() {
		keys[s] = struct{}{}
	}

	entities := make([]types.EntityState, 0, len(keys))
	for k := range keys {
		ops := append(append([]*types.Operation{}, m.inflight[k]...), m.queues[k]...)
		views := make([]types.OperationView, 0, len(ops))
		for _, op := range ops {
			views = append(views, types.OperationView{
				ID:         op.ID,
				Kind:       op.Kind,
				Payload:    op.Payload.Clone(),
				RetryCount: op.RetryCount,
				CreatedAt:  op.CreatedAt,
			})
		}

		st := m.statuses.Status(k)
		if k.IsTemporary() && len(ops) > 0 {
			st = types.StatusPending
		}
		_, flushing := m.inflight[k]
		_, dead := m.tombstones[k]
		entities = append(entities, types.EntityState{
			Key:         k,
			Status:      st,
			Temporaries: m.ids.Temporaries(k),
			Flushing:    flushing,
			Tombstoned:  dead,
			Operations:  views,
		})
	}

	sort.Slice(entities, func(i, j int) bool {
		a, b := entities[i].Key, entities[j].Key
		if a.IsPermanent() != b.IsPermanent() {
			return a.IsTemporary()
		}
		return a.Value() < b.Value()
	})

	return types.Inspection{Entities: entities, SchemaVer: 1}
}

func (m *Manager) statusKeysLocked() map[types.EntityID]struct{} {
	out := make(map[types.EntityID]struct{})
	for _, k := range m.statuses.Keys() {
		out[k] = struct{}{}
	}
	return out
}

// Clear 清空所有佇列、對應與狀態。只用於整個 session 重設。
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queues = make(map[types.EntityID][]*types.Operation)
	m.inflight = make(map[types.EntityID][]*types.Operation)
	m.tombstones = make(map[types.EntityID]struct{})
	m.ids.Reset()
	m.statuses.Reset()
	m.generation++
	m.updateGaugesLocked()

	log.Info("Queue cleared")
}

// ============================================================================
// 內部輔助
// ============================================================================

func (m *Manager) isTombstoned(key types.EntityID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, dead := m.tombstones[key]
	return dead
}

func (m *Manager) setStatusLocked(key types.EntityID, to types.SyncStatus) {
	if err := m.statuses.Transition(key, to); err != nil {
		log.Warn("Ignoring sync status change", "key", key, "error", err)
	}
}

func (m *Manager) updateGaugesLocked() {
	ops := 0
	for _, list := range m.queues {
		ops += len(list)
	}
	for _, list := range m.inflight {
		ops += len(list)
	}
	m.cfg.Metrics.UpdateQueueStats(ops, len(m.inflight))
}

func validate(op *types.Operation) error {
	switch {
	case op == nil:
		return fmt.Errorf("%w: nil operation", ErrInvalidOperation)
	case op.Key.IsZero():
		return fmt.Errorf("%w: missing key", ErrInvalidOperation)
	case !op.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	case op.Executor == nil:
		return fmt.Errorf("%w: missing executor", ErrInvalidOperation)
	}
	return nil
}

func countTombstoned(results []types.OperationResult) int {
	n := 0
	for _, r := range results {
		if errors.Is(r.Err, ErrTombstoned) {
			n++
		}
	}
	return n
}
