// Package types 定義了 mutation queue 系統中使用的核心領域模型
package types

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// ============================================================================
// 實體識別碼
// ============================================================================

// EntityID 實體識別碼，區分本地暫時 ID 與遠端配發的永久 ID
//
// 以標記型別取代「負數代表暫時 ID」的慣例；可直接作為 map key 使用。
type EntityID struct {
	n         int64
	permanent bool
}

// Temporary 建立本地產生的暫時識別碼
func Temporary(n int64) EntityID {
	return EntityID{n: n}
}

// Permanent 建立遠端服務配發的永久識別碼
func Permanent(n int64) EntityID {
	return EntityID{n: n, permanent: true}
}

// FromWire 依照舊有的線路慣例轉換：負數為暫時 ID，其餘為永久 ID。
// 只應在邊界（CLI、HTTP）使用。
func FromWire(n int64) EntityID {
	if n < 0 {
		return Temporary(n)
	}
	return Permanent(n)
}

// ParseEntityID 解析 "tmp:-1" 或 "42" 形式的字串
func ParseEntityID(s string) (EntityID, error) {
	if rest, ok := strings.CutPrefix(s, "tmp:"); ok {
		n, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return EntityID{}, fmt.Errorf("invalid temporary id %q: %w", s, err)
		}
		return Temporary(n), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return EntityID{}, fmt.Errorf("invalid entity id %q: %w", s, err)
	}
	return FromWire(n), nil
}

// IsTemporary 是否為暫時識別碼
func (id EntityID) IsTemporary() bool { return !id.permanent }

// IsPermanent 是否為永久識別碼
func (id EntityID) IsPermanent() bool { return id.permanent }

// IsZero 是否為零值
func (id EntityID) IsZero() bool { return id == EntityID{} }

// Value 回傳底層整數值
func (id EntityID) Value() int64 { return id.n }

func (id EntityID) String() string {
	if id.permanent {
		return strconv.FormatInt(id.n, 10)
	}
	return "tmp:" + strconv.FormatInt(id.n, 10)
}

// MarshalText 讓 EntityID 可以作為 JSON 字串與 map key
func (id EntityID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText 對應 MarshalText
func (id *EntityID) UnmarshalText(b []byte) error {
	parsed, err := ParseEntityID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ============================================================================
// 變更操作
// ============================================================================

// Kind 變更操作種類（封閉集合）
type Kind string

// 定義操作種類常數
const (
	KindUpdateField       Kind = "update_field"       // 更新單一欄位
	KindUpdateDescription Kind = "update_description" // 更新描述
	KindUpdateProject     Kind = "update_project"     // 更新專案
	KindUpdateTags        Kind = "update_tags"        // 更新標籤
	KindUpdateBillable    Kind = "update_billable"    // 更新計費旗標
	KindUpdateBulkFields  Kind = "update_bulk_fields" // 一次更新多個欄位
	KindDelete            Kind = "delete"             // 刪除實體
	KindStopTimer         Kind = "stop_timer"         // 停止計時器
)

// Valid 檢查是否屬於已知的操作種類
func (k Kind) Valid() bool {
	switch k {
	case KindUpdateField, KindUpdateDescription, KindUpdateProject, KindUpdateTags,
		KindUpdateBillable, KindUpdateBulkFields, KindDelete, KindStopTimer:
		return true
	}
	return false
}

// IsSingleField 是否只針對單一屬性的更新，可被併入 bulk 更新
func (k Kind) IsSingleField() bool {
	switch k {
	case KindUpdateField, KindUpdateDescription, KindUpdateProject, KindUpdateTags, KindUpdateBillable:
		return true
	}
	return false
}

// IsBulk 是否為多欄位更新
func (k Kind) IsBulk() bool { return k == KindUpdateBulkFields }

// Payload 變更的欄位資料（不透明的 key/value）
type Payload map[string]any

// Clone 淺拷貝 payload
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Executor 實際執行遠端變更的命令物件
//
// target 在 flush 時永遠是永久 ID；payload 是（可能已合併的）操作資料。
// 重試時會被重複呼叫，實作必須能安全地重新執行。
type Executor interface {
	Execute(ctx context.Context, target EntityID, payload Payload) error
}

// ExecutorFunc 讓一般函式滿足 Executor 介面
type ExecutorFunc func(ctx context.Context, target EntityID, payload Payload) error

// Execute 呼叫 f
func (f ExecutorFunc) Execute(ctx context.Context, target EntityID, payload Payload) error {
	return f(ctx, target, payload)
}

// Operation 一筆待送出的變更操作描述
//
// 除了 RetryCount 之外視為不可變；合併時會產生新的副本。
type Operation struct {
	ID         string   `json:"id"`          // 操作唯一識別碼
	Kind       Kind     `json:"kind"`        // 操作種類
	Key        EntityID `json:"key"`         // 目前排隊所用的識別碼（暫時或永久）
	Payload    Payload  `json:"payload"`     // 變更欄位
	RetryCount int      `json:"retry_count"` // 重試次數
	CreatedAt  int64    `json:"created_at"`  // 邏輯時間戳，只用於排序與合併

	Executor Executor `json:"-"` // 遠端變更命令
}

// Clone 複製操作描述（payload 也一併複製）
func (op *Operation) Clone() *Operation {
	c := *op
	c.Payload = op.Payload.Clone()
	return &c
}

// ============================================================================
// 同步狀態
// ============================================================================

// SyncStatus 實體的同步狀態
type SyncStatus string

// 定義同步狀態常數
const (
	StatusPending SyncStatus = "pending" // 有操作在排隊，尚未開始同步
	StatusSyncing SyncStatus = "syncing" // 已取得永久 ID，正在送出
	StatusSynced  SyncStatus = "synced"  // 所有操作都已成功
	StatusError   SyncStatus = "error"   // 至少一個操作用盡重試次數
)

// OperationResult 單一操作在 flush 後的結果
type OperationResult struct {
	OperationID string `json:"operation_id"`
	Kind        Kind   `json:"kind"`
	Attempts    int    `json:"attempts"`
	Err         error  `json:"-"`
}

// Succeeded 操作是否成功
func (r OperationResult) Succeeded() bool { return r.Err == nil }

// ============================================================================
// 檢視資料（診斷用）
// ============================================================================

// OperationView 操作的唯讀檢視
type OperationView struct {
	ID         string  `json:"id"`
	Kind       Kind    `json:"kind"`
	Payload    Payload `json:"payload"`
	RetryCount int     `json:"retry_count"`
	CreatedAt  int64   `json:"created_at"`
}

// EntityState 單一實體的佇列狀態
type EntityState struct {
	Key         EntityID        `json:"key"`
	Status      SyncStatus      `json:"status"`
	Temporaries []EntityID      `json:"temporaries,omitempty"`
	Flushing    bool            `json:"flushing,omitempty"`
	Tombstoned  bool            `json:"tombstoned,omitempty"`
	Operations  []OperationView `json:"operations"`
}

// Inspection 整個佇列的檢視
type Inspection struct {
	Entities  []EntityState `json:"entities"`
	SchemaVer int           `json:"schema_ver"`
}
