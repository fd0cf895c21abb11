package report

// ============================================================================
// 職責說明：
// 1. 將佇列的檢視（queue.Manager.Inspect）序列化為 JSON 報告檔
// 2. 使用原子性寫入（temp file + rename）防止讀到寫一半的檔案
// 3. 讀取時驗證 schema 版本相容性
//
// 報告只用於診斷；佇列本身不會從報告恢復狀態。
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/mutation-queue/pkg/types"
)

// SchemaVersion 目前的報告格式版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedReport     = errors.New("report file is corrupted")
	ErrIncompatibleVersion = errors.New("report schema version is incompatible")
	ErrReportNotFound      = errors.New("report file not found")
)

// Writer 報告寫入器
type Writer struct {
	path string     // 報告檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewWriter 建立報告寫入器
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Marshal 將檢視序列化為帶縮排、以換行結尾的 JSON
func Marshal(ins types.Inspection) ([]byte, error) {
	ins.SchemaVer = SchemaVersion
	if ins.Entities == nil {
		ins.Entities = []types.EntityState{}
	}

	data, err := json.MarshalIndent(ins, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	return append(data, '\n'), nil
}

// Write 原子性寫入報告
//
// 使用原子性寫入流程：
// 1. 寫入同目錄的臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (w *Writer) Write(ins types.Inspection) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := Marshal(ins)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(w.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}

	tmpPath := w.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp report: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename report: %w", err)
	}
	return nil
}

// Load 讀取報告
//
// 返回值：
//   - types.Inspection: 報告內容
//   - error: ErrReportNotFound、ErrCorruptedReport 或 ErrIncompatibleVersion
func (w *Writer) Load() (types.Inspection, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var ins types.Inspection
	data, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ins, fmt.Errorf("%w: %s", ErrReportNotFound, w.path)
		}
		return ins, fmt.Errorf("failed to read report: %w", err)
	}

	if err := json.Unmarshal(data, &ins); err != nil {
		return ins, fmt.Errorf("%w: %v", ErrCorruptedReport, err)
	}
	if ins.SchemaVer != SchemaVersion {
		return ins, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, ins.SchemaVer, SchemaVersion)
	}
	return ins, nil
}

// GetPath 取得報告檔案路徑
func (w *Writer) GetPath() string {
	return w.path
}
