// ============================================================================
// 派工系統 記憶體工作儲存 - 工作狀態機實現
// ============================================================================
//
// Package: internal/jobstore
// 文件: memory.go
// 功能: 以記憶體保存工作紀錄，提供條件式轉換（compare-and-swap）
//
// 設計理念:
//   1. jobs map - 統一的工作存儲，作為單一真實來源
//   2. 狀態索引 - pending/accepted/cancelled 集合提供快速查詢
//   3. byWorker 索引 - 工人手機 → 已接單工作，讓「未付款工作」檢查為 O(1)
//
// 狀態轉換 (State Machine):
//   Pending ──Transition(pending)──→ Accepted
//      ↑                                │
//      └──────── 接單工人拒絕 ──────────┘
//   任何狀態 ──取消──→ Cancelled（終止）
//
// 並發安全:
//   - sync.RWMutex 保護所有資料結構
//   - 對外一律回傳副本，呼叫端無法繞過 Transition 修改狀態
//
// ============================================================================

package jobstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/labor-dispatch/pkg/types"
)

// Memory 記憶體工作儲存
type Memory struct {
	mu       sync.RWMutex
	jobs     map[types.JobID]*types.Job                  // 所有工作
	byStatus map[types.JobStatus]map[types.JobID]struct{} // 狀態索引
	byWorker map[string]map[types.JobID]struct{}          // 接單工人索引
}

var _ Store = (*Memory)(nil)

// NewMemory 建立新的記憶體儲存實例
//
// 併發安全：返回的實例是執行緒安全的
func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[types.JobID]*types.Job),
		byStatus: map[types.JobStatus]map[types.JobID]struct{}{
			types.StatusPending:   {},
			types.StatusAccepted:  {},
			types.StatusCancelled: {},
		},
		byWorker: make(map[string]map[types.JobID]struct{}),
	}
}

// Create 新增工作，狀態一律從 pending 開始
//
// 錯誤處理：
//   - ErrDuplicateJob: 工作 ID 已存在
func (m *Memory) Create(_ context.Context, job types.Job) (types.JobID, error) {
	stored, err := m.create(job)
	if err != nil {
		return "", err
	}
	return stored.ID, nil
}

func (m *Memory) create(job types.Job) (*types.Job, error) {
	stored, err := m.stageCreate(job)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[stored.ID]; exists {
		return nil, ErrDuplicateJob
	}
	m.putLocked(stored)
	return stored, nil
}

// stageCreate 產生新紀錄但不寫入；由 publish 寫入
func (m *Memory) stageCreate(job types.Job) (*types.Job, error) {
	m.mu.RLock()
	_, exists := m.jobs[job.ID]
	m.mu.RUnlock()
	if exists {
		return nil, ErrDuplicateJob
	}

	now := time.Now().UnixMilli()
	stored := job.Clone()
	stored.Status = types.StatusPending
	stored.ClearAcceptance()
	if stored.PaymentStatus == "" {
		stored.PaymentStatus = types.PaymentUnpaid
	}
	if stored.CreatedAt == 0 {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	stored.Version = 1
	return stored, nil
}

// Get 取得工作副本
func (m *Memory) Get(_ context.Context, id types.JobID) (*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, exists := m.jobs[id]
	if !exists {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

// Transition 條件式轉換
//
// 只有在目前狀態等於 expected 時才會呼叫 mutate 並寫入。
//
// 錯誤處理：
//   - ErrNotFound: 工作不存在
//   - ErrConflict: 狀態已被其他請求改變
//   - mutate 回傳的錯誤原樣傳回
func (m *Memory) Transition(_ context.Context, id types.JobID, expected types.JobStatus, mutate Mutator) (*types.Job, error) {
	next, err := m.apply(id, expected, mutate)
	if err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// apply 執行轉換並立即寫入
func (m *Memory) apply(id types.JobID, expected types.JobStatus, mutate Mutator) (*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, candidate, err := m.stageLocked(id, expected, mutate)
	if err != nil {
		return nil, err
	}
	m.removeLocked(current)
	m.putLocked(candidate)
	return candidate, nil
}

// stage 計算轉換結果但不寫入，讀者仍看到轉換前的紀錄
//
// 呼叫端必須保證 stage 與 publish 之間沒有其他寫入（Journaled 以 j.mu 序列化）。
func (m *Memory) stage(id types.JobID, expected types.JobStatus, mutate Mutator) (*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, candidate, err := m.stageLocked(id, expected, mutate)
	return candidate, err
}

func (m *Memory) stageLocked(id types.JobID, expected types.JobStatus, mutate Mutator) (current, candidate *types.Job, err error) {
	current, exists := m.jobs[id]
	if !exists {
		return nil, nil, ErrNotFound
	}
	if current.Status != expected {
		return nil, nil, ConflictError(id, expected, current.Status)
	}

	candidate = current.Clone()
	if err := mutate(candidate); err != nil {
		return nil, nil, err
	}
	// 不可變欄位由儲存層保護
	candidate.ID = current.ID
	candidate.CreatedAt = current.CreatedAt
	candidate.Version = current.Version + 1
	candidate.UpdatedAt = time.Now().UnixMilli()
	return current, candidate, nil
}

// publish 以新紀錄取代目前紀錄（含索引），也用於 WAL 重放
func (m *Memory) publish(job *types.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, exists := m.jobs[job.ID]; exists {
		m.removeLocked(current)
	}
	m.putLocked(job)
}

// FindActiveUnpaidJob 透過 byWorker 索引找出工人目前佔用中的工作
func (m *Memory) FindActiveUnpaidJob(_ context.Context, phone string) (*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id := range m.byWorker[phone] {
		job := m.jobs[id]
		if IsActiveUnpaid(job, phone) {
			return job.Clone(), nil
		}
	}
	return nil, nil
}

// ListByStatus 依建立時間排序回傳指定狀態的工作
func (m *Memory) ListByStatus(_ context.Context, status types.JobStatus) ([]*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.Job, 0, len(m.byStatus[status]))
	for id := range m.byStatus[status] {
		out = append(out, m.jobs[id].Clone())
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt != out[k].CreatedAt {
			return out[i].CreatedAt < out[k].CreatedAt
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

// Stats 取得各狀態工作數量
func (m *Memory) Stats(_ context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		string(types.StatusPending):   len(m.byStatus[types.StatusPending]),
		string(types.StatusAccepted):  len(m.byStatus[types.StatusAccepted]),
		string(types.StatusCancelled): len(m.byStatus[types.StatusCancelled]),
	}, nil
}

// Close 記憶體儲存無需釋放資源
func (m *Memory) Close() error { return nil }

// ============================================================================
// 快照與恢復
// ============================================================================

// Snapshot 深拷貝目前所有工作
func (m *Memory) Snapshot() types.SnapshotData {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobsCopy := make(map[types.JobID]*types.Job, len(m.jobs))
	for id, job := range m.jobs {
		jobsCopy[id] = job.Clone()
	}
	return types.SnapshotData{Jobs: jobsCopy}
}

// Restore 以快照內容取代目前狀態並重建索引
func (m *Memory) Restore(data types.SnapshotData) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobs = make(map[types.JobID]*types.Job, len(data.Jobs))
	for status := range m.byStatus {
		m.byStatus[status] = make(map[types.JobID]struct{})
	}
	m.byWorker = make(map[string]map[types.JobID]struct{})

	for _, job := range data.Jobs {
		m.putLocked(job.Clone())
	}
}

// ============================================================================
// 索引維護（呼叫端需持有寫鎖）
// ============================================================================

func (m *Memory) putLocked(job *types.Job) {
	m.jobs[job.ID] = job
	if _, ok := m.byStatus[job.Status]; !ok {
		m.byStatus[job.Status] = make(map[types.JobID]struct{})
	}
	m.byStatus[job.Status][job.ID] = struct{}{}

	if job.AcceptedBy != "" {
		set, ok := m.byWorker[job.AcceptedBy]
		if !ok {
			set = make(map[types.JobID]struct{})
			m.byWorker[job.AcceptedBy] = set
		}
		set[job.ID] = struct{}{}
	}
}

func (m *Memory) removeLocked(job *types.Job) {
	delete(m.byStatus[job.Status], job.ID)
	if job.AcceptedBy != "" {
		if set, ok := m.byWorker[job.AcceptedBy]; ok {
			delete(set, job.ID)
			if len(set) == 0 {
				delete(m.byWorker, job.AcceptedBy)
			}
		}
	}
}
