// Package types 定義了派工系統中使用的核心領域模型
package types

import (
	"slices"
)

// JobID 工作唯一識別碼
type JobID string

// JobStatus 工作派遣狀態
type JobStatus string

// 定義工作狀態常數
const (
	StatusPending   JobStatus = "pending"   // 待派遣：正在尋找工人
	StatusAccepted  JobStatus = "accepted"  // 已接單：某位工人已接受
	StatusCancelled JobStatus = "cancelled" // 已取消：終止狀態，不再派單
)

// PaymentStatus 付款狀態（由下游付款服務維護，核心只讀取）
type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

// Location 經緯度座標
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// WorkerSnapshot 接單當下的工人資料快照
type WorkerSnapshot struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Phone    string   `json:"phone"`
	Skills   []string `json:"skills,omitempty"`
	Location Location `json:"location"`
	PhotoRef string   `json:"photo_ref,omitempty"`
}

// Job 工作結構，代表承包商發布的一筆短期勞務工作
type Job struct {
	// 識別與發布資料（建立後不可變）
	ID             JobID    `json:"id"`
	ContractorID   string   `json:"contractor_id"`
	ContractorConn string   `json:"contractor_conn,omitempty"` // 承包商連線 ID，空字串時以 ContractorID 推導
	Title          string   `json:"title"`
	Amount         float64  `json:"amount"`
	Location       Location `json:"location"`
	WorkerType     string   `json:"worker_type,omitempty"` // 空字串表示不限工種
	CreatedAt      int64    `json:"created_at"`            // Unix 毫秒

	// 派遣狀態
	Status         JobStatus       `json:"status"`
	AcceptedBy     string          `json:"accepted_by,omitempty"` // 工人手機號碼，僅在 accepted 時設定
	AcceptedWorker *WorkerSnapshot `json:"accepted_worker,omitempty"`
	AcceptedAt     int64           `json:"accepted_at,omitempty"`
	DeclinedBy     []string        `json:"declined_by,omitempty"` // 集合語意，順序無關

	// 下游服務（出勤、付款）寫入的事實
	AttendanceMarked bool          `json:"attendance_marked,omitempty"`
	AttendanceAt     int64         `json:"attendance_at,omitempty"`
	PaymentStatus    PaymentStatus `json:"payment_status"`

	// 取消資訊
	CancelledBy  string `json:"cancelled_by,omitempty"`
	CancelReason string `json:"cancel_reason,omitempty"`
	CancelledAt  int64  `json:"cancelled_at,omitempty"`

	// 樂觀並發控制
	Version   uint64 `json:"version"`
	UpdatedAt int64  `json:"updated_at"`
}

// HasDeclined 檢查工人是否已拒絕此工作
func (j *Job) HasDeclined(phone string) bool {
	return slices.Contains(j.DeclinedBy, phone)
}

// AddDeclined 將工人加入拒絕集合，重複加入不會產生副作用
//
// 返回值：
//   - bool: 是否實際新增
func (j *Job) AddDeclined(phone string) bool {
	if j.HasDeclined(phone) {
		return false
	}
	j.DeclinedBy = append(j.DeclinedBy, phone)
	return true
}

// ClearAcceptance 清除接單資訊，維持 AcceptedBy 與 accepted 狀態一致的不變量
func (j *Job) ClearAcceptance() {
	j.AcceptedBy = ""
	j.AcceptedWorker = nil
	j.AcceptedAt = 0
}

// Clone 深拷貝工作，避免呼叫端修改儲存層內部狀態
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.DeclinedBy = slices.Clone(j.DeclinedBy)
	if j.AcceptedWorker != nil {
		w := *j.AcceptedWorker
		w.Skills = slices.Clone(j.AcceptedWorker.Skills)
		cp.AcceptedWorker = &w
	}
	return &cp
}

// SnapshotData 快照資料，用於工作狀態的持久化和恢復
type SnapshotData struct {
	Jobs      map[JobID]*Job `json:"jobs"`       // 所有工作的完整資料
	SchemaVer int            `json:"schema_ver"` // 資料結構版本號
	LastSeq   uint64         `json:"last_seq"`   // 最後處理的日誌序號
}
