// ============================================================================
// 派工系統 排程器 - 派單狀態機
// ============================================================================
//
// Package: internal/dispatch
// 文件: scheduler.go
// 功能: 一次只把工作派給一位工人，等待回應，拒絕/逾時/斷線時改派下一位
//
// 每個工作的狀態:
//   Searching ──有候選人──→ Offered ──接單──→ Accepted
//       ↑  │                  │
//       │  └─沒有候選人：retry 計時器（冷卻後重新搜尋）
//       └──── 拒絕 / 逾時 / 斷線 ┘
//   任何狀態 ──取消──→ Cancelled
//
// 並發模型:
//   - 不同工作之間沒有全域鎖，各自的回合可以同時進行
//   - 同一個工作的回合、接單、拒絕、取消以分段鎖（stripe）序列化
//   - 狀態競爭最終由 jobstore.Transition 的條件式更新決定
//   - 每個工作最多一個計時器（timer.Set）
//
// ============================================================================

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/labor-dispatch/internal/directory"
	"github.com/ChuLiYu/labor-dispatch/internal/jobstore"
	"github.com/ChuLiYu/labor-dispatch/internal/matching"
	"github.com/ChuLiYu/labor-dispatch/internal/metrics"
	"github.com/ChuLiYu/labor-dispatch/internal/notify"
	"github.com/ChuLiYu/labor-dispatch/internal/push"
	"github.com/ChuLiYu/labor-dispatch/internal/registry"
	"github.com/ChuLiYu/labor-dispatch/internal/timer"
	"github.com/ChuLiYu/labor-dispatch/internal/tracking"
	"github.com/ChuLiYu/labor-dispatch/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 工作資料不完整或座標不合法
	ErrInvalidJob = errors.New("dispatch: invalid job")
	// 工人已有已接單但未付款的工作
	ErrWorkerBusy = errors.New("dispatch: worker has an active unpaid job")
	// 工人沒有連線登錄，不可能收到派單
	ErrNotOffered = errors.New("dispatch: worker is not registered")
	// 註冊資料不完整
	ErrInvalidWorker = errors.New("dispatch: invalid worker registration")
)

const lockStripes = 64

// ============================================================================
// 依賴與配置
// ============================================================================

// Registry 工人登錄表
type Registry interface {
	Upsert(connID string, id registry.Identity, loc types.Location, skills []string) (replaced string)
	UpdateLocation(connID string, loc types.Location) (registry.Entry, error)
	Remove(connID string) (registry.Entry, bool)
	SetLive(phone string, live bool) bool
	Lookup(connID string) (registry.Entry, bool)
	LookupByPhone(phone string) (registry.Entry, bool)
	Snapshot() []registry.Entry
	Len() int
}

// NotificationSink 非同步通知佇列
type NotificationSink interface {
	Submit(n notify.Notification) error
}

// Config 排程器配置
type Config struct {
	OfferTimeout   time.Duration // 等待工人回應
	RetryCooldown  time.Duration // 沒有候選人時的冷卻
	TrackingWindow time.Duration // 接單後轉發位置的時間
	StoreTimeout   time.Duration // 計時器回呼中單次儲存操作的時限
	Policy         matching.Policy
	Tracking       tracking.Config
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		OfferTimeout:   60 * time.Second,
		RetryCooldown:  30 * time.Second,
		TrackingWindow: 10 * time.Minute,
		StoreTimeout:   5 * time.Second,
		Policy:         matching.DefaultPolicy(),
		Tracking:       tracking.Config{MaxUpdatesPerSec: 1, Burst: 3},
	}
}

// Deps 外部協作者
type Deps struct {
	Store     jobstore.Store
	Registry  Registry
	Directory directory.Directory
	Push      push.Channel
	Notifier  NotificationSink   // 可為 nil
	Metrics   *metrics.Collector // 可為 nil
	Logger    *slog.Logger
}

// NewJob 承包商發布工作時提供的資料
type NewJob struct {
	ContractorID   string         `json:"contractor_id"`
	ContractorConn string         `json:"contractor_conn,omitempty"`
	Title          string         `json:"title"`
	Amount         float64        `json:"amount"`
	Location       types.Location `json:"location"`
	WorkerType     string         `json:"worker_type,omitempty"`
}

// Offer job_offer 事件內容
type Offer struct {
	Job        *types.Job `json:"job"`
	PoolSize   int        `json:"pool_size"`
	DistanceKm float64    `json:"distance_km"`
	ExpiresAt  int64      `json:"expires_at"`
}

// Withdrawal offer_withdrawn 事件內容
type Withdrawal struct {
	JobID  types.JobID `json:"job_id"`
	Reason string      `json:"reason"`
}

// Stats 排程器狀態
type Stats struct {
	Offered  int            `json:"offered"`  // 等待工人回應的工作
	Waiting  int            `json:"waiting"`  // 沒有候選人、冷卻中的工作
	Tracking int            `json:"tracking"` // 開啟中的追蹤視窗
	Workers  int            `json:"workers"`  // 在線工人
	Jobs     map[string]int `json:"jobs,omitempty"`
}

// ============================================================================
// Scheduler
// ============================================================================

// Scheduler 派單排程器
type Scheduler struct {
	cfg       Config
	store     jobstore.Store
	registry  Registry
	directory directory.Directory
	push      push.Channel
	notifier  NotificationSink
	metrics   *metrics.Collector
	logger    *slog.Logger

	timers   *timer.Set
	tracking *tracking.Forwarder
	locks    [lockStripes]sync.Mutex

	workerLocks [lockStripes]sync.Mutex // 只在接單時使用，先鎖工人再鎖工作

	mu       sync.Mutex
	timedOut map[types.JobID]map[string]bool // 對此工作逾時未回應的工人
	waiting  map[types.JobID]bool            // 已通知承包商「沒有工人」的工作

	stopped atomic.Bool
}

// NewScheduler 建立排程器
func NewScheduler(cfg Config, deps Deps) *Scheduler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}

	return &Scheduler{
		cfg:       cfg,
		store:     deps.Store,
		registry:  deps.Registry,
		directory: deps.Directory,
		push:      deps.Push,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		logger:    logger.With("component", "dispatch"),
		timers:    timer.NewSet(),
		tracking:  tracking.NewForwarder(deps.Store, deps.Push, deps.Metrics, cfg.Tracking, logger),
		timedOut:  make(map[types.JobID]map[string]bool),
		waiting:   make(map[types.JobID]bool),
	}
}

// lockFor 取得工作對應的分段鎖
func (s *Scheduler) lockFor(id types.JobID) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &s.locks[h.Sum32()%lockStripes]
}

// workerLockFor 同一工人的接單互斥，讓忙碌檢查與轉換之間不會插入另一筆接單
func (s *Scheduler) workerLockFor(phone string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(phone))
	return &s.workerLocks[h.Sum32()%lockStripes]
}

func (s *Scheduler) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.cfg.StoreTimeout)
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 啟動時與儲存層對帳
//
//  1. pending 工作各自開始一輪派單
//  2. 已接單、未出勤、未付款的工作重新開啟剩餘的追蹤視窗
func (s *Scheduler) Start(ctx context.Context) error {
	pending, err := s.store.ListByStatus(ctx, types.StatusPending)
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}
	for _, job := range pending {
		id := job.ID
		s.timers.Arm(id, timer.KindRetry, "", 0, func() { s.runRound(id) })
	}

	accepted, err := s.store.ListByStatus(ctx, types.StatusAccepted)
	if err != nil {
		return fmt.Errorf("list accepted jobs: %w", err)
	}
	reopened := 0
	for _, job := range accepted {
		if job.AttendanceMarked || job.PaymentStatus == types.PaymentPaid {
			continue
		}
		expiresAt := time.UnixMilli(job.AcceptedAt).Add(s.cfg.TrackingWindow)
		if s.tracking.Open(job, expiresAt) {
			reopened++
		}
	}

	available := 0
	if list, err := s.directory.Available(ctx); err != nil {
		s.logger.Warn("Failed to read worker directory", "error", err)
	} else {
		available = len(list)
	}

	s.logger.Info("Scheduler started",
		"pending", len(pending),
		"tracking", reopened,
		"available_workers", available)
	return nil
}

// Stop 停止所有計時器與追蹤視窗
func (s *Scheduler) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.timers.CancelAll()
	s.tracking.CloseAll()
	s.logger.Info("Scheduler stopped")
}

// ============================================================================
// 發布與查詢
// ============================================================================

// PostJob 驗證並建立工作，同步執行第一輪派單
func (s *Scheduler) PostJob(ctx context.Context, in NewJob) (*types.Job, error) {
	if err := validateJob(in); err != nil {
		return nil, err
	}

	job := types.Job{
		ID:             types.JobID(uuid.NewString()),
		ContractorID:   in.ContractorID,
		ContractorConn: in.ContractorConn,
		Title:          strings.TrimSpace(in.Title),
		Amount:         in.Amount,
		Location:       in.Location,
		WorkerType:     strings.TrimSpace(in.WorkerType),
		CreatedAt:      time.Now().UnixMilli(),
	}
	id, err := s.store.Create(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.metrics.RecordJobPosted()
	s.logger.Info("Job posted", "jobID", id, "contractor", in.ContractorID, "type", job.WorkerType)

	s.runRound(id)
	return s.store.Get(ctx, id)
}

func validateJob(in NewJob) error {
	switch {
	case strings.TrimSpace(in.ContractorID) == "":
		return fmt.Errorf("%w: contractor id is required", ErrInvalidJob)
	case strings.TrimSpace(in.Title) == "":
		return fmt.Errorf("%w: title is required", ErrInvalidJob)
	case math.IsNaN(in.Amount) || in.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidJob)
	}
	if err := validateLocation(in.Location); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	return nil
}

func validateLocation(loc types.Location) error {
	if math.IsNaN(loc.Lat) || math.IsNaN(loc.Lon) || loc.Lat < -90 || loc.Lat > 90 || loc.Lon < -180 || loc.Lon > 180 {
		return fmt.Errorf("malformed coordinates (%v, %v)", loc.Lat, loc.Lon)
	}
	return nil
}

// GetJob 查詢工作
func (s *Scheduler) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	return s.store.Get(ctx, id)
}

// Stats 目前派單狀態
func (s *Scheduler) Stats(ctx context.Context) Stats {
	st := Stats{
		Offered:  s.timers.Count(timer.KindOffer),
		Waiting:  s.timers.Count(timer.KindRetry),
		Tracking: s.tracking.Len(),
		Workers:  s.registry.Len(),
	}
	if counter, ok := s.store.(jobstore.Counter); ok {
		if jobs, err := counter.Stats(ctx); err == nil {
			st.Jobs = jobs
		}
	}
	return st
}

// Tracking 追蹤視窗管理（供測試與狀態查詢）
func (s *Scheduler) Tracking() *tracking.Forwarder {
	return s.tracking
}

// ============================================================================
// 派單回合
// ============================================================================

// runRound 取得工作鎖並執行一輪派單
//
// 計時器觸發後才取得鎖；若期間已設定新的計時器，表示這次觸發已過時。
func (s *Scheduler) runRound(id types.JobID) {
	if s.stopped.Load() {
		return
	}
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	if _, armed := s.timers.Get(id); armed {
		return
	}

	ctx, cancel := s.opContext()
	defer cancel()
	s.roundLocked(ctx, id)
}

// roundLocked 一輪派單：重新挑選候選人，推送給第一位送達的工人並設定回應計時器；
// 沒有人可派時設定 retry 計時器。呼叫端需持有工作鎖，且工作不可有計時器。
func (s *Scheduler) roundLocked(ctx context.Context, id types.JobID) {
	if s.stopped.Load() {
		return
	}

	job, err := s.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, jobstore.ErrNotFound) {
			s.logger.Error("Round failed to load job", "jobID", id, "error", err)
			s.armRetry(id)
		}
		return
	}
	if job.Status != types.StatusPending {
		return
	}

	candidates := s.selectCandidates(ctx, job)
	for _, c := range candidates {
		// 推送前重新確認狀態，已取消或已接單的工作不再派出
		current, err := s.store.Get(ctx, id)
		if err != nil || current.Status != types.StatusPending {
			return
		}

		offer := Offer{
			Job:        current,
			PoolSize:   len(candidates),
			DistanceKm: c.DistanceKm,
			ExpiresAt:  time.Now().Add(s.cfg.OfferTimeout).UnixMilli(),
		}
		if !s.push.Send(c.ConnID, push.EventJobOffer, offer) {
			// 工人已離線：視同逾時，直接試下一位
			s.metrics.RecordDeliveryFailed()
			s.markTimedOut(id, c.Phone)
			s.logger.Info("Offer undeliverable", "jobID", id, "worker", c.Phone)
			continue
		}

		worker := c.Phone
		s.timers.Arm(id, timer.KindOffer, worker, s.cfg.OfferTimeout, func() { s.onOfferTimeout(id, worker) })
		s.setWaiting(id, false)
		s.metrics.RecordOffer()
		s.logger.Info("Offer sent",
			"jobID", id,
			"worker", worker,
			"distance_km", c.DistanceKm,
			"pool", len(candidates))
		return
	}

	s.metrics.RecordNoCandidate()
	s.armRetry(id)

	// 第一次進入等待時通知承包商，後續靜默重試
	if s.setWaiting(id, true) {
		s.logger.Info("No eligible worker, waiting", "jobID", id, "cooldown", s.cfg.RetryCooldown)
		s.notify(notify.Notification{Kind: notify.KindNoWorkers, JobID: id, ContractorID: job.ContractorID})
	}
}

func (s *Scheduler) armRetry(id types.JobID) {
	s.timers.Arm(id, timer.KindRetry, "", s.cfg.RetryCooldown, func() { s.runRound(id) })
}

// selectCandidates 先以登錄表資料篩選，只對剩下的工人查詢目錄與忙碌狀態
func (s *Scheduler) selectCandidates(ctx context.Context, job *types.Job) []matching.Candidate {
	pre := matching.WithinRange(job, s.registry.Snapshot(), s.cfg.Policy)
	if len(pre) == 0 {
		return nil
	}

	elig := matching.Eligibility{
		Available: make(map[string]bool, len(pre)),
		Busy:      make(map[string]bool),
		TimedOut:  s.timedOutFor(job.ID),
	}
	entries := make([]registry.Entry, 0, len(pre))
	for _, c := range pre {
		entries = append(entries, c.Entry)

		ok, err := s.directory.Availability(ctx, c.Phone)
		if err != nil {
			s.logger.Warn("Availability lookup failed", "worker", c.Phone, "error", err)
			continue
		}
		elig.Available[c.Phone] = ok
		if !ok {
			continue
		}

		active, err := s.store.FindActiveUnpaidJob(ctx, c.Phone)
		if err != nil {
			s.logger.Warn("Active job lookup failed", "worker", c.Phone, "error", err)
			elig.Busy[c.Phone] = true
			continue
		}
		if active != nil {
			elig.Busy[c.Phone] = true
		}
	}
	return matching.Select(job, entries, elig, s.cfg.Policy)
}

// onOfferTimeout 工人未在時限內回應：記錄逾時並立即開始新一輪
func (s *Scheduler) onOfferTimeout(id types.JobID, worker string) {
	if s.stopped.Load() {
		return
	}
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	if _, armed := s.timers.Get(id); armed {
		return
	}

	ctx, cancel := s.opContext()
	defer cancel()

	job, err := s.store.Get(ctx, id)
	if err != nil || job.Status != types.StatusPending {
		return
	}

	s.markTimedOut(id, worker)
	s.metrics.RecordOfferTimeout()
	s.withdraw(id, worker, "expired")
	s.logger.Info("Offer timed out", "jobID", id, "worker", worker)

	s.roundLocked(ctx, id)
}

// withdraw 盡力通知工人派單已撤回
func (s *Scheduler) withdraw(id types.JobID, worker, reason string) {
	entry, ok := s.registry.LookupByPhone(worker)
	if !ok {
		return
	}
	s.push.Send(entry.ConnID, push.EventOfferWithdrawn, Withdrawal{JobID: id, Reason: reason})
}

func (s *Scheduler) markTimedOut(id types.JobID, worker string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.timedOut[id]
	if !ok {
		set = make(map[string]bool)
		s.timedOut[id] = set
	}
	set[worker] = true
}

func (s *Scheduler) timedOutFor(id types.JobID) map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]bool, len(s.timedOut[id]))
	for phone := range s.timedOut[id] {
		out[phone] = true
	}
	return out
}

// setWaiting 回傳狀態是否有改變
func (s *Scheduler) setWaiting(id types.JobID, waiting bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.waiting[id] == waiting {
		return false
	}
	if waiting {
		s.waiting[id] = true
	} else {
		delete(s.waiting, id)
	}
	return true
}

// forget 工作離開派單流程（接單或取消）時清除暫存狀態
func (s *Scheduler) forget(id types.JobID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timedOut, id)
	delete(s.waiting, id)
}

func (s *Scheduler) notify(n notify.Notification) {
	if s.notifier == nil {
		return
	}
	if n.At == 0 {
		n.At = time.Now().UnixMilli()
	}
	if err := s.notifier.Submit(n); err != nil {
		s.logger.Warn("Notification not queued", "kind", n.Kind, "jobID", n.JobID, "error", err)
	}
}
