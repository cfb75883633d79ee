// Package tracking 在接單後的一段時間內把工人位置轉發給承包商
//
// 每個已接單的工作最多一個追蹤視窗，視窗到期時間在開啟時固定，不會延長。
// 視窗在拒絕、出勤、取消或到期時關閉。
package tracking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/labor-dispatch/internal/jobstore"
	"github.com/ChuLiYu/labor-dispatch/internal/metrics"
	"github.com/ChuLiYu/labor-dispatch/internal/push"
	"github.com/ChuLiYu/labor-dispatch/pkg/types"
)

// errStale 工作已不屬於此工人或已出勤
var errStale = errors.New("tracking: window no longer valid")

// Config 轉發設定
type Config struct {
	MaxUpdatesPerSec float64 // 每個工作每秒最多轉發次數，0 表示不限
	Burst            int
}

// Window 追蹤視窗
type Window struct {
	JobID          types.JobID
	Worker         string
	ContractorConn string
	ExpiresAt      time.Time

	limiter *rate.Limiter
	timer   *time.Timer

	// 被節流的最新位置，由 flush 計時器補送
	pending *LocationUpdate
	flush   *time.Timer
}

// LocationUpdate worker_location 事件內容
type LocationUpdate struct {
	JobID types.JobID `json:"job_id"`
	Phone string      `json:"phone"`
	Lat   float64     `json:"lat"`
	Lon   float64     `json:"lon"`
	At    int64       `json:"at"`
}

// Forwarder 追蹤視窗管理與位置轉發
type Forwarder struct {
	store   jobstore.Store
	push    push.Channel
	metrics *metrics.Collector
	logger  *slog.Logger
	config  Config

	mu       sync.Mutex
	windows  map[types.JobID]*Window
	byWorker map[string]types.JobID
}

func NewForwarder(store jobstore.Store, channel push.Channel, m *metrics.Collector, config Config, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		store:    store,
		push:     channel,
		metrics:  m,
		logger:   logger.With("component", "tracking"),
		config:   config,
		windows:  make(map[types.JobID]*Window),
		byWorker: make(map[string]types.JobID),
	}
}

// ContractorConnFor 工作的承包商連線 ID
func ContractorConnFor(job *types.Job) string {
	if job.ContractorConn != "" {
		return job.ContractorConn
	}
	return push.ContractorConn(job.ContractorID)
}

// Open 為已接單的工作開啟追蹤視窗
//
// 已有視窗時不變更（不延長）；expiresAt 已過時不開啟。
func (f *Forwarder) Open(job *types.Job, expiresAt time.Time) bool {
	d := time.Until(expiresAt)
	if d <= 0 || job.AcceptedBy == "" {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.windows[job.ID]; exists {
		return false
	}

	limit := rate.Inf
	if f.config.MaxUpdatesPerSec > 0 {
		limit = rate.Limit(f.config.MaxUpdatesPerSec)
	}
	burst := f.config.Burst
	if burst <= 0 {
		burst = 1
	}

	w := &Window{
		JobID:          job.ID,
		Worker:         job.AcceptedBy,
		ContractorConn: ContractorConnFor(job),
		ExpiresAt:      expiresAt,
		limiter:        rate.NewLimiter(limit, burst),
	}
	id := job.ID
	w.timer = time.AfterFunc(d, func() { f.expire(id, w) })

	f.windows[id] = w
	f.byWorker[w.Worker] = id
	f.metrics.SetTrackingWindows(len(f.windows))
	return true
}

func (f *Forwarder) expire(id types.JobID, w *Window) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if current, ok := f.windows[id]; ok && current == w {
		f.removeLocked(id, w)
		f.logger.Info("Tracking window expired", "jobID", id)
	}
}

// Close 關閉工作的追蹤視窗
func (f *Forwarder) Close(id types.JobID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if w, ok := f.windows[id]; ok {
		w.timer.Stop()
		f.removeLocked(id, w)
	}
}

// CloseAll 關閉所有視窗
func (f *Forwarder) CloseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, w := range f.windows {
		w.timer.Stop()
		f.removeLocked(id, w)
	}
}

func (f *Forwarder) removeLocked(id types.JobID, w *Window) {
	if w.flush != nil {
		w.flush.Stop()
		w.flush = nil
	}
	w.pending = nil
	delete(f.windows, id)
	if f.byWorker[w.Worker] == id {
		delete(f.byWorker, w.Worker)
	}
	f.metrics.SetTrackingWindows(len(f.windows))
}

// Active 查詢工作的追蹤視窗
func (f *Forwarder) Active(id types.JobID) (Window, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w, ok := f.windows[id]
	if !ok {
		return Window{}, false
	}
	return Window{JobID: w.JobID, Worker: w.Worker, ContractorConn: w.ContractorConn, ExpiresAt: w.ExpiresAt}, true
}

func (f *Forwarder) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.windows)
}

// Forward 工人位置更新時呼叫，回傳是否已立即送達承包商
//
// 視窗開啟期間每次更新都會寫入工作；推播受速率限制，被節流的更新只保留最新一筆，
// 在限制允許時補送。
func (f *Forwarder) Forward(ctx context.Context, phone string, loc types.Location) (bool, error) {
	f.mu.Lock()
	id, ok := f.byWorker[phone]
	var w *Window
	if ok {
		w = f.windows[id]
	}
	f.mu.Unlock()

	if w == nil || !time.Now().Before(w.ExpiresAt) {
		return false, nil
	}

	_, err := f.store.Transition(ctx, id, types.StatusAccepted, func(job *types.Job) error {
		if job.AcceptedBy != phone || job.AttendanceMarked || job.AcceptedWorker == nil {
			return errStale
		}
		job.AcceptedWorker.Location = loc
		return nil
	})
	if err != nil {
		if errors.Is(err, errStale) || errors.Is(err, jobstore.ErrConflict) || errors.Is(err, jobstore.ErrNotFound) {
			f.Close(id)
			return false, nil
		}
		return false, err
	}

	update := LocationUpdate{
		JobID: id,
		Phone: phone,
		Lat:   loc.Lat,
		Lon:   loc.Lon,
		At:    time.Now().UnixMilli(),
	}

	f.mu.Lock()
	if f.windows[id] != w {
		f.mu.Unlock()
		return false, nil
	}
	if w.flush != nil || !w.limiter.Allow() {
		f.deferLocked(w, update)
		f.mu.Unlock()
		return false, nil
	}
	f.mu.Unlock()

	return f.send(w, update), nil
}

// deferLocked 保留最新位置；尚未排程時依限速器的下一個額度安排補送
func (f *Forwarder) deferLocked(w *Window, update LocationUpdate) {
	w.pending = &update
	if w.flush != nil {
		return
	}
	delay := w.limiter.Reserve().Delay()
	w.flush = time.AfterFunc(delay, func() { f.flushPending(w) })
}

func (f *Forwarder) flushPending(w *Window) {
	f.mu.Lock()
	if f.windows[w.JobID] != w || w.pending == nil {
		f.mu.Unlock()
		return
	}
	update := *w.pending
	w.pending = nil
	w.flush = nil
	f.mu.Unlock()

	f.send(w, update)
}

func (f *Forwarder) send(w *Window, update LocationUpdate) bool {
	sent := f.push.Send(w.ContractorConn, push.EventWorkerLocation, update)
	if sent {
		f.metrics.RecordLocationForwarded()
	}
	return sent
}
