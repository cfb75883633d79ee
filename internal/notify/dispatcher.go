// ============================================================================
// 通知派送池
// ============================================================================
//
// 固定數量的 goroutine 從共享 channel 取出通知並呼叫 Notifier：
//
//   Scheduler --Submit()--> queue --> sender 1..n --> Notifier
//
// 生命週期:
//   1. NewDispatcher() - 建立池與緩衝 channel
//   2. Start(n)        - 啟動 n 個 sender
//   3. Submit(n)       - 非阻塞提交；緩衝區滿時丟棄並記錄
//   4. Stop()          - 關閉 channel，等待所有 sender 送完
//
// ============================================================================

package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrPoolClosed     = errors.New("notify: dispatcher is closed")
	ErrPoolNotStarted = errors.New("notify: dispatcher not started")
	ErrQueueFull      = errors.New("notify: queue is full")
)

// Dispatcher 非同步通知派送池
type Dispatcher struct {
	notifier Notifier
	queue    chan Notification
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	wg      sync.WaitGroup
	started bool
	stopped bool

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewDispatcher 建立派送池
//
// 參數：
//   - bufferSize: 等待中的通知上限
//   - timeout: 單則通知的送出時限
func NewDispatcher(notifier Notifier, bufferSize int, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		notifier: notifier,
		queue:    make(chan Notification, bufferSize),
		timeout:  timeout,
		logger:   logger.With("component", "notify"),
	}
}

// Start 啟動 n 個 sender
func (d *Dispatcher) Start(n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return errors.New("notify: dispatcher already started")
	}
	for i := 0; i < n; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.run()
		}()
	}
	d.started = true
	return nil
}

func (d *Dispatcher) run() {
	for n := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.notifier.Notify(ctx, n)
		cancel()

		if err != nil {
			d.failed.Add(1)
			d.logger.Warn("Notification failed",
				"kind", n.Kind,
				"jobID", n.JobID,
				"error", err)
			continue
		}
		d.sent.Add(1)
	}
}

// Submit 非阻塞提交
//
// 持有讀鎖直到送入 channel，Stop 關閉 channel 前必定等到所有 Submit 結束。
func (d *Dispatcher) Submit(n Notification) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.started {
		return ErrPoolNotStarted
	}
	if d.stopped {
		return ErrPoolClosed
	}
	if n.At == 0 {
		n.At = time.Now().UnixMilli()
	}

	select {
	case d.queue <- n:
		return nil
	default:
		d.dropped.Add(1)
		d.logger.Warn("Notification dropped", "kind", n.Kind, "jobID", n.JobID)
		return ErrQueueFull
	}
}

// Stop 停止接收並等待緩衝中的通知送完
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

// Stats 送出、失敗與丟棄的數量
func (d *Dispatcher) Stats() (sent, failed, dropped int64) {
	return d.sent.Load(), d.failed.Load(), d.dropped.Load()
}
