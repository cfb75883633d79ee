// Package timer 管理每個工作唯一的派單計時器
//
// 每個工作最多只有一個計時器；Arm 會取代舊的。
// 每個計時器帶有世代編號，已被取代或取消的計時器即使已經觸發也不會執行回呼。
package timer

import (
	"sync"
	"time"

	"github.com/ChuLiYu/labor-dispatch/pkg/types"
)

// Kind 計時器種類
type Kind string

const (
	KindOffer Kind = "offer" // 等待工人回應派單
	KindRetry Kind = "retry" // 沒有候選人，冷卻後重新搜尋
)

// Handle 計時器資訊
type Handle struct {
	Kind     Kind
	Worker   string // 派單對象手機，retry 時為空
	ArmedAt  time.Time
	Deadline time.Time
}

type entry struct {
	Handle
	gen   uint64
	timer *time.Timer
	fn    func()
}

// Set 以工作 ID 為 key 的計時器集合
type Set struct {
	mu      sync.Mutex
	entries map[types.JobID]*entry
	gen     uint64
}

func NewSet() *Set {
	return &Set{entries: make(map[types.JobID]*entry)}
}

// Arm 設定計時器，取代該工作既有的計時器
func (s *Set) Arm(id types.JobID, kind Kind, worker string, d time.Duration, fn func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[id]; ok {
		old.timer.Stop()
	}
	return s.armLocked(id, kind, worker, d, fn)
}

func (s *Set) armLocked(id types.JobID, kind Kind, worker string, d time.Duration, fn func()) Handle {
	s.gen++
	now := time.Now()
	e := &entry{
		Handle: Handle{Kind: kind, Worker: worker, ArmedAt: now, Deadline: now.Add(d)},
		gen:    s.gen,
		fn:     fn,
	}
	gen := s.gen
	e.timer = time.AfterFunc(d, func() { s.fire(id, gen) })
	s.entries[id] = e
	return e.Handle
}

// fire 只有世代相符時才移除並執行回呼
func (s *Set) fire(id types.JobID, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.entries, id)
	s.mu.Unlock()

	e.fn()
}

// Cancel 取消工作的計時器，回傳被取消的計時器資訊
func (s *Set) Cancel(id types.JobID) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Handle{}, false
	}
	e.timer.Stop()
	delete(s.entries, id)
	return e.Handle, true
}

// Get 查詢工作目前的計時器
func (s *Set) Get(id types.JobID) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Handle{}, false
	}
	return e.Handle, true
}

// RearmIf 目前計時器的種類（與 worker，非空時）相符時，以原回呼重新設定為 d 後觸發
//
// d 為 0 時立即在新的 goroutine 觸發；回傳是否有重新設定。
func (s *Set) RearmIf(id types.JobID, kind Kind, worker string, d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.Kind != kind || (worker != "" && e.Worker != worker) {
		return false
	}
	e.timer.Stop()
	s.armLocked(id, e.Kind, e.Worker, d, e.fn)
	return true
}

// Find 列出指定種類（與 worker，非空時）的工作
func (s *Set) Find(kind Kind, worker string) []types.JobID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.JobID
	for id, e := range s.entries {
		if e.Kind == kind && (worker == "" || e.Worker == worker) {
			out = append(out, id)
		}
	}
	return out
}

// Count 各種類計時器數量
func (s *Set) Count(kind Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// CancelAll 停止所有計時器
func (s *Set) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
}
