// Package registry 維護目前連線中、持續回報位置的工人清單
//
// 只存在記憶體中；重啟後由工人重新連線註冊重建。
package registry

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/labor-dispatch/pkg/types"
)

// ErrUnknownConnection 連線尚未註冊
var ErrUnknownConnection = errors.New("registry: unknown connection")

// Identity 工人註冊時提供的身分資料
type Identity struct {
	ID         string
	Phone      string
	Name       string
	PhotoRef   string
	WorkerType string
}

// Entry 工人登錄紀錄
type Entry struct {
	ConnID     string
	ID         string
	Phone      string
	Name       string
	PhotoRef   string
	WorkerType string
	Skills     []string
	Location   types.Location
	Live       bool
	UpdatedAt  time.Time
}

// Snapshot 轉為接單時保存在工作上的工人快照
func (e Entry) Snapshot() *types.WorkerSnapshot {
	return &types.WorkerSnapshot{
		ID:       e.ID,
		Name:     e.Name,
		Phone:    e.Phone,
		Skills:   slices.Clone(e.Skills),
		Location: e.Location,
		PhotoRef: e.PhotoRef,
	}
}

func (e Entry) clone() Entry {
	e.Skills = slices.Clone(e.Skills)
	return e
}

// Registry 以連線 ID 與手機號碼雙索引的工人登錄表
type Registry struct {
	mu      sync.RWMutex
	byConn  map[string]*Entry
	byPhone map[string]*Entry
	now     func() time.Time
}

// New 建立空的登錄表
func New() *Registry {
	return &Registry{
		byConn:  make(map[string]*Entry),
		byPhone: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Upsert 註冊或更新工人
//
// 同一手機在新連線上註冊時取代舊連線的紀錄；回傳被取代的舊連線 ID（沒有則為空字串）。
func (r *Registry) Upsert(connID string, id Identity, loc types.Location, skills []string) (replaced string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byPhone[id.Phone]; ok && old.ConnID != connID {
		delete(r.byConn, old.ConnID)
		replaced = old.ConnID
	}
	if old, ok := r.byConn[connID]; ok && old.Phone != id.Phone {
		delete(r.byPhone, old.Phone)
	}

	entry := &Entry{
		ConnID:     connID,
		ID:         id.ID,
		Phone:      id.Phone,
		Name:       id.Name,
		PhotoRef:   id.PhotoRef,
		WorkerType: id.WorkerType,
		Skills:     slices.Clone(skills),
		Location:   loc,
		Live:       true,
		UpdatedAt:  r.now(),
	}
	r.byConn[connID] = entry
	r.byPhone[id.Phone] = entry
	return replaced
}

// UpdateLocation 更新連線對應工人的位置
func (r *Registry) UpdateLocation(connID string, loc types.Location) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byConn[connID]
	if !ok {
		return Entry{}, ErrUnknownConnection
	}
	entry.Location = loc
	entry.UpdatedAt = r.now()
	return entry.clone(), nil
}

// Remove 移除連線，回傳被移除的紀錄
func (r *Registry) Remove(connID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byConn[connID]
	if !ok {
		return Entry{}, false
	}
	delete(r.byConn, connID)
	if current, ok := r.byPhone[entry.Phone]; ok && current == entry {
		delete(r.byPhone, entry.Phone)
	}
	return entry.clone(), true
}

// SetLive 切換工人是否接受派單，回傳該工人是否在線
func (r *Registry) SetLive(phone string, live bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byPhone[phone]
	if !ok {
		return false
	}
	entry.Live = live
	entry.UpdatedAt = r.now()
	return true
}

func (r *Registry) Lookup(connID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.byConn[connID]
	if !ok {
		return Entry{}, false
	}
	return entry.clone(), true
}

func (r *Registry) LookupByPhone(phone string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.byPhone[phone]
	if !ok {
		return Entry{}, false
	}
	return entry.clone(), true
}

// Snapshot 回傳所有紀錄的副本
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.byConn))
	for _, entry := range r.byConn {
		out = append(out, entry.clone())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
