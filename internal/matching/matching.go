// Package matching 依距離、工種與可接單狀態挑選派單對象
//
// Select 為純函式：所有外部狀態（可接單、忙碌、逾時）由呼叫端先查好放進 Eligibility。
package matching

import (
	"math"
	"sort"
	"strings"

	"github.com/ChuLiYu/labor-dispatch/internal/registry"
	"github.com/ChuLiYu/labor-dispatch/pkg/types"
)

// 地球平均半徑（公里）
const earthRadiusKm = 6371.0

// DefaultRadiusKm 預設搜尋半徑
const DefaultRadiusKm = 5.0

// Policy 挑選策略
type Policy struct {
	RadiusKm float64
	// DeprioritizeTimedOut 曾對此工作逾時未回應的工人排在最後
	DeprioritizeTimedOut bool
}

func DefaultPolicy() Policy {
	return Policy{RadiusKm: DefaultRadiusKm, DeprioritizeTimedOut: true}
}

// Eligibility 由呼叫端查詢的外部狀態，以手機號碼為 key
type Eligibility struct {
	Available map[string]bool // 目錄中的可接單狀態；缺少視為不可接單
	Busy      map[string]bool // 已有未付款工作
	TimedOut  map[string]bool // 曾對此工作逾時
}

// Candidate 候選工人
type Candidate struct {
	registry.Entry
	DistanceKm float64
}

// DistanceKm 以 haversine 公式計算兩點距離
func DistanceKm(a, b types.Location) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// MatchesType 工作未指定工種時皆符合；否則比對工人宣告的工種或任一技能（不分大小寫）
func MatchesType(jobType string, e registry.Entry) bool {
	if jobType == "" {
		return true
	}
	if strings.EqualFold(jobType, e.WorkerType) {
		return true
	}
	for _, skill := range e.Skills {
		if strings.EqualFold(jobType, skill) {
			return true
		}
	}
	return false
}

// WithinRange 只套用不需外部查詢的條件（距離、工種、拒絕、在線），
// 讓呼叫端只為剩下的工人查詢目錄與忙碌狀態。
func WithinRange(job *types.Job, entries []registry.Entry, policy Policy) []Candidate {
	out := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		if !e.Live || job.HasDeclined(e.Phone) || !MatchesType(job.WorkerType, e) {
			continue
		}
		d := DistanceKm(job.Location, e.Location)
		if d > policy.RadiusKm {
			continue
		}
		out = append(out, Candidate{Entry: e, DistanceKm: d})
	}
	return out
}

// Select 回傳依優先順序排列的候選工人
func Select(job *types.Job, entries []registry.Entry, elig Eligibility, policy Policy) []Candidate {
	pre := WithinRange(job, entries, policy)

	out := pre[:0]
	for _, c := range pre {
		if !elig.Available[c.Phone] || elig.Busy[c.Phone] {
			continue
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, k int) bool {
		if policy.DeprioritizeTimedOut {
			ti, tk := elig.TimedOut[out[i].Phone], elig.TimedOut[out[k].Phone]
			if ti != tk {
				return tk
			}
		}
		if out[i].DistanceKm != out[k].DistanceKm {
			return out[i].DistanceKm < out[k].DistanceKm
		}
		return out[i].Phone < out[k].Phone
	})
	return out
}
