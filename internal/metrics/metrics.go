// ============================================================================
// 派工系統 Metrics - Prometheus 監控指標
// ============================================================================
//
// 指標分類:
//
//   1. 派單計數器 (Counter)：
//      - dispatch_jobs_posted_total: 發布的工作
//      - dispatch_offers_total: 推送成功的派單
//      - dispatch_offer_delivery_failed_total: 推送失敗（工人已斷線）
//      - dispatch_jobs_accepted_total / declined / cancelled
//      - dispatch_offer_timeouts_total: 工人未在時限內回應
//      - dispatch_no_candidate_total: 一輪搜尋沒有合格工人
//      - dispatch_conflicts_total: 條件式轉換失敗（競爭落敗）
//      - dispatch_locations_forwarded_total: 轉發給承包商的位置更新
//
//   2. 延遲 (Histogram)：
//      - dispatch_time_to_accept_seconds: 發布到接單的時間
//
//   3. 狀態 (Gauge)：
//      - dispatch_registry_workers: 在線工人數
//      - dispatch_tracking_windows: 開啟中的追蹤視窗
//
// 所有方法在 nil *Collector 上呼叫都是 no-op，未啟用監控時不需判斷。
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	gatherer prometheus.Gatherer

	jobsPosted         prometheus.Counter
	offers             prometheus.Counter
	deliveryFailed     prometheus.Counter
	accepted           prometheus.Counter
	declined           prometheus.Counter
	offerTimeouts      prometheus.Counter
	noCandidate        prometheus.Counter
	cancelled          prometheus.Counter
	conflicts          prometheus.Counter
	locationsForwarded prometheus.Counter

	timeToAccept prometheus.Histogram

	registryWorkers prometheus.Gauge
	trackingWindows prometheus.Gauge
}

// NewCollector 建立並註冊指標
//
// reg 為 nil 時使用新的 prometheus.Registry；
// 傳入的 reg 同時實作 Gatherer 時 Handler 會使用它。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: name, Help: help})
	}

	c := &Collector{
		jobsPosted:         counter("jobs_posted_total", "Total number of jobs posted"),
		offers:             counter("offers_total", "Total number of offers pushed to workers"),
		deliveryFailed:     counter("offer_delivery_failed_total", "Offers that could not be delivered"),
		accepted:           counter("jobs_accepted_total", "Total number of accepted jobs"),
		declined:           counter("jobs_declined_total", "Total number of declines"),
		offerTimeouts:      counter("offer_timeouts_total", "Offers that expired without a response"),
		noCandidate:        counter("no_candidate_total", "Rounds that found no eligible worker"),
		cancelled:          counter("jobs_cancelled_total", "Total number of cancelled jobs"),
		conflicts:          counter("conflicts_total", "Transitions lost to a concurrent update"),
		locationsForwarded: counter("locations_forwarded_total", "Worker locations forwarded to contractors"),
		timeToAccept: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "time_to_accept_seconds",
			Help:      "Time from posting to acceptance in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		registryWorkers: gauge("registry_workers", "Workers currently registered"),
		trackingWindows: gauge("tracking_windows", "Open tracking windows"),
	}

	reg.MustRegister(
		c.jobsPosted, c.offers, c.deliveryFailed, c.accepted, c.declined,
		c.offerTimeouts, c.noCandidate, c.cancelled, c.conflicts,
		c.locationsForwarded, c.timeToAccept, c.registryWorkers, c.trackingWindows,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}
	return c
}

func (c *Collector) RecordJobPosted() {
	if c != nil {
		c.jobsPosted.Inc()
	}
}

func (c *Collector) RecordOffer() {
	if c != nil {
		c.offers.Inc()
	}
}

func (c *Collector) RecordDeliveryFailed() {
	if c != nil {
		c.deliveryFailed.Inc()
	}
}

// RecordAccepted 記錄接單與從發布到接單的時間
func (c *Collector) RecordAccepted(latency time.Duration) {
	if c != nil {
		c.accepted.Inc()
		c.timeToAccept.Observe(latency.Seconds())
	}
}

func (c *Collector) RecordDeclined() {
	if c != nil {
		c.declined.Inc()
	}
}

func (c *Collector) RecordOfferTimeout() {
	if c != nil {
		c.offerTimeouts.Inc()
	}
}

func (c *Collector) RecordNoCandidate() {
	if c != nil {
		c.noCandidate.Inc()
	}
}

func (c *Collector) RecordCancelled() {
	if c != nil {
		c.cancelled.Inc()
	}
}

func (c *Collector) RecordConflict() {
	if c != nil {
		c.conflicts.Inc()
	}
}

func (c *Collector) RecordLocationForwarded() {
	if c != nil {
		c.locationsForwarded.Inc()
	}
}

func (c *Collector) SetRegistrySize(n int) {
	if c != nil {
		c.registryWorkers.Set(float64(n))
	}
}

func (c *Collector) SetTrackingWindows(n int) {
	if c != nil {
		c.trackingWindows.Set(float64(n))
	}
}

// Handler 回傳 /metrics HTTP handler
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
