package risk

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskbot_cycles_total",
		Help: "Completed risk evaluation cycles",
	})
	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "riskbot_cycle_duration_seconds",
		Help:    "Wall time of one risk evaluation cycle",
		Buckets: prometheus.DefBuckets,
	})
	activePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "riskbot_active_positions",
		Help: "Positions currently tracked",
	})
	exitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskbot_exits_total",
		Help: "Exits executed, by reason",
	}, []string{"reason"})
	slUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskbot_sl_updates_total",
		Help: "Stop-loss ratchet updates applied",
	})
	brokerCallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskbot_broker_api_calls_total",
		Help: "Broker REST calls made by the risk loop",
	})
	brokerFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskbot_broker_api_failures_total",
		Help: "Broker REST calls that failed",
	})
	cacheFetchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riskbot_price_cache_fetches_total",
		Help: "Price lookups served from local or Redis cache",
	})
)

// CycleStats accumulates counters over a single evaluation cycle. The loop
// goroutine owns it exclusively until it is handed to Metrics.RecordCycle.
type CycleStats struct {
	StartedAt      time.Time
	TicksProcessed int
	CacheFetches   int
	APICalls       int
	APIFailures    int
	PeakUpdates    int
	SLUpdates      int
	ExitsTriggered int
	Errors         []string
}

// Metrics aggregates cycle statistics for the health surface and mirrors
// them into Prometheus collectors.
type Metrics struct {
	mu sync.RWMutex

	cycles        int64
	lastCycleAt   time.Time
	lastDuration  time.Duration
	lastStats     CycleStats
	totalExits    int64
	totalSLMoves  int64
	recentErrors  []string
	maxErrorsKept int
}

// NewMetrics creates a metrics aggregator keeping the last maxErrors error
// strings for the health snapshot.
func NewMetrics(maxErrors int) *Metrics {
	if maxErrors <= 0 {
		maxErrors = 20
	}
	return &Metrics{maxErrorsKept: maxErrors}
}

// RecordCycle folds one finished cycle into the aggregate and Prometheus.
func (m *Metrics) RecordCycle(stats CycleStats, tracked int) {
	duration := time.Since(stats.StartedAt)

	m.mu.Lock()
	m.cycles++
	m.lastCycleAt = time.Now()
	m.lastDuration = duration
	m.lastStats = stats
	m.totalExits += int64(stats.ExitsTriggered)
	m.totalSLMoves += int64(stats.SLUpdates)

	m.recentErrors = append(m.recentErrors, stats.Errors...)
	if overflow := len(m.recentErrors) - m.maxErrorsKept; overflow > 0 {
		m.recentErrors = m.recentErrors[overflow:]
	}
	m.mu.Unlock()

	cyclesTotal.Inc()
	cycleDuration.Observe(duration.Seconds())
	activePositions.Set(float64(tracked))
	slUpdatesTotal.Add(float64(stats.SLUpdates))
	brokerCallsTotal.Add(float64(stats.APICalls))
	brokerFailuresTotal.Add(float64(stats.APIFailures))
	cacheFetchesTotal.Add(float64(stats.CacheFetches))
}

// RecordExit counts one executed exit by reason.
func (m *Metrics) RecordExit(reason string) {
	exitsTotal.WithLabelValues(reason).Inc()
}

// Reset clears the in-memory aggregate. Prometheus collectors are
// cumulative and are left untouched.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cycles = 0
	m.lastCycleAt = time.Time{}
	m.lastDuration = 0
	m.lastStats = CycleStats{}
	m.totalExits = 0
	m.totalSLMoves = 0
	m.recentErrors = nil
}

// Snapshot is the health view of the risk loop's recent activity.
type Snapshot struct {
	Cycles         int64         `json:"cycles"`
	LastCycleAt    time.Time     `json:"last_cycle_at"`
	LastDuration   time.Duration `json:"last_duration"`
	TicksProcessed int           `json:"ticks_processed"`
	CacheFetches   int           `json:"cache_fetches"`
	APICalls       int           `json:"api_calls"`
	SLUpdates      int           `json:"sl_updates"`
	ExitsTriggered int           `json:"exits_triggered"`
	TotalExits     int64         `json:"total_exits"`
	TotalSLMoves   int64         `json:"total_sl_moves"`
	RecentErrors   []string      `json:"recent_errors"`
}

// GetSnapshot returns a copy of the aggregate for the health surface.
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	errs := make([]string, len(m.recentErrors))
	copy(errs, m.recentErrors)

	return Snapshot{
		Cycles:         m.cycles,
		LastCycleAt:    m.lastCycleAt,
		LastDuration:   m.lastDuration,
		TicksProcessed: m.lastStats.TicksProcessed,
		CacheFetches:   m.lastStats.CacheFetches,
		APICalls:       m.lastStats.APICalls,
		SLUpdates:      m.lastStats.SLUpdates,
		ExitsTriggered: m.lastStats.ExitsTriggered,
		TotalExits:     m.totalExits,
		TotalSLMoves:   m.totalSLMoves,
		RecentErrors:   errs,
	}
}
