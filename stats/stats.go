package stats

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "dagbft"

// Stats 单个节点实例的指标服务，每个实例持有自己的 Registry，
// 同一进程里多节点互不干扰
type Stats struct {
	registry *prometheus.Registry

	dagBlocksProposed prometheus.Counter
	dagBlocksInserted prometheus.Counter
	votesReceived     *prometheus.CounterVec
	votesRejected     *prometheus.CounterVec
	equivocations     prometheus.Counter
	periodsFinalized  prometheus.Counter
	finalizeLatency   prometheus.Histogram
	period            prometheus.Gauge
	round             prometheus.Gauge
	step              prometheus.Gauge
	thresholdUpper    prometheus.Gauge

	statsLock     sync.RWMutex
	apiCallCounts map[string]uint64
}

// Snapshot 测试/状态查询用的普通数值
type Snapshot struct {
	DagBlocksProposed uint64
	DagBlocksInserted uint64
	VotesReceived     uint64
	VotesRejected     map[string]uint64
	Equivocations     uint64
	PeriodsFinalized  uint64
	Period            uint64
	Round             uint64
	Step              uint64
	ThresholdUpper    uint64
}

func NewStats() *Stats {
	s := &Stats{
		registry: prometheus.NewRegistry(),
		dagBlocksProposed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dag_blocks_proposed_total",
			Help: "DAG blocks proposed by this node",
		}),
		dagBlocksInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dag_blocks_inserted_total",
			Help: "DAG blocks accepted into the local DAG",
		}),
		votesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "votes_received_total",
			Help: "Validated votes added to the vote pool",
		}, []string{"type"}),
		votesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "votes_rejected_total",
			Help: "Votes rejected during validation",
		}, []string{"reason"}),
		equivocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "equivocations_total",
			Help: "Equivocating votes detected",
		}),
		periodsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "periods_finalized_total",
			Help: "PBFT periods pushed to the chain",
		}),
		finalizeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "period_duration_seconds",
			Help:    "Wall time between consecutive finalized periods",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		period: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pbft_period", Help: "Current PBFT period",
		}),
		round: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pbft_round", Help: "Current PBFT round",
		}),
		step: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pbft_step", Help: "Current PBFT step",
		}),
		thresholdUpper: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "vrf_threshold_upper", Help: "VRF threshold upper in force",
		}),
		apiCallCounts: make(map[string]uint64),
	}
	s.registry.MustRegister(
		s.dagBlocksProposed, s.dagBlocksInserted, s.votesReceived, s.votesRejected,
		s.equivocations, s.periodsFinalized, s.finalizeLatency,
		s.period, s.round, s.step, s.thresholdUpper,
	)
	return s
}

// Registry 暴露给 HTTP handler 之类的外部采集方
func (s *Stats) Registry() *prometheus.Registry { return s.registry }

func (s *Stats) IncDagBlockProposed() { s.dagBlocksProposed.Inc() }
func (s *Stats) IncDagBlockInserted() { s.dagBlocksInserted.Inc() }
func (s *Stats) IncEquivocation()     { s.equivocations.Inc() }

func (s *Stats) IncVoteReceived(voteType string) {
	s.votesReceived.WithLabelValues(voteType).Inc()
}

func (s *Stats) IncVoteRejected(reason string) {
	s.votesRejected.WithLabelValues(reason).Inc()
}

func (s *Stats) ObservePeriodFinalized(period uint64, elapsed time.Duration) {
	s.periodsFinalized.Inc()
	s.finalizeLatency.Observe(elapsed.Seconds())
	s.period.Set(float64(period + 1))
}

func (s *Stats) SetRoundState(period, round, step uint64) {
	s.period.Set(float64(period))
	s.round.Set(float64(round))
	s.step.Set(float64(step))
}

func (s *Stats) SetThresholdUpper(v uint16) {
	s.thresholdUpper.Set(float64(v))
}

// 记录API调用
func (s *Stats) RecordAPICall(apiName string) {
	s.statsLock.Lock()
	defer s.statsLock.Unlock()
	s.apiCallCounts[apiName]++
}

// 获取API调用统计
func (s *Stats) GetAPICallStats() map[string]uint64 {
	s.statsLock.RLock()
	defer s.statsLock.RUnlock()

	stats := make(map[string]uint64, len(s.apiCallCounts))
	for api, count := range s.apiCallCounts {
		stats[api] = count
	}
	return stats
}

// Snapshot 从 Registry 采集当前值
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{VotesRejected: make(map[string]uint64)}
	families, err := s.registry.Gather()
	if err != nil {
		return snap
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch mf.GetName() {
			case namespace + "_dag_blocks_proposed_total":
				snap.DagBlocksProposed = counterValue(m)
			case namespace + "_dag_blocks_inserted_total":
				snap.DagBlocksInserted = counterValue(m)
			case namespace + "_votes_received_total":
				snap.VotesReceived += counterValue(m)
			case namespace + "_votes_rejected_total":
				snap.VotesRejected[labelValue(m, "reason")] += counterValue(m)
			case namespace + "_equivocations_total":
				snap.Equivocations = counterValue(m)
			case namespace + "_periods_finalized_total":
				snap.PeriodsFinalized = counterValue(m)
			case namespace + "_pbft_period":
				snap.Period = uint64(m.GetGauge().GetValue())
			case namespace + "_pbft_round":
				snap.Round = uint64(m.GetGauge().GetValue())
			case namespace + "_pbft_step":
				snap.Step = uint64(m.GetGauge().GetValue())
			case namespace + "_vrf_threshold_upper":
				snap.ThresholdUpper = uint64(m.GetGauge().GetValue())
			}
		}
	}
	return snap
}

func counterValue(m *dto.Metric) uint64 {
	return uint64(m.GetCounter().GetValue())
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
