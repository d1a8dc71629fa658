package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulerMetrics records lock coordination and tick dispatch.
type SchedulerMetrics struct {
	leader      prometheus.Gauge
	ticks       *prometheus.CounterVec
	lockFailed  *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

// NewSchedulerMetrics registers the scheduler metrics on the provided registerer.
func NewSchedulerMetrics(reg prometheus.Registerer) *SchedulerMetrics {
	if reg == nil {
		return &SchedulerMetrics{}
	}
	leader := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_leader",
		Help: "1 while this instance holds the schedule lock.",
	})
	ticks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_ticks",
		Help: "Scheduled task dispatches per periodicity.",
	}, []string{"periodicity"})
	lockFailed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_lock_failures",
		Help: "Lock operations that failed.",
	}, []string{"operation"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_transitions",
		Help: "Leadership state changes.",
	}, []string{"state"})
	reg.MustRegister(leader, ticks, lockFailed, transitions)
	return &SchedulerMetrics{
		leader:      leader,
		ticks:       ticks,
		lockFailed:  lockFailed,
		transitions: transitions,
	}
}

// SetLeader flips the leadership gauge.
func (s *SchedulerMetrics) SetLeader(isLeader bool) {
	if s == nil || s.leader == nil {
		return
	}
	if isLeader {
		s.leader.Set(1)
		return
	}
	s.leader.Set(0)
}

// IncTick counts a dispatched tick for the given periodicity.
func (s *SchedulerMetrics) IncTick(periodicity string) {
	if s == nil || s.ticks == nil {
		return
	}
	s.ticks.WithLabelValues(normalizeLabel(periodicity)).Inc()
}

// IncLockFailure counts a failed lock operation (acquire or extend).
func (s *SchedulerMetrics) IncLockFailure(operation string) {
	if s == nil || s.lockFailed == nil {
		return
	}
	s.lockFailed.WithLabelValues(normalizeLabel(operation)).Inc()
}

// IncTransition counts a leadership state change.
func (s *SchedulerMetrics) IncTransition(state string) {
	if s == nil || s.transitions == nil {
		return
	}
	s.transitions.WithLabelValues(normalizeLabel(state)).Inc()
}
