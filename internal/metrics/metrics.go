package metrics

import (
	"errors"

	"github.com/EthanQC/liveroom/pkg/zlog"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HeartbeatWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liveroom_presence_heartbeat_writes_total",
		Help: "Device heartbeat writes by result.",
	}, []string{"result"})

	AggregateRecomputes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liveroom_presence_aggregate_recomputes_total",
		Help: "Aggregated presence recomputes by trigger.",
	}, []string{"trigger"})

	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "liveroom_validator_breaker_state",
		Help: "Circuit breaker state per key (0 closed, 1 half-open, 2 open).",
	}, []string{"key"})

	BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liveroom_validator_breaker_transitions_total",
		Help: "Circuit breaker state transitions.",
	}, []string{"to"})

	RetryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liveroom_retry_attempts_total",
		Help: "Retried operation attempts by operation and result.",
	}, []string{"op", "result"})

	ConnectionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liveroom_connection_transitions_total",
		Help: "Connection state machine transitions.",
	}, []string{"from", "to"})

	EntryOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liveroom_entry_outcomes_total",
		Help: "Event entry outcomes by status.",
	}, []string{"status"})

	HubMembers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "liveroom_rtc_hub_members",
		Help: "Sockets currently joined to an rtc channel.",
	})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		HeartbeatWrites,
		AggregateRecomputes,
		BreakerState,
		BreakerTransitions,
		RetryAttempts,
		ConnectionTransitions,
		EntryOutcomes,
		HubMembers,
		zlog.Collector(),
	}
}

// Register 注册全部指标，重复注册视为成功
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

// Result 把错误折算成 ok/error 标签
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
