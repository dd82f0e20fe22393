package bus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// stats holds bus metrics. Collectors are always live; they are exposed
// only if a registerer is configured.
type stats struct {
	framesIn      prometheus.Counter
	framesOut     prometheus.Counter
	decodeErrors  prometheus.Counter
	handlerErrors prometheus.Counter
	pubrTimeouts  prometheus.Counter
	interrupts    prometheus.Counter
	liveCons      prometheus.Gauge
	totalCons     prometheus.Counter
}

func newStats(namespace string) *stats {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      name,
			Help:      help,
		})
	}
	return &stats{
		framesIn:      counter("frames_in_total", "Frames received from connections."),
		framesOut:     counter("frames_out_total", "Frames sent to connections."),
		decodeErrors:  counter("decode_errors_total", "Inbound frames which failed to decode."),
		handlerErrors: counter("handler_errors_total", "Subscription and RPC handler failures."),
		pubrTimeouts:  counter("pubr_timeouts_total", "Pubr calls which timed out."),
		interrupts:    counter("filter_interrupts_total", "Dispatches short-circuited by input filters."),
		totalCons:     counter("connections_total", "Connections accepted since start."),
		liveCons: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "connections_live",
			Help:      "Currently open connections.",
		}),
	}
}

func (s *stats) collectors() []prometheus.Collector {
	return []prometheus.Collector{s.framesIn, s.framesOut, s.decodeErrors, s.handlerErrors,
		s.pubrTimeouts, s.interrupts, s.liveCons, s.totalCons}
}

func (s *stats) register(reg prometheus.Registerer) error {
	for _, c := range s.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *stats) unregister(reg prometheus.Registerer) {
	for _, c := range s.collectors() {
		reg.Unregister(c)
	}
}
