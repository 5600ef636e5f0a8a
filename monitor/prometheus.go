package monitor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exports the statistics as gauges labelled by client.
type Prometheus struct {
	corpus     *prometheus.GaugeVec
	objectives *prometheus.GaugeVec
	executions *prometheus.GaugeVec
	rate       *prometheus.GaugeVec
	user       *prometheus.GaugeVec
	events     *prometheus.CounterVec
}

// NewPrometheus registers the collectors on reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		corpus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "covfuzz", Name: "corpus_size", Help: "Entries in the client corpus.",
		}, []string{"client"}),
		objectives: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "covfuzz", Name: "objectives", Help: "Solutions found by the client.",
		}, []string{"client"}),
		executions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "covfuzz", Name: "executions", Help: "Target executions performed by the client.",
		}, []string{"client"}),
		rate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "covfuzz", Name: "execs_per_second", Help: "Recent execution rate of the client.",
		}, []string{"client"}),
		user: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "covfuzz", Name: "user_stat", Help: "Client-defined statistics.",
		}, []string{"client", "name"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "covfuzz", Name: "events_total", Help: "Events seen by the monitor.",
		}, []string{"event"}),
	}
	for _, c := range []prometheus.Collector{p.corpus, p.objectives, p.executions, p.rate, p.user, p.events} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) Display(event string, client uint32, s *Stats) {
	p.events.WithLabelValues(event).Inc()
	c := s.Client(client)
	id := strconv.FormatUint(uint64(client), 10)
	p.corpus.WithLabelValues(id).Set(float64(c.CorpusSize))
	p.objectives.WithLabelValues(id).Set(float64(c.ObjectiveSize))
	p.executions.WithLabelValues(id).Set(float64(c.Executions))
	p.rate.WithLabelValues(id).Set(c.ExecsPerSec)
	for name, v := range c.User {
		p.user.WithLabelValues(id, name).Set(v)
	}
}
