package monitor

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRate(t *testing.T) {
	start := time.Unix(100, 0)
	c := &ClientStats{}
	c.UpdateExecutions(0, start)
	c.UpdateExecutions(500, start.Add(500*time.Millisecond))
	assert.Zero(t, c.ExecsPerSec)
	c.UpdateExecutions(2000, start.Add(2*time.Second))
	assert.InDelta(t, 1000.0, c.ExecsPerSec, 1e-9)
}

func TestStatsTotals(t *testing.T) {
	s := NewStats(time.Now())
	s.Client(1).CorpusSize = 3
	s.Client(0).CorpusSize = 4
	s.Client(1).ObjectiveSize = 1
	assert.Equal(t, uint64(7), s.TotalCorpus())
	assert.Equal(t, uint64(1), s.TotalObjectives())
	assert.Equal(t, []uint32{0, 1}, s.ClientIDs())
}

func TestSimpleAndMultiLines(t *testing.T) {
	s := NewStats(time.Now())
	s.Client(2).CorpusSize = 5
	s.Client(2).User["stability"] = 0.5

	var lines []string
	capture := func(l string) { lines = append(lines, l) }
	Tee{NewSimple(capture), NewMulti(capture)}.Display("Testcase", 2, s)

	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "[Testcase #2]"))
	assert.Contains(t, lines[0], "corpus: 5")
	assert.Contains(t, lines[1], "(GLOBAL)")
	assert.Contains(t, lines[2], "stability: 0.500")
}

func TestPrometheusGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	require.NoError(t, err)

	s := NewStats(time.Now())
	s.Client(1).CorpusSize = 9
	s.Client(1).ObjectiveSize = 2
	p.Display("Objective", 1, s)

	assert.Equal(t, 9.0, testutil.ToFloat64(p.corpus.WithLabelValues("1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.objectives.WithLabelValues("1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.events.WithLabelValues("Objective")))

	_, err = NewPrometheus(reg)
	assert.Error(t, err, "registering twice must fail")
}

func TestPrometheusUserStatLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	require.NoError(t, err)

	s := NewStats(time.Now())
	s.Client(3).User["stability"] = 0.75
	p.Display("UserStats", 3, s)

	families, err := reg.Gather()
	require.NoError(t, err)
	var user *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "covfuzz_user_stat" {
			user = mf
		}
	}
	require.NotNil(t, user)
	require.Len(t, user.GetMetric(), 1)
	m := user.GetMetric()[0]
	labels := map[string]string{}
	for _, lp := range m.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	assert.Equal(t, map[string]string{"client": "3", "name": "stability"}, labels)
	assert.Equal(t, 0.75, m.GetGauge().GetValue())
}
