package reporter

import (
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Publish gathers every metric family and records each sample on r. A
// sample's name carries its labels in exposition format.
func Publish(g prometheus.Gatherer, r Reporter) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, family := range families {
		for _, m := range family.GetMetric() {
			if err := r.Record(SampleName(family.GetName(), m.GetLabel()), FormatValue(family.GetType(), m)); err != nil {
				return err
			}
		}
	}
	return nil
}

// SampleName formats name{label="value",...} with labels sorted by name.
func SampleName(name string, labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels))
	for _, l := range labels {
		pairs = append(pairs, l.GetName()+"="+strconv.Quote(l.GetValue()))
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

// FormatValue renders a sample. Histograms and summaries render as their
// count and sum.
func FormatValue(t dto.MetricType, m *dto.Metric) string {
	switch t {
	case dto.MetricType_COUNTER:
		return formatFloat(m.GetCounter().GetValue())
	case dto.MetricType_GAUGE:
		return formatFloat(m.GetGauge().GetValue())
	case dto.MetricType_HISTOGRAM:
		h := m.GetHistogram()
		return "count=" + strconv.FormatUint(h.GetSampleCount(), 10) + " sum=" + formatFloat(h.GetSampleSum())
	case dto.MetricType_SUMMARY:
		s := m.GetSummary()
		return "count=" + strconv.FormatUint(s.GetSampleCount(), 10) + " sum=" + formatFloat(s.GetSampleSum())
	default:
		return formatFloat(m.GetUntyped().GetValue())
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
