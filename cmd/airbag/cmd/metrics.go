package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

type metricSample struct {
	Name   string            `json:"name" yaml:"name"`
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Value  float64           `json:"value" yaml:"value"`
}

// printMetrics writes every non-zero sample in g in the selected output
// format. "prom" selects the Prometheus text exposition format.
func printMetrics(g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	if outputFormat == "prom" {
		enc := expfmt.NewEncoder(os.Stdout, expfmt.NewFormat(expfmt.TypeTextPlain))
		for _, mf := range families {
			if err := enc.Encode(mf); err != nil {
				return fmt.Errorf("failed to encode metrics: %w", err)
			}
		}
		return nil
	}

	samples := flattenFamilies(families)
	if isJSONOutput() || isYAMLOutput() {
		return encodeStructured(samples)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Metric", "Labels", "Value")
	for _, s := range samples {
		table.Append(s.Name, formatLabels(s.Labels), fmt.Sprintf("%g", s.Value))
	}
	return table.Render()
}

func flattenFamilies(families []*dto.MetricFamily) []metricSample {
	var out []metricSample
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var v float64
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				v = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				v = m.GetGauge().GetValue()
			case dto.MetricType_UNTYPED:
				v = m.GetUntyped().GetValue()
			default:
				continue
			}
			if v == 0 {
				continue
			}
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			out = append(out, metricSample{Name: mf.GetName(), Labels: labels, Value: v})
		}
	}
	return out
}

func formatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}
