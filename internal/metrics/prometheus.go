package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// All counters share one metric name with an `event` label. When live is
// non-nil its value is reported as the current connection gauge.
func PrometheusHandler(m *Metrics, live func() int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP signal_relay_events_total Relay event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE signal_relay_events_total counter")
		escaper := strings.NewReplacer("\\", "\\\\", "\"", "\\\"")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "signal_relay_events_total{event=\"%s\"} %d\n", escaper.Replace(k), snap[k])
		}

		if live != nil {
			_, _ = fmt.Fprintln(w, "# HELP signal_relay_connections Currently open relay connections.")
			_, _ = fmt.Fprintln(w, "# TYPE signal_relay_connections gauge")
			_, _ = fmt.Fprintf(w, "signal_relay_connections %d\n", live())
		}
	})
}
