package metrics

import (
	"context"
	"fmt"

	"github.com/netbox-sync/netbox-sync/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type historyCollector struct {
	store        store.Store
	totalRuns    *prometheus.Desc
	runsByStatus *prometheus.Desc
	runsByMode   *prometheus.Desc
}

// NewHistoryCollector exposes the recorded run history. The store is read
// on every scrape.
func NewHistoryCollector(s store.Store) prometheus.Collector {
	fqName := func(name string) string {
		return fmt.Sprintf("%s_history_%s", netboxSync, name)
	}

	return &historyCollector{
		store: s,
		totalRuns: prometheus.NewDesc(
			fqName("runs"),
			"Number of runs kept in the history.",
			nil,
			prometheus.Labels{},
		),
		runsByStatus: prometheus.NewDesc(
			fqName("runs_by_status"),
			"Runs kept in the history by status.",
			[]string{"status"},
			prometheus.Labels{},
		),
		runsByMode: prometheus.NewDesc(
			fqName("runs_by_mode"),
			"Runs kept in the history by mode.",
			[]string{"mode"},
			prometheus.Labels{},
		),
	}
}

func (c *historyCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalRuns
	ch <- c.runsByStatus
	ch <- c.runsByMode
}

// Collect implements Collector.
func (c *historyCollector) Collect(ch chan<- prometheus.Metric) {
	stats, err := c.store.Statistics(context.Background())
	if err != nil {
		zap.S().Named("history_collector").Errorf("failed to collect run statistics: %s", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.totalRuns, prometheus.GaugeValue, float64(stats.Total))

	for status, total := range stats.ByStatus {
		ch <- prometheus.MustNewConstMetric(c.runsByStatus, prometheus.GaugeValue, float64(total), string(status))
	}
	for mode, total := range stats.ByMode {
		ch <- prometheus.MustNewConstMetric(c.runsByMode, prometheus.GaugeValue, float64(total), mode)
	}
}
