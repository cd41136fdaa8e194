package metrics

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	netboxSync = "netbox_sync"

	// Run metrics
	runsTotal            = "runs_total"
	objectsTotal         = "objects_total"
	lastRunSuccess       = "last_run_success"
	lastRunTimestamp     = "last_run_timestamp_seconds"
	lastRunDuration      = "last_run_duration_seconds"
	runDurationHistogram = "run_duration_seconds"

	// Labels
	modeLabel      = "mode"
	resultLabel    = "result"
	kindLabel      = "kind"
	operationLabel = "operation"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

/**
* Metrics definition
**/
var runsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: netboxSync,
		Name:      runsTotal,
		Help:      "number of sync runs partitioned by mode and result",
	},
	[]string{modeLabel, resultLabel},
)

var objectsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: netboxSync,
		Name:      objectsTotal,
		Help:      "number of NetBox objects touched by sync runs partitioned by kind and operation",
	},
	[]string{kindLabel, operationLabel},
)

var lastRunSuccessMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: netboxSync,
		Name:      lastRunSuccess,
		Help:      "1 when the last sync run succeeded, 0 otherwise",
	},
)

var lastRunTimestampMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: netboxSync,
		Name:      lastRunTimestamp,
		Help:      "unix time the last sync run finished",
	},
)

var lastRunDurationMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: netboxSync,
		Name:      lastRunDuration,
		Help:      "duration of the last sync run",
	},
)

var runDurationMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Subsystem: netboxSync,
		Name:      runDurationHistogram,
		Help:      "duration of sync runs partitioned by mode",
		Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800},
	},
	[]string{modeLabel},
)

func IncreaseRunsTotalMetric(mode, result string) {
	labels := prometheus.Labels{
		modeLabel:   mode,
		resultLabel: result,
	}
	runsTotalMetric.With(labels).Inc()
}

// AddObjectsMetric counts n objects of kind touched by operation. Zero
// counts are ignored.
func AddObjectsMetric(kind, operation string, n int) {
	if n <= 0 {
		return
	}
	labels := prometheus.Labels{
		kindLabel:      kind,
		operationLabel: operation,
	}
	objectsTotalMetric.With(labels).Add(float64(n))
}

func UpdateLastRunMetrics(mode string, success bool, finished time.Time, duration time.Duration) {
	if success {
		lastRunSuccessMetric.Set(1)
	} else {
		lastRunSuccessMetric.Set(0)
	}
	lastRunTimestampMetric.Set(float64(finished.Unix()))
	lastRunDurationMetric.Set(duration.Seconds())
	runDurationMetric.With(prometheus.Labels{modeLabel: mode}).Observe(duration.Seconds())
}

// WriteTextfile dumps the default registry in the node exporter textfile
// format. The file is replaced atomically.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return errors.Wrapf(err, "failed to write metrics to %s", path)
	}
	return nil
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(runsTotalMetric)
	prometheus.MustRegister(objectsTotalMetric)
	prometheus.MustRegister(lastRunSuccessMetric)
	prometheus.MustRegister(lastRunTimestampMetric)
	prometheus.MustRegister(lastRunDurationMetric)
	prometheus.MustRegister(runDurationMetric)
}
