// Package metrics reports build metrics to a Prometheus pushgateway. Because
// hitzeleiter runs as a transient process per build invocation rather than a
// long-lived daemon, we can't wait around for Prometheus to scrape us — we
// push on a ticker instead, same as the pushgateway pattern was designed for.
package metrics

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/hitzeleiter/hitzeleiter/src/config"
)

var log = logging.MustGetLogger("metrics")

// maxErrors is how many consecutive push failures we tolerate before giving up.
const maxErrors = 3

// buckets are the buckets used for task duration histograms.
var buckets = []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 25.0, 50.0, 100.0, 250.0, 500.0, 1000.0}

type metrics struct {
	url        string
	newMetrics bool
	ticker     *time.Ticker
	cancelled  bool
	perRecipe  bool
	errors     int
	pushes     int
	timeout    time.Duration

	taskCounter     *prometheus.CounterVec
	cacheCounter    *prometheus.CounterVec
	taskHistogram   *prometheus.HistogramVec
	cacheHistogram  *prometheus.HistogramVec
	registry        *prometheus.Registry
}

// m is the singleton metrics instance, nil until InitFromConfig is called
// with a configured pushgateway URL.
var m *metrics

// InitFromConfig sets up metrics reporting from the build's configuration.
// A no-op if no pushgateway URL is configured.
func InitFromConfig(cfg *config.Configuration) {
	if cfg.Metrics.PushGatewayURL == "" {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("metrics initialisation failed: %s", r)
		}
	}()
	m = initMetrics(cfg.Metrics.PushGatewayURL, time.Duration(cfg.Metrics.PushFrequency),
		time.Duration(cfg.Metrics.PushTimeout), cfg.CustomMetricLabels, cfg.Metrics.PerRecipe)
}

// initMetrics builds a new metrics instance. Deliberately unexported, but
// useful for tests that want one without going through InitFromConfig.
func initMetrics(url string, frequency, timeout time.Duration, customLabels map[string]string, perRecipe bool) *metrics {
	constLabels := prometheus.Labels{"arch": runtime.GOOS + "_" + runtime.GOARCH}
	for k, v := range customLabels {
		constLabels[k] = deriveLabelValue(v)
	}

	m := &metrics{
		url:      url,
		timeout:  timeout,
		ticker:   time.NewTicker(frequency),
		perRecipe: perRecipe,
		registry: prometheus.NewRegistry(),
	}

	taskLabels := []string{"success"}
	if perRecipe {
		taskLabels = append(taskLabels, "recipe", "task")
	}

	m.taskCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "task_runs",
		Help:        "Count of number of times each task is executed",
		ConstLabels: constLabels,
	}, taskLabels)

	m.cacheCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "cache_lookups",
		Help:        "Count of action-cache lookups, by whether they hit",
		ConstLabels: constLabels,
	}, []string{"hit"})

	m.taskHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "task_durations_seconds",
		Help:        "Durations of individual task executions",
		Buckets:     buckets,
		ConstLabels: constLabels,
	}, []string{})

	m.cacheHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "cache_lookup_durations_seconds",
		Help:        "Durations of action-cache lookups",
		Buckets:     buckets,
		ConstLabels: constLabels,
	}, []string{})

	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	m.registry.MustRegister(m.taskCounter)
	m.registry.MustRegister(m.cacheCounter)
	m.registry.MustRegister(m.taskHistogram)
	m.registry.MustRegister(m.cacheHistogram)

	go m.keepPushing()
	return m
}

// Stop shuts down metrics reporting and pushes one final batch before returning.
func Stop() {
	if m != nil {
		m.stop()
	}
}

func (m *metrics) stop() {
	m.ticker.Stop()
	if !m.cancelled {
		m.errors = m.pushMetrics()
	}
}

// RecordTask records the outcome of one executed task (cache miss; a cache
// hit is recorded separately via RecordCacheLookup).
func RecordTask(recipe, task string, success bool, duration time.Duration) {
	if m != nil {
		m.recordTask(recipe, task, success, duration)
	}
}

func (m *metrics) recordTask(recipe, task string, success bool, duration time.Duration) {
	if m.perRecipe {
		m.taskCounter.WithLabelValues(b(success), recipe, task).Inc()
	} else {
		m.taskCounter.WithLabelValues(b(success)).Inc()
	}
	m.taskHistogram.WithLabelValues().Observe(duration.Seconds())
	m.newMetrics = true
}

// RecordCacheLookup records one action-cache lookup, whether or not it hit.
func RecordCacheLookup(hit bool, duration time.Duration) {
	if m != nil {
		m.recordCacheLookup(hit, duration)
	}
}

func (m *metrics) recordCacheLookup(hit bool, duration time.Duration) {
	m.cacheCounter.WithLabelValues(b(hit)).Inc()
	if hit {
		m.cacheHistogram.WithLabelValues().Observe(duration.Seconds())
	}
	m.newMetrics = true
}

func b(value bool) string {
	if value {
		return "true"
	}
	return "false"
}

func (m *metrics) keepPushing() {
	for range m.ticker.C {
		m.errors = m.pushMetrics()
		if m.errors >= maxErrors {
			log.Warning("metrics pushes keep failing, giving up")
			m.cancelled = true
			return
		}
	}
}

// deadline applies a deadline to an arbitrary function and returns when
// either the function completes or the deadline expires.
func deadline(f func() error, timeout time.Duration) error {
	c := make(chan error, 1)
	go func() {
		c <- f()
	}()
	select {
	case err := <-c:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("metrics push timed out")
	}
}

// pushMetrics attempts to send the current metrics to the pushgateway. It
// returns the new error count (0 on success, incremented on failure).
func (m *metrics) pushMetrics() int {
	if !m.newMetrics {
		return m.errors
	}
	start := time.Now()
	m.newMetrics = false
	if err := deadline(func() error {
		return push.New(m.url, "hitzeleiter").Gatherer(m.registry).Push()
	}, m.timeout); err != nil {
		log.Warning("could not push metrics: %s", err)
		m.newMetrics = true
		return m.errors + 1
	}
	m.pushes++
	log.Debug("push #%d of metrics in %0.3fs", m.pushes, time.Since(start).Seconds())
	return 0
}

// deriveLabelValue runs cmd and returns its trimmed single-line output, used
// to let a user attach e.g. the current git branch as a constant label.
func deriveLabelValue(cmd string) string {
	parts, err := shlex.Split(cmd)
	if err != nil {
		panic(fmt.Sprintf("invalid custom metric command [%s]: %s", cmd, err))
	}
	log.Debug("running custom label command: %s", cmd)
	out, err := exec.Command(parts[0], parts[1:]...).Output()
	if err != nil {
		panic(fmt.Sprintf("custom metric command [%s] failed: %s", cmd, err))
	}
	value := strings.TrimSpace(string(out))
	if strings.Contains(value, "\n") {
		panic(fmt.Sprintf("return value of custom metric command [%s] contains newlines: %s", cmd, value))
	}
	return value
}
