package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hitzeleiter/hitzeleiter/src/cli"
	"github.com/hitzeleiter/hitzeleiter/src/config"
)

const url = "http://localhost:9999"
const verySlow = 10 * time.Hour // never actually fires during a test

func TestNoMetricsNothingPushedOnStop(t *testing.T) {
	m := initMetrics(url, verySlow, time.Second, nil, false)
	assert.Equal(t, 0, m.errors)
	assert.Equal(t, 0, m.pushes)
	m.stop()
	assert.Equal(t, 0, m.errors, "stop should not push when nothing has been recorded")
}

func TestRecordTaskQueuesAPush(t *testing.T) {
	m := initMetrics(url, verySlow, time.Second, nil, false)
	m.recordTask("busybox", "do_compile", true, time.Millisecond)
	m.stop()
	assert.Equal(t, 1, m.errors, "stop should attempt one push when metrics are pending")
}

func TestRecordCacheLookup(t *testing.T) {
	m := initMetrics(url, verySlow, time.Second, nil, false)
	m.recordCacheLookup(true, time.Millisecond)
	m.recordCacheLookup(false, 0)
	m.stop()
	assert.Equal(t, 1, m.errors)
}

func TestPushAttemptsGiveUpAfterMaxErrors(t *testing.T) {
	m := initMetrics(url, time.Millisecond, time.Second, nil, false)
	m.recordTask("busybox", "do_compile", true, time.Millisecond)
	deadlineAt := time.Now().Add(200 * time.Millisecond)
	for !m.cancelled && time.Now().Before(deadlineAt) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, maxErrors, m.errors)
	assert.True(t, m.cancelled)
	m.stop()
	assert.Equal(t, maxErrors, m.errors, "should not push again once cancelled")
}

func TestCustomLabelsShlex(t *testing.T) {
	m := initMetrics(url, verySlow, time.Second, map[string]string{
		"mylabel": "echo hello",
	}, false)
	c := m.cacheCounter.WithLabelValues("false")
	assert.Contains(t, c.Desc().String(), `mylabel="hello"`)
}

func TestCustomLabelsCommandFails(t *testing.T) {
	assert.Panics(t, func() {
		initMetrics(url, verySlow, time.Second, map[string]string{
			"mylabel": "false",
		}, false)
	})
}

func TestCustomLabelsCommandNewlines(t *testing.T) {
	assert.Panics(t, func() {
		initMetrics(url, verySlow, time.Second, map[string]string{
			"mylabel": "printf hello\\\\nworld",
		}, false)
	})
}

func TestExportedFunctions(t *testing.T) {
	cfg := config.DefaultConfiguration()
	cfg.Metrics.PushGatewayURL = url
	cfg.Metrics.PushFrequency = cli.Duration(verySlow)

	InitFromConfig(cfg)
	RecordTask("busybox", "do_compile", true, time.Millisecond)
	Stop()
	assert.Equal(t, 1, m.errors)
}
