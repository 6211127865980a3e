package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "production", mutate: func(c *Config) { *c = *ProductionConfig() }},
		{name: "missing service name", mutate: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			wantErr: true,
		},
		{
			name: "unknown exporter",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "zipkin"
			},
			wantErr: true,
		},
		{name: "sampling rate out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{
			name: "metrics without address",
			mutate: func(c *Config) {
				c.Metrics.ListenAddress = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoggerForInstance(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, LoggingConfig{Level: "debug", Format: "json"})

	log := logger.ForInstance("orch-1", true)
	log.Info().Int64("request_id", 42).Msg("claimed")

	out := buf.String()
	assert.Contains(t, out, `"instance":"orch-1"`)
	assert.Contains(t, out, `"tier":"production"`)
	assert.Contains(t, out, `"request_id":42`)
	assert.Contains(t, out, `"message":"claimed"`)
}

func TestLoggerLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, LoggingConfig{Level: "warn", Format: "json"})

	log := logger.Zerolog()
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestLoggerSamplesDebugOnly(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, LoggingConfig{
		Level:              "debug",
		Format:             "json",
		EnableSampling:     true,
		SamplingInitial:    2,
		SamplingThereafter: 1000,
	})

	log := logger.Zerolog()
	for i := 0; i < 10; i++ {
		log.Debug().Msg("worker output")
	}
	log.Warn().Msg("kept")

	n := strings.Count(buf.String(), "worker output")
	assert.GreaterOrEqual(t, n, 2)
	assert.Less(t, n, 10)
	assert.Contains(t, buf.String(), "kept")
}

func TestLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployd.log")
	logger, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	log := logger.Zerolog()
	log.Info().Msg("to file")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestFromContextDefaultsToNop(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger)
	nop := logger.Zerolog()
	nop.Info().Msg("discarded")

	var buf bytes.Buffer
	stored := newLogger(&buf, LoggingConfig{Level: "info", Format: "json"})
	ctx := stored.WithContext(context.Background())
	kept := FromContext(ctx).Zerolog()
	kept.Info().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordRequestStarted("prod")
	m.RecordRequestFinished("complete", time.Second)
	m.RecordComponent("script", "success", time.Second)
	m.RecordDispatch("script", "ok", time.Second)
	m.RecordProcessKill("killed")
	m.RecordPhase("abandon", 1, time.Second)
	m.RecordClaimLost()
	m.RecordSweep("applied")
	m.SetActiveExecutions(2)
	assert.NoError(t, m.Serve(context.Background()))
}

func TestMetricsHandlerExposesRecorders(t *testing.T) {
	cfg := DefaultConfig().Metrics
	m, err := NewMetrics(cfg)
	require.NoError(t, err)

	m.RecordRequestStarted("staging")
	m.RecordRequestFinished("complete", 3*time.Second)
	m.RecordClaimLost()
	m.SetActiveExecutions(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, `deployd_requests_started_total{environment="staging"} 1`)
	assert.Contains(t, body, `deployd_requests_finished_total{status="complete"} 1`)
	assert.Contains(t, body, "deployd_claims_lost_total 1")
	assert.Contains(t, body, "deployd_active_executions 1")
}

func TestMetricsServeStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.ListenAddress = "127.0.0.1:0"
	m, err := NewMetrics(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestDisabledTracerIsNoop(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: false}, "deployd", "test", "staging")
	require.NoError(t, err)

	ctx, span := tracer.StartRequestSpan(context.Background(), 7, "staging")
	RecordError(span, errors.New("boom"))
	RecordSuccess(span)
	span.End()

	assert.Empty(t, TraceID(ctx))
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestTracerRejectsUnknownExporter(t *testing.T) {
	_, err := NewTracer(TracingConfig{Enabled: true, Exporter: "zipkin", SamplingRate: 1}, "deployd", "test", "staging")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "zipkin"))
}

func TestNewTelemetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false

	tel, err := NewTelemetry(cfg)
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	assert.Same(t, tel.Logger, FromContext(ctx))
}
