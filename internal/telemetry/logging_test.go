package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestSetupLogger(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	t.Run("json by default", func(t *testing.T) {
		var buf bytes.Buffer
		logger := setupLogger(&buf, "INFO", "")

		logger.Debug("hidden")
		logger.Info("request published", "outbound", "/queue/orders")

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "request published", line["msg"])
		assert.Equal(t, "/queue/orders", line["outbound"])
		assert.Equal(t, logger, slog.Default())
	})

	t.Run("text format", func(t *testing.T) {
		var buf bytes.Buffer
		logger := setupLogger(&buf, "WARN", "text")

		logger.Info("hidden")
		logger.Warn("reply timeout")

		assert.Contains(t, buf.String(), "msg=\"reply timeout\"")
		assert.NotContains(t, buf.String(), "hidden")
	})
}

func TestLoggerContext(t *testing.T) {
	assert.Equal(t, slog.Default(), FromContext(context.Background()))

	var buf bytes.Buffer
	logger := WithRequestID(slog.New(slog.NewJSONHandler(&buf, nil)), "req-1")
	ctx := WithLogger(context.Background(), logger)

	FromContext(ctx).Info("handled")
	assert.Contains(t, buf.String(), `"request_id":"req-1"`)
}
