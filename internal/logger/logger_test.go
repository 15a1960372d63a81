package logger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/easm/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  config.LoggerConfig
		wantErr bool
	}{
		{
			name: "valid json config",
			config: config.LoggerConfig{
				Level:  "debug",
				Format: "json",
			},
			wantErr: false,
		},
		{
			name: "valid console config",
			config: config.LoggerConfig{
				Level:  "info",
				Format: "console",
			},
			wantErr: false,
		},
		{
			name: "invalid level",
			config: config.LoggerConfig{
				Level:  "invalid",
				Format: "json",
			},
			wantErr: true,
		},
		{
			name:    "empty config uses defaults",
			config:  config.LoggerConfig{},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, logger)
			}
		})
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "easm.log")

	logger, err := New(config.LoggerConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stderr"},
		File:        config.LogFileConfig{Path: path, MaxSizeMB: 1},
	})
	require.NoError(t, err)

	logger.Infow("written to file", "job_id", "abc")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	assert.Contains(t, string(data), `"job_id":"abc"`)
	assert.Contains(t, string(data), `"service":"easm"`)
}

func TestStartFinishOperation(t *testing.T) {
	logger, err := New(config.LoggerConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)

	ctx, span := logger.StartOperation(context.Background(), "test.operation", "key1", "value1")
	assert.NotNil(t, ctx)
	assert.NotNil(t, span)

	logger.FinishOperation(ctx, span, "test.operation", time.Now(), errors.New("boom"))
}

func TestFieldHelpers(t *testing.T) {
	logger, err := New(config.LoggerConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)

	assert.NotNil(t, logger.WithComponent("portscan"))
	assert.NotNil(t, logger.WithTarget("192.0.2.1"))
	assert.NotNil(t, logger.WithJob("job-1"))
	assert.NotNil(t, logger.WithTool("naabu"))

	ctx := context.Background()
	logger.LogDiscoveryEvent(ctx, "DOMAIN", "www.example.com", "crt.sh_for_example.com")
	logger.LogJobTransition(ctx, "job-1", "PORTSCAN", "PENDING", "RUNNING")
	logger.LogDatabaseOperation(ctx, "insert", "assets", 1, time.Millisecond)
	logger.LogHTTPRequest(ctx, "GET", "https://example.com", 200, time.Millisecond)
	logger.LogError(ctx, nil, "noop")
}

func TestContextRoundTrip(t *testing.T) {
	logger := Nop()
	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
	FromContext(context.Background()).Infow("discarded")
}

func TestLoggerConcurrency(t *testing.T) {
	logger, err := New(config.LoggerConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				logger.Infow("concurrent log", "goroutine", id, "iteration", j)
			}
		}(i)
	}
	wg.Wait()
}
