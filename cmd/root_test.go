package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/easm/internal/config"
)

func TestInitConfigDefaults(t *testing.T) {
	require.NoError(t, initConfig())

	defaults := config.DefaultConfig()
	assert.Equal(t, defaults.Scanner.DefaultPorts, cfg.Scanner.DefaultPorts)
	assert.Equal(t, defaults.CertLogs.BaseURL, cfg.CertLogs.BaseURL)
	assert.Equal(t, defaults.Worker.QueuePollInterval, cfg.Worker.QueuePollInterval)
	assert.Equal(t, defaults.DNS.Resolvers, cfg.DNS.Resolvers)
}

func TestInitConfigEnvironment(t *testing.T) {
	t.Setenv("EASM_SCANNER_TCP_TIMEOUT", "750ms")
	t.Setenv("EASM_CERTLOGS_BASE_URL", "http://ct.internal")
	t.Setenv("EASM_API_KEY", "s3cret")

	require.NoError(t, initConfig())
	assert.Equal(t, 750*time.Millisecond, cfg.Scanner.TCPTimeout)
	assert.Equal(t, "http://ct.internal", cfg.CertLogs.BaseURL)
	assert.Equal(t, "s3cret", cfg.Server.APIKey)
}

func TestInitConfigRejectsInvalid(t *testing.T) {
	t.Setenv("EASM_SCANNER_CONCURRENCY", "0")
	assert.Error(t, initConfig())
}

func TestInitConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "easm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("crawler:\n  max_pages: 42\n"), 0600))

	cfgFile = path
	t.Cleanup(func() { cfgFile = "" })

	require.NoError(t, initConfig())
	assert.Equal(t, 42, cfg.Crawler.MaxPages)
}

func TestStoreAnnotations(t *testing.T) {
	for _, c := range []string{"worker", "serve", "jobs submit", "jobs list", "jobs get"} {
		found, _, err := rootCmd.Find(strings.Fields(c))
		require.NoError(t, err, c)
		assert.NotEmpty(t, found.Annotations[annotationStore], c)
	}
	for _, c := range []string{"scan", "dns", "crawl", "ct", "fingerprint web"} {
		found, _, err := rootCmd.Find(strings.Fields(c))
		require.NoError(t, err, c)
		assert.Empty(t, found.Annotations[annotationStore], c)
	}
}
