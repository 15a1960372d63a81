package orchestrator

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/easm/internal/config"
	"github.com/CodeMonkeyCybersecurity/easm/internal/logger"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/discovery/certlogs"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/discovery/portscan"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/discovery/vuln"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/discovery/web"
)

func factoryWith(cfg *config.Config, onPath ...string) *EngineFactory {
	f := NewEngineFactory(cfg, logger.Nop())
	f.lookPath = func(name string) (string, error) {
		for _, p := range onPath {
			if p == name {
				return "/usr/local/bin/" + name, nil
			}
		}
		return "", errors.New("executable file not found in $PATH")
	}
	return f
}

func TestFactoryBuildWithoutOptionalTools(t *testing.T) {
	engines, closer, err := factoryWith(config.DefaultConfig()).Build()
	require.NoError(t, err)
	defer closer.Close()

	assert.NotNil(t, engines.Scanner)
	assert.NotNil(t, engines.Resolver)
	assert.NotNil(t, engines.DNS)
	assert.NotNil(t, engines.Whois)
	assert.NotNil(t, engines.Crawler)
	assert.NotNil(t, engines.Services)
	assert.NotNil(t, engines.Web)
	assert.IsType(t, &certlogs.Monitor{}, engines.CT)

	assert.Nil(t, engines.Naabu)
	assert.Nil(t, engines.Httpx)
	assert.Nil(t, engines.VulnScanner)
}

func TestFactoryBuildWithOptionalTools(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Naabu.BinaryPath = "naabu-v2"

	engines, _, err := factoryWith(cfg, "naabu-v2", "httpx", "nuclei").Build()
	require.NoError(t, err)
	assert.IsType(t, &portscan.NaabuRunner{}, engines.Naabu)
	assert.IsType(t, &web.HttpxRunner{}, engines.Httpx)
	assert.IsType(t, &vuln.NucleiRunner{}, engines.VulnScanner)
}

func TestFactoryRedisUnavailable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = "127.0.0.1:1"
	cfg.Redis.MaxRetries = -1
	cfg.Redis.DialTimeout = 200 * time.Millisecond

	engines, closer, err := factoryWith(cfg).Build()
	require.NoError(t, err)
	assert.NoError(t, closer.Close())
	assert.IsType(t, &certlogs.Monitor{}, engines.CT, "falls back to the uncached monitor")
}

func TestFactorySignatures(t *testing.T) {
	t.Run("built in", func(t *testing.T) {
		store, err := factoryWith(config.DefaultConfig()).Signatures()
		require.NoError(t, err)
		assert.NotEmpty(t, store.ServicePorts())
	})

	t.Run("missing file", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Fingerprint.SignaturesFile = filepath.Join(t.TempDir(), "absent.yaml")

		_, _, err := factoryWith(cfg).Build()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load signatures")
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "signatures.yaml")
		require.NoError(t, os.WriteFile(path, []byte("services: [unclosed"), 0600))
		cfg := config.DefaultConfig()
		cfg.Fingerprint.SignaturesFile = path

		_, err := factoryWith(cfg).Signatures()
		assert.Error(t, err)
	})
}
