package orchestrator

import (
	"fmt"
	"io"
	"os/exec"

	"github.com/CodeMonkeyCybersecurity/easm/internal/cache"
	"github.com/CodeMonkeyCybersecurity/easm/internal/config"
	"github.com/CodeMonkeyCybersecurity/easm/internal/logger"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/discovery/certlogs"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/discovery/dns"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/discovery/fingerprint"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/discovery/portscan"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/discovery/signatures"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/discovery/vuln"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/discovery/web"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/discovery/whois"
)

// EngineFactory builds the discovery engines from configuration.
type EngineFactory struct {
	cfg      *config.Config
	logger   *logger.Logger
	lookPath func(string) (string, error)
}

func NewEngineFactory(cfg *config.Config, log *logger.Logger) *EngineFactory {
	if log == nil {
		log = logger.Nop()
	}
	return &EngineFactory{
		cfg:      cfg,
		logger:   log.WithComponent("factory"),
		lookPath: exec.LookPath,
	}
}

// Signatures loads the signature store named in the fingerprint config, or
// the built-in one.
func (f *EngineFactory) Signatures() (*signatures.Store, error) {
	if path := f.cfg.Fingerprint.SignaturesFile; path != "" {
		store, err := signatures.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load signatures from %s: %w", path, err)
		}
		return store, nil
	}
	return signatures.Default()
}

// Build constructs every engine. The returned closer releases the Redis
// cache when one was opened. Optional subprocess tools whose binaries are
// not on PATH are left unset.
func (f *EngineFactory) Build() (Engines, io.Closer, error) {
	store, err := f.Signatures()
	if err != nil {
		return Engines{}, nil, err
	}

	resolver := dns.NewEnumerator(f.cfg.DNS, f.logger)
	engines := Engines{
		Scanner:  portscan.NewScanner(f.cfg.Scanner, f.logger),
		Resolver: resolver,
		DNS:      resolver,
		Whois:    whois.NewClient(f.cfg.Whois, f.logger),
		Crawler:  web.NewCrawler(f.cfg.Crawler, f.logger),
		Services: fingerprint.NewServiceFingerprinter(store, fingerprint.ServiceConfig{
			Timeout: f.cfg.Fingerprint.ServiceTimeout,
		}, f.logger),
		Web: fingerprint.NewWebFingerprinter(store, fingerprint.WebConfig{
			Timeout:   f.cfg.Fingerprint.WebTimeout,
			UserAgent: f.cfg.Fingerprint.UserAgent,
		}, f.logger),
	}

	if f.available(f.cfg.Naabu.BinaryPath, "naabu") {
		engines.Naabu = portscan.NewNaabuRunner(f.cfg.Naabu, f.logger)
	}
	if f.available(f.cfg.Httpx.BinaryPath, "httpx") {
		engines.Httpx = web.NewHttpxRunner(f.cfg.Httpx, f.logger)
	}
	if f.available(f.cfg.Nuclei.BinaryPath, "nuclei") {
		engines.VulnScanner = vuln.NewNucleiRunner(f.cfg.Nuclei, f.logger)
	}

	var closer io.Closer = nopCloser{}
	cached := false
	monitor := certlogs.NewMonitor(f.cfg.CertLogs, f.logger)
	engines.CT = monitor
	if f.cfg.Redis.Enabled {
		redisCache, err := cache.NewRedisCache(f.cfg.Redis)
		if err != nil {
			f.logger.Warnw("Redis unavailable, CT lookups will not be cached",
				"addr", f.cfg.Redis.Addr,
				"error", err)
		} else {
			engines.CT = certlogs.NewCachedMonitor(monitor, redisCache, f.cfg.CertLogs.CacheTTL, f.logger)
			closer = redisCache
			cached = true
		}
	}

	f.logger.Infow("Discovery engines ready",
		"service_signature_ports", len(store.ServicePorts()),
		"naabu", engines.Naabu != nil,
		"httpx", engines.Httpx != nil,
		"nuclei", engines.VulnScanner != nil,
		"ct_cache", cached,
	)
	return engines, closer, nil
}

func (f *EngineFactory) available(path, fallback string) bool {
	if path == "" {
		path = fallback
	}
	if _, err := f.lookPath(path); err != nil {
		f.logger.Debugw("Optional tool not found", "tool", fallback, "path", path)
		return false
	}
	return true
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
