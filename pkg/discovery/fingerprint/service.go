// Package fingerprint identifies services and web technologies on assets that
// discovery has already found.
package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/easm/internal/logger"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/discovery/signatures"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
	"github.com/google/uuid"
)

// DefaultServicePorts are the ports the service fingerprinter visits. Ports
// without a signature are skipped without dialing.
var DefaultServicePorts = []int{21, 22, 25, 80, 110, 143, 443, 3306, 5432, 6379, 8080}

const serviceReadSize = 1024

type ServiceConfig struct {
	Timeout time.Duration
	Ports   []int
}

type ServiceFingerprinter struct {
	store   *signatures.Store
	timeout time.Duration
	ports   []int
	logger  *logger.Logger
}

func NewServiceFingerprinter(store *signatures.Store, cfg ServiceConfig, log *logger.Logger) *ServiceFingerprinter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if len(cfg.Ports) == 0 {
		cfg.Ports = DefaultServicePorts
	}
	if log == nil {
		log = logger.Nop()
	}
	return &ServiceFingerprinter{
		store:   store,
		timeout: cfg.Timeout,
		ports:   cfg.Ports,
		logger:  log.WithComponent("service_fingerprint"),
	}
}

// Fingerprint never fails: connection and probe problems end up in the
// result metadata under port:N_error and port:N_probe_error.
func (f *ServiceFingerprinter) Fingerprint(ctx context.Context, host string, assetID uuid.UUID) *types.DiscoveryResult {
	result := types.NewDiscoveryResult()

	for _, port := range f.ports {
		if ctx.Err() != nil {
			result.SetMetadata("error", ctx.Err().Error())
			break
		}
		sigs := f.store.ServiceSignatures(port)
		if len(sigs) == 0 {
			continue
		}
		result.Merge(f.fingerprintPort(host, port, sigs, assetID))
	}

	f.logger.Debugw("Service fingerprint completed",
		"host", host,
		"findings", len(result.Technologies))
	return result
}

func (f *ServiceFingerprinter) fingerprintPort(host string, port int, sigs []signatures.ServiceSignature, assetID uuid.UUID) *types.DiscoveryResult {
	result := types.NewDiscoveryResult()
	key := func(suffix string) string { return fmt.Sprintf("port:%d_%s", port, suffix) }

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), f.timeout)
	if err != nil {
		if isTimeout(err) {
			result.SetMetadata(key("error"), "Connection timeout")
		} else {
			result.SetMetadata(key("error"), "Connection error: "+err.Error())
		}
		return result
	}
	defer conn.Close()

	banner := f.read(conn)
	if banner != "" {
		result.SetMetadata(key("banner"), banner)
	}
	lowerBanner := strings.ToLower(banner)

	for _, sig := range sigs {
		if sig.BannerMatch != "" && banner != "" && strings.Contains(lowerBanner, strings.ToLower(sig.BannerMatch)) {
			result.AddTechnology(types.TechnologyFinding{
				AssetID:  assetID,
				Name:     sig.Name,
				Version:  sig.Version(banner),
				Category: sig.Category,
				Evidence: fmt.Sprintf("Banner match on port %d: %s", port, banner),
			})
			continue
		}

		if !sig.HasProbe() {
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(f.timeout))
		if _, err := conn.Write(sig.Probe); err != nil {
			result.SetMetadata(key("probe_error"), "Failed to send probe: "+err.Error())
			continue
		}

		response := f.read(conn)
		if response == "" {
			continue
		}
		result.SetMetadata(key("probe_response"), response)

		if sig.ProbeMatch != "" && !strings.Contains(strings.ToLower(response), strings.ToLower(sig.ProbeMatch)) {
			continue
		}
		result.AddTechnology(types.TechnologyFinding{
			AssetID:  assetID,
			Name:     sig.Name,
			Version:  sig.Version(response),
			Category: sig.Category,
			Evidence: fmt.Sprintf("Probe response on port %d", port),
		})
	}

	return result
}

// read returns whatever arrives within the timeout, decoded leniently.
func (f *ServiceFingerprinter) read(conn net.Conn) string {
	_ = conn.SetReadDeadline(time.Now().Add(f.timeout))
	buf := make([]byte, serviceReadSize)
	n, _ := conn.Read(buf)
	if n <= 0 {
		return ""
	}
	return strings.ToValidUTF8(string(buf[:n]), "�")
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
