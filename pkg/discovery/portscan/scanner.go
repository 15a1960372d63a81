package portscan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/easm/internal/config"
	"github.com/CodeMonkeyCybersecurity/easm/internal/logger"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
	"golang.org/x/sync/semaphore"
)

// ErrInvalidTarget is returned when the address handed to ScanIP is not an
// IP literal.
var ErrInvalidTarget = errors.New("invalid scan target")

// Scanner sweeps TCP and UDP ports on a single IP and then grabs banners from
// the open TCP ports.
type Scanner struct {
	concurrency   int64
	tcpTimeout    time.Duration
	udpTimeout    time.Duration
	bannerTimeout time.Duration
	enableUDP     bool
	defaultPorts  []int
	logger        *logger.Logger

	dialTCP   func(addr string, timeout time.Duration) (net.Conn, error)
	listenUDP func() (net.PacketConn, error)
}

func NewScanner(cfg config.ScannerConfig, log *logger.Logger) *Scanner {
	defaults := config.DefaultConfig().Scanner
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.TCPTimeout <= 0 {
		cfg.TCPTimeout = defaults.TCPTimeout
	}
	if cfg.UDPTimeout <= 0 {
		cfg.UDPTimeout = defaults.UDPTimeout
	}
	if cfg.BannerTimeout <= 0 {
		cfg.BannerTimeout = defaults.BannerTimeout
	}
	if len(cfg.DefaultPorts) == 0 {
		cfg.DefaultPorts = defaults.DefaultPorts
	}
	if log == nil {
		log = logger.Nop()
	}

	return &Scanner{
		concurrency:   int64(cfg.Concurrency),
		tcpTimeout:    cfg.TCPTimeout,
		udpTimeout:    cfg.UDPTimeout,
		bannerTimeout: cfg.BannerTimeout,
		enableUDP:     cfg.EnableUDP,
		defaultPorts:  cfg.DefaultPorts,
		logger:        log.WithComponent("portscan"),
		dialTCP: func(addr string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, timeout)
		},
		listenUDP: func() (net.PacketConn, error) {
			return net.ListenPacket("udp", ":0")
		},
	}
}

type probe struct {
	port     int
	protocol types.Protocol
}

// ScanIP probes every port over TCP, and over UDP for ports other than 80 and
// 443 when UDP is enabled. Per-port failures are reported as port statuses;
// only an invalid address, a cancelled context while waiting for a probe slot
// or a UDP socket that cannot be bound fail the call.
func (s *Scanner) ScanIP(ctx context.Context, ip string, ports []int) (*types.DiscoveryResult, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return nil, fmt.Errorf("%w: %q is not an IP address", ErrInvalidTarget, ip)
	}
	ipStr := addr.String()

	if len(ports) == 0 {
		ports = s.defaultPorts
	}
	ports, err := normalizePorts(ports)
	if err != nil {
		return nil, err
	}

	probes := make([]probe, 0, len(ports)*2)
	for _, p := range ports {
		probes = append(probes, probe{port: p, protocol: types.ProtocolTCP})
	}
	if s.enableUDP {
		for _, p := range ports {
			if p == 80 || p == 443 {
				continue
			}
			probes = append(probes, probe{port: p, protocol: types.ProtocolUDP})
		}
	}

	start := time.Now()
	source := "port_scan_for_" + ipStr
	log := s.logger.WithTarget(ipStr)
	log.Debugw("Starting port sweep", "probes", len(probes), "concurrency", s.concurrency)

	sem := semaphore.NewWeighted(s.concurrency)
	results := make(chan types.DiscoveredPort, s.concurrency)

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		setupErr error
	)
	recordErr := func(err error) {
		errMu.Lock()
		if setupErr == nil {
			setupErr = err
		}
		errMu.Unlock()
	}

	go func() {
		defer close(results)
		for _, pr := range probes {
			if err := sem.Acquire(ctx, 1); err != nil {
				recordErr(fmt.Errorf("failed to acquire probe slot: %w", err))
				break
			}
			wg.Add(1)
			go func(pr probe) {
				defer wg.Done()
				defer sem.Release(1)

				var (
					port types.DiscoveredPort
					err  error
				)
				if pr.protocol == types.ProtocolTCP {
					port = s.probeTCP(ipStr, pr.port, source)
				} else {
					port, err = s.probeUDP(addr, pr.port, source)
				}
				if err != nil {
					recordErr(err)
					return
				}
				results <- port
			}(pr)
		}
		wg.Wait()
	}()

	collected := make([]types.DiscoveredPort, 0, len(probes))
	for port := range results {
		collected = append(collected, port)
	}

	if setupErr != nil {
		return nil, setupErr
	}

	sort.SliceStable(collected, func(i, j int) bool {
		if collected[i].Protocol != collected[j].Protocol {
			return collected[i].Protocol < collected[j].Protocol
		}
		return collected[i].Port < collected[j].Port
	})

	// Banner grabbing only starts once the whole sweep has finished and runs
	// one port at a time.
	open := 0
	for i := range collected {
		p := &collected[i]
		if p.Protocol != types.ProtocolTCP || p.Status != types.PortStatusOpen {
			continue
		}
		open++
		if b, ok := s.grabBanner(ipStr, p.Port); ok {
			p.Banner = b.banner
			if b.service != "" {
				p.ServiceName = b.service
			}
		}
	}

	result := types.NewDiscoveryResult()
	result.AddIP(types.DiscoveredIP{
		IPAddress: ipStr,
		Source:    "port_scan_target_" + ipStr,
	})
	for _, p := range collected {
		result.AddPort(p)
	}

	log.Infow("Port scan completed",
		"ports_probed", len(collected),
		"open_tcp_ports", open,
		"scan_time", time.Since(start))

	return result, nil
}

func (s *Scanner) probeTCP(ip string, port int, source string) types.DiscoveredPort {
	result := types.DiscoveredPort{
		IPAddress: ip,
		Port:      port,
		Protocol:  types.ProtocolTCP,
		Source:    source,
	}

	conn, err := s.dialTCP(net.JoinHostPort(ip, strconv.Itoa(port)), s.tcpTimeout)
	switch {
	case err == nil:
		conn.Close()
		result.Status = types.PortStatusOpen
		result.ServiceName = KnownService(port)
	case isTimeout(err):
		result.Status = types.PortStatusFiltered
	default:
		result.Status = types.PortStatusClosed
	}
	return result
}

// probeUDP sends ten zero bytes and waits for any datagram. Silence cannot be
// told apart from a filtered port, hence OPEN|FILTERED.
func (s *Scanner) probeUDP(ip net.IP, port int, source string) (types.DiscoveredPort, error) {
	result := types.DiscoveredPort{
		IPAddress: ip.String(),
		Port:      port,
		Protocol:  types.ProtocolUDP,
		Source:    source,
	}

	conn, err := s.listenUDP()
	if err != nil {
		return result, fmt.Errorf("failed to bind UDP socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.WriteTo(make([]byte, 10), &net.UDPAddr{IP: ip, Port: port}); err != nil {
		result.Status = types.PortStatusError
		return result, nil
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.udpTimeout))
	buf := make([]byte, 65535)
	_, _, err = conn.ReadFrom(buf)
	switch {
	case err == nil:
		result.Status = types.PortStatusOpen
		result.ServiceName = KnownService(port)
	case isTimeout(err):
		result.Status = types.PortStatusOpenFiltered
	default:
		result.Status = types.PortStatusError
	}
	return result, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func normalizePorts(ports []int) ([]int, error) {
	seen := make(map[int]struct{}, len(ports))
	out := make([]int, 0, len(ports))
	for _, p := range ports {
		if p < 1 || p > 65535 {
			return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidTarget, p)
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}
