package portscan

import (
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	bannerReadSize = 4096
	bannerMaxLen   = 1024
)

// stimulus returns the bytes that coax a banner out of services which wait
// for the client to speak first.
func stimulus(port int) []byte {
	switch port {
	case 21:
		return []byte("USER anonymous\r\n")
	case 25, 587, 465:
		return []byte("EHLO easm.scanner\r\n")
	case 80, 8080:
		return []byte("GET / HTTP/1.0\r\nHost: host\r\n\r\n")
	case 110:
		return []byte("CAPA\r\n")
	case 143:
		return []byte("A001 CAPABILITY\r\n")
	}
	return nil
}

// CleanBanner keeps printable ASCII and whitespace and caps the result at
// 1024 characters plus an ellipsis.
func CleanBanner(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if (r > 0x20 && r < 0x7f) || r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\f' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if len(cleaned) > bannerMaxLen {
		cleaned = cleaned[:bannerMaxLen] + "..."
	}
	return cleaned
}

type bannerResult struct {
	banner  string
	service string
}

// grabBanner opens a fresh connection, sends the port's stimulus if any and
// reads one response. ok is false when nothing usable came back.
func (s *Scanner) grabBanner(ip string, port int) (bannerResult, bool) {
	target := net.JoinHostPort(ip, strconv.Itoa(port))

	conn, err := s.dialTCP(target, s.tcpTimeout)
	if err != nil {
		s.logger.Debugw("Could not connect for banner grabbing", "target", target, "error", err)
		return bannerResult{}, false
	}
	defer conn.Close()

	if probe := stimulus(port); probe != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(s.bannerTimeout))
		// a failed write still leaves a chance the server speaks first
		_, _ = conn.Write(probe)
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.bannerTimeout))
	buf := make([]byte, bannerReadSize)
	n, err := conn.Read(buf)
	if n == 0 {
		if err != nil {
			s.logger.Debugw("No banner received", "target", target, "error", err)
		}
		return bannerResult{}, false
	}

	banner := CleanBanner(string(buf[:n]))
	return bannerResult{
		banner:  banner,
		service: DetectService(banner, port),
	}, true
}
