package dns

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/easm/internal/config"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func header(name string, rrtype uint16) dns.RR_Header {
	return dns.RR_Header{Name: name, Rrtype: rrtype, Class: dns.ClassINET, Ttl: 60}
}

// startServer runs an in-process authoritative server for example.com on a
// loopback UDP port and returns its address.
func startServer(t *testing.T) string {
	t.Helper()

	mux := dns.NewServeMux()
	mux.HandleFunc("example.com.", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		q := r.Question[0]

		if q.Name != "example.com." && q.Name != "www.example.com." {
			m.Rcode = dns.RcodeNameError
			_ = w.WriteMsg(m)
			return
		}

		switch {
		case q.Name == "www.example.com." && q.Qtype == dns.TypeCNAME:
			m.Answer = append(m.Answer, &dns.CNAME{Hdr: header(q.Name, dns.TypeCNAME), Target: "edge.cdn.example.net."})
		case q.Name == "www.example.com." && q.Qtype == dns.TypeA:
			m.Answer = append(m.Answer,
				&dns.CNAME{Hdr: header(q.Name, dns.TypeCNAME), Target: "edge.cdn.example.net."},
				&dns.A{Hdr: header("edge.cdn.example.net.", dns.TypeA), A: net.ParseIP("198.51.100.7")})
		case q.Qtype == dns.TypeA:
			m.Answer = append(m.Answer,
				&dns.A{Hdr: header(q.Name, dns.TypeA), A: net.ParseIP("192.0.2.10")},
				&dns.A{Hdr: header(q.Name, dns.TypeA), A: net.ParseIP("192.0.2.11")})
		case q.Qtype == dns.TypeAAAA:
			m.Answer = append(m.Answer, &dns.AAAA{Hdr: header(q.Name, dns.TypeAAAA), AAAA: net.ParseIP("2001:db8::10")})
		case q.Qtype == dns.TypeMX:
			m.Answer = append(m.Answer,
				&dns.MX{Hdr: header(q.Name, dns.TypeMX), Preference: 10, Mx: "Mail.Example.com."},
				&dns.MX{Hdr: header(q.Name, dns.TypeMX), Preference: 20, Mx: "backup-mx.example.org."})
		case q.Qtype == dns.TypeTXT:
			m.Answer = append(m.Answer,
				&dns.TXT{Hdr: header(q.Name, dns.TypeTXT), Txt: []string{"v=spf1 include:_spf.example.com ", "-all"}},
				&dns.TXT{Hdr: header(q.Name, dns.TypeTXT), Txt: []string{"google-site-verification=abc"}})
		}
		_ = w.WriteMsg(m)
	})

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = server.ActivateAndServe() }()
	t.Cleanup(func() { _ = server.Shutdown() })

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("dns server did not start")
	}
	return pc.LocalAddr().String()
}

func newTestEnumerator(resolvers ...string) *Enumerator {
	return NewEnumerator(config.DNSConfig{Resolvers: resolvers, Timeout: 500 * time.Millisecond}, nil)
}

func TestEnumerate(t *testing.T) {
	addr := startServer(t)
	e := newTestEnumerator(addr)

	result, err := e.Enumerate(context.Background(), "Example.com.")
	require.NoError(t, err)

	var ips []string
	for _, ip := range result.IPAddresses() {
		ips = append(ips, ip.IPAddress)
		assert.Equal(t, "dns_enum_for_example.com", ip.Source)
	}
	assert.ElementsMatch(t, []string{"192.0.2.10", "192.0.2.11", "2001:db8::10"}, ips)

	assert.True(t, result.HasDomain("mail.example.com"))
	assert.True(t, result.HasDomain("backup-mx.example.org"))
	assert.Len(t, result.Domains(), 2)

	txt := []string{result.Metadata["txt"], result.Metadata["txt#2"]}
	assert.ElementsMatch(t, []string{"v=spf1 include:_spf.example.com -all", "google-site-verification=abc"}, txt)
}

func TestEnumerate_CNAMEOnlyFromCNAMEQuery(t *testing.T) {
	addr := startServer(t)
	e := newTestEnumerator(addr)

	result, err := e.Enumerate(context.Background(), "www.example.com")
	require.NoError(t, err)

	assert.True(t, result.HasDomain("edge.cdn.example.net"))
	assert.True(t, result.HasIP("198.51.100.7"))
}

func TestEnumerate_NXDomainIsEmpty(t *testing.T) {
	addr := startServer(t)
	e := newTestEnumerator(addr)

	result, err := e.Enumerate(context.Background(), "missing.example.com")
	require.NoError(t, err)
	assert.True(t, result.IsEmpty())
}

func TestEnumerate_InvalidDomain(t *testing.T) {
	e := newTestEnumerator("127.0.0.1:1")
	for _, d := range []string{"", "  ", "localhost"} {
		_, err := e.Enumerate(context.Background(), d)
		assert.ErrorIs(t, err, ErrInvalidDomain)
	}
}

func TestEnumerate_FallsBackToNextResolver(t *testing.T) {
	dead, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.LocalAddr().String()
	dead.Close()

	addr := startServer(t)
	e := newTestEnumerator(deadAddr, addr)

	ips, err := e.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"192.0.2.10", "192.0.2.11", "2001:db8::10"}, ips)
}

func TestResolve_IPLiteral(t *testing.T) {
	e := newTestEnumerator("127.0.0.1:1")

	ips, err := e.Resolve(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.5"}, ips)

	ips, err = e.Resolve(context.Background(), "[2001:db8::1]")
	require.NoError(t, err)
	assert.Equal(t, []string{"2001:db8::1"}, ips)
}

func TestResolve_AllResolversFail(t *testing.T) {
	dead, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.LocalAddr().String()
	dead.Close()

	e := newTestEnumerator(deadAddr)
	_, err = e.Resolve(context.Background(), "example.com")
	assert.Error(t, err)
}

func TestNewEnumeratorAddsDefaultPort(t *testing.T) {
	e := NewEnumerator(config.DNSConfig{Resolvers: []string{"9.9.9.9", "[2620:fe::fe]:53"}}, nil)
	assert.Equal(t, []string{"9.9.9.9:53", "[2620:fe::fe]:53"}, e.resolvers)
	assert.Equal(t, 2*time.Second, e.client.Timeout)
}
