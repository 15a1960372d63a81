package httpclient

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	client := New(DefaultConfig())

	assert.NotNil(t, client)
	assert.Equal(t, 30*time.Second, client.Timeout)
}

func TestUserAgentIsSet(t *testing.T) {
	got := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("User-Agent")
	}))
	defer server.Close()

	client := New(ClientConfig{Timeout: 5 * time.Second, UserAgent: "EASM-Scanner/1.0"})
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	CloseBody(resp)

	assert.Equal(t, "EASM-Scanner/1.0", <-got)
}

func TestBlockPrivate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	client := New(ClientConfig{Timeout: 5 * time.Second, BlockPrivate: true})
	resp, err := client.Get(server.URL)
	if err == nil {
		CloseBody(resp)
		t.Fatal("expected loopback request to be blocked")
	}
	assert.Contains(t, err.Error(), "private address blocked")

	open := New(ClientConfig{Timeout: 5 * time.Second})
	resp, err = open.Get(server.URL)
	require.NoError(t, err)
	CloseBody(resp)
}

func TestNoRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.Redirect(w, r, "/next", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(ClientConfig{Timeout: 5 * time.Second, FollowRedirects: false})
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer CloseBody(resp)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.16.0.1", true},
		{"192.168.1.1", true},
		{"169.254.1.1", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"fd00::1", true},
		{"93.184.216.34", false},
		{"2606:2800:220:1::", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.private, IsPrivateIP(net.ParseIP(tt.ip)))
		})
	}
}

func TestCloseBodyNil(t *testing.T) {
	CloseBody(nil)
	CloseBody(&http.Response{})
}
