package fingerprint

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/easm/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/easm/internal/logger"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/discovery/signatures"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/twmb/murmur3"
)

const maxWebBody = 10 << 20

type WebConfig struct {
	Timeout   time.Duration
	UserAgent string
}

type WebFingerprinter struct {
	client *http.Client
	store  *signatures.Store
	logger *logger.Logger
}

func NewWebFingerprinter(store *signatures.Store, cfg WebConfig, log *logger.Logger) *WebFingerprinter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "EASM-Scanner/1.0"
	}
	if log == nil {
		log = logger.Nop()
	}
	return &WebFingerprinter{
		client: httpclient.New(httpclient.ClientConfig{
			Timeout:            cfg.Timeout,
			UserAgent:          cfg.UserAgent,
			FollowRedirects:    true,
			MaxRedirects:       10,
			InsecureSkipVerify: true,
		}),
		store:  store,
		logger: log.WithComponent("web_fingerprint"),
	}
}

// Fingerprint issues a single GET against target and matches every web
// signature against the exchange. Transport failures are reported in the
// "error" metadata key.
func (f *WebFingerprinter) Fingerprint(ctx context.Context, target string, assetID uuid.UUID) *types.DiscoveryResult {
	result := types.NewDiscoveryResult()

	url := target
	if !strings.Contains(url, "://") {
		url = "https://" + url
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		result.SetMetadata("error", err.Error())
		return result
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Debugw("Web fingerprint request failed", "url", url, "error", err)
		result.SetMetadata("error", err.Error())
		return result
	}
	defer httpclient.CloseBody(resp)
	f.logger.LogHTTPRequest(ctx, http.MethodGet, url, resp.StatusCode, time.Since(start))

	result.SetMetadata("url", url)
	result.SetMetadata("status_code", strconv.Itoa(resp.StatusCode))

	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		result.SetMetadata("header:"+strings.ToLower(name), strings.Join(resp.Header.Values(name), ", "))
	}

	f.matchHeaders(result, resp.Header, assetID)
	f.matchCookies(result, resp, assetID)
	f.matchURL(result, url, assetID)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebBody))
	if err != nil {
		result.SetMetadata("error", "failed to read body: "+err.Error())
		return result
	}
	result.SetMetadata("content_length", strconv.Itoa(len(body)))
	result.SetMetadata("body_mmh3", strconv.Itoa(int(int32(murmur3.Sum32(body)))))

	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/html") {
		f.matchDocument(result, body, assetID)
	}

	f.logger.Debugw("Web fingerprint completed",
		"url", url,
		"status", resp.StatusCode,
		"findings", len(result.Technologies))
	return result
}

func (f *WebFingerprinter) matchHeaders(result *types.DiscoveryResult, header http.Header, assetID uuid.UUID) {
	for _, sig := range f.store.WebSignaturesByMethod(signatures.MethodHeader) {
		for name, values := range header {
			if !strings.EqualFold(name, sig.Field) {
				continue
			}
			for _, value := range values {
				if !strings.Contains(strings.ToLower(value), strings.ToLower(sig.Pattern)) {
					continue
				}
				result.AddTechnology(finding(sig, assetID, sig.Version(value),
					fmt.Sprintf("Header %s: %s", name, value)))
			}
		}
	}
}

func (f *WebFingerprinter) matchCookies(result *types.DiscoveryResult, resp *http.Response, assetID uuid.UUID) {
	cookies := resp.Cookies()
	for _, sig := range f.store.WebSignaturesByMethod(signatures.MethodCookie) {
		for _, c := range cookies {
			if !strings.EqualFold(c.Name, sig.Field) {
				continue
			}
			if sig.Pattern != "" && !strings.Contains(c.Value, sig.Pattern) {
				continue
			}
			result.AddTechnology(finding(sig, assetID, sig.Version(c.Value),
				fmt.Sprintf("Cookie %s: %s", c.Name, c.Value)))
		}
	}
}

func (f *WebFingerprinter) matchURL(result *types.DiscoveryResult, url string, assetID uuid.UUID) {
	for _, sig := range f.store.WebSignaturesByMethod(signatures.MethodURL) {
		if strings.Contains(url, sig.Pattern) {
			result.AddTechnology(finding(sig, assetID, sig.Version(url), "URL match for: "+sig.Pattern))
		}
	}
}

func (f *WebFingerprinter) matchDocument(result *types.DiscoveryResult, body []byte, assetID uuid.UUID) {
	content := string(body)
	for _, sig := range f.store.WebSignaturesByMethod(signatures.MethodContent) {
		if strings.Contains(content, sig.Pattern) {
			result.AddTechnology(finding(sig, assetID, sig.Version(content), "Content match for: "+sig.Pattern))
		}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		f.logger.Debugw("Failed to parse HTML", "error", err)
		return
	}

	var scripts []string
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok && src != "" {
			scripts = append(scripts, src)
		}
		if inline := strings.TrimSpace(s.Text()); inline != "" {
			scripts = append(scripts, inline)
		}
	})
	for _, sig := range f.store.WebSignaturesByMethod(signatures.MethodScript) {
		pattern := strings.ToLower(sig.Pattern)
		for _, script := range scripts {
			if strings.Contains(strings.ToLower(script), pattern) {
				result.AddTechnology(finding(sig, assetID, sig.Version(script), "Script match for: "+sig.Pattern))
				break
			}
		}
	}

	doc.Find(`meta[name="generator"]`).Each(func(_ int, s *goquery.Selection) {
		content, _ := s.Attr("content")
		if name := GeneratorTechnology(content); name != "" {
			result.AddTechnology(types.TechnologyFinding{
				AssetID:  assetID,
				Name:     name,
				Category: "CMS",
				Evidence: "Meta generator: " + strings.TrimSpace(content),
			})
		}
	})

	doc.Find(`link[rel="stylesheet"]`).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if name := StylesheetTechnology(href); name != "" {
			result.AddTechnology(types.TechnologyFinding{
				AssetID:  assetID,
				Name:     name,
				Category: "CSS Framework",
				Evidence: "Stylesheet: " + href,
			})
		}
	})
}

func finding(sig signatures.WebSignature, assetID uuid.UUID, version, evidence string) types.TechnologyFinding {
	return types.TechnologyFinding{
		AssetID:  assetID,
		Name:     sig.Name,
		Version:  version,
		Category: sig.Category,
		Evidence: evidence,
	}
}
