// Package web crawls websites breadth-first and records every page it fetches
// as a web resource.
package web

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/easm/internal/config"
	"github.com/CodeMonkeyCybersecurity/easm/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/easm/internal/logger"
	"github.com/CodeMonkeyCybersecurity/easm/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/discovery/fingerprint"
	"github.com/CodeMonkeyCybersecurity/easm/pkg/types"
	"github.com/PuerkitoBio/goquery"
)

// ErrInvalidSeed is returned when the seed URL cannot start a crawl.
var ErrInvalidSeed = errors.New("invalid seed url")

// Crawler walks same-host links breadth-first up to a depth limit.
type Crawler struct {
	client   *http.Client
	limiter  *ratelimit.Limiter
	maxPages int
	maxBody  int64
	logger   *logger.Logger
}

type queued struct {
	url   string
	depth int
}

type page struct {
	resource types.DiscoveredWebResource
	links    []string
}

func NewCrawler(cfg config.CrawlerConfig, log *logger.Logger) *Crawler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "EASM Discovery Bot/0.1"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Crawler{
		client: httpclient.New(httpclient.ClientConfig{
			Timeout:            cfg.Timeout,
			UserAgent:          cfg.UserAgent,
			FollowRedirects:    true,
			MaxRedirects:       10,
			InsecureSkipVerify: true,
		}),
		limiter: ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerSecond: cfg.RequestsPerSecond,
			BurstSize:         cfg.BurstSize,
		}),
		maxPages: cfg.MaxPages,
		maxBody:  cfg.MaxBodyBytes,
		logger:   log.WithComponent("crawler"),
	}
}

// Crawl fetches seedURL and, while depth < maxDepth, every unvisited link on
// the same host. Only a malformed seed is an error; pages that fail to load
// are logged and skipped. Cancelling ctx ends the crawl with what was found
// so far.
func (c *Crawler) Crawl(ctx context.Context, seedURL string, maxDepth int) (*types.DiscoveryResult, error) {
	seed, err := parseSeed(seedURL)
	if err != nil {
		return nil, err
	}

	result := types.NewDiscoveryResult()
	source := "web_crawl_for_" + seed.Hostname()
	seedHost := strings.ToLower(seed.Host)

	start := seed.String()
	visited := map[string]bool{start: true}
	recorded := make(map[string]bool)
	queue := []queued{{url: start, depth: 0}}
	fetched := 0

	for len(queue) > 0 {
		if ctx.Err() != nil {
			c.logger.Warnw("Crawl interrupted", "seed", seedURL, "error", ctx.Err())
			break
		}
		if c.maxPages > 0 && fetched >= c.maxPages {
			c.logger.Infow("Crawl page limit reached", "seed", seedURL, "max_pages", c.maxPages)
			break
		}

		item := queue[0]
		queue = queue[1:]
		if item.depth > maxDepth {
			continue
		}

		p, err := c.fetch(ctx, item.url, source)
		if err != nil {
			c.logger.Debugw("Failed to fetch page", "url", item.url, "error", err)
			continue
		}
		fetched++

		// Redirects can land on a page already recorded under its final URL.
		final := normalizeURL(p.resource.URL)
		if recorded[final] {
			continue
		}
		recorded[final] = true
		visited[final] = true
		p.resource.URL = final
		result.AddWebResource(p.resource)

		if item.depth >= maxDepth {
			continue
		}
		for _, link := range p.links {
			next, ok := resolveLink(p.resource.URL, link)
			if !ok || strings.ToLower(next.Host) != seedHost {
				continue
			}
			key := next.String()
			if visited[key] {
				continue
			}
			visited[key] = true
			queue = append(queue, queued{url: key, depth: item.depth + 1})
		}
	}

	c.logger.Infow("Web crawl completed",
		"seed", seedURL,
		"pages", fetched,
		"visited", len(visited))
	return result, nil
}

func parseSeed(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidSeed, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidSeed)
	}
	u.Fragment = ""
	return u, nil
}

func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	return u.String()
}

// resolveLink resolves href against base and drops the fragment. Only http
// and https targets are followed.
func resolveLink(base, href string) (*url.URL, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return nil, false
	}
	b, err := url.Parse(base)
	if err != nil {
		return nil, false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil, false
	}
	u := b.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	u.Fragment = ""
	return u, true
}

func (c *Crawler) fetch(ctx context.Context, target, source string) (*page, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.WaitForHost(ctx, u.Host); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpclient.CloseBody(resp)
	c.logger.LogHTTPRequest(ctx, http.MethodGet, target, resp.StatusCode, time.Since(start))

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	finalURL := target
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	p := &page{
		resource: types.DiscoveredWebResource{
			URL:        finalURL,
			StatusCode: resp.StatusCode,
			Source:     source,
		},
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return p, nil
	}

	p.resource.Title = strings.TrimSpace(doc.Find("title").First().Text())
	p.resource.Technologies = detectTechnologies(doc)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			p.links = append(p.links, href)
		}
	})
	return p, nil
}

func detectTechnologies(doc *goquery.Document) []string {
	var techs []string
	seen := make(map[string]bool)
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			techs = append(techs, name)
		}
	}

	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		add(fingerprint.ScriptTechnology(src))
	})
	doc.Find(`meta[name="generator"]`).Each(func(_ int, s *goquery.Selection) {
		content, _ := s.Attr("content")
		add(fingerprint.GeneratorTechnology(content))
	})
	doc.Find(`link[rel="stylesheet"]`).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		add(fingerprint.StylesheetTechnology(href))
	})
	return techs
}
