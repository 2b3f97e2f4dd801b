package httpclient

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rs/zerolog/log"
)

const maxBodySize = 32 << 20

// Random User-Agent pool
var userAgents = []string{
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
}

// StatusError is returned for non-200 upstream responses
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}

// Options configures a Client
type Options struct {
	Timeout       time.Duration
	Retries       int
	RetryDelay    time.Duration
	GlobalProxy   string
	SourceProxies map[string]string
}

// Client is an HTTP client with retry and per-source proxy support
type Client struct {
	opts    Options
	mu      sync.Mutex
	clients map[string]*http.Client // keyed by proxy URL, "" = direct
}

// NewClient creates a new HTTP client
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Retries <= 0 {
		opts.Retries = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	return &Client{
		opts:    opts,
		clients: make(map[string]*http.Client),
	}
}

// Timeout returns the per-call timeout applied to every source request
func (c *Client) Timeout() time.Duration {
	return c.opts.Timeout
}

// proxyFor returns the proxy used by a source, source-scoped entries win
func (c *Client) proxyFor(source string) string {
	if p, ok := c.opts.SourceProxies[source]; ok {
		return p
	}
	return c.opts.GlobalProxy
}

func (c *Client) clientFor(source string) *http.Client {
	proxy := c.proxyFor(source)

	c.mu.Lock()
	defer c.mu.Unlock()

	if hc, ok := c.clients[proxy]; ok {
		return hc
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxy != "" {
		if u, err := url.Parse(proxy); err == nil {
			transport.Proxy = http.ProxyURL(u)
		} else {
			log.Warn().Err(err).Str("source", source).Msg("Invalid proxy URL, connecting directly")
		}
	}
	hc := &http.Client{Timeout: c.opts.Timeout, Transport: transport}
	c.clients[proxy] = hc
	return hc
}

func getRandomUserAgent() string {
	return userAgents[rand.Intn(len(userAgents))]
}

// Get makes a GET request for a source with retry and proxy support
func (c *Client) Get(ctx context.Context, source, targetURL string, headers map[string]string) ([]byte, error) {
	return c.Do(ctx, source, http.MethodGet, targetURL, nil, headers)
}

// Do performs a request, retrying transport errors, 403/429 and 5xx responses
func (c *Client) Do(ctx context.Context, source, method, targetURL string, body []byte, headers map[string]string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	hc := c.clientFor(source)
	var lastErr error

	for attempt := 1; attempt <= c.opts.Retries; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, targetURL, reader)
		if err != nil {
			return nil, err
		}

		req.Header.Set("User-Agent", getRandomUserAgent())
		req.Header.Set("Accept", "application/json, text/plain, */*")
		req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
		req.Header.Set("Accept-Encoding", "gzip, deflate, br")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		data, retry, err := c.roundTrip(hc, req)
		if err == nil {
			return data, nil
		}
		lastErr = err

		log.Warn().
			Str("source", source).
			Int("attempt", attempt).
			Err(err).
			Str("url", targetURL).
			Msg("Request failed")

		if !retry || attempt == c.opts.Retries {
			break
		}

		waitTime := c.opts.RetryDelay * time.Duration(math.Pow(2, float64(attempt-1)))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
		case <-time.After(waitTime):
		}
	}

	return nil, fmt.Errorf("all retries failed: %w", lastErr)
}

func (c *Client) roundTrip(hc *http.Client, req *http.Request) ([]byte, bool, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, req.Context().Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		retry := resp.StatusCode == http.StatusForbidden ||
			resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode >= 500
		return nil, retry, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	data, err := decodeBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return nil, true, err
	}
	return data, false, nil
}

// decodeBody handles Content-Encoding since Accept-Encoding is set by hand
func decodeBody(encoding string, body io.Reader) ([]byte, error) {
	var reader io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		fl := flate.NewReader(body)
		defer fl.Close()
		reader = fl
	case "br":
		reader = brotli.NewReader(body)
	default:
		reader = body
	}
	return io.ReadAll(io.LimitReader(reader, maxBodySize))
}

// HasProxy returns true if any proxy is configured
func (c *Client) HasProxy() bool {
	return c.opts.GlobalProxy != "" || len(c.opts.SourceProxies) > 0
}

// ProxyCount returns the number of configured proxies
func (c *Client) ProxyCount() int {
	n := len(c.opts.SourceProxies)
	if c.opts.GlobalProxy != "" {
		n++
	}
	return n
}
