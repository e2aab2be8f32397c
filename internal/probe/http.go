package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/upmon-net/upmon/internal/config"
)

// Desktop user agents rotated by the third ladder rung to get past naive
// bot filters that reject obviously synthetic requests.
var desktopUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
}

// httpProber walks the HTTP strategy ladder. It keeps two pooled clients,
// one per scheme, so HTTPS handshakes never contend with plain HTTP
// keep-alive sockets.
type httpProber struct {
	httpClient  *http.Client
	httpsClient *http.Client
	uaCounter   atomic.Uint32
}

func newHTTPProber() *httpProber {
	return &httpProber{
		httpClient:  newPooledClient(false),
		httpsClient: newPooledClient(true),
	}
}

// newPooledClient builds a keep-alive client. TLS verification is disabled
// on purpose: this engine measures liveness, not trust, and a target with
// a broken certificate still counts as reachable.
func newPooledClient(https bool) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        config.ProbePoolSizePerHost * 4,
		MaxIdleConnsPerHost: config.ProbePoolSizePerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	if https {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= config.ProbeMaxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

// probe runs the strategy ladder: HEAD, then a capped GET, then a GET
// dressed as a desktop browser. The first strategy that yields an "up"
// classification wins; the last failure reason is reported otherwise.
func (p *httpProber) probe(ctx context.Context, address string, attemptTimeout time.Duration) attemptResult {
	url := address
	if !strings.HasPrefix(strings.ToLower(url), "http://") && !strings.HasPrefix(strings.ToLower(url), "https://") {
		url = "https://" + url
	}

	strategies := []func(context.Context, string) attemptResult{
		p.tryHead,
		func(ctx context.Context, url string) attemptResult {
			// The capped GET runs on a shortened clock so a slow body
			// stream cannot eat the whole attempt budget.
			shortCtx, cancel := context.WithTimeout(ctx, attemptTimeout*8/10)
			defer cancel()
			return p.tryLimitedGet(shortCtx, url)
		},
		p.tryBrowserGet,
	}

	var last attemptResult
	for _, strategy := range strategies {
		last = strategy(ctx, url)
		if last.up || last.permanent {
			return last
		}
		if ctx.Err() != nil {
			return last
		}
	}
	return last
}

func (p *httpProber) tryHead(ctx context.Context, url string) attemptResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return attemptResult{reason: "invalid URL: " + err.Error(), permanent: true}
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Cache-Control", "no-cache")
	return p.do(url, req, 0)
}

func (p *httpProber) tryLimitedGet(ctx context.Context, url string) attemptResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return attemptResult{reason: "invalid URL: " + err.Error(), permanent: true}
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Cache-Control", "no-cache")
	return p.do(url, req, config.ProbeMaxBodyBytes)
}

func (p *httpProber) tryBrowserGet(ctx context.Context, url string) attemptResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return attemptResult{reason: "invalid URL: " + err.Error(), permanent: true}
	}
	ua := desktopUserAgents[p.uaCounter.Add(1)%uint32(len(desktopUserAgents))]
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	return p.do(url, req, config.ProbeMaxBodyBytes)
}

func (p *httpProber) do(url string, req *http.Request, maxBody int64) attemptResult {
	client := p.httpClient
	if strings.HasPrefix(strings.ToLower(url), "https://") {
		client = p.httpsClient
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return attemptResult{reason: shortReason(err)}
	}
	defer resp.Body.Close()

	if maxBody > 0 {
		// Drain up to the cap so the connection can be reused, then stop
		// the clock: the decision needed at most maxBody bytes.
		io.CopyN(io.Discard, resp.Body, maxBody)
	}
	latency := float64(time.Since(start).Microseconds()) / 1000.0

	if classifyStatus(resp.StatusCode) {
		return attemptResult{up: true, latencyMs: latency}
	}
	return attemptResult{reason: fmt.Sprintf("HTTP %d", resp.StatusCode)}
}

// classifyStatus maps an HTTP status to up/down. Auth walls, method
// rejections, and rate limits mean the target is alive and merely refusing
// this client, so they count as up.
func classifyStatus(code int) bool {
	if code >= 200 && code < 400 {
		return true
	}
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden,
		http.StatusMethodNotAllowed, http.StatusTooManyRequests:
		return true
	}
	return false
}
