// Package serp is a client for the external search-result lookup service
// used to add competitive context to diagnoses.
package serp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/searchpulse/internal/retry"
)

// ErrQuotaExhausted is returned when the service reports no remaining quota.
var ErrQuotaExhausted = errors.New("serp quota exhausted")

// ErrDisabled is returned by Disabled for every lookup.
var ErrDisabled = errors.New("serp lookup disabled")

// Competitor is one ranked result that is not the target domain.
type Competitor struct {
	Domain   string `json:"domain"`
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Position int    `json:"position"`
}

// Result is the lookup response for one (query, domain) pair. A nil
// Position means the target domain was not found in the results.
type Result struct {
	Position    *int         `json:"position"`
	Competitors []Competitor `json:"competitors"`
	Features    []string     `json:"features"`
	Remaining   int          `json:"remaining"`
}

// Found reports whether the lookup matched anything useful.
func (r Result) Found() bool {
	return r.Position != nil || len(r.Competitors) > 0
}

type Config struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	// QuotaTTL is how long a remaining count reported by the service is
	// trusted before Available asks again. Defaults to a minute.
	QuotaTTL time.Duration
	Retry    retry.Policy
}

// Client talks to the lookup service over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      retry.Policy
	logger     *slog.Logger
	quotaTTL   time.Duration
	now        func() time.Time

	mu        sync.Mutex
	remaining int
	seenAt    time.Time
}

func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	p := cfg.Retry
	if p.Logger == nil {
		p.Logger = logger
	}
	ttl := cfg.QuotaTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 1),
		retry:      p,
		logger:     logger,
		quotaTTL:   ttl,
		now:        time.Now,
	}
}

func (c *Client) remember(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remaining, c.seenAt = n, c.now()
}

func (c *Client) cachedQuota() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seenAt.IsZero() || c.now().Sub(c.seenAt) >= c.quotaTTL {
		return 0, false
	}
	return c.remaining, true
}

type quotaResponse struct {
	Remaining int `json:"remaining"`
}

// Quota returns the number of lookups left.
func (c *Client) Quota(ctx context.Context) (int, error) {
	var q quotaResponse
	if err := c.get(ctx, "/quota", nil, &q); err != nil {
		if errors.Is(err, ErrQuotaExhausted) {
			c.remember(0)
		}
		return 0, err
	}
	c.remember(q.Remaining)
	return q.Remaining, nil
}

// Available reports whether a lookup can be issued now. A remaining count
// seen within the quota TTL, from a quota check or a lookup, is used as is.
// Any error talking to the service counts as unavailable.
func (c *Client) Available(ctx context.Context) bool {
	if n, ok := c.cachedQuota(); ok {
		return n > 0
	}
	n, err := c.Quota(ctx)
	if err != nil {
		c.logger.Warn("serp quota check failed", "error", err)
		return false
	}
	return n > 0
}

// lookupResponse tells a missing remaining count apart from zero.
type lookupResponse struct {
	Result
	Remaining *int `json:"remaining"`
}

// Lookup fetches result-page context for query, positioned for domain.
func (c *Client) Lookup(ctx context.Context, query, domain string) (Result, error) {
	var resp lookupResponse
	params := url.Values{"q": {query}, "domain": {domain}}
	if err := c.get(ctx, "/search", params, &resp); err != nil {
		if errors.Is(err, ErrQuotaExhausted) {
			c.remember(0)
		}
		return Result{}, err
	}
	r := resp.Result
	if resp.Remaining != nil {
		r.Remaining = *resp.Remaining
		c.remember(r.Remaining)
	}
	return r, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return retry.Do(ctx, c.retry, "serp "+path, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return retry.Permanent(fmt.Errorf("creating request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("requesting %s: %w", path, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusPaymentRequired:
			return retry.Permanent(ErrQuotaExhausted)
		case resp.StatusCode >= 500:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
		case resp.StatusCode != http.StatusOK:
			return retry.Permanent(fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode))
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Permanent(fmt.Errorf("decoding %s response: %w", path, err))
		}
		return nil
	})
}

// Disabled is used when no lookup service is configured. It is never
// available.
type Disabled struct{}

func (Disabled) Available(context.Context) bool { return false }

func (Disabled) Lookup(context.Context, string, string) (Result, error) {
	return Result{}, ErrDisabled
}
