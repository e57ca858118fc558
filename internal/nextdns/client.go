// Package nextdns is the remote state client: typed operations over the
// NextDNS HTTP API with client-side rate limiting, retry with backoff,
// a TTL cache for the deny/allow lists, and single-flight cache fills.
package nextdns

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"ndb/internal/policy"
)

const (
	DefaultBaseURL = "https://api.nextdns.io"

	retryWaitMin      = 1 * time.Second
	retryWaitMax      = 30 * time.Second
	maxRetryAfterHint = 60 * time.Second
)

// Options configures a Client. Zero fields fall back to the defaults noted.
type Options struct {
	APIKey    string
	ProfileID string
	BaseURL   string        // DefaultBaseURL
	Timeout   time.Duration // 10s per request
	Retries   int           // 3
	CacheTTL  time.Duration // 60s
	RateLimit int           // 30 requests
	RateWin   time.Duration // per 60s window
}

// ParentalControl mirrors the remote parental-control resource state.
type ParentalControl struct {
	Categories map[string]bool
	Services   map[string]bool

	SafeSearch            bool
	YouTubeRestrictedMode bool
	BlockBypass           bool
}

// Client talks to one NextDNS profile. Safe for concurrent use; callers
// block on the rate limiter rather than failing when the window is full.
type Client struct {
	apiKey  string
	profile string
	baseURL string

	http    *retryablehttp.Client
	limiter *rate.Limiter
	cache   *gocache.Cache
	sf      singleflight.Group
}

// New builds a Client from options.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 60 * time.Second
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 30
	}
	if opts.RateWin <= 0 {
		opts.RateWin = 60 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = cleanhttp.DefaultPooledClient()
	rc.HTTPClient.Timeout = opts.Timeout
	rc.RetryMax = opts.Retries
	rc.RetryWaitMin = retryWaitMin
	rc.RetryWaitMax = retryWaitMax
	rc.Logger = nil
	rc.CheckRetry = checkRetry
	rc.Backoff = backoff

	return &Client{
		apiKey:  opts.APIKey,
		profile: opts.ProfileID,
		baseURL: opts.BaseURL,
		http:    rc,
		limiter: rate.NewLimiter(rate.Limit(float64(opts.RateLimit)/opts.RateWin.Seconds()), opts.RateLimit),
		cache:   gocache.New(opts.CacheTTL, 2*opts.CacheTTL),
	}
}

// checkRetry retries 429 and 5xx plus transport errors; all other 4xx are
// permanent and surface immediately.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

// backoff is exponential from 1s with factor 2, capped at 30s, plus up to
// 1s of uniform jitter. A 429 Retry-After hint is obeyed up to 60s.
func backoff(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		if hint := resp.Header.Get("Retry-After"); hint != "" {
			if secs, err := strconv.Atoi(hint); err == nil && secs > 0 {
				wait := time.Duration(secs) * time.Second
				if wait > maxRetryAfterHint {
					wait = maxRetryAfterHint
				}
				return wait
			}
		}
	}
	wait := min << uint(attemptNum)
	if wait > max || wait <= 0 {
		wait = max
	}
	return wait + time.Duration(rand.Int63n(int64(time.Second)))
}

type listEntry struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

type dataEnvelope struct {
	Data json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		payload = bytes.NewReader(encoded)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nextdns %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var env dataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return env.Data, nil
}

func (c *Client) profilePath(suffix string) string {
	return "/profiles/" + c.profile + suffix
}

// fetchList retrieves a deny/allow list, bypassing the cache.
func (c *Client) fetchList(ctx context.Context, kind string) ([]string, error) {
	data, err := c.do(ctx, http.MethodGet, c.profilePath("/"+kind), nil)
	if err != nil {
		return nil, err
	}
	var entries []listEntry
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", kind, err)
		}
	}
	domains := make([]string, 0, len(entries))
	for _, e := range entries {
		domains = append(domains, policy.NormalizeDomain(e.ID))
	}
	return domains, nil
}

// cachedList returns the named list from cache, filling it with exactly one
// in-flight request under concurrent callers.
func (c *Client) cachedList(ctx context.Context, kind string) ([]string, error) {
	key := kind + ":" + c.profile
	if cached, ok := c.cache.Get(key); ok {
		return cached.([]string), nil
	}
	v, err, _ := c.sf.Do(key, func() (any, error) {
		if cached, ok := c.cache.Get(key); ok {
			return cached.([]string), nil
		}
		list, err := c.fetchList(ctx, kind)
		if err != nil {
			return nil, err
		}
		c.cache.SetDefault(key, list)
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (c *Client) invalidate(kind string) {
	c.cache.Delete(kind + ":" + c.profile)
}

// GetDenylist returns the remote denylist, cached for the configured TTL.
func (c *Client) GetDenylist(ctx context.Context) ([]string, error) {
	return c.cachedList(ctx, "denylist")
}

// GetAllowlist returns the remote allowlist, cached for the configured TTL.
func (c *Client) GetAllowlist(ctx context.Context) ([]string, error) {
	return c.cachedList(ctx, "allowlist")
}

// addToList adds a domain to denylist/allowlist. Adding a domain that is
// already present succeeds without a write.
func (c *Client) addToList(ctx context.Context, kind, domain string) error {
	domain = policy.NormalizeDomain(domain)
	if !policy.ValidDomain(domain) {
		return fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	current, err := c.cachedList(ctx, kind)
	if err != nil {
		return err
	}
	for _, d := range current {
		if d == domain {
			slog.Debug("already present, skipping add", "list", kind, "domain", domain)
			return nil
		}
	}
	if _, err := c.do(ctx, http.MethodPost, c.profilePath("/"+kind),
		map[string]any{"id": domain, "active": true}); err != nil {
		return err
	}
	c.invalidate(kind)
	return nil
}

// removeFromList removes a domain; removing an absent domain succeeds.
func (c *Client) removeFromList(ctx context.Context, kind, domain string) error {
	domain = policy.NormalizeDomain(domain)
	if !policy.ValidDomain(domain) {
		return fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	current, err := c.cachedList(ctx, kind)
	if err != nil {
		return err
	}
	present := false
	for _, d := range current {
		if d == domain {
			present = true
			break
		}
	}
	if !present {
		slog.Debug("not present, skipping remove", "list", kind, "domain", domain)
		return nil
	}
	_, err = c.do(ctx, http.MethodDelete, c.profilePath("/"+kind+"/"+domain), nil)
	if err != nil {
		var apiErr *APIError
		// Already gone is success for an idempotent remove.
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
			return err
		}
	}
	c.invalidate(kind)
	return nil
}

// AddDeny adds a domain to the denylist.
func (c *Client) AddDeny(ctx context.Context, domain string) error {
	return c.addToList(ctx, "denylist", domain)
}

// RemoveDeny removes a domain from the denylist.
func (c *Client) RemoveDeny(ctx context.Context, domain string) error {
	return c.removeFromList(ctx, "denylist", domain)
}

// AddAllow adds a domain to the allowlist.
func (c *Client) AddAllow(ctx context.Context, domain string) error {
	return c.addToList(ctx, "allowlist", domain)
}

// RemoveAllow removes a domain from the allowlist.
func (c *Client) RemoveAllow(ctx context.Context, domain string) error {
	return c.removeFromList(ctx, "allowlist", domain)
}

// GetParentalControl fetches the current parental-control state.
func (c *Client) GetParentalControl(ctx context.Context) (*ParentalControl, error) {
	data, err := c.do(ctx, http.MethodGet, c.profilePath("/parentalControl"), nil)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Categories            []listEntry `json:"categories"`
		Services              []listEntry `json:"services"`
		SafeSearch            bool        `json:"safeSearch"`
		YouTubeRestrictedMode bool        `json:"youtubeRestrictedMode"`
		BlockBypassMethods    bool        `json:"blockBypassMethods"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decoding parentalControl: %w", err)
		}
	}
	pc := &ParentalControl{
		Categories:            map[string]bool{},
		Services:              map[string]bool{},
		SafeSearch:            raw.SafeSearch,
		YouTubeRestrictedMode: raw.YouTubeRestrictedMode,
		BlockBypass:           raw.BlockBypassMethods,
	}
	for _, e := range raw.Categories {
		pc.Categories[e.ID] = e.Active
	}
	for _, e := range raw.Services {
		pc.Services[e.ID] = e.Active
	}
	return pc, nil
}

// SetCategory toggles a native parental-control category.
func (c *Client) SetCategory(ctx context.Context, id string, active bool) error {
	_, err := c.do(ctx, http.MethodPatch,
		c.profilePath("/parentalControl/categories/"+id),
		map[string]any{"active": active})
	return err
}

// SetService toggles a native parental-control service, adding it to the
// profile first when the remote has never seen it.
func (c *Client) SetService(ctx context.Context, id string, active bool) error {
	_, err := c.do(ctx, http.MethodPatch,
		c.profilePath("/parentalControl/services/"+id),
		map[string]any{"active": active})
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		_, err = c.do(ctx, http.MethodPost,
			c.profilePath("/parentalControl/services"),
			map[string]any{"id": id, "active": active})
	}
	return err
}

// GlobalFlags carries the three profile-wide parental-control booleans.
// Nil fields are left untouched on the remote.
type GlobalFlags struct {
	SafeSearch            *bool
	YouTubeRestrictedMode *bool
	BlockBypass           *bool
}

// UpdateParentalControlGlobal patches the profile-wide flags.
func (c *Client) UpdateParentalControlGlobal(ctx context.Context, flags GlobalFlags) error {
	body := map[string]any{}
	if flags.SafeSearch != nil {
		body["safeSearch"] = *flags.SafeSearch
	}
	if flags.YouTubeRestrictedMode != nil {
		body["youtubeRestrictedMode"] = *flags.YouTubeRestrictedMode
	}
	if flags.BlockBypass != nil {
		body["blockBypassMethods"] = *flags.BlockBypass
	}
	if len(body) == 0 {
		return nil
	}
	_, err := c.do(ctx, http.MethodPatch, c.profilePath("/parentalControl"), body)
	return err
}
