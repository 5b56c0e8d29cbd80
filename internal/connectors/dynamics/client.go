package dynamics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/custodia-labs/d365-sync/internal/connectors/microsoft"
	"github.com/custodia-labs/d365-sync/internal/core/domain"
	"github.com/custodia-labs/d365-sync/internal/core/ports/driven"
	"github.com/custodia-labs/d365-sync/internal/logger"
)

// Ensure Client implements the interface.
var _ driven.ODataClient = (*Client)(nil)

// maxErrorBody bounds how much of a failed response is kept.
const maxErrorBody = 64 * 1024

// Client issues OData requests against one Dynamics 365 service root.
type Client struct {
	config      *Config
	tokens      driven.TokenProvider
	rateLimiter *microsoft.RateLimiter
	policy      microsoft.RetryPolicy
	httpClient  *http.Client
	now         func() time.Time

	mu           sync.Mutex
	catalog      domain.Catalog
	metadataSize int
	inflight     *metadataCall
}

// metadataCall is one $metadata load shared by every caller that arrives
// while it runs.
type metadataCall struct {
	done    chan struct{}
	catalog domain.Catalog
	err     error
}

// Option customises a Client.
type Option func(*Client)

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p microsoft.RetryPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithRateLimiter replaces the rate limiter. Nil disables pacing.
func WithRateLimiter(rl *microsoft.RateLimiter) Option {
	return func(c *Client) { c.rateLimiter = rl }
}

// New creates an OData client.
func New(cfg *Config, tokens driven.TokenProvider, opts ...Option) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Client{
		config:     cfg,
		tokens:     tokens,
		policy:     microsoft.DefaultRetryPolicy(),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
	}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		c.rateLimiter = microsoft.NewRateLimiterWithConfig(cfg.RateLimit)
	} else {
		c.rateLimiter = microsoft.NewRateLimiter(cfg.Product)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the service root URL.
func (c *Client) Endpoint() string {
	return c.config.serviceRoot()
}

// Product returns the configured product.
func (c *Client) Product() domain.ProductType {
	return c.config.Product
}

// FetchMetadata returns the cached catalog, loading it on first use.
func (c *Client) FetchMetadata(ctx context.Context) (domain.Catalog, error) {
	c.mu.Lock()
	if c.catalog != nil {
		catalog := c.catalog
		c.mu.Unlock()
		return catalog, nil
	}
	call := c.startMetadataLocked(ctx)
	c.mu.Unlock()

	return awaitMetadata(ctx, call)
}

// RefreshMetadata discards the cached catalog and loads it again.
// The previous catalog stays in place if the reload fails.
func (c *Client) RefreshMetadata(ctx context.Context) (domain.Catalog, error) {
	c.mu.Lock()
	call := c.startMetadataLocked(ctx)
	c.mu.Unlock()

	return awaitMetadata(ctx, call)
}

// MetadataSize returns the size of the cached $metadata document.
func (c *Client) MetadataSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metadataSize
}

// startMetadataLocked joins the running load or starts one. The load is
// detached from ctx so one caller giving up does not fail the others;
// each attempt stays bounded by the HTTP client timeout.
func (c *Client) startMetadataLocked(ctx context.Context) *metadataCall {
	if c.inflight != nil {
		return c.inflight
	}
	call := &metadataCall{done: make(chan struct{})}
	c.inflight = call

	go func() {
		catalog, size, err := c.loadMetadata(context.WithoutCancel(ctx))

		c.mu.Lock()
		if err == nil {
			c.catalog = catalog
			c.metadataSize = size
		}
		c.inflight = nil
		c.mu.Unlock()

		call.catalog, call.err = catalog, err
		close(call.done)
	}()
	return call
}

func awaitMetadata(ctx context.Context, call *metadataCall) (domain.Catalog, error) {
	select {
	case <-call.done:
		return call.catalog, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) loadMetadata(ctx context.Context) (domain.Catalog, int, error) {
	target := c.Endpoint() + "$metadata"
	logger.Debug("odata: fetching %s", target)

	body, _, err := c.do(ctx, "odata metadata", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/xml")
		return req, nil
	})
	if err != nil {
		return nil, 0, &domain.MetadataError{Kind: domain.MetadataUnreachable, Err: err}
	}

	catalog, err := ParseMetadata(body, c.config.Product)
	if err != nil {
		return nil, 0, err
	}

	logger.Info("odata: loaded metadata, %d entity sets (%d bytes)", len(catalog), len(body))
	return catalog, len(body), nil
}

// Query issues a single request against an entity set.
func (c *Client) Query(ctx context.Context, entitySet string, opts domain.QueryOptions) (*domain.Page, error) {
	if entitySet == "" {
		return nil, fmt.Errorf("%w: entity set is required", domain.ErrInvalidInput)
	}
	target := c.Endpoint() + url.PathEscape(entitySet)
	if qs := BuildQueryString(opts, c.config.Product); qs != "" {
		target += "?" + qs
	}
	return c.fetchPage(ctx, target, opts)
}

// Follow requests a server-issued continuation or delta link. The link is
// used verbatim; only links on the service host are accepted.
func (c *Client) Follow(ctx context.Context, link string, opts domain.QueryOptions) (*domain.Page, error) {
	target, err := c.resolveLink(link)
	if err != nil {
		return nil, err
	}
	return c.fetchPage(ctx, target, opts)
}

// GetRecord fetches one record by key. Only Select and Expand apply.
func (c *Client) GetRecord(ctx context.Context, entitySet, key string, opts domain.QueryOptions) (map[string]any, error) {
	if entitySet == "" || key == "" {
		return nil, fmt.Errorf("%w: entity set and key are required", domain.ErrInvalidInput)
	}
	target := c.Endpoint() + url.PathEscape(entitySet) + "(" + key + ")"
	qs := BuildQueryString(domain.QueryOptions{
		Select:       opts.Select,
		Expand:       opts.Expand,
		CrossCompany: opts.CrossCompany,
	}, c.config.Product)
	if qs != "" {
		target += "?" + qs
	}

	body, _, err := c.do(ctx, "odata get", func(ctx context.Context) (*http.Request, error) {
		return c.newGet(ctx, target, domain.QueryOptions{})
	})
	if err != nil {
		return nil, err
	}

	var record map[string]any
	if err := decodeJSON(body, &record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return record, nil
}

// odataResponse is the collection envelope of an OData JSON response.
type odataResponse struct {
	Context   string           `json:"@odata.context"`
	Count     *int64           `json:"@odata.count"`
	NextLink  string           `json:"@odata.nextLink"`
	DeltaLink string           `json:"@odata.deltaLink"`
	Value     []map[string]any `json:"value"`
}

func (c *Client) fetchPage(ctx context.Context, target string, opts domain.QueryOptions) (*domain.Page, error) {
	logger.Debug("odata: GET %s", target)

	body, _, err := c.do(ctx, "odata query", func(ctx context.Context) (*http.Request, error) {
		return c.newGet(ctx, target, opts)
	})
	if err != nil {
		return nil, err
	}

	var resp odataResponse
	if err := decodeJSON(body, &resp); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}

	return &domain.Page{
		Records:   resp.Value,
		NextLink:  resp.NextLink,
		DeltaLink: resp.DeltaLink,
		Count:     resp.Count,
	}, nil
}

// newGet builds a GET with the OData headers every request carries.
func (c *Client) newGet(ctx context.Context, target string, opts domain.QueryOptions) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	setODataHeaders(req.Header, opts)
	return req, nil
}

func setODataHeaders(h http.Header, opts domain.QueryOptions) {
	h.Set("Accept", "application/json")
	h.Set("OData-MaxVersion", "4.0")
	h.Set("OData-Version", "4.0")

	prefer := []string{`odata.include-annotations="*"`}
	if opts.MaxPageSize > 0 {
		prefer = append(prefer, "odata.maxpagesize="+strconv.Itoa(opts.MaxPageSize))
	}
	if opts.TrackChanges {
		prefer = append(prefer, "odata.track-changes")
	}
	h.Set("Prefer", strings.Join(prefer, ","))
}

// do sends a request built by newReq, applying pacing, authentication and
// the retry policy. It returns the body of a 2xx response.
func (c *Client) do(
	ctx context.Context, op string, newReq func(context.Context) (*http.Request, error),
) ([]byte, http.Header, error) {
	refreshed := false

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if c.rateLimiter != nil {
			if err := c.rateLimiter.Wait(ctx); err != nil {
				return nil, nil, err
			}
		}

		token, err := c.tokens.GetToken(ctx)
		if err != nil {
			return nil, nil, err
		}
		req, err := newReq(ctx)
		if err != nil {
			return nil, nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token.Value)

		resp, err := c.httpClient.Do(req)
		var body []byte
		if err == nil {
			body, err = io.ReadAll(resp.Body)
			resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			if attempt >= c.policy.MaxRetries {
				return nil, nil, &domain.QueryError{Kind: domain.QueryUnavailable, Err: err}
			}
			delay := c.policy.Delay(attempt)
			c.policy.Notify(microsoft.RetryEvent{Operation: op, Attempt: attempt + 1, Delay: delay, Err: err})
			if err := c.policy.Wait(ctx, delay); err != nil {
				return nil, nil, err
			}
			continue
		}

		status := resp.StatusCode
		switch {
		case status >= 200 && status < 300:
			return body, resp.Header, nil

		case microsoft.IsUnauthorised(status) && !refreshed:
			// The cached token may have been revoked early; refresh once.
			refreshed = true
			c.tokens.Invalidate()
			attempt--
			logger.Debug("%s: 401, refreshing token", op)

		case microsoft.IsRetryable(status):
			if attempt >= c.policy.MaxRetries {
				return nil, nil, microsoft.WrapError(status, limitBody(body))
			}
			delay, ok := microsoft.RetryAfter(resp.Header, c.now())
			if !ok {
				delay = c.policy.Delay(attempt)
			}
			if microsoft.IsRateLimited(status) && c.rateLimiter != nil {
				c.rateLimiter.RecordRateLimitError(delay)
			}
			c.policy.Notify(microsoft.RetryEvent{Operation: op, Attempt: attempt + 1, Status: status, Delay: delay})
			if err := c.policy.Wait(ctx, delay); err != nil {
				return nil, nil, err
			}

		default:
			return nil, nil, microsoft.WrapError(status, limitBody(body))
		}
	}
}

// resolveLink makes a continuation link absolute and checks its host.
func (c *Client) resolveLink(link string) (string, error) {
	if link == "" {
		return "", fmt.Errorf("%w: empty link", domain.ErrInvalidInput)
	}
	root, err := url.Parse(c.Endpoint())
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("%w: malformed link: %w", domain.ErrInvalidInput, err)
	}
	if !u.IsAbs() {
		return root.ResolveReference(u).String(), nil
	}
	if !strings.EqualFold(u.Host, root.Host) {
		return "", fmt.Errorf("%w: link host %q does not match endpoint", domain.ErrInvalidInput, u.Host)
	}
	return link, nil
}

func decodeJSON(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

func limitBody(body []byte) []byte {
	if len(body) > maxErrorBody {
		return body[:maxErrorBody]
	}
	return body
}
