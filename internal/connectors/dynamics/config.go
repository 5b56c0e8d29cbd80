package dynamics

import (
	"strconv"
	"strings"
	"time"

	"github.com/custodia-labs/d365-sync/internal/connectors/microsoft"
	"github.com/custodia-labs/d365-sync/internal/core/domain"
)

// Config holds OData client configuration.
type Config struct {
	// Endpoint is the service root, e.g. https://org.crm.dynamics.com/api/data/v9.2/.
	Endpoint string
	Product  domain.ProductType
	// PageSize is sent as odata.maxpagesize on sync requests.
	PageSize int
	// Timeout bounds a single HTTP request. $metadata can be tens of MB.
	Timeout time.Duration
	// RateLimit paces requests; a zero RequestsPerSecond falls back to the
	// product defaults. Use WithRateLimiter(nil) to disable pacing.
	RateLimit microsoft.RateLimitConfig
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Product:   domain.ProductDataverse,
		PageSize:  500,
		Timeout:   120 * time.Second,
		RateLimit: microsoft.DefaultRateLimits[domain.ProductDataverse],
	}
}

// ConfigFromSettings derives client configuration from runtime settings.
func ConfigFromSettings(s domain.Settings) *Config {
	cfg := DefaultConfig()
	cfg.Endpoint = s.ServiceRoot()
	cfg.Product = s.Product
	if s.PageSize > 0 {
		cfg.PageSize = s.PageSize
	}
	if s.RequestTimeout > 0 {
		cfg.Timeout = s.RequestTimeout
	}
	if limits, ok := microsoft.DefaultRateLimits[s.Product]; ok {
		cfg.RateLimit = limits
	}
	if s.RequestsPerSecond > 0 {
		cfg.RateLimit.RequestsPerSecond = s.RequestsPerSecond
	}
	if s.Burst > 0 {
		cfg.RateLimit.BurstSize = s.Burst
	}
	return cfg
}

// ParseConfig overlays string options, as found in a config table, on
// the defaults. Unknown keys and malformed values are ignored.
func ParseConfig(endpoint string, options map[string]string) *Config {
	cfg := DefaultConfig()
	cfg.Endpoint = endpoint
	cfg.Product = domain.InferProductType(endpoint)
	cfg.RateLimit = microsoft.DefaultRateLimits[cfg.Product]

	if val := options["product"]; val != "" {
		if p, ok := domain.ParseProductType(val); ok {
			cfg.Product = p
			cfg.RateLimit = microsoft.DefaultRateLimits[p]
		}
	}
	if val := options["page_size"]; val != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil && n > 0 {
			cfg.PageSize = n
		}
	}
	if val := options["timeout"]; val != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(val)); err == nil && d > 0 {
			cfg.Timeout = d
		}
	}
	if val := options["requests_per_second"]; val != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil && f >= 0 {
			cfg.RateLimit.RequestsPerSecond = f
		}
	}
	return cfg
}

// serviceRoot returns the endpoint with a trailing slash.
func (c *Config) serviceRoot() string {
	if strings.HasSuffix(c.Endpoint, "/") {
		return c.Endpoint
	}
	return c.Endpoint + "/"
}
