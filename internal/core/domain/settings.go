package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Store drivers.
const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
)

// Sink types.
const (
	SinkJSONL  = "jsonl"
	SinkStdout = "stdout"
	SinkKafka  = "kafka"
)

// Settings is the resolved runtime configuration.
type Settings struct {
	Credential    Credential
	AuthorityHost string

	Endpoint          string
	Product           ProductType
	Environment       string
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Burst             int

	Entities        []string
	Concurrency     int
	MaxRetries      int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	PageSize        int
	MaxPagesPerPass int
	Interval        time.Duration

	Store StoreSettings
	Sink  SinkSettings

	LogLevel  string
	LogFormat string
}

// StoreSettings selects the SyncState backend.
type StoreSettings struct {
	Driver      string
	Path        string
	DatabaseURL string
}

// SinkSettings selects where canonical records are delivered.
type SinkSettings struct {
	Type    string
	Path    string
	Brokers []string
	Topic   string
}

// DefaultSettings returns settings with every optional value filled in.
func DefaultSettings() Settings {
	return Settings{
		AuthorityHost:     "https://login.microsoftonline.com",
		RequestTimeout:    120 * time.Second,
		RequestsPerSecond: 10,
		Burst:             20,
		Concurrency:       4,
		MaxRetries:        5,
		BaseBackoff:       time.Second,
		MaxBackoff:        60 * time.Second,
		PageSize:          500,
		Interval:          15 * time.Minute,
		Store:             StoreSettings{Driver: StoreDriverSQLite},
		Sink:              SinkSettings{Type: SinkJSONL},
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// ServiceRoot returns the endpoint with a trailing slash.
func (s Settings) ServiceRoot() string {
	if s.Endpoint == "" || strings.HasSuffix(s.Endpoint, "/") {
		return s.Endpoint
	}
	return s.Endpoint + "/"
}

// EnvironmentName returns the configured environment name, falling back to
// the endpoint host.
func (s Settings) EnvironmentName() string {
	if s.Environment != "" {
		return s.Environment
	}
	if u, err := url.Parse(s.Endpoint); err == nil && u.Host != "" {
		return u.Host
	}
	return "default"
}

// Validate checks that the settings are complete and consistent.
func (s Settings) Validate() error {
	var problems []string
	if s.Credential.TenantID == "" {
		problems = append(problems, "tenant id is required")
	}
	if s.Credential.ClientID == "" {
		problems = append(problems, "client id is required")
	}
	if s.Credential.SecretRef == "" {
		problems = append(problems, "client secret is required")
	}
	if s.Endpoint == "" {
		problems = append(problems, "endpoint is required")
	} else if u, err := url.Parse(s.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, fmt.Sprintf("endpoint %q is not an absolute URL", s.Endpoint))
	}
	if !s.Product.Valid() {
		problems = append(problems, fmt.Sprintf("unknown product %q", s.Product))
	}
	if s.Concurrency < 1 {
		problems = append(problems, "concurrency must be at least 1")
	}
	if s.MaxRetries < 0 {
		problems = append(problems, "max retries must not be negative")
	}
	if s.BaseBackoff <= 0 {
		problems = append(problems, "base backoff must be positive")
	}
	if s.MaxBackoff < s.BaseBackoff {
		problems = append(problems, "max backoff must not be below base backoff")
	}
	switch s.Store.Driver {
	case StoreDriverSQLite:
	case StoreDriverPostgres:
		if s.Store.DatabaseURL == "" {
			problems = append(problems, "postgres store requires a database url")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown store driver %q", s.Store.Driver))
	}
	switch s.Sink.Type {
	case SinkJSONL, SinkStdout:
	case SinkKafka:
		if len(s.Sink.Brokers) == 0 || s.Sink.Topic == "" {
			problems = append(problems, "kafka sink requires brokers and a topic")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown sink type %q", s.Sink.Type))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}
