// Package file loads engine settings from a TOML file with environment
// overrides.
package file

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/custodia-labs/d365-sync/internal/config"
	"github.com/custodia-labs/d365-sync/internal/core/domain"
)

// Default locations.
const (
	DefaultDirName   = ".d365sync"
	DefaultFileName  = "config.toml"
	DefaultStateFile = "state.db"
	EnvConfigPath    = "D365_CONFIG"
	EnvDataDir       = "D365_DATA_DIR"
)

// document mirrors the TOML layout. Durations are Go duration strings.
type document struct {
	Auth    authTable    `toml:"auth"`
	Service serviceTable `toml:"service"`
	Sync    syncTable    `toml:"sync"`
	Store   storeTable   `toml:"store"`
	Sink    sinkTable    `toml:"sink"`
	Log     logTable     `toml:"log"`
}

type authTable struct {
	TenantID      string `toml:"tenant_id"`
	ClientID      string `toml:"client_id"`
	ClientSecret  string `toml:"client_secret"`
	AuthorityHost string `toml:"authority_host"`
}

type serviceTable struct {
	Endpoint          string  `toml:"endpoint"`
	Product           string  `toml:"product"`
	Environment       string  `toml:"environment"`
	RequestTimeout    string  `toml:"request_timeout"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

type syncTable struct {
	Entities        []string `toml:"entities"`
	Concurrency     int      `toml:"concurrency"`
	MaxRetries      *int     `toml:"max_retries"`
	BaseBackoff     string   `toml:"base_backoff"`
	MaxBackoff      string   `toml:"max_backoff"`
	PageSize        int      `toml:"page_size"`
	MaxPagesPerPass int      `toml:"max_pages_per_pass"`
	Interval        string   `toml:"interval"`
}

type storeTable struct {
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`
	DatabaseURL string `toml:"database_url"`
}

type sinkTable struct {
	Type    string   `toml:"type"`
	Path    string   `toml:"path"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

type logTable struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DataDir returns the directory for local state, $D365_DATA_DIR or
// ~/.d365sync.
func DataDir() (string, error) {
	if dir := config.GetEnvStr(EnvDataDir, ""); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, DefaultDirName), nil
}

// DefaultPath returns $D365_CONFIG or the config file in DataDir.
func DefaultPath() (string, error) {
	if path := config.GetEnvStr(EnvConfigPath, ""); path != "" {
		return path, nil
	}
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultFileName), nil
}

// Load reads settings from path, applies environment overrides and fills
// defaults. A missing file is not an error; settings then come from the
// environment alone. Load does not validate.
func Load(path string) (domain.Settings, error) {
	var doc document
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return domain.Settings{}, fmt.Errorf("read config: %w", err)
	default:
		if err := toml.Unmarshal(data, &doc); err != nil {
			return domain.Settings{}, fmt.Errorf("%w: parse %s: %w", domain.ErrInvalidInput, path, err)
		}
	}
	return resolve(doc)
}

// Parse decodes a TOML document. Environment overrides apply as in Load.
func Parse(data []byte) (domain.Settings, error) {
	var doc document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return domain.Settings{}, fmt.Errorf("%w: parse config: %w", domain.ErrInvalidInput, err)
	}
	return resolve(doc)
}

func resolve(doc document) (domain.Settings, error) {
	s := domain.DefaultSettings()

	s.Credential = domain.Credential{
		TenantID:  config.GetEnvStr("D365_TENANT_ID", doc.Auth.TenantID),
		ClientID:  config.GetEnvStr("D365_CLIENT_ID", doc.Auth.ClientID),
		SecretRef: doc.Auth.ClientSecret,
	}
	if os.Getenv("D365_CLIENT_SECRET") != "" {
		s.Credential.SecretRef = "env:D365_CLIENT_SECRET"
	}
	s.AuthorityHost = nonEmpty(doc.Auth.AuthorityHost, s.AuthorityHost)

	s.Endpoint = config.GetEnvStr("D365_ENDPOINT", doc.Service.Endpoint)
	s.Environment = config.GetEnvStr("D365_ENVIRONMENT", doc.Service.Environment)
	product := config.GetEnvStr("D365_PRODUCT", doc.Service.Product)
	if product == "" {
		s.Product = domain.InferProductType(s.Endpoint)
	} else if p, ok := domain.ParseProductType(product); ok {
		s.Product = p
	} else {
		s.Product = domain.ProductType(product)
	}
	if doc.Service.RequestsPerSecond > 0 {
		s.RequestsPerSecond = doc.Service.RequestsPerSecond
	}
	if doc.Service.Burst > 0 {
		s.Burst = doc.Service.Burst
	}

	s.Entities = config.GetEnvList("D365_ENTITIES", doc.Sync.Entities)
	if doc.Sync.Concurrency != 0 {
		s.Concurrency = doc.Sync.Concurrency
	}
	s.Concurrency = config.GetEnvInt("D365_CONCURRENCY", s.Concurrency)
	if doc.Sync.MaxRetries != nil {
		s.MaxRetries = *doc.Sync.MaxRetries
	}
	s.MaxRetries = config.GetEnvInt("D365_MAX_RETRIES", s.MaxRetries)
	if doc.Sync.PageSize > 0 {
		s.PageSize = doc.Sync.PageSize
	}
	s.MaxPagesPerPass = doc.Sync.MaxPagesPerPass

	var err error
	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"service.request_timeout", doc.Service.RequestTimeout, &s.RequestTimeout},
		{"sync.base_backoff", doc.Sync.BaseBackoff, &s.BaseBackoff},
		{"sync.max_backoff", doc.Sync.MaxBackoff, &s.MaxBackoff},
		{"sync.interval", doc.Sync.Interval, &s.Interval},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if *d.dst, err = time.ParseDuration(strings.TrimSpace(d.value)); err != nil {
			return domain.Settings{}, fmt.Errorf("%w: %s: %w", domain.ErrInvalidInput, d.name, err)
		}
	}
	s.BaseBackoff = config.GetEnvDuration("D365_BASE_BACKOFF", s.BaseBackoff)
	s.Interval = config.GetEnvDuration("D365_INTERVAL", s.Interval)

	s.Store = domain.StoreSettings{
		Driver:      config.GetEnvStr("D365_STORE_DRIVER", nonEmpty(doc.Store.Driver, s.Store.Driver)),
		Path:        doc.Store.Path,
		DatabaseURL: config.GetEnvStr("DATABASE_URL", doc.Store.DatabaseURL),
	}
	if s.Store.Driver == domain.StoreDriverSQLite && s.Store.Path == "" {
		dir, err := DataDir()
		if err != nil {
			return domain.Settings{}, err
		}
		s.Store.Path = filepath.Join(dir, DefaultStateFile)
	}

	s.Sink = domain.SinkSettings{
		Type:    config.GetEnvStr("D365_SINK", nonEmpty(doc.Sink.Type, s.Sink.Type)),
		Path:    doc.Sink.Path,
		Brokers: config.GetEnvList("D365_KAFKA_BROKERS", doc.Sink.Brokers),
		Topic:   config.GetEnvStr("D365_KAFKA_TOPIC", doc.Sink.Topic),
	}

	s.LogLevel = config.GetEnvStr("D365_LOG_LEVEL", nonEmpty(doc.Log.Level, s.LogLevel))
	s.LogFormat = config.GetEnvStr("D365_LOG_FORMAT", nonEmpty(doc.Log.Format, s.LogFormat))
	return s, nil
}

func nonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// Template is written by `config init`.
const Template = `# d365sync configuration

[auth]
tenant_id = ""
client_id = ""
# env:NAME, file:/path, or the literal secret
client_secret = "env:D365_CLIENT_SECRET"

[service]
# Dataverse: https://<org>.crm.dynamics.com/api/data/v9.2/
# Finance & Operations: https://<env>.operations.dynamics.com/data/
endpoint = ""
request_timeout = "120s"

[sync]
entities = []
concurrency = 4
max_retries = 5
base_backoff = "1s"
max_backoff = "60s"
page_size = 500
interval = "15m"

[store]
driver = "sqlite"

[sink]
type = "jsonl"

[log]
level = "info"
format = "text"
`

// WriteTemplate writes Template to path unless a file already exists.
func WriteTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create config: %w", err)
	}
	if _, err := f.WriteString(Template); err != nil {
		f.Close()
		return fmt.Errorf("write config: %w", err)
	}
	return f.Close()
}
