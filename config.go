package mcpv2

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// ClientConfig carries the fully resolved configuration of a client. The
// zero value is usable once a transport endpoint is set; NewClient fills the
// remaining fields with defaults.
type ClientConfig struct {
	// ClientID identifies this client instance in request metadata, events
	// and metrics. A fresh UUID is generated when empty.
	ClientID string `json:"client_id"`

	// Version is the protocol version stamped on outgoing requests.
	// Defaults to "2.0".
	Version string `json:"version"`

	// Transport describes the connection the client runs over.
	Transport TransportConfig `json:"transport"`

	// DefaultContext, when set, is installed as the client's initial context
	// and attached to requests that carry none.
	DefaultContext *ContextInfo `json:"default_context,omitempty"`

	// EnableCaching turns on response caching for methods selected by
	// CacheMethods.
	EnableCaching bool `json:"enable_caching"`

	// CacheTTL bounds how long cached responses are served. Defaults to one
	// minute.
	CacheTTL time.Duration `json:"cache_ttl"`

	// CacheMethods selects the methods whose responses are cached, as glob
	// patterns, e.g. "resources/*". While the list is empty nothing is
	// cached, even when EnableCaching is set.
	CacheMethods []string `json:"cache_methods,omitempty"`

	// EnableMetrics turns on the counters reported by Metrics.
	EnableMetrics bool `json:"enable_metrics"`

	// EnableLogging enables the client's logger. When false the client logs
	// nowhere, regardless of the WithLogger option.
	EnableLogging bool `json:"enable_logging"`

	// Metadata is merged into the metadata of every outgoing request.
	// Request-level entries win on conflict.
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (cfg ClientConfig) withDefaults() ClientConfig {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.New().String()
	}
	if cfg.Version == "" {
		cfg.Version = ProtocolVersion
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	cfg.Transport = cfg.Transport.withDefaults()
	return cfg
}

// New creates a client together with the transport described by the
// configuration. It is the constructor for the common case; use NewClient to
// supply a transport built with transport-specific options.
func New(cfg ClientConfig, options ...ClientOption) (*Client, error) {
	transport, err := NewTransport(cfg.Transport)
	if err != nil {
		return nil, err
	}
	return NewClient(cfg, transport, options...)
}

// NewTransport builds a transport for the configured kind.
func NewTransport(cfg TransportConfig) (Transport, error) {
	switch cfg.Kind {
	case TransportHTTP:
		return NewHTTPTransport(cfg), nil
	case TransportWebSocket:
		return NewWebSocketTransport(cfg), nil
	case TransportSSE:
		return NewSSETransport(cfg), nil
	case TransportGRPC:
		return nil, fmt.Errorf("%w: transport kind %q is not implemented", ErrInvalidRequest, cfg.Kind)
	default:
		return nil, fmt.Errorf("%w: unknown transport kind %q", ErrInvalidRequest, cfg.Kind)
	}
}

// ProductionConfig returns a configuration with production settings for the
// given transport kind and endpoint: 30 second timeout, three delivery
// attempts, and caching, metrics and logging enabled. Caching stays inert
// until CacheMethods names the methods to cache.
func ProductionConfig(kind TransportKind, endpoint string) ClientConfig {
	return ClientConfig{
		Transport: TransportConfig{
			Kind:          kind,
			Endpoint:      endpoint,
			Timeout:       30 * time.Second,
			RetryAttempts: 3,
		},
		EnableCaching: true,
		EnableMetrics: true,
		EnableLogging: true,
	}
}

// DevelopmentConfig returns a configuration with debug-friendly settings for
// the given transport kind and endpoint: a generous 60 second timeout, a
// single delivery attempt, metrics and logging enabled, and caching disabled
// so every request hits the server.
func DevelopmentConfig(kind TransportKind, endpoint string) ClientConfig {
	return ClientConfig{
		Transport: TransportConfig{
			Kind:          kind,
			Endpoint:      endpoint,
			Timeout:       60 * time.Second,
			RetryAttempts: 1,
		},
		EnableMetrics: true,
		EnableLogging: true,
	}
}

// envConfig mirrors the ClientConfig surface for environment decoding.
type envConfig struct {
	ClientID      string        `env:"MCP_CLIENT_ID"`
	Version       string        `env:"MCP_PROTOCOL_VERSION,default=2.0"`
	Transport     string        `env:"MCP_TRANSPORT,default=http"`
	Endpoint      string        `env:"MCP_ENDPOINT,required"`
	Timeout       time.Duration `env:"MCP_TIMEOUT,default=30s"`
	RetryAttempts int           `env:"MCP_RETRY_ATTEMPTS,default=3"`
	EnableCaching bool          `env:"MCP_ENABLE_CACHING,default=false"`
	CacheTTL      time.Duration `env:"MCP_CACHE_TTL,default=60s"`
	CacheMethods  string        `env:"MCP_CACHE_METHODS"`
	EnableMetrics bool          `env:"MCP_ENABLE_METRICS,default=true"`
	EnableLogging bool          `env:"MCP_ENABLE_LOGGING,default=true"`
}

// ConfigFromEnv builds a configuration from MCP_* environment variables.
// Variables from a .env file in the working directory are loaded first when
// one exists. MCP_ENDPOINT is required; MCP_CACHE_METHODS is a
// comma-separated list of glob patterns.
func ConfigFromEnv() (ClientConfig, error) {
	_ = godotenv.Load()

	var ec envConfig
	if err := envdecode.Decode(&ec); err != nil {
		return ClientConfig{}, fmt.Errorf("decode environment: %w", err)
	}

	cfg := ClientConfig{
		ClientID: ec.ClientID,
		Version:  ec.Version,
		Transport: TransportConfig{
			Kind:          TransportKind(ec.Transport),
			Endpoint:      ec.Endpoint,
			Timeout:       ec.Timeout,
			RetryAttempts: ec.RetryAttempts,
		},
		EnableCaching: ec.EnableCaching,
		CacheTTL:      ec.CacheTTL,
		EnableMetrics: ec.EnableMetrics,
		EnableLogging: ec.EnableLogging,
	}
	for _, m := range strings.Split(ec.CacheMethods, ",") {
		if m = strings.TrimSpace(m); m != "" {
			cfg.CacheMethods = append(cfg.CacheMethods, m)
		}
	}
	return cfg, nil
}
