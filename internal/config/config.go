package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries every runtime option of the focusing manager. It is built
// once at startup and threaded through the component constructors.
type Config struct {
	ServerPort  int
	Environment string // "standalone" selects container-runtime discovery

	FhirEpiURL string
	FhirIpsURL string
	ProfileURL string

	PreprocessingLabelSelector    string
	FocusingLabelSelector         string
	PreprocessingExternalEndpoints []string

	CacheBackend       string // e.g. "memory", "redis", "memory<redis"
	CacheTTL           time.Duration
	CacheMaxItems      int
	CacheCompress      bool
	CacheSchemaVersion string
	RedisURL           string

	HTTPClientTimeout time.Duration

	KubernetesNamespace string

	LeeLogLevel        string
	LeeLoggingEnabled  bool
	LensLoggingEnabled bool

	// EpiTemplatePath points at an optional HTML template for the ePI. When
	// empty, text/html negotiation falls back to JSON.
	EpiTemplatePath string
}

const (
	defaultServerPort    = 3000
	defaultCacheTTLMs    = 1_200_000
	defaultCacheMaxItems = 1_000
	defaultHTTPTimeoutMs = 10_000
)

// Load reads the configuration from environment variables through viper.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SERVER_PORT", defaultServerPort)
	v.SetDefault("ENVIRONMENT", "")
	v.SetDefault("FHIR_EPI_URL", "")
	v.SetDefault("FHIR_IPS_URL", "")
	v.SetDefault("PROFILE_URL", "")
	v.SetDefault("PREPROCESSING_LABEL_SELECTOR", "eu.gravitate-health.fosps.preprocessing=true")
	v.SetDefault("FOCUSING_LABEL_SELECTOR", "eu.gravitate-health.fosps.focusing=true")
	v.SetDefault("PREPROCESSING_EXTERNAL_ENDPOINTS", "")
	v.SetDefault("PREPROCESSING_CACHE_BACKEND", "memory")
	v.SetDefault("PREPROCESSING_CACHE_TTL_MS", defaultCacheTTLMs)
	v.SetDefault("PREPROCESSING_CACHE_MAX_ITEMS", defaultCacheMaxItems)
	v.SetDefault("PREPROCESSING_CACHE_COMPRESS", false)
	v.SetDefault("PREPROCESSING_CACHE_SCHEMA_VERSION", "v1")
	v.SetDefault("REDIS_URL", "redis://localhost:6379")
	v.SetDefault("HTTP_CLIENT_TIMEOUT_MS", defaultHTTPTimeoutMs)
	v.SetDefault("KUBERNETES_NAMESPACE", "default")
	v.SetDefault("LEE_LOG_LEVEL", "INFO")
	v.SetDefault("LEE_LOGGING_ENABLED", true)
	v.SetDefault("LENS_LOGGING_ENABLED", true)
	v.SetDefault("EPI_TEMPLATE_PATH", "")

	cfg := &Config{
		ServerPort:  v.GetInt("SERVER_PORT"),
		Environment: v.GetString("ENVIRONMENT"),

		FhirEpiURL: strings.TrimRight(v.GetString("FHIR_EPI_URL"), "/"),
		FhirIpsURL: strings.TrimRight(v.GetString("FHIR_IPS_URL"), "/"),
		ProfileURL: strings.TrimRight(v.GetString("PROFILE_URL"), "/"),

		PreprocessingLabelSelector:     v.GetString("PREPROCESSING_LABEL_SELECTOR"),
		FocusingLabelSelector:          v.GetString("FOCUSING_LABEL_SELECTOR"),
		PreprocessingExternalEndpoints: splitEndpoints(v.GetString("PREPROCESSING_EXTERNAL_ENDPOINTS")),

		CacheBackend:       v.GetString("PREPROCESSING_CACHE_BACKEND"),
		CacheTTL:           time.Duration(v.GetInt64("PREPROCESSING_CACHE_TTL_MS")) * time.Millisecond,
		CacheMaxItems:      v.GetInt("PREPROCESSING_CACHE_MAX_ITEMS"),
		CacheCompress:      v.GetBool("PREPROCESSING_CACHE_COMPRESS"),
		CacheSchemaVersion: v.GetString("PREPROCESSING_CACHE_SCHEMA_VERSION"),
		RedisURL:           v.GetString("REDIS_URL"),

		HTTPClientTimeout: time.Duration(v.GetInt64("HTTP_CLIENT_TIMEOUT_MS")) * time.Millisecond,

		KubernetesNamespace: v.GetString("KUBERNETES_NAMESPACE"),

		LeeLogLevel:        v.GetString("LEE_LOG_LEVEL"),
		LeeLoggingEnabled:  v.GetBool("LEE_LOGGING_ENABLED"),
		LensLoggingEnabled: v.GetBool("LENS_LOGGING_ENABLED"),

		EpiTemplatePath: v.GetString("EPI_TEMPLATE_PATH"),
	}

	if cfg.ServerPort <= 0 || cfg.ServerPort > 65535 {
		return nil, fmt.Errorf("invalid SERVER_PORT %d", cfg.ServerPort)
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTLMs * time.Millisecond
	}
	if cfg.CacheMaxItems <= 0 {
		cfg.CacheMaxItems = defaultCacheMaxItems
	}
	if cfg.HTTPClientTimeout <= 0 {
		cfg.HTTPClientTimeout = defaultHTTPTimeoutMs * time.Millisecond
	}

	return cfg, nil
}

// Standalone reports whether container-runtime discovery should be used
// instead of the cluster orchestrator.
func (c *Config) Standalone() bool {
	return strings.EqualFold(c.Environment, "standalone")
}

func splitEndpoints(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	endpoints := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(strings.TrimRight(part, "/"))
		if part != "" {
			endpoints = append(endpoints, part)
		}
	}
	return endpoints
}
