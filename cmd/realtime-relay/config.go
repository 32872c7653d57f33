package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/pkg/errors"
	"github.com/taskcluster/realtime-relay/version"
)

// config is the process configuration, read from the environment.
type config struct {
	UpstreamAPIKey    string
	CognitoRegion     string
	CognitoUserPoolID string
	CognitoClientID   string
	CognitoIssuerURL  string

	Port                  string        `default:"8080"`
	UpstreamURL           string        `default:"wss://api.openai.com/v1/realtime"`
	ServiceVersion        string
	MaxConnectionsPerUser int           `default:"2"`
	UpstreamDialTimeout   time.Duration `default:"10s"`
	IdleTimeout           time.Duration `default:"15m"`
	JWKSCacheTTL          time.Duration `default:"10m"`

	Env        string
	SyslogAddr string
}

var errMissingEnv = errors.New("required environment variables not set")

// loadConfig builds a config from getenv, applying defaults for unset
// optional values. It fails if a required variable is missing or a value
// does not parse.
func loadConfig(getenv func(string) string) (*config, error) {
	cfg := new(config)
	defaults.SetDefaults(cfg)
	cfg.ServiceVersion = version.Version

	required := []struct {
		name string
		dest *string
		// older deployments name the variable this way
		fallback string
	}{
		{"UPSTREAM_API_KEY", &cfg.UpstreamAPIKey, "OPENAI_API_KEY"},
		{"COGNITO_REGION", &cfg.CognitoRegion, ""},
		{"COGNITO_USER_POOL_ID", &cfg.CognitoUserPoolID, ""},
		{"COGNITO_CLIENT_ID", &cfg.CognitoClientID, ""},
	}
	var missing []string
	for _, r := range required {
		*r.dest = getenv(r.name)
		if *r.dest == "" && r.fallback != "" {
			*r.dest = getenv(r.fallback)
		}
		if *r.dest == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return nil, errors.Wrap(errMissingEnv, strings.Join(missing, ", "))
	}

	optional := map[string]*string{
		"COGNITO_ISSUER_URL": &cfg.CognitoIssuerURL,
		"PORT":               &cfg.Port,
		"UPSTREAM_URL":       &cfg.UpstreamURL,
		"SERVICE_VERSION":    &cfg.ServiceVersion,
		"ENV":                &cfg.Env,
		"SYSLOG_ADDR":        &cfg.SyslogAddr,
	}
	for name, dest := range optional {
		if v := getenv(name); v != "" {
			*dest = v
		}
	}

	if v := getenv("MAX_CONNECTIONS_PER_USER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, errors.Errorf("MAX_CONNECTIONS_PER_USER must be a positive integer, got %q", v)
		}
		cfg.MaxConnectionsPerUser = n
	}

	durations := map[string]*time.Duration{
		"UPSTREAM_DIAL_TIMEOUT": &cfg.UpstreamDialTimeout,
		"IDLE_TIMEOUT":          &cfg.IdleTimeout,
		"JWKS_CACHE_TTL":        &cfg.JWKSCacheTTL,
	}
	for name, dest := range durations {
		v := getenv(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return nil, errors.Errorf("%s must be a non-negative duration, got %q", name, v)
		}
		*dest = d
	}

	if _, err := strconv.ParseUint(cfg.Port, 10, 16); err != nil {
		return nil, errors.Errorf("PORT must be a port number, got %q", cfg.Port)
	}
	return cfg, nil
}

// dialTimeout converts UPSTREAM_DIAL_TIMEOUT to the proxy's convention, where
// a negative value leaves the upstream handshake unbounded.
func (c *config) dialTimeout() time.Duration {
	if c.UpstreamDialTimeout == 0 {
		return -1
	}
	return c.UpstreamDialTimeout
}
