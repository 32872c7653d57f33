package main

import (
	"context"
	"log/syslog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	docopt "github.com/docopt/docopt-go"
	"github.com/gorilla/websocket"
	mozlog "github.com/mozilla-services/go-mozlogrus"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	lSyslog "github.com/sirupsen/logrus/hooks/syslog"
	"github.com/taskcluster/realtime-relay/auth"
	"github.com/taskcluster/realtime-relay/internal/httputil"
	"github.com/taskcluster/realtime-relay/registry"
	"github.com/taskcluster/realtime-relay/version"
	"github.com/taskcluster/realtime-relay/wsproxy"
)

const usage = `Realtime Relay Server

Usage: realtime-relay [-h | --help | --version]

Environment:
 UPSTREAM_API_KEY (required)          credential presented to the upstream realtime API
 OPENAI_API_KEY                       used when UPSTREAM_API_KEY is not set
 COGNITO_REGION (required)            region of the user pool issuing client tokens
 COGNITO_USER_POOL_ID (required)      user pool issuing client tokens
 COGNITO_CLIENT_ID (required)         expected token audience
 COGNITO_ISSUER_URL                   issuer URL overriding the one derived from region and pool
 PORT                                 port on which this service is available (default 8080)
 UPSTREAM_URL                         upstream realtime endpoint (default wss://api.openai.com/v1/realtime)
 SERVICE_VERSION                      version reported by /health
 MAX_CONNECTIONS_PER_USER             concurrent sessions allowed per user (default 2)
 UPSTREAM_DIAL_TIMEOUT                bound on the upstream handshake, 0 disables (default 10s)
 IDLE_TIMEOUT                         close sessions idle this long, 0 disables (default 15m)
 JWKS_CACHE_TTL                       how long fetched signing keys are trusted (default 10m)
 ENV                                  set to "production" for mozlog output
 SYSLOG_ADDR                          address to which to send syslog output (production only)

Options:
-h --help       Show help
--version       Show version`

// time allowed for open sessions to close on SIGTERM
const shutdownGrace = 10 * time.Second

func main() {
	_, _ = docopt.ParseArgs(usage, nil, version.Version)

	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.WithError(err).Fatal("could not set up logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("server failed")
	}
}

func newLogger(cfg *config) (*log.Logger, error) {
	logger := log.New()

	if cfg.Env == "production" {
		// add mozlog formatter
		logger.Formatter = &mozlog.MozLogFormatter{
			LoggerName: "realtime-relay",
		}

		// add syslog hook if addr is provided
		if cfg.SyslogAddr != "" {
			hook, err := lSyslog.NewSyslogHook("udp", cfg.SyslogAddr, syslog.LOG_DEBUG, "realtime-relay")
			if err != nil {
				return nil, errors.Wrap(err, "syslog hook")
			}
			logger.Hooks.Add(hook)
		}
	}
	return logger, nil
}

// run serves the relay until ctx is cancelled, then drains open sessions.
func run(ctx context.Context, cfg *config, logger *log.Logger) error {
	validator, err := auth.New(auth.Config{
		Region:     cfg.CognitoRegion,
		UserPoolID: cfg.CognitoUserPoolID,
		ClientID:   cfg.CognitoClientID,
		IssuerURL:  cfg.CognitoIssuerURL,
		CacheTTL:   cfg.JWKSCacheTTL,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	proxy, err := wsproxy.New(wsproxy.Config{
		Logger: logger,
		Upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		Validator:      validator,
		Registry:       registry.New(cfg.MaxConnectionsPerUser),
		UpstreamURL:    cfg.UpstreamURL,
		UpstreamAPIKey: cfg.UpstreamAPIKey,
		DialTimeout:    cfg.dialTimeout(),
		IdleTimeout:    cfg.IdleTimeout,
		Version:        cfg.ServiceVersion,
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httputil.NewRouter(proxy),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.WithFields(log.Fields{
		"server-addr":              server.Addr,
		"relay-path":               wsproxy.DefaultPath,
		"upstream-url":             cfg.UpstreamURL,
		"upstream-key-set":         cfg.UpstreamAPIKey != "",
		"issuer":                   validator.Issuer(),
		"client-id-set":            cfg.CognitoClientID != "",
		"max-connections-per-user": cfg.MaxConnectionsPerUser,
		"version":                  cfg.ServiceVersion,
	}).Info("starting server")

	errc := make(chan error, 1)
	go func() {
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "listening")
	case <-ctx.Done():
	}

	logger.WithField("active-connections", proxy.ActiveConnections()).Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	// upgraded connections are hijacked and invisible to server.Shutdown
	if err := proxy.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("sessions did not close in time")
	}
	return server.Shutdown(shutdownCtx)
}
