package wsproxy

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/taskcluster/realtime-relay/auth"
	"github.com/taskcluster/realtime-relay/registry"
	"github.com/taskcluster/realtime-relay/util"

	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"
)

const (
	// DefaultPath is the path on which clients connect.
	DefaultPath = "/realtime"

	// DefaultUpstreamURL is the realtime API dialed for every session.
	DefaultUpstreamURL = "wss://api.openai.com/v1/realtime"

	// DefaultDialTimeout bounds the upstream handshake.
	DefaultDialTimeout = 10 * time.Second
)

// TokenVerifier verifies a bearer token and returns the identity it carries.
// *auth.Validator implements it.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*auth.Claims, error)
}

// Config contains the run time parameters for the proxy
type Config struct {
	// Upgrader is used to upgrade incoming client connections.
	Upgrader websocket.Upgrader

	// Logger is used to log proxy events.
	Logger *logrus.Logger

	// Validator verifies client tokens.
	Validator TokenVerifier

	// Registry tracks admitted sessions and enforces the per-user quota.
	Registry *registry.Registry

	// UpstreamURL is the websocket endpoint dialed for every session.
	UpstreamURL string

	// UpstreamAPIKey is sent to the upstream as a bearer credential.
	UpstreamAPIKey string

	// UpstreamHeader holds additional fixed headers for the upstream
	// handshake. Defaults to the realtime protocol marker.
	UpstreamHeader http.Header

	// Dialer is used to reach the upstream. Defaults to a dialer honouring
	// proxy environment variables.
	Dialer *websocket.Dialer

	// DialTimeout bounds the upstream handshake. Zero selects
	// DefaultDialTimeout; negative disables the bound.
	DialTimeout time.Duration

	// IdleTimeout closes sessions with no traffic in either direction for
	// this long. Zero disables it.
	IdleTimeout time.Duration

	// Path is the relay endpoint registered by RegisterService.
	Path string

	// ServiceName and Version are reported by the status endpoints.
	ServiceName string
	Version     string
}

// Proxy is the admission gate and session owner. Client upgrade requests
// are authorized against the validator and the registry before the upgrade
// completes; admitted clients are relayed to the upstream.
type Proxy struct {
	upgrader       websocket.Upgrader
	logger         *logrus.Logger
	validator      TokenVerifier
	registry       *registry.Registry
	upstreamURL    string
	upstreamAPIKey string
	upstreamHeader http.Header
	dialer         *websocket.Dialer
	dialTimeout    time.Duration
	idleTimeout    time.Duration
	path           string
	serviceName    string
	version        string

	// cancelled by Shutdown; parent of every session context
	ctx    context.Context
	cancel context.CancelFunc

	m        sync.Mutex
	draining bool
	sessions sync.WaitGroup
}

// New creates a new proxy.
func New(conf Config) (*Proxy, error) {
	if conf.Validator == nil {
		return nil, ErrMissingValidator
	}
	if conf.Registry == nil {
		return nil, ErrMissingRegistry
	}
	if conf.UpstreamURL == "" || conf.UpstreamAPIKey == "" {
		return nil, ErrMissingUpstream
	}

	p := &Proxy{
		upgrader:       conf.Upgrader,
		logger:         conf.Logger,
		validator:      conf.Validator,
		registry:       conf.Registry,
		upstreamURL:    conf.UpstreamURL,
		upstreamAPIKey: conf.UpstreamAPIKey,
		upstreamHeader: conf.UpstreamHeader,
		dialer:         conf.Dialer,
		dialTimeout:    conf.DialTimeout,
		idleTimeout:    conf.IdleTimeout,
		path:           conf.Path,
		serviceName:    conf.ServiceName,
		version:        conf.Version,
	}

	if p.logger == nil {
		logger, _ := nullLog.NewNullLogger()
		p.logger = logger
	}
	if p.upstreamHeader == nil {
		p.upstreamHeader = http.Header{"OpenAI-Beta": {"realtime=v1"}}
	}
	if p.dialer == nil {
		p.dialer = &websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	}
	if p.dialTimeout == 0 {
		p.dialTimeout = DefaultDialTimeout
	}
	if p.path == "" {
		p.path = DefaultPath
	}
	if p.serviceName == "" {
		p.serviceName = "realtime-relay"
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p, nil
}

// ServeHTTP implements http.Handler for the relay endpoint.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		p.logerrorf("", r.RemoteAddr, "request must be websocket upgrade")
		http.Error(w, http.StatusText(400), 400)
		return
	}

	if !p.track() {
		p.logerrorf("", r.RemoteAddr, "rejecting connection: %v", ErrShuttingDown)
		http.Error(w, http.StatusText(503), 503)
		return
	}
	defer p.sessions.Done()

	claims, res, err := p.admit(r)
	if err != nil {
		// auth and quota failures look the same to the client
		p.logerrorf("", r.RemoteAddr, "admission rejected: %v", err)
		http.Error(w, http.StatusText(401), 401)
		return
	}
	r = r.WithContext(auth.NewContext(r.Context(), claims))

	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		p.registry.Remove(res.ID())
		p.logerrorf(res.ID(), r.RemoteAddr, "could not upgrade client connection: %v", err)
		return
	}

	s := p.startSession(r, res, conn)
	s.Wait()
}

// admit verifies the request's token and reserves a registry slot for its
// user. No socket exists yet; on error nothing is held.
func (p *Proxy) admit(r *http.Request) (*auth.Claims, *registry.Reservation, error) {
	token := util.ExtractToken(r)
	if token == "" {
		return nil, nil, ErrMissingToken
	}

	claims, err := p.validator.Verify(r.Context(), token)
	if err != nil {
		return nil, nil, err
	}

	res, err := p.registry.TryAdmit(claims.UserID())
	if err != nil {
		return nil, nil, errors.Wrapf(err, "user %s", claims.UserID())
	}
	p.logf(res.ID(), r.RemoteAddr, "user authenticated: %s", claims.Username())
	return claims, res, nil
}

// track registers a request with the shutdown wait group unless the proxy
// is draining.
func (p *Proxy) track() bool {
	p.m.Lock()
	defer p.m.Unlock()
	if p.draining {
		return false
	}
	p.sessions.Add(1)
	return true
}

// ActiveConnections returns the number of live sessions.
func (p *Proxy) ActiveConnections() int {
	return p.registry.Count()
}

// Shutdown stops admitting clients, closes every session and waits for them
// to finish or for ctx to expire.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.m.Lock()
	p.draining = true
	p.m.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// proxy logging utilities

func (p *Proxy) logf(id string, remoteAddr string, format string, v ...any) {
	p.logger.WithFields(logrus.Fields{
		"session-id":  id,
		"remote-addr": remoteAddr,
	}).Infof(format, v...)
}

func (p *Proxy) logerrorf(id string, remoteAddr string, format string, v ...any) {
	p.logger.WithFields(logrus.Fields{
		"session-id":  id,
		"remote-addr": remoteAddr,
	}).Errorf(format, v...)
}
