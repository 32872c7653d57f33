package wsproxy

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/taskcluster/realtime-relay/auth"
	"github.com/taskcluster/realtime-relay/registry"
)

const (
	// deadline for close and forwarded control frames
	controlWriteWait = 5 * time.Second

	// CloseReasonUnavailable is sent to the client when the upstream cannot
	// be reached.
	CloseReasonUnavailable = "Service unavailable"
)

// side identifies one of the two sockets of a session
type side int

const (
	clientSide side = iota
	upstreamSide
)

func (s side) String() string {
	if s == clientSide {
		return "client"
	}
	return "upstream"
}

// Session owns one client socket and one upstream socket and relays frames
// between them. All teardown goes through shutdown, which runs at most once.
type Session struct {
	id         string
	claims     *auth.Claims
	remoteAddr string
	createdAt  time.Time

	proxy       *Proxy
	reservation *registry.Reservation

	lc     *lifecycle
	ctx    context.Context
	cancel context.CancelFunc

	client *websocket.Conn
	// set once, under the lifecycle lock, by activate
	upstream *websocket.Conn

	// set when the reader of that side has observed its socket end
	clientDone   atomic.Bool
	upstreamDone atomic.Bool

	lastActive atomic.Int64

	goroutines sync.WaitGroup
	logger     *logrus.Entry
}

// ID returns the session id assigned at admission.
func (s *Session) ID() string {
	return s.id
}

// Claims returns the verified identity that owns the session.
func (s *Session) Claims() *auth.Claims {
	return s.claims
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.lc.current()
}

// Trigger returns the event that closed the session, or "" while it is open.
func (s *Session) Trigger() string {
	return s.lc.closedBecause()
}

// Wait blocks until the session is closed and all of its goroutines have
// exited.
func (s *Session) Wait() {
	s.lc.wait()
	s.goroutines.Wait()
}

// startSession takes ownership of an upgraded client socket, owned by the
// identity attached to r's context during admission. It begins
// reading the client at once (frames arriving before the upstream is open
// are dropped), dials the upstream and, on success, registers the session
// and starts relaying upstream frames. On dial failure the client is closed
// with 1011 and nothing is registered. The returned handle is valid in
// every case.
func (p *Proxy) startSession(r *http.Request, res *registry.Reservation, client *websocket.Conn) *Session {
	claims, _ := auth.FromContext(r.Context())
	ctx, cancel := context.WithCancel(p.ctx)
	s := &Session{
		id:          res.ID(),
		claims:      claims,
		remoteAddr:  r.RemoteAddr,
		createdAt:   time.Now(),
		proxy:       p,
		reservation: res,
		lc:          newLifecycle(),
		ctx:         ctx,
		cancel:      cancel,
		client:      client,
		logger: p.logger.WithFields(logrus.Fields{
			"session-id":  res.ID(),
			"user-id":     claims.UserID(),
			"remote-addr": r.RemoteAddr,
		}),
	}
	s.touch()

	client.SetPingHandler(s.controlHandler(websocket.PingMessage, clientSide))
	client.SetPongHandler(s.controlHandler(websocket.PongMessage, clientSide))

	s.goroutines.Add(2)
	go s.relay(clientSide)
	go s.watch()

	upstream, err := p.dialUpstream(ctx)
	if err != nil {
		if s.lc.current() != Closed {
			s.logger.WithError(err).Error("could not connect to upstream")
		}
		s.shutdown("upstream dial failed", websocket.CloseInternalServerErr, CloseReasonUnavailable)
		return s
	}

	ok, err := s.lc.activate(func() error {
		if err := p.registry.Register(res, registry.Session{
			Username:  claims.Username(),
			CreatedAt: s.createdAt,
			Client:    client,
			Upstream:  upstream,
		}); err != nil {
			return err
		}
		s.upstream = upstream
		return nil
	})
	if err != nil {
		s.logger.WithError(err).Error("could not register session")
		closeOrderly(upstream, websocket.CloseNormalClosure, "")
		s.shutdown("register failed", websocket.CloseInternalServerErr, CloseReasonUnavailable)
		return s
	}
	if !ok {
		// the client went away while the upstream was being dialed
		closeOrderly(upstream, websocket.CloseNormalClosure, "")
		return s
	}

	upstream.SetPingHandler(s.controlHandler(websocket.PingMessage, upstreamSide))
	upstream.SetPongHandler(s.controlHandler(websocket.PongMessage, upstreamSide))

	s.goroutines.Add(1)
	go s.relay(upstreamSide)

	s.logger.WithField("username", claims.Username()).Info("full proxy established")
	return s
}

// dialUpstream connects to the upstream with the fixed credential and
// protocol headers, bounded by the dial timeout and by ctx.
func (p *Proxy) dialUpstream(ctx context.Context) (*websocket.Conn, error) {
	if p.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.dialTimeout)
		defer cancel()
	}

	header := make(http.Header)
	for k, v := range p.upstreamHeader {
		header[k] = append([]string(nil), v...)
	}
	header.Set("Authorization", "Bearer "+p.upstreamAPIKey)

	conn, resp, err := p.dialer.DialContext(ctx, p.upstreamURL, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(ErrUpstreamDial, "status %d: %v", resp.StatusCode, err)
		}
		return nil, errors.Wrap(ErrUpstreamDial, err.Error())
	}
	return conn, nil
}

// conn returns the socket of the given side; the upstream is nil until the
// session is active.
func (s *Session) conn(sd side) *websocket.Conn {
	if sd == clientSide {
		return s.client
	}
	return s.upstream
}

// peer returns the socket frames read from sd should be written to, or nil
// if the session is not active.
func (s *Session) peer(sd side) *websocket.Conn {
	s.lc.cond.L.Lock()
	defer s.lc.cond.L.Unlock()
	if s.lc.state != Active {
		return nil
	}
	if sd == clientSide {
		return s.upstream
	}
	return s.client
}

func (s *Session) markDone(sd side) {
	if sd == clientSide {
		s.clientDone.Store(true)
	} else {
		s.upstreamDone.Store(true)
	}
}

func (s *Session) isDone(sd side) bool {
	if sd == clientSide {
		return s.clientDone.Load()
	}
	return s.upstreamDone.Load()
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *Session) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActive.Load()))
}

// watch closes the session when it has been idle for the idle timeout or
// when the proxy shuts down.
func (s *Session) watch() {
	defer s.goroutines.Done()

	idle := s.proxy.idleTimeout
	if idle <= 0 {
		<-s.ctx.Done()
		s.shutdown("server shutdown", websocket.CloseGoingAway, "")
		return
	}

	interval := idle / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown("server shutdown", websocket.CloseGoingAway, "")
			return
		case <-ticker.C:
			if s.idleFor() >= idle {
				s.shutdown("idle timeout", websocket.CloseNormalClosure, "")
				return
			}
		}
	}
}

// shutdown is the single teardown path of a session. The first call
// deregisters the session, cancels any pending dial, sends a close frame on
// each socket that is still open and closes both sockets. Later calls are
// no-ops. It reports whether this call performed the teardown.
func (s *Session) shutdown(trigger string, clientCode int, clientText string) bool {
	prev, ok := s.lc.close(trigger)
	if !ok {
		return false
	}
	s.cancel()
	s.proxy.registry.Remove(s.id)

	if !s.clientDone.Load() {
		closeOrderly(s.client, clientCode, clientText)
	} else {
		_ = s.client.Close()
	}
	// upstream is stable once Closed: activate can no longer run
	if s.upstream != nil {
		if !s.upstreamDone.Load() {
			closeOrderly(s.upstream, websocket.CloseNormalClosure, "")
		} else {
			_ = s.upstream.Close()
		}
	}

	s.logger.WithFields(logrus.Fields{
		"trigger":  trigger,
		"state":    prev.String(),
		"duration": time.Since(s.createdAt).Round(time.Millisecond).String(),
	}).Info("session closed")
	return true
}

// closeOrderly sends a close frame and closes the socket. Errors are
// ignored; the peer may already be gone.
func closeOrderly(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlWriteWait))
	_ = conn.Close()
}
