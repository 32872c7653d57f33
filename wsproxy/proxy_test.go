package wsproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskcluster/realtime-relay/auth"
	"github.com/taskcluster/realtime-relay/internal/httputil"
	"github.com/taskcluster/realtime-relay/internal/mockidp"
	"github.com/taskcluster/realtime-relay/registry"
	"github.com/taskcluster/realtime-relay/util"
)

const testAPIKey = "upstream-secret"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

func genLogger() *log.Logger {
	logger := &log.Logger{
		Out:       os.Stdout,
		Formatter: new(log.TextFormatter),
		Level:     log.DebugLevel,
	}
	return logger
}

// upstream is a fake realtime API. Accepted connections are delivered on
// conns; handshake headers on headers.
type upstream struct {
	server  *httptest.Server
	conns   chan *websocket.Conn
	headers chan http.Header
	dials   int32

	m sync.Mutex
	// when non-nil, the handshake waits for it to be closed
	gate chan struct{}
	// when non-zero, the handshake is refused with this status
	status int
}

func (u *upstream) hold() chan struct{} {
	u.m.Lock()
	defer u.m.Unlock()
	u.gate = make(chan struct{})
	return u.gate
}

func (u *upstream) refuse(status int) {
	u.m.Lock()
	defer u.m.Unlock()
	u.status = status
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{
		conns:   make(chan *websocket.Conn, 16),
		headers: make(chan http.Header, 16),
	}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&u.dials, 1)
		u.headers <- r.Header.Clone()
		u.m.Lock()
		gate, status := u.gate, u.status
		u.m.Unlock()
		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		u.conns <- conn
	}))
	t.Cleanup(u.server.Close)
	return u
}

func (u *upstream) url() string {
	return util.MakeWsURL(u.server.URL)
}

func (u *upstream) dialCount() int {
	return int(atomic.LoadInt32(&u.dials))
}

func (u *upstream) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-u.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("upstream connection was not established")
		return nil
	}
}

type harness struct {
	idp      *mockidp.IdP
	up       *upstream
	registry *registry.Registry
	proxy    *Proxy
	server   *httptest.Server
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		idp:      mockidp.New(t),
		up:       newUpstream(t),
		registry: registry.New(2),
	}

	validator, err := auth.New(auth.Config{
		IssuerURL: h.idp.Issuer(),
		ClientID:  mockidp.ClientID,
	})
	require.NoError(t, err)

	conf := Config{
		Upgrader:       upgrader,
		Logger:         genLogger(),
		Validator:      validator,
		Registry:       h.registry,
		UpstreamURL:    h.up.url(),
		UpstreamAPIKey: testAPIKey,
		Version:        "1.2.3",
	}
	for _, m := range mutate {
		m(&conf)
	}
	h.proxy, err = New(conf)
	require.NoError(t, err)

	h.server = httptest.NewServer(httputil.NewRouter(h.proxy))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.proxy.Shutdown(ctx)
		h.server.Close()
	})
	return h
}

func (h *harness) dial(t *testing.T, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(util.MakeWsURL(h.server.URL)+DefaultPath+"?token="+token, nil)
	if err == nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

// connect dials as user and waits until the session is registered.
func (h *harness) connect(t *testing.T, user string) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	live := h.registry.Count()
	client, _, err := h.dial(t, h.idp.Token(t, user))
	require.NoError(t, err)
	up := h.up.accept(t)
	require.Eventually(t, func() bool {
		return h.registry.Count() == live+1
	}, 5*time.Second, 5*time.Millisecond)
	return client, up
}

func requireRejected(t *testing.T, resp *http.Response, err error) {
	t.Helper()
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	require.Equal(t, 401, resp.StatusCode)
}

func requireClosedWith(t *testing.T, conn *websocket.Conn, code int) *websocket.CloseError {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		ce, ok := err.(*websocket.CloseError)
		require.True(t, ok, "expected close frame, got %v", err)
		require.Equal(t, code, ce.Code)
		return ce
	}
}

func TestRelayClientToUpstream(t *testing.T) {
	h := newHarness(t)
	client, up := h.connect(t, "u1")

	rng := rand.New(rand.NewSource(1))
	var sent [][]byte
	for i := 0; i < 50; i++ {
		payload := make([]byte, rng.Intn(70000))
		rng.Read(payload)
		sent = append(sent, payload)
	}

	writeErr := make(chan error, 1)
	go func() {
		for _, payload := range sent {
			if err := client.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				writeErr <- err
				return
			}
		}
		writeErr <- client.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.update"}`))
	}()

	for i, want := range sent {
		mtype, got, err := up.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.BinaryMessage, mtype)
		require.True(t, bytes.Equal(want, got), "message %d altered", i)
	}
	mtype, got, err := up.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mtype)
	require.Equal(t, `{"type":"session.update"}`, string(got))
	require.NoError(t, <-writeErr)
}

func TestRelayUpstreamToClient(t *testing.T) {
	h := newHarness(t)
	client, up := h.connect(t, "u1")

	for i := 0; i < 50; i++ {
		require.NoError(t, up.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("event-%d", i))))
	}
	for i := 0; i < 50; i++ {
		mtype, got, err := client.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.TextMessage, mtype)
		require.Equal(t, fmt.Sprintf("event-%d", i), string(got))
	}
}

func TestUpstreamHandshakeHeaders(t *testing.T) {
	h := newHarness(t)
	client, _, err := h.dial(t, h.idp.Token(t, "u1"))
	require.NoError(t, err)
	defer client.Close()

	hdr := <-h.up.headers
	assert.Equal(t, "Bearer "+testAPIKey, hdr.Get("Authorization"))
	assert.Equal(t, "realtime=v1", hdr.Get("OpenAI-Beta"))
}

func TestTokenFromAuthorizationHeader(t *testing.T) {
	h := newHarness(t)
	header := make(http.Header)
	header.Set("Authorization", "Bearer "+h.idp.Token(t, "u1"))
	client, _, err := websocket.DefaultDialer.Dial(util.MakeWsURL(h.server.URL)+DefaultPath, header)
	require.NoError(t, err)
	defer client.Close()
	h.up.accept(t)
}

func TestRejectBadTokens(t *testing.T) {
	h := newHarness(t)

	noKid := mockidp.Sign(t, mockidp.ForeignKey(t), "", h.idp.Claims("u1"))
	cases := map[string]string{
		"missing":       "",
		"malformed":     "not-a-token",
		"no kid":        noKid,
		"bad signature": mockidp.Sign(t, mockidp.ForeignKey(t), h.idp.KeyID(), h.idp.Claims("u1")),
		"expired": h.idp.Token(t, "u1", func(c jwt.MapClaims) {
			c["exp"] = time.Now().Add(-time.Minute).Unix()
		}),
		"wrong audience": h.idp.Token(t, "u1", func(c jwt.MapClaims) {
			c["aud"] = "someone-else"
		}),
		"wrong issuer": h.idp.Token(t, "u1", func(c jwt.MapClaims) {
			c["iss"] = "https://issuer.example.com"
		}),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, resp, err := h.dial(t, token)
			requireRejected(t, resp, err)
		})
	}

	require.Equal(t, 0, h.registry.Count())
	require.Equal(t, 0, h.registry.UserCount("u1"))
	require.Equal(t, 0, h.up.dialCount())
}

func TestRejectNonUpgrade(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.server.URL + DefaultPath + "?token=" + h.idp.Token(t, "u1"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, 400, resp.StatusCode)
	require.Equal(t, 0, h.registry.UserCount("u1"))
}

func TestQuotaPerUser(t *testing.T) {
	h := newHarness(t)

	h.connect(t, "U1")
	require.Equal(t, 1, h.registry.UserCount("U1"))

	h.connect(t, "U1")
	require.Equal(t, 2, h.registry.UserCount("U1"))
	require.Equal(t, 2, h.up.dialCount())

	_, resp, err := h.dial(t, h.idp.Token(t, "U1"))
	requireRejected(t, resp, err)
	require.Equal(t, 2, h.registry.UserCount("U1"))
	// rejected before any upstream dial
	require.Equal(t, 2, h.up.dialCount())

	// another user is unaffected
	h.connect(t, "U2")
}

func TestQuotaUnderConcurrentAdmission(t *testing.T) {
	h := newHarness(t)
	token := h.idp.Token(t, "U1")

	var wg sync.WaitGroup
	var admitted, rejected int32
	start := make(chan struct{})
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			conn, resp, err := websocket.DefaultDialer.Dial(util.MakeWsURL(h.server.URL)+DefaultPath+"?token="+token, nil)
			if err == nil {
				atomic.AddInt32(&admitted, 1)
				t.Cleanup(func() { _ = conn.Close() })
				return
			}
			if resp != nil && resp.StatusCode == 401 {
				atomic.AddInt32(&rejected, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.EqualValues(t, 2, admitted)
	require.EqualValues(t, 4, rejected)
	require.Equal(t, 2, h.registry.UserCount("U1"))
}

func TestQuotaReleasedAfterClose(t *testing.T) {
	h := newHarness(t)
	c1, _ := h.connect(t, "U1")
	h.connect(t, "U1")

	require.NoError(t, c1.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool {
		return h.registry.UserCount("U1") == 1
	}, 5*time.Second, 5*time.Millisecond)

	h.connect(t, "U1")
}

func TestClientCloseClosesUpstream(t *testing.T) {
	h := newHarness(t)
	client, up := h.connect(t, "u1")

	require.NoError(t, client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	requireClosedWith(t, up, websocket.CloseNormalClosure)

	require.Eventually(t, func() bool {
		return h.registry.Count() == 0 && h.registry.UserCount("u1") == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestClientDisconnectClosesUpstream(t *testing.T) {
	h := newHarness(t)
	client, up := h.connect(t, "u1")

	// no close frame, just a dropped connection
	require.NoError(t, client.UnderlyingConn().Close())
	requireClosedWith(t, up, websocket.CloseNormalClosure)

	require.Eventually(t, func() bool {
		return h.registry.UserCount("u1") == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestUpstreamCloseClosesClient(t *testing.T) {
	h := newHarness(t)
	client, up := h.connect(t, "u1")

	require.NoError(t, up.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	requireClosedWith(t, client, websocket.CloseNormalClosure)

	require.Eventually(t, func() bool {
		return h.registry.Count() == 0 && h.registry.UserCount("u1") == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSimultaneousCloseCountsOnce(t *testing.T) {
	h := newHarness(t)
	// a second session for the same user must survive the teardown
	h.connect(t, "u1")
	client, up := h.connect(t, "u1")
	require.Equal(t, 2, h.registry.UserCount("u1"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}()
	go func() {
		defer wg.Done()
		_ = up.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}()
	wg.Wait()

	require.Eventually(t, func() bool {
		return h.registry.Count() == 1
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, h.registry.UserCount("u1"))
}

func TestUpstreamDialFailure(t *testing.T) {
	h := newHarness(t)
	h.up.refuse(500)

	client, _, err := h.dial(t, h.idp.Token(t, "u1"))
	require.NoError(t, err)

	ce := requireClosedWith(t, client, websocket.CloseInternalServerErr)
	require.Equal(t, CloseReasonUnavailable, ce.Text)

	require.Eventually(t, func() bool {
		return h.registry.UserCount("u1") == 0
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 0, h.registry.Count())
}

func TestUpstreamDialTimeout(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.DialTimeout = 100 * time.Millisecond
	})
	// never released: the handshake hangs
	h.up.hold()

	client, _, err := h.dial(t, h.idp.Token(t, "u1"))
	require.NoError(t, err)
	requireClosedWith(t, client, websocket.CloseInternalServerErr)
	require.Equal(t, 0, h.registry.UserCount("u1"))
}

func TestFramesBeforeUpstreamOpenAreDropped(t *testing.T) {
	h := newHarness(t)
	gate := h.up.hold()

	client, _, err := h.dial(t, h.idp.Token(t, "u1"))
	require.NoError(t, err)
	<-h.up.headers

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("early")))
	// give the proxy time to read and drop it
	time.Sleep(100 * time.Millisecond)

	close(gate)
	up := h.up.accept(t)
	require.Eventually(t, func() bool {
		return h.registry.Count() == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("late")))
	_, got, err := up.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "late", string(got))
}

func TestClientLeavesDuringDial(t *testing.T) {
	h := newHarness(t)
	h.up.hold()

	client, _, err := h.dial(t, h.idp.Token(t, "u1"))
	require.NoError(t, err)
	<-h.up.headers
	require.Equal(t, 1, h.registry.UserCount("u1"))

	require.NoError(t, client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool {
		return h.registry.UserCount("u1") == 0
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 0, h.registry.Count())
}

func TestIdleTimeout(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.IdleTimeout = 100 * time.Millisecond
	})
	client, up := h.connect(t, "u1")

	requireClosedWith(t, client, websocket.CloseNormalClosure)
	requireClosedWith(t, up, websocket.CloseNormalClosure)
	require.Eventually(t, func() bool {
		return h.registry.Count() == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestShutdownClosesSessions(t *testing.T) {
	h := newHarness(t)
	client, up := h.connect(t, "u1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.proxy.Shutdown(ctx))

	requireClosedWith(t, client, websocket.CloseGoingAway)
	requireClosedWith(t, up, websocket.CloseNormalClosure)
	require.Equal(t, 0, h.registry.Count())

	_, resp, err := h.dial(t, h.idp.Token(t, "u2"))
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, 503, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "u1")

	resp, err := http.Get(h.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	var health Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "realtime-relay", health.Service)
	assert.Equal(t, 1, health.ActiveConnections)
	assert.Equal(t, "1.2.3", health.Version)
	_, err = time.Parse(time.RFC3339, health.Timestamp)
	assert.NoError(t, err)

	resp, err = http.Get(h.server.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	var info Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, DefaultPath, info.WebSocket)
	assert.Equal(t, "/health", info.Health)
}

func TestNewRequiresConfig(t *testing.T) {
	idp := mockidp.New(t)
	validator, err := auth.New(auth.Config{IssuerURL: idp.Issuer(), ClientID: mockidp.ClientID})
	require.NoError(t, err)

	_, err = New(Config{Registry: registry.New(2), UpstreamURL: "ws://x", UpstreamAPIKey: "k"})
	require.ErrorIs(t, err, ErrMissingValidator)
	_, err = New(Config{Validator: validator, UpstreamURL: "ws://x", UpstreamAPIKey: "k"})
	require.ErrorIs(t, err, ErrMissingRegistry)
	_, err = New(Config{Validator: validator, Registry: registry.New(2), UpstreamURL: "ws://x"})
	require.ErrorIs(t, err, ErrMissingUpstream)
}

// drain reads conn until it fails so that control handlers run.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func recorder(ch chan string) func(string) error {
	return func(data string) error {
		ch <- data
		return nil
	}
}

func recv(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case data := <-ch:
		return data
	case <-time.After(5 * time.Second):
		t.Fatal("control frame not received")
		return ""
	}
}

func TestControlFramesForwarded(t *testing.T) {
	h := newHarness(t)
	client, up := h.connect(t, "u1")

	upPings, upPongs := make(chan string, 1), make(chan string, 1)
	up.SetPingHandler(recorder(upPings))
	up.SetPongHandler(recorder(upPongs))
	clientPings, clientPongs := make(chan string, 1), make(chan string, 1)
	client.SetPingHandler(recorder(clientPings))
	client.SetPongHandler(recorder(clientPongs))
	go drain(up)
	go drain(client)

	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, client.WriteControl(websocket.PingMessage, []byte("hb"), deadline))
	require.Equal(t, "hb", recv(t, upPings))

	require.NoError(t, up.WriteControl(websocket.PingMessage, []byte("upstream-hb"), deadline))
	require.Equal(t, "upstream-hb", recv(t, clientPings))

	require.NoError(t, client.WriteControl(websocket.PongMessage, []byte("client-pong"), deadline))
	require.Equal(t, "client-pong", recv(t, upPongs))

	require.NoError(t, up.WriteControl(websocket.PongMessage, []byte("upstream-pong"), deadline))
	require.Equal(t, "upstream-pong", recv(t, clientPongs))
}

func TestPingAnsweredWhileConnecting(t *testing.T) {
	h := newHarness(t)
	h.up.hold()

	client, _, err := h.dial(t, h.idp.Token(t, "u1"))
	require.NoError(t, err)
	<-h.up.headers

	pongs := make(chan string, 1)
	client.SetPongHandler(recorder(pongs))
	go drain(client)

	require.NoError(t, client.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(5*time.Second)))
	require.Equal(t, "hb", recv(t, pongs))
	// still dialing: nothing registered yet
	require.Equal(t, 0, h.registry.Count())
}

func TestDrainingRejectionLogged(t *testing.T) {
	logger, hook := nullLog.NewNullLogger()
	h := newHarness(t, func(c *Config) {
		c.Logger = logger
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.proxy.Shutdown(ctx))

	_, resp, err := h.dial(t, h.idp.Token(t, "u1"))
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, 503, resp.StatusCode)

	found := false
	for _, entry := range hook.AllEntries() {
		if strings.Contains(entry.Message, ErrShuttingDown.Error()) {
			found = true
		}
	}
	require.True(t, found, "draining rejection was not logged")
}
