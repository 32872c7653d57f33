// Package mockidp is an in-process stand-in for a Cognito user pool, used by
// tests. It publishes a JWKS document and mints RS256 tokens signed with its
// current key.
package mockidp

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/taskcluster/slugid-go/slugid"
)

const (
	PoolID   = "us-east-1_relaytest"
	ClientID = "relay-test-client"
)

type signingKey struct {
	kid string
	key *rsa.PrivateKey
}

// IdP serves a key set and mints tokens for it.
type IdP struct {
	Server *httptest.Server

	m       sync.Mutex
	current signingKey
	// keys published in the JWKS, including retired ones
	published []signingKey
	failing   bool

	fetches int32
}

// New starts an identity provider on an httptest server which is closed
// when the test finishes.
func New(t *testing.T) *IdP {
	t.Helper()
	idp := &IdP{}
	idp.current = newSigningKey(t)
	idp.published = []signingKey{idp.current}

	r := mux.NewRouter()
	idp.RegisterService(r)
	idp.Server = httptest.NewServer(r)
	t.Cleanup(idp.Server.Close)
	return idp
}

func newSigningKey(t *testing.T) signingKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return signingKey{kid: slugid.Nice(), key: key}
}

// RegisterService adds the key set route to r.
func (idp *IdP) RegisterService(r *mux.Router) {
	r.HandleFunc("/"+PoolID+"/.well-known/jwks.json", idp.serveKeySet).Methods("GET")
}

func (idp *IdP) serveKeySet(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&idp.fetches, 1)

	idp.m.Lock()
	defer idp.m.Unlock()
	if idp.failing {
		http.Error(w, http.StatusText(404), 404)
		return
	}

	set := jose.JSONWebKeySet{}
	for _, k := range idp.published {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       &k.key.PublicKey,
			KeyID:     k.kid,
			Algorithm: "RS256",
			Use:       "sig",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

// Issuer is the issuer URL of the pool, as it appears in tokens.
func (idp *IdP) Issuer() string {
	return idp.Server.URL + "/" + PoolID
}

// KeyID returns the id of the current signing key.
func (idp *IdP) KeyID() string {
	idp.m.Lock()
	defer idp.m.Unlock()
	return idp.current.kid
}

// Fetches returns how many times the key set has been requested.
func (idp *IdP) Fetches() int {
	return int(atomic.LoadInt32(&idp.fetches))
}

// SetFailing makes the key set endpoint return 404 while set.
func (idp *IdP) SetFailing(failing bool) {
	idp.m.Lock()
	defer idp.m.Unlock()
	idp.failing = failing
}

// RotateKey publishes a new signing key and uses it for subsequent tokens.
// The previous key stays published.
func (idp *IdP) RotateKey(t *testing.T) {
	t.Helper()
	k := newSigningKey(t)
	idp.m.Lock()
	defer idp.m.Unlock()
	idp.current = k
	idp.published = append(idp.published, k)
}

// Claims returns a valid claim set for the given subject.
func (idp *IdP) Claims(sub string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub":              sub,
		"cognito:username": sub + "-name",
		"email":            sub + "@example.com",
		"iss":              idp.Issuer(),
		"aud":              ClientID,
		"token_use":        "id",
		"iat":              now.Unix(),
		"exp":              now.Add(time.Hour).Unix(),
	}
}

// Token mints a valid token for sub. Each mutator may edit the claims
// before signing.
func (idp *IdP) Token(t *testing.T, sub string, mutators ...func(jwt.MapClaims)) string {
	t.Helper()
	claims := idp.Claims(sub)
	for _, mutate := range mutators {
		mutate(claims)
	}
	idp.m.Lock()
	k := idp.current
	idp.m.Unlock()
	return Sign(t, k.key, k.kid, claims)
}

// Sign signs claims with key using RS256, placing kid in the header when it
// is non-empty.
func Sign(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// ForeignKey returns a key pair that the IdP does not publish.
func ForeignKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	return newSigningKey(t).key
}
