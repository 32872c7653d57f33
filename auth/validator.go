package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"
	"github.com/taskcluster/httpbackoff/v3"
)

const (
	// DefaultCacheTTL is how long a fetched key set is trusted.
	DefaultCacheTTL = 10 * time.Minute

	defaultFetchTimeout   = 5 * time.Second
	defaultFetchRetryTime = 10 * time.Second
)

// Config contains the parameters used to verify tokens.
type Config struct {
	// Region, UserPoolID and ClientID identify the Cognito user pool and the
	// app client tokens must be issued to.
	Region     string
	UserPoolID string
	ClientID   string

	// IssuerURL overrides the issuer derived from Region and UserPoolID.
	IssuerURL string

	// JWKSURL overrides the key set location, <issuer>/.well-known/jwks.json
	// by default.
	JWKSURL string

	// CacheTTL bounds how long a fetched key set is used. Default
	// DefaultCacheTTL.
	CacheTTL time.Duration

	// HTTPClient is used to fetch the key set.
	HTTPClient *http.Client

	// BackOff controls retries of key set fetches.
	BackOff *backoff.ExponentialBackOff

	// Logger is used to log verification events. Token contents are never
	// logged.
	Logger *logrus.Logger
}

// IssuerFor returns the issuer URL of a Cognito user pool.
func IssuerFor(region, userPoolID string) string {
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", region, userPoolID)
}

// Validator verifies bearer tokens. It is safe for concurrent use.
type Validator struct {
	issuer   string
	audience string
	parser   *jwt.Parser
	keys     *keySet
	logger   *logrus.Logger
}

// tokenClaims is the subset of a Cognito ID token used by the relay.
type tokenClaims struct {
	jwt.RegisteredClaims
	Username string `json:"cognito:username"`
	Email    string `json:"email"`
}

// New creates a Validator from conf.
func New(conf Config) (*Validator, error) {
	issuer := strings.TrimSuffix(conf.IssuerURL, "/")
	if issuer == "" {
		if conf.Region == "" || conf.UserPoolID == "" {
			return nil, ErrMissingConfig
		}
		issuer = IssuerFor(conf.Region, conf.UserPoolID)
	}
	if conf.ClientID == "" {
		return nil, ErrMissingConfig
	}

	jwksURL := conf.JWKSURL
	if jwksURL == "" {
		jwksURL = issuer + "/.well-known/jwks.json"
	}

	ttl := conf.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	httpClient := conf.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultFetchTimeout}
	}

	settings := conf.BackOff
	if settings == nil {
		settings = backoff.NewExponentialBackOff()
		settings.MaxElapsedTime = defaultFetchRetryTime
	}

	logger := conf.Logger
	if logger == nil {
		logger, _ = nullLog.NewNullLogger()
	}

	return &Validator{
		issuer:   issuer,
		audience: conf.ClientID,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})),
		keys: &keySet{
			url:        jwksURL,
			ttl:        ttl,
			httpClient: httpClient,
			retry:      &httpbackoff.Client{BackOffSettings: settings},
			logger:     logger,
			now:        time.Now,
		},
		logger: logger,
	}, nil
}

// Issuer returns the issuer tokens must carry.
func (v *Validator) Issuer() string {
	return v.issuer
}

// Verify checks the token's signature, expiry, issuer and audience and
// returns the identity it carries. Every error matches ErrAuth; the
// specific cause is one of ErrMalformedToken, ErrKeyResolutionFailed or
// ErrInvalidToken.
func (v *Validator) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, errors.Wrap(ErrMalformedToken, "empty token")
	}

	// the header is read before any key is known; nothing from this parse
	// is trusted beyond the key id
	unverified, _, err := v.parser.ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return nil, errors.Wrap(ErrMalformedToken, err.Error())
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, errors.Wrap(ErrMalformedToken, "no kid in token header")
	}

	key, err := v.keys.lookup(ctx, kid)
	if err != nil {
		return nil, err
	}

	var tc tokenClaims
	_, err = v.parser.ParseWithClaims(rawToken, &tc, func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		return nil, errors.Wrap(ErrInvalidToken, err.Error())
	}

	if tc.ExpiresAt == nil {
		return nil, errors.Wrap(ErrInvalidToken, "token has no expiry")
	}
	if !tc.VerifyIssuer(v.issuer, true) {
		return nil, errors.Wrap(ErrInvalidToken, "issuer mismatch")
	}
	if !tc.VerifyAudience(v.audience, true) {
		return nil, errors.Wrap(ErrInvalidToken, "audience mismatch")
	}
	if tc.Subject == "" {
		return nil, errors.Wrap(ErrInvalidToken, "token has no subject")
	}

	return &Claims{
		userID:   tc.Subject,
		username: tc.Username,
		email:    tc.Email,
	}, nil
}
