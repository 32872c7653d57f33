package auth

import "errors"

// ErrAuth matches every verification failure returned by Validator.Verify.
var ErrAuth = errors.New("authentication failed")

type authError string

func (e authError) Error() string {
	return string(e)
}

func (e authError) Is(target error) bool {
	return target == ErrAuth
}

var (
	// ErrMalformedToken is returned when the token cannot be decoded or its
	// header carries no key id.
	ErrMalformedToken error = authError("malformed token")

	// ErrKeyResolutionFailed is returned when the token's key id cannot be
	// resolved to a signing key.
	ErrKeyResolutionFailed error = authError("could not resolve signing key")

	// ErrInvalidToken is returned when the signature or the claims do not
	// verify.
	ErrInvalidToken error = authError("token not valid")

	// ErrMissingConfig is returned by New when neither an issuer nor the
	// region, pool and client ids needed to derive one are configured.
	ErrMissingConfig = errors.New("region, user pool id and client id must be configured")
)
