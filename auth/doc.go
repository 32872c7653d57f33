// Package auth verifies the bearer tokens presented by relay clients.
//
// Tokens are RS256-signed JWTs issued by a Cognito user pool. The signing
// key is selected by the token's "kid" header from the pool's published key
// set, which is fetched from
//
//	https://cognito-idp.<region>.amazonaws.com/<pool>/.well-known/jwks.json
//
// and cached. A successful Verify yields a Claims value; nothing else in the
// relay reads token contents.
package auth
