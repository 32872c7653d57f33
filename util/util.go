package util

import (
	"net/http"
	"regexp"
	"strings"
)

var (
	replaceHTTPSRe = regexp.MustCompile("^(http)(s?)")
)

// TokenQueryParam is the query parameter checked for a bearer token.
const TokenQueryParam = "token"

// ExtractToken returns the bearer token of a request. The "token" query
// parameter is checked first; if it is absent or empty the Authorization
// header is used. The first match wins and nothing is merged.
func ExtractToken(r *http.Request) string {
	if token := r.URL.Query().Get(TokenQueryParam); token != "" {
		return token
	}
	return ExtractBearer(r.Header.Get("Authorization"))
}

// ExtractBearer returns the credential of a "Bearer <token>" header value,
// or "" if the value is not of that form.
func ExtractBearer(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// MakeWsURL converts http:// to ws://
func MakeWsURL(url string) string {
	return replaceHTTPSRe.ReplaceAllString(url, "ws$2")
}
