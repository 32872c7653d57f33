package wsproxy

import (
	"errors"
)

var (
	// ErrMissingValidator is returned by New when no token validator is configured.
	ErrMissingValidator = errors.New("a token validator is required")

	// ErrMissingRegistry is returned by New when no connection registry is configured.
	ErrMissingRegistry = errors.New("a connection registry is required")

	// ErrMissingUpstream is returned by New when the upstream URL or credential is not configured.
	ErrMissingUpstream = errors.New("upstream url and api key are required")

	// ErrMissingToken is returned when a request carries no bearer token.
	ErrMissingToken = errors.New("no bearer token in request")

	// ErrUpstreamDial is returned when the upstream connection cannot be established.
	ErrUpstreamDial = errors.New("could not connect to upstream")

	// ErrShuttingDown is the reason logged for requests arriving after Shutdown.
	ErrShuttingDown = errors.New("proxy is shutting down")
)
