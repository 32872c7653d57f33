// Package version holds the release version of the relay.
package version

// Version is reported by the health endpoint unless SERVICE_VERSION is set.
// Release builds override it with
// -ldflags "-X github.com/taskcluster/realtime-relay/version.Version=...".
var Version = "1.0.0"
