// Package wsproxy is an authenticating relay between websocket clients and a
// single upstream realtime API. Each client upgrade request is admitted only
// after its bearer token verifies and its user is under the connection
// quota; an admitted client is paired with a fresh upstream connection and
// frames are copied verbatim in both directions until either side leaves.
//
// client ---- websocket ----> [ proxy ] ---- websocket ----> upstream
//
// A session moves Connecting -> Active -> Closed. Closed is entered exactly
// once, from any state, by whichever of client close, upstream close, an I/O
// error on either socket, a failed upstream dial, idle timeout or proxy
// shutdown happens first.
package wsproxy
