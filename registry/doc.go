// Package registry tracks the relay sessions that are currently admitted and
// enforces how many of them a single user may hold at once.
//
// Admission is two-phase. TryAdmit reserves a slot for a user and hands out
// the session id; Register later promotes that reservation to a live session
// once both sockets exist. Remove releases either form; repeated calls for
// the same id are no-ops.
package registry
