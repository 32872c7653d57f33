package registry

import (
	"io"
	"sync"
	"time"

	"github.com/taskcluster/slugid-go/slugid"
)

// DefaultMaxPerUser is the number of concurrent sessions a user may hold when
// no other limit is configured.
const DefaultMaxPerUser = 2

// Session describes one live client<->upstream pairing as seen by the
// registry.
type Session struct {
	ID        string
	UserID    string
	Username  string
	CreatedAt time.Time

	// Client and Upstream are the two socket handles owned by the session.
	Client   io.Closer
	Upstream io.Closer
}

// Reservation is a quota slot handed out by TryAdmit. It becomes a live
// session through Register, or is given back through Remove.
type Reservation struct {
	id     string
	userID string
}

// ID is the session id assigned at admission.
func (r *Reservation) ID() string {
	return r.id
}

// UserID is the user the slot was reserved for.
func (r *Reservation) UserID() string {
	return r.userID
}

// Registry is the single source of truth for admitted sessions. It is safe
// for concurrent use.
type Registry struct {
	m          sync.Mutex
	maxPerUser int

	// pending reservations, by session id, mapped to their user
	pending map[string]string
	// live sessions, by session id
	sessions map[string]Session
	// pending + live entries per user
	perUser map[string]int
}

// New creates a registry allowing at most maxPerUser concurrent sessions per
// user. A non-positive value selects DefaultMaxPerUser.
func New(maxPerUser int) *Registry {
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxPerUser
	}
	return &Registry{
		maxPerUser: maxPerUser,
		pending:    make(map[string]string),
		sessions:   make(map[string]Session),
		perUser:    make(map[string]int),
	}
}

// MaxPerUser returns the configured per-user limit.
func (r *Registry) MaxPerUser() int {
	return r.maxPerUser
}

// TryAdmit atomically checks the user's quota and, if a slot is free,
// reserves it.
func (r *Registry) TryAdmit(userID string) (*Reservation, error) {
	r.m.Lock()
	defer r.m.Unlock()

	if r.perUser[userID] >= r.maxPerUser {
		return nil, ErrQuotaExceeded
	}

	res := &Reservation{id: slugid.Nice(), userID: userID}
	r.pending[res.id] = userID
	r.perUser[userID]++
	return res, nil
}

// Register promotes a reservation to a live session. The session's ID and
// UserID are taken from the reservation.
func (r *Registry) Register(res *Reservation, s Session) error {
	if res == nil {
		return ErrUnknownReservation
	}
	if s.Client == nil || s.Upstream == nil {
		return ErrIncompleteSession
	}

	r.m.Lock()
	defer r.m.Unlock()

	userID, ok := r.pending[res.id]
	if !ok || userID != res.userID {
		return ErrUnknownReservation
	}
	delete(r.pending, res.id)

	s.ID = res.id
	s.UserID = res.userID
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	r.sessions[s.ID] = s
	return nil
}

// Remove releases the reservation or session with the given id. It reports
// whether anything was removed; unknown ids and repeated calls are no-ops.
func (r *Registry) Remove(sessionID string) bool {
	r.m.Lock()
	defer r.m.Unlock()

	var userID string
	if u, ok := r.pending[sessionID]; ok {
		delete(r.pending, sessionID)
		userID = u
	} else if s, ok := r.sessions[sessionID]; ok {
		delete(r.sessions, sessionID)
		userID = s.UserID
	} else {
		return false
	}

	if r.perUser[userID] <= 1 {
		delete(r.perUser, userID)
	} else {
		r.perUser[userID]--
	}
	return true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.m.Lock()
	defer r.m.Unlock()
	return len(r.sessions)
}

// UserCount returns the number of reservations and live sessions held by
// the user.
func (r *Registry) UserCount(userID string) int {
	r.m.Lock()
	defer r.m.Unlock()
	return r.perUser[userID]
}

// Get returns the live session with the given id.
func (r *Registry) Get(sessionID string) (Session, bool) {
	r.m.Lock()
	defer r.m.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Sessions returns a snapshot of all live sessions.
func (r *Registry) Sessions() []Session {
	r.m.Lock()
	defer r.m.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
