// Package session tracks which user each live connection belongs to.
package session

import "errors"

// ErrIdentityMismatch is returned when a bound connection claims another user.
var ErrIdentityMismatch = errors.New("connection already bound to a different user")

// Registry maps connections to users and users to their live connections.
//
// Registry is not safe for concurrent use. The hub goroutine owns it and
// serialises every mutation.
type Registry struct {
	// connection ID -> user ID
	owners map[string]string

	// user ID -> set of connection IDs
	users map[string]map[string]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		owners: make(map[string]string),
		users:  make(map[string]map[string]struct{}),
	}
}

// Register binds connID to userID. Repeating the same binding is a no-op.
// first reports whether connID is the user's only live connection after the call
// and the binding is new.
func (r *Registry) Register(connID, userID string) (first bool, err error) {
	if current, ok := r.owners[connID]; ok {
		if current != userID {
			return false, ErrIdentityMismatch
		}
		return false, nil
	}

	r.owners[connID] = userID
	conns := r.users[userID]
	if conns == nil {
		conns = make(map[string]struct{})
		r.users[userID] = conns
	}
	conns[connID] = struct{}{}
	return len(conns) == 1, nil
}

// Unregister removes connID. It returns the user the connection belonged to and
// whether that was the user's last live connection.
func (r *Registry) Unregister(connID string) (userID string, last bool) {
	userID, ok := r.owners[connID]
	if !ok {
		return "", false
	}
	delete(r.owners, connID)

	conns := r.users[userID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.users, userID)
		return userID, true
	}
	return userID, false
}

// UserOf returns the user bound to connID.
func (r *Registry) UserOf(connID string) (string, bool) {
	userID, ok := r.owners[connID]
	return userID, ok
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	return len(r.users[userID]) > 0
}

// Connections returns a snapshot of userID's live connections.
func (r *Registry) Connections(userID string) []string {
	conns := r.users[userID]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// ConnectionCount returns the number of bound connections.
func (r *Registry) ConnectionCount() int {
	return len(r.owners)
}

// UserCount returns the number of users with a live connection.
func (r *Registry) UserCount() int {
	return len(r.users)
}
