// Package presence tracks which usernames hold at least one live connection.
package presence

import "sync"

// Registry is a reference-counted set of online usernames. A user with
// several connections stays online until the last one goes away.
type Registry struct {
	mu     sync.Mutex
	counts map[string]int
	order  []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{counts: make(map[string]int)}
}

// Connect records a new connection for username and reports whether the user
// just came online.
func (r *Registry) Connect(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.counts[username]
	r.counts[username] = n + 1
	if n == 0 {
		r.order = append(r.order, username)
		return true
	}
	return false
}

// Disconnect drops one connection for username and reports whether the user
// just went offline. Unknown usernames are ignored.
func (r *Registry) Disconnect(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.counts[username]
	if !ok {
		return false
	}
	if n > 1 {
		r.counts[username] = n - 1
		return false
	}

	delete(r.counts, username)
	for i, u := range r.order {
		if u == username {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Snapshot returns the online usernames in first-connection order.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of online usernames.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
