package server

import (
	"sort"
	"sync"

	ilog "github.com/parley-im/parley/log"
)

// Registry is the single source of truth for presence. Delivery code must
// decide online/offline through Lookup and nothing else.
type Registry struct {
	lock     sync.RWMutex
	sessions map[string]*Session
	log      *ilog.Logger
}

func NewRegistry() *Registry {
	logger := ilog.NewLogger()
	logger.Fields["entity"] = "registry"
	return &Registry{
		sessions: make(map[string]*Session),
		log:      logger,
	}
}

// Register binds the session's username. When two connections race on the
// same username exactly one wins; the loser gets ErrUsernameTaken.
func (r *Registry) Register(session *Session) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, exists := r.sessions[session.Username]; exists {
		return ErrUsernameTaken
	}
	r.sessions[session.Username] = session
	r.log.Infof1("session registered: %v (%v)", session.Username, session.Remote)
	return nil
}

// Unregister removes the binding, but only if it still points at the given
// session. A stale handler cannot evict a successor that registered after
// its own teardown began.
func (r *Registry) Unregister(session *Session) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if current, ok := r.sessions[session.Username]; ok && current == session {
		delete(r.sessions, session.Username)
		r.log.Infof1("session unregistered: %v", session.Username)
	}
}

func (r *Registry) Lookup(username string) *Session {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.sessions[username]
}

// ListOnline returns the online usernames in sorted order.
func (r *Registry) ListOnline() []string {
	r.lock.RLock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	r.lock.RUnlock()
	sort.Strings(names)
	return names
}

func (r *Registry) Count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.sessions)
}

// Visit calls fn for every live session. Sessions are collected under the
// lock and visited outside it so fn may write to transports.
func (r *Registry) Visit(fn func(session *Session)) {
	r.lock.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.lock.RUnlock()
	for _, session := range sessions {
		fn(session)
	}
}
