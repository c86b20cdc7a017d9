package registry

import (
	"sync"

	"coinstream/src/bus"
	"coinstream/src/logger"
)

// -----------------------------------------------------------------------------

// Subscription is everything one view subscription holds: bus listeners
// to dispose and upstream feed references to release.
type Subscription struct {
	Topic     string
	Listeners []*bus.Listener
	Closers   []func()
}

// -----------------------------------------------------------------------------

// Registry records what each session owns so teardown is complete even
// when a client vanishes without unsubscribing. Release is idempotent
// and best effort: one failing closer never blocks the rest.
type Registry struct {
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]map[string]*Subscription // sessionID -> topic -> subscription
}

// -----------------------------------------------------------------------------

func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		logger:   log,
		sessions: make(map[string]map[string]*Subscription),
	}
}

// -----------------------------------------------------------------------------

// Track records a subscription. A second subscription on the same topic
// replaces the first after tearing it down (view switch).
func (r *Registry) Track(sessionID string, sub *Subscription) {
	r.mu.Lock()
	topics, ok := r.sessions[sessionID]
	if !ok {
		topics = make(map[string]*Subscription)
		r.sessions[sessionID] = topics
	}
	prev := topics[sub.Topic]
	topics[sub.Topic] = sub
	r.mu.Unlock()

	if prev != nil {
		r.teardown(sessionID, prev)
	}
}

// -----------------------------------------------------------------------------

// ReleaseTopic tears down one topic's subscription for a session.
func (r *Registry) ReleaseTopic(sessionID string, topic string) {
	r.mu.Lock()
	var sub *Subscription
	if topics, ok := r.sessions[sessionID]; ok {
		sub = topics[topic]
		delete(topics, topic)
		if len(topics) == 0 {
			delete(r.sessions, sessionID)
		}
	}
	r.mu.Unlock()

	if sub != nil {
		r.teardown(sessionID, sub)
	}
}

// -----------------------------------------------------------------------------

// ReleaseSession tears down everything a session owns. Safe to call
// multiple times; later calls are no-ops.
func (r *Registry) ReleaseSession(sessionID string) {
	r.mu.Lock()
	topics := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	for _, sub := range topics {
		r.teardown(sessionID, sub)
	}
}

// -----------------------------------------------------------------------------

func (r *Registry) teardown(sessionID string, sub *Subscription) {
	for _, l := range sub.Listeners {
		l.Dispose()
	}
	for _, closer := range sub.Closers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("Closer panic during teardown of %s/%s: %v", sessionID, sub.Topic, rec)
				}
			}()
			closer()
		}()
	}
	r.logger.Debug("Released %s subscription for session %s", sub.Topic, sessionID)
}

// -----------------------------------------------------------------------------

// SessionCount reports the number of sessions with live subscriptions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// TopicCount reports the number of live subscriptions for one session.
func (r *Registry) TopicCount(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[sessionID])
}
