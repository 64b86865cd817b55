package relay

import "sync"

// registry holds the topic -> subscriptions mapping. It is owned exclusively
// by the Bus: Subscribe/Unsubscribe mutate it, the dispatcher and the
// resubscription loop read it.
//
// Invariants:
//   - a topic key exists iff it has at least one subscription
//   - subscriptions for a topic are kept in registration order
//   - (topic, consumer) pairs are unique
type registry struct {
	mu     sync.RWMutex
	topics map[string][]Subscription
}

func newRegistry() *registry {
	return &registry{topics: make(map[string][]Subscription)}
}

// tryAdd appends the subscription to its topic's sequence, creating the
// sequence if absent. added is false when the same (topic, consumer) pair is
// already registered. first reports whether the insert created the topic;
// it is computed under the same lock as the insert so a concurrent remove
// that empties the topic cannot slip between the check and the append,
// mirroring how remove reports topicEmpty.
func (r *registry) tryAdd(sub Subscription) (added, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.topics[sub.Topic]
	for _, existing := range subs {
		if existing.sameIdentity(sub) {
			return false, false
		}
	}
	r.topics[sub.Topic] = append(subs, sub)
	return true, len(subs) == 0
}

// remove deletes the matching subscription. The second return value reports
// whether the topic has no subscriptions left (and its key was removed).
func (r *registry) remove(sub Subscription) (removed, topicEmpty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.topics[sub.Topic]
	if !ok {
		return false, false
	}
	for i, existing := range subs {
		if !existing.sameIdentity(sub) {
			continue
		}
		subs = append(subs[:i], subs[i+1:]...)
		if len(subs) == 0 {
			delete(r.topics, sub.Topic)
			return true, true
		}
		r.topics[sub.Topic] = subs
		return true, false
	}
	return false, false
}

// get returns the subscriptions for a topic in registration order. The
// returned slice is a copy; callers may iterate it without holding the lock.
func (r *registry) get(topic string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs, ok := r.topics[topic]
	if !ok {
		return nil
	}
	out := make([]Subscription, len(subs))
	copy(out, subs)
	return out
}

// has reports whether any subscription exists for the topic.
func (r *registry) has(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.topics[topic]
	return ok
}

// allTopics returns a coherent snapshot of all topic keys, used by the
// resubscription protocol after a reconnect.
func (r *registry) allTopics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		out = append(out, topic)
	}
	return out
}

// clear empties all state. Called on bus teardown.
func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = make(map[string][]Subscription)
}
