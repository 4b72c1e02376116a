package pubsub

// subscriptionEntry is one (callback, id) pair recorded under a topic
// in byTopic, in registration order.
type subscriptionEntry struct {
	id       uint64
	callback Callback
}

// idEntry is what byID remembers about one issued subscription id, so
// Unsubscribe only has to search that one topic's list for the entry.
type idEntry struct {
	topic    string
	callback Callback
}

// registry is the subscription table described by the three
// invariants: byTopic holds topic T iff byID holds an entry naming T;
// byTopic[T] is never present-but-empty; ids are never reused. It is
// always accessed under EventHandler.mu.
type registry struct {
	byTopic map[string][]subscriptionEntry
	byID    map[uint64]idEntry
	nextID  uint64
}

func newRegistry() *registry {
	return &registry{
		byTopic: make(map[string][]subscriptionEntry),
		byID:    make(map[uint64]idEntry),
	}
}

// add records a new subscription and reports whether this is the
// first local subscriber for topic (i.e. the broker needs a
// subscribe{topic} frame).
func (r *registry) add(topicStr string, cb Callback) (id uint64, firstForTopic bool) {
	id = r.nextID
	r.nextID++

	_, exists := r.byTopic[topicStr]
	r.byTopic[topicStr] = append(r.byTopic[topicStr], subscriptionEntry{id: id, callback: cb})
	r.byID[id] = idEntry{topic: topicStr, callback: cb}

	return id, !exists
}

// remove deletes the subscription named by id and reports the topic
// it belonged to, and whether that topic has no subscribers left
// (i.e. the broker needs an unsubscribe{topic} frame).
func (r *registry) remove(id uint64) (topicStr string, lastForTopic bool, err error) {
	entry, ok := r.byID[id]
	if !ok {
		return "", false, ErrUnknownSubscription
	}
	topicStr = entry.topic

	cbs := r.byTopic[topicStr]
	for i, e := range cbs {
		if e.id == id {
			cbs = append(cbs[:i], cbs[i+1:]...)
			break
		}
	}

	delete(r.byID, id)

	if len(cbs) == 0 {
		delete(r.byTopic, topicStr)
		return topicStr, true, nil
	}
	r.byTopic[topicStr] = cbs
	return topicStr, false, nil
}

// snapshot copies the callback list registered for topicStr, or nil
// if there is none. Must be called under the registry's lock; the
// returned slice is safe to use after releasing it.
func (r *registry) snapshot(topicStr string) []subscriptionEntry {
	cbs, ok := r.byTopic[topicStr]
	if !ok {
		return nil
	}
	cp := make([]subscriptionEntry, len(cbs))
	copy(cp, cbs)
	return cp
}
