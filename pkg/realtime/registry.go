package realtime

import "socialrt/pkg/core"

// subscription is one (category, key) entry. It is pending until the
// transport handed back a handle.
type subscription struct {
	category core.Category
	key      string
	topic    string
	handler  Handler
	handle   core.Handle
	ready    bool
}

// registry keeps the subscriptions of one category in insertion order.
type registry struct {
	keys    []string
	entries map[string]*subscription
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*subscription)}
}

func (r *registry) get(key string) *subscription {
	return r.entries[key]
}

func (r *registry) has(key string) bool {
	_, ok := r.entries[key]
	return ok
}

func (r *registry) put(entry *subscription) {
	if _, ok := r.entries[entry.key]; !ok {
		r.keys = append(r.keys, entry.key)
	}
	r.entries[entry.key] = entry
}

func (r *registry) remove(key string) {
	if _, ok := r.entries[key]; !ok {
		return
	}
	delete(r.entries, key)
	for i, k := range r.keys {
		if k == key {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
}

// removeEntry removes key only while it still maps to entry.
func (r *registry) removeEntry(entry *subscription) bool {
	if r.entries[entry.key] != entry {
		return false
	}
	r.remove(entry.key)
	return true
}

// takeReady removes and returns the established entries, oldest first.
// Pending entries stay; their own subscribe call completes them.
func (r *registry) takeReady() []*subscription {
	var taken []*subscription
	kept := r.keys[:0]
	for _, key := range r.keys {
		entry := r.entries[key]
		if entry.ready {
			taken = append(taken, entry)
			delete(r.entries, key)
			continue
		}
		kept = append(kept, key)
	}
	r.keys = kept
	return taken
}

// clear removes and returns every entry, oldest first.
func (r *registry) clear() []*subscription {
	all := r.list()
	r.keys = nil
	r.entries = make(map[string]*subscription)
	return all
}

func (r *registry) list() []*subscription {
	out := make([]*subscription, 0, len(r.keys))
	for _, key := range r.keys {
		out = append(out, r.entries[key])
	}
	return out
}

func (r *registry) len() int {
	return len(r.keys)
}
