package crawler

import "slices"

// Registry holds the active queries. It is not safe for concurrent use; the
// worker loop serializes every access.
type Registry struct {
	queries []Query
	index   map[QueryKey]int
}

// NewRegistry builds a registry from previously persisted queries. Later
// duplicates of an already-seen key are dropped.
func NewRegistry(queries []Query) *Registry {
	r := &Registry{index: make(map[QueryKey]int, len(queries))}
	for _, q := range queries {
		r.insert(q)
	}
	return r
}

// Len returns the number of registered queries.
func (r *Registry) Len() int {
	return len(r.queries)
}

// Get returns a copy of the query registered under k.
func (r *Registry) Get(k QueryKey) (Query, bool) {
	i, ok := r.index[k]
	if !ok {
		return Query{}, false
	}
	return r.queries[i].Clone(), true
}

// Add appends q unless its key is already present.
func (r *Registry) Add(q Query) bool {
	return r.insert(q)
}

// Replace overwrites the registered query with the same key.
func (r *Registry) Replace(q Query) bool {
	i, ok := r.index[q.Key()]
	if !ok {
		return false
	}
	r.queries[i] = q
	return true
}

// Remove deletes the query registered under k.
func (r *Registry) Remove(k QueryKey) bool {
	i, ok := r.index[k]
	if !ok {
		return false
	}
	r.queries = slices.Delete(r.queries, i, i+1)
	r.reindex()
	return true
}

// RemoveSubscriber deletes every query of subscriber and returns the count.
func (r *Registry) RemoveSubscriber(subscriber string) int {
	kept := r.queries[:0]
	removed := 0
	for _, q := range r.queries {
		if q.Subscriber == subscriber {
			removed++
			continue
		}
		kept = append(kept, q)
	}
	clear(r.queries[len(kept):])
	r.queries = kept
	r.reindex()
	return removed
}

// Snapshot returns deep copies of all queries in registration order.
func (r *Registry) Snapshot() []Query {
	out := make([]Query, len(r.queries))
	for i, q := range r.queries {
		out[i] = q.Clone()
	}
	return out
}

func (r *Registry) insert(q Query) bool {
	k := q.Key()
	if _, exists := r.index[k]; exists {
		return false
	}
	r.index[k] = len(r.queries)
	r.queries = append(r.queries, q)
	return true
}

func (r *Registry) reindex() {
	clear(r.index)
	for i, q := range r.queries {
		r.index[q.Key()] = i
	}
}
