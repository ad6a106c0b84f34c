// pool.go implements the query pool: a registry of active lookups with a
// fair round-robin poll (spec.md component D). AddQuery admits every query;
// the number of active queries is not limited.
package discover

// QueryID identifies a query within the pool.
type QueryID uint64

// QueryPoolStateKind tags the variant of a QueryPoolState poll result.
type QueryPoolStateKind int

const (
	PoolIdle QueryPoolStateKind = iota
	PoolWaiting
	PoolWaitingNone
	PoolFinished
	PoolTimeout
)

// QueryPoolState is the result of one Pool.Poll call. Peers holds every
// (peer, distance) pair NextRequests produced this tick for the served
// query -- a single peer can yield up to 3 entries (multi-distance
// FindNode), and all of them must be dispatched or they are never retried.
type QueryPoolState struct {
	Kind  QueryPoolStateKind
	Query *Query
	Peers []ReturnPeer
}

// Pool is the registry of in-flight queries.
type Pool struct {
	queries  map[QueryID]*Query
	order    []QueryID // admission order, used for round-robin fairness
	nextID   QueryID
	lastServed int // index into order of the last query served
}

// NewPool creates an empty query pool.
func NewPool() *Pool {
	return &Pool{queries: make(map[QueryID]*Query)}
}

// AddQuery admits an already-constructed Query into the pool, assigned the
// QueryID it was built with (see Service.nextQueryID).
func (p *Pool) AddQuery(q *Query) {
	p.queries[q.ID] = q
	p.order = append(p.order, q.ID)
}

// Len returns the number of active queries.
func (p *Pool) Len() int { return len(p.queries) }

// Get returns the query with the given id, or nil.
func (p *Pool) Get(id QueryID) *Query { return p.queries[id] }

// Remove removes a query from the pool (used once it's been delivered to
// the caller as Finished or Timeout).
func (p *Pool) Remove(id QueryID) {
	delete(p.queries, id)
	for i, qid := range p.order {
		if qid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	if p.lastServed >= len(p.order) {
		p.lastServed = 0
	}
}

// Poll advances the pool by one step. It scans queries starting just after
// the last-served index so a single busy query cannot starve the others
// (round-robin fairness, spec.md §4.3).
func (p *Pool) Poll() QueryPoolState {
	n := len(p.order)
	if n == 0 {
		return QueryPoolState{Kind: PoolIdle}
	}

	for i := 0; i < n; i++ {
		idx := (p.lastServed + 1 + i) % n
		id := p.order[idx]
		q := p.queries[id]
		if q == nil {
			continue
		}

		if q.Finished() {
			p.lastServed = idx
			p.Remove(id)
			if len(q.Result()) == 0 && q.inFlight() == 0 {
				return QueryPoolState{Kind: PoolTimeout, Query: q}
			}
			return QueryPoolState{Kind: PoolFinished, Query: q}
		}

		reqs := q.NextRequests()
		if len(reqs) > 0 {
			p.lastServed = idx
			return QueryPoolState{Kind: PoolWaiting, Query: q, Peers: reqs}
		}
	}

	return QueryPoolState{Kind: PoolWaitingNone}
}
