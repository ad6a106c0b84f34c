// query.go implements the per-query state machine for a single iterative
// lookup: alpha-parallelism, per-peer status tracking, and closest-K
// ordering (spec.md component C).
package discover

import (
	"sort"
	"time"

	"github.com/yaanhyy/discv5/p2p/enode"
	"github.com/yaanhyy/discv5/p2p/enr"
)

// PeerState is the state of a single candidate within a query.
type PeerState int

const (
	NotContacted PeerState = iota
	Waiting
	Succeeded
	Failed
	Unresponsive
)

// QueryKind distinguishes a plain FindNode query from a predicate query
// that additionally requires K survivors passing a caller-supplied test.
type QueryKind int

const (
	KindFindNode QueryKind = iota
	KindPredicate
)

// QueryTarget describes what a query is looking for.
type QueryTarget struct {
	Kind      QueryKind
	TargetID  enode.NodeID
	Predicate func(*enr.Record) bool // only set for KindPredicate
	NumResults int                   // K by default, used by predicate queries
}

// queryPeer tracks one candidate's progress within a query.
type queryPeer struct {
	id       enode.NodeID
	state    PeerState
	iteration int
	deadline  time.Time
	// distancesTried records the log2 distances already requested from
	// this peer, since spec.md's multi-distance FindNode issues up to 3
	// adjacent distances per peer rather than a single one.
	distancesTried map[int]bool
}

// ReturnPeer disambiguates multi-RPC peers: the same peer can be
// in flight for more than one (iteration, distance) pair at once.
type ReturnPeer struct {
	NodeID    enode.NodeID
	Iteration int
	Distance  int
}

// Query is a single iterative lookup in progress.
type Query struct {
	ID     QueryID
	Target QueryTarget

	localID enode.NodeID

	alpha            int
	peerTimeout      time.Duration
	queryTimeout     time.Duration
	maxQueryIterations int

	peers   map[enode.NodeID]*queryPeer
	order   []enode.NodeID // candidates in ascending distance to target, grown as records are discovered
	untrusted map[enode.NodeID]*enr.Record

	started time.Time
	k       int
}

// NewQuery creates a query seeded with initial candidates drawn from the
// routing table (closest_keys[_predicate](target), per spec.md §4.5).
func NewQuery(id QueryID, localID enode.NodeID, target QueryTarget, seed []enode.NodeID, alpha int, peerTimeout, queryTimeout time.Duration) *Query {
	k := BucketSize
	if target.Kind == KindPredicate && target.NumResults > 0 {
		k = target.NumResults
	}
	q := &Query{
		ID:                 id,
		Target:             target,
		localID:            localID,
		alpha:              alpha,
		peerTimeout:        peerTimeout,
		queryTimeout:       queryTimeout,
		maxQueryIterations: 3,
		peers:              make(map[enode.NodeID]*queryPeer),
		untrusted:          make(map[enode.NodeID]*enr.Record),
		started:            time.Now(),
		k:                  k,
	}
	for _, id := range seed {
		q.addCandidate(id)
	}
	return q
}

func (q *Query) addCandidate(id enode.NodeID) {
	if id == q.localID {
		return
	}
	if _, ok := q.peers[id]; ok {
		return
	}
	q.peers[id] = &queryPeer{id: id, state: NotContacted, distancesTried: make(map[int]bool)}
	q.order = append(q.order, id)
	q.sortOrder()
}

func (q *Query) sortOrder() {
	target := KeyFromID(q.Target.TargetID)
	sort.Slice(q.order, func(i, j int) bool {
		return closerTo(KeyFromID(q.order[i]), KeyFromID(q.order[j]), target)
	})
}

// inFlight counts peers currently Waiting.
func (q *Query) inFlight() int {
	n := 0
	for _, p := range q.peers {
		if p.state == Waiting {
			n++
		}
	}
	return n
}

// expireDeadlines demotes any Waiting peer whose deadline has passed to
// Unresponsive. An Unresponsive peer no longer counts toward alpha but its
// late response is still accepted until the query ends.
func (q *Query) expireDeadlines() {
	now := time.Now()
	for _, p := range q.peers {
		if p.state == Waiting && now.After(p.deadline) {
			p.state = Unresponsive
		}
	}
}

// NextRequests returns the set of (peer, distance) pairs that should be
// dispatched right now: while fewer than alpha are in flight and at least
// one NotContacted candidate remains, the closest NotContacted peer is
// picked and marked Waiting.
func (q *Query) NextRequests() []ReturnPeer {
	q.expireDeadlines()

	var out []ReturnPeer
	for q.inFlight() < q.alpha {
		p := q.closestNotContacted()
		if p == nil {
			break
		}
		p.state = Waiting
		p.iteration++
		p.deadline = time.Now().Add(q.peerTimeout)

		for _, d := range distancesFor(p.id, q.Target.TargetID) {
			if p.distancesTried[d] {
				continue
			}
			p.distancesTried[d] = true
			out = append(out, ReturnPeer{NodeID: p.id, Iteration: p.iteration, Distance: d})
		}
	}
	return out
}

// distancesFor returns up to 3 adjacent log2 distances to probe a peer for,
// centered on the peer's own distance to the target (spec.md §4.2:
// "a single distance value is insufficient").
func distancesFor(peer, target enode.NodeID) []int {
	d := logDistance(KeyFromID(peer), KeyFromID(target))
	candidates := []int{d}
	if d-1 >= 1 {
		candidates = append(candidates, d-1)
	}
	if d+1 <= 256 {
		candidates = append(candidates, d+1)
	}
	if len(candidates) > 3 {
		candidates = candidates[:3]
	}
	return candidates
}

func (q *Query) closestNotContacted() *queryPeer {
	for _, id := range q.order {
		p := q.peers[id]
		if p.state == NotContacted {
			return p
		}
	}
	return nil
}

// OnSuccess records a successful response from peer: its state becomes
// Succeeded, and discovered records are merged into untrusted_enrs
// (deduplicated by node id) and queued as NotContacted candidates.
func (q *Query) OnSuccess(peer enode.NodeID, discovered []*enr.Record) {
	if p, ok := q.peers[peer]; ok {
		p.state = Succeeded
	}
	for _, r := range discovered {
		id := enode.NodeID(r.NodeID())
		if _, exists := q.untrusted[id]; !exists {
			q.untrusted[id] = r
		}
		q.addCandidate(id)
	}
}

// OnFailure records a failed request to peer. If it was in-flight and its
// iteration count has not exhausted the retry budget it remains eligible
// for a later attempt at the next iteration; otherwise it is exhausted.
func (q *Query) OnFailure(peer enode.NodeID) {
	p, ok := q.peers[peer]
	if !ok {
		return
	}
	if p.iteration < q.maxQueryIterations {
		p.state = NotContacted
		// Clear the tried distances so the retry sends its requests again.
		p.distancesTried = make(map[int]bool)
		return
	}
	p.state = Failed
}

// UntrustedENRs returns every record discovered so far by this query.
func (q *Query) UntrustedENRs() []*enr.Record {
	out := make([]*enr.Record, 0, len(q.untrusted))
	for _, r := range q.untrusted {
		out = append(out, r)
	}
	return out
}

// Finished reports whether the query has met its termination condition:
// (a) no NotContacted remain and nothing is in flight, (b) the K closest
// candidates are all Succeeded, or (c) the global deadline elapsed.
func (q *Query) Finished() bool {
	if time.Since(q.started) > q.queryTimeout {
		return true
	}
	q.expireDeadlines()

	anyWaiting := false
	anyNotContacted := false
	for _, p := range q.peers {
		switch p.state {
		case Waiting:
			anyWaiting = true
		case NotContacted:
			anyNotContacted = true
		}
	}
	if !anyWaiting && !anyNotContacted {
		return true
	}

	if q.Target.Kind == KindPredicate {
		passed := 0
		for _, id := range q.order {
			if q.peers[id].state != Succeeded {
				continue
			}
			if r, ok := q.untrusted[id]; ok && q.Target.Predicate != nil && !q.Target.Predicate(r) {
				continue
			}
			passed++
		}
		return passed >= q.k
	}

	return q.kClosestSucceeded()
}

// kClosestSucceeded reports whether the q.k currently-known closest
// candidates are all Succeeded. Farther candidates may still be
// NotContacted or Waiting without preventing termination -- once the
// closest K have all answered, nothing closer remains to ask.
func (q *Query) kClosestSucceeded() bool {
	if len(q.order) < q.k {
		return false
	}
	for _, id := range q.order[:q.k] {
		if q.peers[id].state != Succeeded {
			return false
		}
	}
	return true
}

// Result returns the K (or num_results) closest Succeeded peers, ordered by
// ascending XOR distance to target.
func (q *Query) Result() []enode.NodeID {
	out := make([]enode.NodeID, 0, q.k)
	for _, id := range q.order {
		p := q.peers[id]
		if p.state != Succeeded {
			continue
		}
		if q.Target.Kind == KindPredicate {
			r, ok := q.untrusted[id]
			if ok && q.Target.Predicate != nil && !q.Target.Predicate(r) {
				continue
			}
		}
		out = append(out, id)
		if len(out) >= q.k {
			break
		}
	}
	return out
}
