// service.go implements the single-writer service loop: the orchestrator
// that multiplexes user requests, handler events, periodic maintenance and
// query progression, and owns active_requests, the routing table and the
// IP-vote pool (spec.md component F, grounded on the post-refactor
// message-passing Service of original_source/src/service.rs, the design
// this specification's resolved open question adopts).
package discover

import (
	"net"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/yaanhyy/discv5/log"
	"github.com/yaanhyy/discv5/metrics"
	"github.com/yaanhyy/discv5/p2p/enode"
	"github.com/yaanhyy/discv5/p2p/enr"
)

// activeRequest is the service loop's bookkeeping for one outstanding RPC,
// keyed by RequestID (spec.md's ActiveRequest).
type activeRequest struct {
	peerID      enode.NodeID
	requestBody RequestBody
	queryID     *QueryID
	returnPeer  ReturnPeer
	// callback is set only for FindEnr's single-shot distance:0 request,
	// which bypasses the normal query-aggregation path.
	callback chan<- *enr.Record
}

// UserRequestKind tags a UserRequest's variant.
type UserRequestKind int

const (
	ReqStartQuery UserRequestKind = iota
	ReqFindEnr
	ReqRequestEventStream
)

// UserRequest is a command the public-facing API façade sends into the
// service loop (spec.md §4.5's "user_request").
type UserRequest struct {
	Kind UserRequestKind

	Target  QueryTarget     // StartQuery
	Contact enode.NodeContact // FindEnr

	ReplyQuery  chan []*enr.Record
	ReplyEnr    chan *enr.Record
	ReplyStream chan (<-chan Event)
}

// Service is the orchestrator: the single task that owns all mutable
// discovery state. All exported methods other than the local-ENR readers
// are only safe to call from the goroutine Start spawns; external callers
// interact exclusively through the channels below.
type Service struct {
	cfg *Config

	localID enode.NodeID
	enrMu   sync.RWMutex
	localEnr *enr.Record
	localKey *secp256k1.PrivateKey

	table     *Table
	pool      *Pool
	ipVote    *IPVote
	blacklist *Blacklist

	activeRequests map[RequestID]*activeRequest
	nodesResponses map[RequestID]*nodesAccumulator

	handler Handler

	userRequests chan UserRequest
	exit         chan struct{}
	eventStream  chan Event

	pendingReplies []pendingReply

	nextQueryIDCounter QueryID

	log     *log.Logger
	metrics *metrics.Registry

	queriesStarted  *metrics.Counter
	requestsInFlight *metrics.Gauge
	tableSize       *metrics.Gauge
}

// NewService constructs a Service. handler is the channel pair to an
// externally owned session handler (spec.md's out-of-scope collaborator).
func NewService(cfg *Config, localKey *secp256k1.PrivateKey, localEnr *enr.Record, handler Handler, reg *metrics.Registry) *Service {
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	localID := enode.NodeID(localEnr.NodeID())
	s := &Service{
		cfg:            cfg,
		localID:        localID,
		localEnr:       localEnr,
		localKey:       localKey,
		table:          NewTable(localID, cfg.IPLimit, cfg.IPLimitCount, cfg.TableFilter),
		pool:           NewPool(),
		ipVote:         NewIPVote(int(cfg.EnrPeerUpdateMin)),
		blacklist:      NewBlacklist(),
		activeRequests: make(map[RequestID]*activeRequest),
		nodesResponses: make(map[RequestID]*nodesAccumulator),
		handler:        handler,
		userRequests:   make(chan UserRequest, HandlerChannelCapacity),
		exit:           make(chan struct{}),
		log:            log.Default().Module("service"),
		metrics:        reg,
	}
	s.queriesStarted = reg.Counter("discv5.queries_started")
	s.requestsInFlight = reg.Gauge("discv5.requests_in_flight")
	s.tableSize = reg.Gauge("discv5.table_size")
	return s
}

// UserRequests returns the channel callers send UserRequest on.
func (s *Service) UserRequests() chan<- UserRequest { return s.userRequests }

// Stop signals the service loop to exit.
func (s *Service) Stop() { close(s.exit) }

// TableEntries returns the current number of routing-table entries.
func (s *Service) TableEntries() int {
	return len(s.table.Iter())
}

// LocalENR returns a snapshot of the current local record under a read
// lock, the only state shared outside the service-loop task (spec.md §5:
// "the only cross-task sharing is a reader lock on the local ENR").
func (s *Service) LocalENR() *enr.Record {
	s.enrMu.RLock()
	defer s.enrMu.RUnlock()
	return s.localEnr.Clone()
}

// Start runs the service loop until Stop is called or exit fires. It is
// meant to be launched with `go svc.Start()`.
func (s *Service) Start() {
	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	maintenance := time.NewTicker(200 * time.Millisecond)
	defer maintenance.Stop()

	for {
		select {
		case <-s.exit:
			s.log.Info("service loop exiting")
			return

		case req := <-s.userRequests:
			s.handleUserRequest(req)

		case ev, ok := <-s.handler.Events:
			if !ok {
				return
			}
			s.handleHandlerEvent(ev)

		case <-pingTicker.C:
			s.pingConnectedPeers()

		case <-maintenance.C:
			s.bucketMaintenancePoll()
			s.queryEventPoll()
		}

		// Drain query progression after every event, not just on the
		// maintenance tick, so a StartQuery's first RPCs go out promptly.
		s.queryEventPoll()
	}
}

// --- user request handling --------------------------------------------

func (s *Service) handleUserRequest(req UserRequest) {
	switch req.Kind {
	case ReqStartQuery:
		s.startQuery(req.Target, req.ReplyQuery)
	case ReqFindEnr:
		s.findEnr(req.Contact, req.ReplyEnr)
	case ReqRequestEventStream:
		if s.eventStream == nil {
			s.eventStream = make(chan Event, HandlerChannelCapacity)
		}
		req.ReplyStream <- s.eventStream
	}
}

// startQuery builds a Query seeded from closest_keys[_predicate](target)
// and hands it to the pool (spec.md §4.5 "StartQuery").
func (s *Service) startQuery(target QueryTarget, reply chan []*enr.Record) {
	s.queriesStarted.Inc()
	id := s.nextQueryID()

	n := BucketSize
	if target.Kind == KindPredicate && target.NumResults > 0 {
		n = target.NumResults
	}
	var seed []enode.NodeID
	if target.Kind == KindPredicate {
		seed = s.table.ClosestKeysPredicate(KeyFromID(target.TargetID), n, func(id enode.NodeID) bool {
			rec := s.table.Record(id)
			return rec != nil && target.Predicate(rec)
		})
	} else {
		seed = s.table.ClosestKeys(KeyFromID(target.TargetID), n)
	}

	q := NewQuery(id, s.localID, target, seed, s.cfg.QueryParallelism, s.cfg.QueryPeerTimeout, s.cfg.QueryTimeout)
	s.pool.AddQuery(q)
	s.pendingReplies = append(s.pendingReplies, pendingReply{id: id, reply: reply})
}

type pendingReply struct {
	id    QueryID
	reply chan []*enr.Record
}

// findEnr issues a FindNode{distance:0} RPC whose response delivers the
// target's own signed record directly to reply, bypassing the normal
// aggregation path (spec.md §4.5 "FindEnr").
func (s *Service) findEnr(contact enode.NodeContact, reply chan *enr.Record) {
	id := NewRequestID()
	body := RequestBody{Kind: ReqFindNode, Distance: 0}
	s.activeRequests[id] = &activeRequest{peerID: contact.NodeID(), requestBody: body, callback: reply}
	s.sendRPCRequest(contact.NodeAddress(), Request{ID: id, Body: body})
}

func (s *Service) nextQueryID() QueryID {
	s.nextQueryIDCounter++
	return s.nextQueryIDCounter
}

// --- handler event handling ---------------------------------------------

func (s *Service) handleHandlerEvent(ev HandlerEvent) {
	switch ev.Kind {
	case HandlerEstablished:
		s.connectionEstablished(ev.Enr)
	case HandlerRequest:
		s.handleRPCRequest(ev.From, *ev.Request)
	case HandlerResponse:
		s.handleRPCResponse(ev.From, *ev.Response)
	case HandlerWhoAreYou:
		s.handleWhoAreYou(ev.From, ev.WhoAreYouRef)
	case HandlerRequestFailed:
		s.rpcFailure(ev.FailedID, ev.FailedReason)
	}
}

// handleRPCRequest answers an incoming Request (spec.md §4.5 "Incoming Request").
func (s *Service) handleRPCRequest(from enode.NodeAddress, req Request) {
	switch req.Body.Kind {
	case ReqFindNode:
		s.respondFindNode(from, req)
	case ReqPing:
		s.respondPing(from, req)
	default:
		// Talk/RegisterTopic/... are contract-only, not implemented.
	}
}

func (s *Service) respondFindNode(from enode.NodeAddress, req Request) {
	d := req.Body.Distance
	var records []*enr.Record
	if d == 0 {
		records = []*enr.Record{s.LocalENR()}
	} else {
		records = s.table.NodesByDistance(int(d))
	}

	fragments := SplitNodes(records)
	total := uint64(len(fragments))
	for _, frag := range fragments {
		resp := Response{ID: req.ID, Body: ResponseBody{Kind: ReqFindNode, Total: total, Nodes: frag}}
		s.sendRPCResponse(from, resp)
	}
}

func (s *Service) respondPing(from enode.NodeAddress, req Request) {
	// If the peer is unknown (no kbucket entry), silently drop the Ping --
	// protects against forged sessions (spec.md §4.5).
	if s.table.Entry(from.NodeID) == Absent {
		s.log.Debug("dropping ping from unknown peer", "peer", from.String(), "err", ErrUnknownPeer)
		return
	}

	observedIP := from.SocketAddr.IP
	observedPort := uint16(from.SocketAddr.Port)

	localEnr := s.LocalENR()
	resp := Response{ID: req.ID, Body: ResponseBody{
		Kind:         ReqPing,
		EnrSeq:       localEnr.Seq,
		ObservedIP:   observedIP,
		ObservedPort: observedPort,
	}}
	s.sendRPCResponse(from, resp)

	// If the local view of the peer's ENR is stale, schedule a refresh.
	stored := s.table.Record(from.NodeID)
	if stored == nil || stored.Seq < req.Body.EnrSeq {
		s.requestEnrRefresh(from)
	}
}

func (s *Service) requestEnrRefresh(addr enode.NodeAddress) {
	id := NewRequestID()
	body := RequestBody{Kind: ReqFindNode, Distance: 0}
	s.activeRequests[id] = &activeRequest{peerID: addr.NodeID, requestBody: body}
	s.sendRPCRequest(addr, Request{ID: id, Body: body})
}

// handleRPCResponse validates and dispatches an incoming Response
// (spec.md §4.5 "Incoming Response").
func (s *Service) handleRPCResponse(from enode.NodeAddress, resp Response) {
	ar, ok := s.activeRequests[resp.ID]
	if !ok {
		return
	}
	if !MatchRequest(ar.requestBody, resp.Body) {
		s.log.Warn("banning peer for mismatched response", "peer", from.String(), "err", ErrProtocolViolation)
		s.blacklist.Ban(from)
		delete(s.activeRequests, resp.ID)
		return
	}

	switch resp.Body.Kind {
	case ReqFindNode:
		s.handleNodesResponse(from, resp.ID, ar, resp.Body)
	case ReqPing:
		s.handlePongResponse(from, ar, resp.Body)
		delete(s.activeRequests, resp.ID)
	}
}

func (s *Service) handleNodesResponse(from enode.NodeAddress, id RequestID, ar *activeRequest, body ResponseBody) {
	if body.Total > MaxNodesFragments {
		s.log.Warn("nodes response exceeds fragment bound", "total", body.Total, "peer", from.String())
	}

	distance := ar.requestBody.Distance
	var accepted []*enr.Record
	violated := false
	for _, r := range body.Nodes {
		rid := enode.NodeID(r.NodeID())
		if distance == 0 {
			if rid != from.NodeID {
				violated = true
				continue
			}
		} else {
			d := logDistance(KeyFromID(from.NodeID), KeyFromID(rid))
			if uint64(d) != distance {
				violated = true
				continue
			}
		}
		accepted = append(accepted, r)
	}
	if violated {
		s.log.Warn("banning peer for a distance-violating nodes response", "peer", from.String(), "err", ErrProtocolViolation)
		s.blacklist.Ban(from)
	}

	// FindEnr's single-shot callback bypasses the normal aggregation path.
	if ar.callback != nil {
		delete(s.activeRequests, id)
		if len(accepted) > 0 {
			ar.callback <- accepted[0]
		} else {
			ar.callback <- nil
		}
		close(ar.callback)
		return
	}

	acc, exists := s.nodesResponses[id]
	if !exists {
		acc = &nodesAccumulator{total: body.Total, distance: distance, fromPeer: from}
		s.nodesResponses[id] = acc
	}
	acc.received = append(acc.received, accepted...)
	acc.fragmentsReceived++

	if acc.fragmentsReceived >= minU64(body.Total, MaxNodesFragments) {
		delete(s.nodesResponses, id)
		delete(s.activeRequests, id)
		s.discovered(from.NodeID, acc.received, ar.queryID)
	}
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func (s *Service) handlePongResponse(from enode.NodeAddress, ar *activeRequest, body ResponseBody) {
	if s.cfg.EnrUpdate {
		s.ipVote.Insert(from.NodeID, net.UDPAddr{IP: body.ObservedIP, Port: int(body.ObservedPort)})
		if maj, ok := s.ipVote.Majority(); ok {
			local := s.LocalENR()
			if enr.UDP(local) != uint16(maj.Port) || !enr.IP(local).Equal(maj.IP) {
				s.updateLocalSocket(maj)
				s.emitEvent(Event{Kind: EventSocketUpdated, Socket: maj})
				s.pingConnectedPeers()
			}
		}
	}

	stored := s.table.Record(from.NodeID)
	if stored == nil || stored.Seq < body.EnrSeq {
		s.requestEnrRefresh(from)
	}

	s.table.Update(from.NodeID, Connected)
}

// updateLocalSocket rewrites the local ENR's UDP endpoint, incrementing
// its seq (spec.md §4.5 "IP rotation").
func (s *Service) updateLocalSocket(addr net.UDPAddr) {
	s.enrMu.Lock()
	defer s.enrMu.Unlock()
	enr.SetIP(s.localEnr, addr.IP)
	enr.SetUDP(s.localEnr, uint16(addr.Port))
	s.localEnr.SetSeq(s.localEnr.Seq + 1)
	if s.localKey != nil {
		_ = EnrSign(s.localEnr, s.localKey)
	}
}

// EnrSign is a small indirection so tests can swap in a stub signer; in
// production it simply calls enr.SignENR.
var EnrSign = enr.SignENR

func (s *Service) handleWhoAreYou(from enode.NodeAddress, ref uint64) {
	known := s.table.Record(from.NodeID)
	s.handler.Commands <- HandlerCommand{
		Kind:         HandlerWhoAreYouReply,
		To:           from,
		WhoAreYouRef: ref,
		KnownEnr:     known,
	}
}

// rpcFailure removes the active request; if it was a FindNode with
// partially aggregated results those are still delivered to discovered();
// the failure propagates to the associated query, and the peer is
// downgraded to Disconnected (spec.md §4.5 "RequestFailed").
func (s *Service) rpcFailure(id RequestID, reason error) {
	ar, ok := s.activeRequests[id]
	if !ok {
		return
	}
	delete(s.activeRequests, id)

	if reason == nil {
		reason = ErrRequestFailed
	}
	s.log.Debug("rpc request failed", "peer", ar.peerID.String(), "err", reason)

	if acc, exists := s.nodesResponses[id]; exists {
		delete(s.nodesResponses, id)
		if len(acc.received) > 0 {
			s.discovered(ar.peerID, acc.received, ar.queryID)
		}
	}

	if ar.callback != nil {
		ar.callback <- nil
		close(ar.callback)
	}

	if ar.queryID != nil {
		if q := s.pool.Get(*ar.queryID); q != nil {
			q.OnFailure(ar.returnPeer.NodeID)
		}
	}

	s.table.Update(ar.peerID, Disconnected)
}

// connectionEstablished informs the routing table that id is Connected,
// inserting it if absent, then sends an initial Ping
// (spec.md §4.5 "Established(Enr)").
func (s *Service) connectionEstablished(record *enr.Record) {
	id := enode.NodeID(record.NodeID())
	res := s.table.Insert(id, record, Connected)
	switch res {
	case Inserted:
		s.emitEvent(Event{Kind: EventNodeInserted, NodeID: id})
	case Pending:
		s.log.Info("candidate pending promotion", "id", id.String())
	}
	s.sendPing(s.resolveAddr(id))
}

// --- periodic maintenance -------------------------------------------------

func (s *Service) pingConnectedPeers() {
	for _, id := range s.table.IterConnected() {
		s.sendPing(s.resolveAddr(id))
	}
}

// resolveAddr fills in the socket address of id from its stored record, if
// known. The zero net.UDPAddr otherwise leaves dispatch to the handler,
// which tracks sessions by node id for already-established peers.
func (s *Service) resolveAddr(id enode.NodeID) enode.NodeAddress {
	addr := enode.NodeAddress{NodeID: id}
	if rec := s.table.Record(id); rec != nil {
		if ip := enr.IP(rec); ip != nil {
			addr.SocketAddr = net.UDPAddr{IP: ip, Port: int(enr.UDP(rec))}
		}
	}
	return addr
}

func (s *Service) sendPing(addr enode.NodeAddress) {
	id := NewRequestID()
	body := RequestBody{Kind: ReqPing, EnrSeq: s.LocalENR().Seq}
	s.activeRequests[id] = &activeRequest{peerID: addr.NodeID, requestBody: body}
	s.sendRPCRequest(addr, Request{ID: id, Body: body})
}

func (s *Service) bucketMaintenancePoll() {
	for _, ap := range s.table.TakeAppliedPending() {
		s.emitEvent(Event{Kind: EventNodeInserted, NodeID: ap.Inserted, Replaced: &ap.Evicted})
	}
	s.tableSize.Set(int64(len(s.table.Iter())))
}

func (s *Service) queryEventPoll() {
	for {
		st := s.pool.Poll()
		switch st.Kind {
		case PoolIdle, PoolWaitingNone:
			return
		case PoolWaiting:
			for _, peer := range st.Peers {
				s.dispatchQueryRequest(st.Query, peer)
			}
		case PoolFinished:
			s.finishQuery(st.Query)
		case PoolTimeout:
			s.log.Debug("query timed out with no results", "query_id", st.Query.ID, "err", ErrQueryTimeout)
			s.finishQuery(st.Query)
		}
	}
}

func (s *Service) dispatchQueryRequest(q *Query, peer ReturnPeer) {
	addr := s.resolveAddr(peer.NodeID)
	id := NewRequestID()
	body := RequestBody{Kind: ReqFindNode, Distance: uint64(peer.Distance)}
	qid := q.ID
	s.activeRequests[id] = &activeRequest{peerID: peer.NodeID, requestBody: body, queryID: &qid, returnPeer: peer}
	s.sendRPCRequest(addr, Request{ID: id, Body: body})
}

func (s *Service) finishQuery(q *Query) {
	result := q.Result()
	var records []*enr.Record
	for _, id := range result {
		if r := s.table.Record(id); r != nil {
			records = append(records, r)
		}
	}
	s.emitEvent(Event{Kind: EventFindNodeResult, QueryID: q.ID, CloserPeers: result})

	for i, pr := range s.pendingReplies {
		if pr.id == q.ID {
			pr.reply <- records
			close(pr.reply)
			s.pendingReplies = append(s.pendingReplies[:i], s.pendingReplies[i+1:]...)
			break
		}
	}
}

// discovered admits newly-seen records into the routing table, subject to
// the table filter and IP-quota preflight, then forwards them to the
// originating query if any (spec.md §4.5 "discovered()").
func (s *Service) discovered(from enode.NodeID, records []*enr.Record, queryID *QueryID) {
	var kept []*enr.Record
	for _, r := range records {
		id := enode.NodeID(r.NodeID())
		if id == s.localID {
			continue
		}
		if !s.cfg.TableFilter(r) {
			continue
		}
		if !s.table.Check(id, r, nil) {
			continue
		}
		existing := s.table.Record(id)
		if existing != nil && existing.Seq >= r.Seq {
			kept = append(kept, r)
			continue
		}
		res := s.table.Insert(id, r, Disconnected)
		switch res {
		case Inserted:
			s.emitEvent(Event{Kind: EventEnrAdded, Record: r, NodeID: id})
		case Full:
			s.log.Debug("discovered record dropped, bucket full", "id", id.String(), "err", ErrTableFull)
		}
		s.emitEvent(Event{Kind: EventDiscovered, Record: r})
		kept = append(kept, r)
	}

	if queryID != nil {
		if q := s.pool.Get(*queryID); q != nil {
			q.OnSuccess(from, kept)
		}
	}
}

// --- outbound plumbing ------------------------------------------------

func (s *Service) sendRPCRequest(addr enode.NodeAddress, req Request) {
	s.requestsInFlight.Set(int64(len(s.activeRequests)))
	s.sendRPCQuery(addr, req)
}

func (s *Service) sendRPCQuery(addr enode.NodeAddress, req Request) {
	select {
	case s.handler.Commands <- HandlerCommand{Kind: HandlerSendRequest, To: addr, Request: &req}:
	default:
		s.log.Warn("handler command channel full, dropping outbound request", "to", addr.String())
	}
}

func (s *Service) sendRPCResponse(addr enode.NodeAddress, resp Response) {
	select {
	case s.handler.Commands <- HandlerCommand{Kind: HandlerSendResponse, To: addr, Response: &resp}:
	default:
		s.log.Warn("handler command channel full, dropping outbound response", "to", addr.String())
	}
}

// emitEvent delivers ev to the event stream if one has been requested and
// has capacity; a full channel silently drops the event, matching
// spec.md §5's "stream consumer is presumed lossy".
func (s *Service) emitEvent(ev Event) {
	if s.eventStream == nil {
		return
	}
	select {
	case s.eventStream <- ev:
	default:
	}
}
