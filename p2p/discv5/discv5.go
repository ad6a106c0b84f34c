// Package discv5 is the public-facing entry point: a thin façade over
// discover.Service that owns nothing itself beyond the channels needed to
// talk to the service loop. Callers construct a Discv5, Start it, and issue
// lookups through its methods; all state (routing table, active queries,
// IP votes) lives in the Service goroutine (spec.md §12).
package discv5

import (
	"context"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/yaanhyy/discv5/p2p/discover"
	"github.com/yaanhyy/discv5/p2p/enode"
	"github.com/yaanhyy/discv5/p2p/enr"
)

// ErrNotStarted is returned by calls made before Start.
var ErrNotStarted = errors.New("discv5: service not started")

// Discv5 is the library's top-level handle.
type Discv5 struct {
	cfg     *discover.Config
	key     *secp256k1.PrivateKey
	localEnr *enr.Record
	handler discover.Handler

	svc    *discover.Service
	closed bool
}

// New builds a Discv5 instance. handler is the channel pair to an externally
// owned UDP session handler (out of scope for this package; see
// discover.Handler's doc comment).
func New(cfg *discover.Config, key *secp256k1.PrivateKey, localEnr *enr.Record, handler discover.Handler) (*Discv5, error) {
	if cfg == nil {
		d := discover.DefaultConfig()
		cfg = &d
	}
	if localEnr == nil {
		return nil, errors.New("discv5: localEnr must not be nil")
	}
	return &Discv5{cfg: cfg, key: key, localEnr: localEnr, handler: handler}, nil
}

// Start spins up the background service loop. Safe to call once.
func (d *Discv5) Start() {
	d.svc = discover.NewService(d.cfg, d.key, d.localEnr, d.handler, nil)
	go d.svc.Start()
}

// Close stops the background service loop. Once Close has been called,
// every lookup method returns discover.ErrServiceClosed.
func (d *Discv5) Close() {
	if d.svc != nil {
		d.svc.Stop()
	}
	d.closed = true
}

// LocalNode returns a snapshot of the current local ENR.
func (d *Discv5) LocalNode() *enr.Record {
	if d.svc == nil {
		return d.localEnr.Clone()
	}
	return d.svc.LocalENR()
}

// TableEntries returns the current number of routing-table entries.
func (d *Discv5) TableEntries() int {
	if d.svc == nil {
		return 0
	}
	return d.svc.TableEntries()
}

// FindNode performs an iterative lookup for target, returning up to K
// records ordered by ascending distance (spec.md's core FindNode operation).
func (d *Discv5) FindNode(ctx context.Context, target enode.NodeID) ([]*enr.Record, error) {
	return d.FindNodePredicate(ctx, target, nil, 0)
}

// FindNodePredicate performs a predicate-filtered lookup: the query only
// terminates once numResults records satisfying pred have been found (or its
// candidates are exhausted, or the query times out).
func (d *Discv5) FindNodePredicate(ctx context.Context, target enode.NodeID, pred func(*enr.Record) bool, numResults int) ([]*enr.Record, error) {
	if d.closed {
		return nil, discover.ErrServiceClosed
	}
	if d.svc == nil {
		return nil, ErrNotStarted
	}
	qt := discover.QueryTarget{Kind: discover.KindFindNode, TargetID: target}
	if pred != nil {
		qt.Kind = discover.KindPredicate
		qt.Predicate = pred
		qt.NumResults = numResults
	}

	reply := make(chan []*enr.Record, 1)
	req := discover.UserRequest{Kind: discover.ReqStartQuery, Target: qt, ReplyQuery: reply}

	select {
	case d.svc.UserRequests() <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case records := <-reply:
		return records, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FindEnr fetches contact's own signed record directly via a distance:0
// FindNode RPC, bypassing query aggregation (spec.md's FindEnr operation).
func (d *Discv5) FindEnr(ctx context.Context, contact enode.NodeContact) (*enr.Record, error) {
	if d.closed {
		return nil, discover.ErrServiceClosed
	}
	if d.svc == nil {
		return nil, ErrNotStarted
	}
	reply := make(chan *enr.Record, 1)
	req := discover.UserRequest{Kind: discover.ReqFindEnr, Contact: contact, ReplyEnr: reply}

	select {
	case d.svc.UserRequests() <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-reply:
		if r == nil {
			return nil, fmt.Errorf("discv5: no record returned for %s", contact.NodeID())
		}
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EventStream requests the (lossy) event channel; subsequent calls return
// the same channel once one has been created.
func (d *Discv5) EventStream(ctx context.Context) (<-chan discover.Event, error) {
	if d.closed {
		return nil, discover.ErrServiceClosed
	}
	if d.svc == nil {
		return nil, ErrNotStarted
	}
	reply := make(chan (<-chan discover.Event), 1)
	req := discover.UserRequest{Kind: discover.ReqRequestEventStream, ReplyStream: reply}

	select {
	case d.svc.UserRequests() <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case ch := <-reply:
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
