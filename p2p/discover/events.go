package discover

import (
	"net"

	"github.com/yaanhyy/discv5/p2p/enode"
	"github.com/yaanhyy/discv5/p2p/enr"
)

// EventKind tags an Event's variant.
type EventKind int

const (
	EventDiscovered EventKind = iota
	EventEnrAdded
	EventNodeInserted
	EventSocketUpdated
	EventFindNodeResult
)

// Event is surfaced to callers over the (possibly lossy) event stream
// (spec.md §6 "Events surfaced to callers").
type Event struct {
	Kind EventKind

	Record *enr.Record // Discovered, EnrAdded

	NodeID   enode.NodeID // EnrAdded, NodeInserted
	Replaced *enode.NodeID // EnrAdded, NodeInserted

	Socket net.UDPAddr // SocketUpdated

	QueryID     QueryID // FindNodeResult
	CloserPeers []enode.NodeID
}
