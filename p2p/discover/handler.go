// handler.go defines the contract of the session handler: the out-of-scope
// collaborator that owns UDP I/O, the Whoareyou challenge, and AES-GCM
// session establishment (spec.md §1, §5). The core only depends on this
// channel-shaped contract, never on the handler's internals.
package discover

import (
	"github.com/yaanhyy/discv5/p2p/enode"
	"github.com/yaanhyy/discv5/p2p/enr"
)

// HandlerEventKind tags a HandlerEvent's variant.
type HandlerEventKind int

const (
	HandlerEstablished HandlerEventKind = iota
	HandlerRequest
	HandlerResponse
	HandlerWhoAreYou
	HandlerRequestFailed
)

// HandlerEvent is a single event delivered by the handler to the service
// loop over the bidirectional handler channel (spec.md §1, §5).
type HandlerEvent struct {
	Kind HandlerEventKind

	// Established.
	Enr *enr.Record

	// Request / Response / RequestFailed share an address.
	From enode.NodeAddress

	Request  *Request
	Response *Response

	// WhoAreYou carries an opaque reference the handler expects back via
	// WhoAreYouReply once the service has looked up the peer's known ENR.
	WhoAreYouRef uint64

	// RequestFailed.
	FailedID     RequestID
	FailedReason error
}

// HandlerCommandKind tags a HandlerCommand's variant.
type HandlerCommandKind int

const (
	HandlerSendRequest HandlerCommandKind = iota
	HandlerSendResponse
	HandlerWhoAreYouReply
)

// HandlerCommand is a single command the service loop sends to the handler.
type HandlerCommand struct {
	Kind HandlerCommandKind

	To enode.NodeAddress

	Request  *Request
	Response *Response

	WhoAreYouRef uint64
	KnownEnr     *enr.Record // nil if unknown, per spec.md's WhoAreYou handling
}

// Handler is the channel-shaped contract the service loop talks to. Both
// channels are bounded (capacity ~30, per spec.md §5) and owned by the
// caller that wires a concrete UDP transport behind them; this core never
// constructs a Handler itself.
type Handler struct {
	Commands chan<- HandlerCommand
	Events   <-chan HandlerEvent
}

// HandlerChannelCapacity is the default bound for both directions of the
// handler channel pair (spec.md §5).
const HandlerChannelCapacity = 30
