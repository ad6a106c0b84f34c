// rpc.go defines the RPC model the service loop exchanges with the
// (out-of-scope) session handler: Request/Response envelopes, body
// variants, and NODES-response fragmentation (spec.md component H, §6).
package discover

import (
	"crypto/rand"
	"encoding/binary"
	"net"

	"github.com/yaanhyy/discv5/p2p/enode"
	"github.com/yaanhyy/discv5/p2p/enr"
)

// RequestID is a random 64-bit id used to correlate a Request with its
// eventual Response or RequestFailed.
type RequestID uint64

// NewRequestID generates a random RequestID.
func NewRequestID() RequestID {
	var b [8]byte
	rand.Read(b[:])
	return RequestID(binary.BigEndian.Uint64(b[:]))
}

// RequestBody is the body of an outgoing/incoming Request. Only Ping and
// FindNode are implemented by the core; Talk/RegisterTopic and friends are
// represented by their tag alone since the core never issues or answers them.
type RequestBody struct {
	Kind     RequestKind
	EnrSeq   uint64 // Ping
	Distance uint64 // FindNode
}

// RequestKind tags the RequestBody variant.
type RequestKind int

const (
	ReqPing RequestKind = iota
	ReqFindNode
	ReqOther // Talk, RegisterTopic, TopicQuery, ... -- contract-only, unimplemented
)

// ResponseBody is the body of a Response.
type ResponseBody struct {
	Kind RequestKind // Pong pairs with ReqPing, Nodes pairs with ReqFindNode

	// Pong fields.
	EnrSeq       uint64
	ObservedIP   net.IP
	ObservedPort uint16

	// Nodes fields.
	Total uint64
	Nodes []*enr.Record
}

// Request is an outgoing or incoming RPC request.
type Request struct {
	ID   RequestID
	Body RequestBody
}

// Response is an outgoing or incoming RPC response.
type Response struct {
	ID   RequestID
	Body ResponseBody
}

// MatchRequest reports whether resp is a structurally valid reply to req:
// Pong pairs with Ping, Nodes pairs with FindNode.
func MatchRequest(req RequestBody, resp ResponseBody) bool {
	return req.Kind == resp.Kind && (req.Kind == ReqPing || req.Kind == ReqFindNode)
}

// MaxPacketSize is the maximum UDP datagram size the handler will send.
const MaxPacketSize = 1280

// NodesResponseOverhead is the 92-byte per-packet budget consumed by the
// handler's framing: tag(32) + auth_tag(12) + id(8) + total(8) + HMAC(16)
// + AES-GCM expansion margin(16) (spec.md §6).
const NodesResponseOverhead = 92

// MaxNodesFragments bounds the number of NODES packets a single FindNode
// response may be split across.
const MaxNodesFragments = 5

// SplitNodes greedily packs records into fragments whose encoded size each
// stay within MaxPacketSize - NodesResponseOverhead bytes, bounded at
// MaxNodesFragments fragments. An empty input yields one empty fragment
// with Total=1.
func SplitNodes(records []*enr.Record) [][]*enr.Record {
	budget := MaxPacketSize - NodesResponseOverhead

	if len(records) == 0 {
		return [][]*enr.Record{{}}
	}

	var fragments [][]*enr.Record
	var current []*enr.Record
	size := 0
	for _, r := range records {
		enc, err := enr.EncodeENR(r)
		recSize := len(enc)
		if err != nil {
			recSize = enr.SizeLimit
		}
		if len(current) > 0 && size+recSize > budget {
			fragments = append(fragments, current)
			current = nil
			size = 0
			if len(fragments) == MaxNodesFragments {
				return fragments
			}
		}
		current = append(current, r)
		size += recSize
	}
	if len(current) > 0 {
		fragments = append(fragments, current)
	}
	if len(fragments) > MaxNodesFragments {
		fragments = fragments[:MaxNodesFragments]
	}
	return fragments
}

// nodesAccumulator is the per-sender accumulator for a multi-fragment NODES
// response (spec.md's "NodesResponse aggregation", bounded to 5 fragments).
// Completion is tracked by counting arrived fragments, not accumulated
// records: a single fragment carries at most one bucket's worth of
// records (BucketSize), so a record-count threshold scaled by Total would
// never be reachable once Total>1.
type nodesAccumulator struct {
	total             uint64
	fragmentsReceived uint64
	received          []*enr.Record
	distance          uint64 // the distance the originating FindNode requested, for filtering
	fromPeer          enode.NodeAddress
}
