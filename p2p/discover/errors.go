package discover

import "errors"

// Error taxonomy (spec.md §7). Local recovery is the default: the service
// loop never crashes on a peer-induced fault, so these are recorded and
// acted on locally rather than propagated to the caller except where noted.
var (
	// ErrRequestFailed surfaces a handler-reported transport/session
	// failure (RequestError); treated as a soft failure for the peer.
	ErrRequestFailed = errors.New("discover: request failed")

	// ErrProtocolViolation marks a response whose body kind did not match
	// its request, or whose ENRs violated the declared distance.
	ErrProtocolViolation = errors.New("discover: protocol violation")

	// ErrQueryTimeout marks a query that hit its global deadline.
	ErrQueryTimeout = errors.New("discover: query timed out")

	// ErrUnknownPeer is logged when a Ping arrives from a peer with no
	// routing-table entry; the service loop drops the request.
	ErrUnknownPeer = errors.New("discover: unknown peer")

	// ErrTableFull is logged when Insert reports Full for a discovered
	// record; the service loop drops the record.
	ErrTableFull = errors.New("discover: bucket full")

	// ErrServiceClosed is returned by the discv5.Discv5 lookup methods once
	// Close has been called.
	ErrServiceClosed = errors.New("discover: service closed")
)
