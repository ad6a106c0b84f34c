// ipvote.go implements the external-socket IP-vote tally: mode-finding
// over peer-reported sockets with a minimum-support threshold
// (spec.md component A).
package discover

import (
	"net"

	"github.com/yaanhyy/discv5/p2p/enode"
)

// IPVote tallies the most recent socket each peer has reported seeing us
// at, and surfaces the majority socket once enough distinct peers agree.
type IPVote struct {
	minSupport int
	votes      map[enode.NodeID]net.UDPAddr
	// firstSeen records insertion order per socket, to break ties by
	// first-seen (spec.md §4.4).
	firstSeen map[string]int
	seq       int
}

// NewIPVote creates an IPVote requiring minSupport distinct votes before
// Majority can return a result.
func NewIPVote(minSupport int) *IPVote {
	return &IPVote{
		minSupport: minSupport,
		votes:      make(map[enode.NodeID]net.UDPAddr),
		firstSeen:  make(map[string]int),
	}
}

// Insert records node's vote for addr, replacing any previous vote from
// the same node (one vote per id).
func (v *IPVote) Insert(node enode.NodeID, addr net.UDPAddr) {
	v.votes[node] = addr
	key := addr.String()
	if _, ok := v.firstSeen[key]; !ok {
		v.seq++
		v.firstSeen[key] = v.seq
	}
}

// Majority returns the socket with the highest vote count, provided that
// count is >= minSupport. Ties are broken by first-seen order.
func (v *IPVote) Majority() (net.UDPAddr, bool) {
	counts := make(map[string]int)
	addrs := make(map[string]net.UDPAddr)
	for _, a := range v.votes {
		key := a.String()
		counts[key]++
		addrs[key] = a
	}

	var bestKey string
	bestCount := 0
	bestSeen := int(^uint(0) >> 1)
	for key, count := range counts {
		if count > bestCount || (count == bestCount && v.firstSeen[key] < bestSeen) {
			bestKey = key
			bestCount = count
			bestSeen = v.firstSeen[key]
		}
	}

	if bestCount < v.minSupport {
		return net.UDPAddr{}, false
	}
	return addrs[bestKey], true
}

// Len reports the number of distinct voters currently tracked, bounded by
// routing table cardinality per spec.md §4.4.
func (v *IPVote) Len() int { return len(v.votes) }
