// blacklist.go implements the permit/ban list spec.md §4.5/§7 describes:
// a per-Service, append-only set of NodeAddresses whose NODES responses
// were caught violating the declared distance filter.
package discover

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/yaanhyy/discv5/p2p/enode"
)

// Blacklist is the invalid-ENR reputation hook spec.md mentions as the only
// reputation mechanism the core carries ("a single-session invalid-ENR
// blacklist hook"). Each Service owns one, append-only for the lifetime of
// that Service; a production deployment would add expiry, which is explicitly
// out of scope for this core (spec.md §9).
type Blacklist struct {
	banned mapset.Set[enode.AddressKey]
}

// NewBlacklist creates an empty blacklist.
func NewBlacklist() *Blacklist {
	return &Blacklist{banned: mapset.NewSet[enode.AddressKey]()}
}

// Ban adds addr to the blacklist.
func (b *Blacklist) Ban(addr enode.NodeAddress) {
	b.banned.Add(addr.Key())
}

// IsBanned reports whether addr has been blacklisted.
func (b *Blacklist) IsBanned(addr enode.NodeAddress) bool {
	return b.banned.Contains(addr.Key())
}

// Len returns the number of banned addresses.
func (b *Blacklist) Len() int { return b.banned.Cardinality() }
