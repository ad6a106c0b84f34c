package enode

import (
	"fmt"
	"net"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/yaanhyy/discv5/p2p/enr"
)

// NodeAddress pairs a socket address with a node id, distinguishing
// sessions coming from different source ports for what is otherwise the
// same peer id. It is not comparable itself; Key gives the projection used
// as a map key.
type NodeAddress struct {
	SocketAddr net.UDPAddr
	NodeID     NodeID
}

// String renders the address as "<ip>:<port>/<node-id>".
func (a NodeAddress) String() string {
	return fmt.Sprintf("%s/%s", a.SocketAddr.String(), a.NodeID.String())
}

// AddressKey is a comparable projection of NodeAddress, since net.UDPAddr
// itself is not comparable (its IP field is a byte slice) and therefore
// cannot be used directly as a map key or set element.
type AddressKey struct {
	IP   [16]byte
	Port int
	ID   NodeID
}

// Key returns the comparable projection of a, suitable for use as a map key
// or in a generic set.
func (a NodeAddress) Key() AddressKey {
	var k AddressKey
	k.ID = a.NodeID
	k.Port = a.SocketAddr.Port
	ip := a.SocketAddr.IP
	if ip4 := ip.To4(); ip4 != nil {
		copy(k.IP[:4], ip4)
	} else {
		copy(k.IP[:], ip.To16())
	}
	return k
}

// NodeContact is the tagged union the service loop uses to address a peer
// before a signed record is known: either a Full signed ENR, or a Raw
// (public key, address) pair obtained out of band (e.g. a bootstrap entry)
// that has not yet completed a handshake. Only Full permits disseminating
// the record to other peers; Raw may only be used to initiate a session,
// after which the handler delivers an Established(Enr) event.
type NodeContact struct {
	full      *enr.Record
	publicKey *secp256k1.PublicKey
	address   NodeAddress
}

// NewFullNodeContact builds a NodeContact backed by a signed record.
func NewFullNodeContact(record *enr.Record, addr net.UDPAddr) (NodeContact, error) {
	id := NodeID(record.NodeID())
	return NodeContact{
		full:    record,
		address: NodeAddress{SocketAddr: addr, NodeID: id},
	}, nil
}

// NewRawNodeContact builds a NodeContact from a bare public key and address,
// used before any ENR has been exchanged.
func NewRawNodeContact(pubKey *secp256k1.PublicKey, addr net.UDPAddr) NodeContact {
	compressed := pubKey.SerializeCompressed()
	r := &enr.Record{}
	r.Set(enr.KeySecp256k1, compressed)
	id := NodeID(r.NodeID())
	return NodeContact{
		publicKey: pubKey,
		address:   NodeAddress{SocketAddr: addr, NodeID: id},
	}
}

// IsFull reports whether this contact carries a signed record.
func (c NodeContact) IsFull() bool { return c.full != nil }

// Record returns the signed record, or nil if this is a Raw contact.
func (c NodeContact) Record() *enr.Record { return c.full }

// NodeAddress returns the (socket, id) pair regardless of variant, so the
// service loop can uniformly key active_requests and the blacklist.
func (c NodeContact) NodeAddress() NodeAddress { return c.address }

// NodeID returns the node id regardless of variant.
func (c NodeContact) NodeID() NodeID { return c.address.NodeID }
