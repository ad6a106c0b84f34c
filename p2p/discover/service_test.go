package discover

import (
	"net"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/yaanhyy/discv5/p2p/enode"
	"github.com/yaanhyy/discv5/p2p/enr"
)

func newTestService(t *testing.T) (*Service, *secp256k1.PrivateKey) {
	t.Helper()
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	local := &enr.Record{}
	enr.SetIP(local, net.IPv4(127, 0, 0, 1))
	enr.SetUDP(local, 9000)
	if err := enr.SignENR(local, key); err != nil {
		t.Fatalf("SignENR: %v", err)
	}
	cfg := DefaultConfig()
	handler := Handler{
		Commands: make(chan HandlerCommand, 32),
		Events:   make(chan HandlerEvent, 32),
	}
	svc := NewService(&cfg, key, local, handler, nil)
	return svc, key
}

func signedPeerRecord(t *testing.T, ip net.IP, port uint16) (*enr.Record, *secp256k1.PrivateKey) {
	t.Helper()
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	r := &enr.Record{}
	enr.SetIP(r, ip)
	enr.SetUDP(r, port)
	if err := enr.SignENR(r, key); err != nil {
		t.Fatalf("SignENR: %v", err)
	}
	return r, key
}

func TestNewServiceStartsWithEmptyTable(t *testing.T) {
	svc, _ := newTestService(t)
	if n := svc.TableEntries(); n != 0 {
		t.Fatalf("TableEntries = %d, want 0", n)
	}
}

func TestConnectionEstablishedInsertsAndPings(t *testing.T) {
	svc, _ := newTestService(t)
	peer, _ := signedPeerRecord(t, net.IPv4(10, 0, 0, 1), 9001)

	svc.connectionEstablished(peer)

	if n := svc.TableEntries(); n != 1 {
		t.Fatalf("TableEntries = %d, want 1", n)
	}

	select {
	case cmd := <-svc.handler.Commands:
		if cmd.Kind != HandlerSendRequest || cmd.Request.Body.Kind != ReqPing {
			t.Fatalf("expected an outbound Ping command, got %+v", cmd)
		}
	default:
		t.Fatal("connectionEstablished should have sent a Ping command")
	}
}

func TestRespondPingDropsFromUnknownPeer(t *testing.T) {
	svc, _ := newTestService(t)
	from := enode.NodeAddress{SocketAddr: net.UDPAddr{IP: net.IPv4(1, 1, 1, 1), Port: 9000}, NodeID: nodeID(1)}
	svc.respondPing(from, Request{ID: NewRequestID(), Body: RequestBody{Kind: ReqPing}})

	select {
	case cmd := <-svc.handler.Commands:
		t.Fatalf("expected no Pong for an unknown peer, got %+v", cmd)
	default:
	}
}

func TestRespondPingAnswersKnownPeer(t *testing.T) {
	svc, _ := newTestService(t)
	peer, _ := signedPeerRecord(t, net.IPv4(10, 0, 0, 2), 9002)
	id := enode.NodeID(peer.NodeID())
	svc.table.Insert(id, peer, Connected)

	from := enode.NodeAddress{SocketAddr: net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 9002}, NodeID: id}
	svc.respondPing(from, Request{ID: NewRequestID(), Body: RequestBody{Kind: ReqPing, EnrSeq: peer.Seq}})

	select {
	case cmd := <-svc.handler.Commands:
		if cmd.Kind != HandlerSendResponse || cmd.Response.Body.Kind != ReqPing {
			t.Fatalf("expected a Pong response, got %+v", cmd)
		}
	default:
		t.Fatal("respondPing should have answered a known peer")
	}
}

func TestRespondFindNodeDistanceZeroReturnsLocalRecord(t *testing.T) {
	svc, _ := newTestService(t)
	from := enode.NodeAddress{NodeID: nodeID(1)}
	svc.respondFindNode(from, Request{ID: NewRequestID(), Body: RequestBody{Kind: ReqFindNode, Distance: 0}})

	select {
	case cmd := <-svc.handler.Commands:
		if cmd.Kind != HandlerSendResponse || len(cmd.Response.Body.Nodes) != 1 {
			t.Fatalf("expected a single-record Nodes response, got %+v", cmd)
		}
		if enode.NodeID(cmd.Response.Body.Nodes[0].NodeID()) != svc.localID {
			t.Fatal("distance-0 FindNode should return the local record")
		}
	default:
		t.Fatal("respondFindNode should have sent a response")
	}
}

func TestFindEnrDeliversRecordViaCallback(t *testing.T) {
	svc, _ := newTestService(t)
	peer, key := signedPeerRecord(t, net.IPv4(10, 0, 0, 3), 9003)
	peerID := enode.NodeID(peer.NodeID())
	contact, err := enode.NewFullNodeContact(peer, net.UDPAddr{IP: net.IPv4(10, 0, 0, 3), Port: 9003})
	if err != nil {
		t.Fatalf("NewFullNodeContact: %v", err)
	}

	reply := make(chan *enr.Record, 1)
	svc.findEnr(contact, reply)

	// Drain the outbound request the handler would have sent.
	var sentID RequestID
	select {
	case cmd := <-svc.handler.Commands:
		sentID = cmd.Request.ID
	default:
		t.Fatal("findEnr should have dispatched an RPC request")
	}

	resp := Response{ID: sentID, Body: ResponseBody{Kind: ReqFindNode, Total: 1, Nodes: []*enr.Record{peer}}}
	svc.handleRPCResponse(enode.NodeAddress{NodeID: peerID}, resp)

	select {
	case got := <-reply:
		if got == nil || enode.NodeID(got.NodeID()) != peerID {
			t.Fatalf("FindEnr reply = %v, want the peer's own record", got)
		}
	case <-time.After(time.Second):
		t.Fatal("findEnr callback never received a reply")
	}
	_ = key
}

func TestHandleNodesResponseBansOnDistanceViolation(t *testing.T) {
	svc, _ := newTestService(t)
	attacker, _ := signedPeerRecord(t, net.IPv4(10, 0, 0, 4), 9004)
	attackerID := enode.NodeID(attacker.NodeID())
	from := enode.NodeAddress{NodeID: attackerID, SocketAddr: net.UDPAddr{IP: net.IPv4(10, 0, 0, 4), Port: 9004}}

	unrelated, _ := signedPeerRecord(t, net.IPv4(10, 0, 0, 5), 9005)

	id := NewRequestID()
	body := RequestBody{Kind: ReqFindNode, Distance: 5}
	svc.activeRequests[id] = &activeRequest{peerID: attackerID, requestBody: body}

	resp := Response{ID: id, Body: ResponseBody{Kind: ReqFindNode, Total: 1, Nodes: []*enr.Record{unrelated}}}
	svc.handleRPCResponse(from, resp)

	if !svc.blacklist.IsBanned(from) {
		t.Fatal("a NODES response violating the declared distance should blacklist the sender")
	}
}

func TestHandleNodesResponseAggregatesAcrossFragments(t *testing.T) {
	svc, _ := newTestService(t)
	peer, _ := signedPeerRecord(t, net.IPv4(10, 0, 0, 9), 9009)
	peerID := enode.NodeID(peer.NodeID())
	from := enode.NodeAddress{NodeID: peerID, SocketAddr: net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 9009}}

	id := NewRequestID()
	body := RequestBody{Kind: ReqFindNode, Distance: 0}
	svc.activeRequests[id] = &activeRequest{peerID: peerID, requestBody: body}

	first := Response{ID: id, Body: ResponseBody{Kind: ReqFindNode, Total: 2, Nodes: []*enr.Record{peer}}}
	svc.handleRPCResponse(from, first)

	if _, stillActive := svc.activeRequests[id]; !stillActive {
		t.Fatal("a request awaiting its second NODES fragment should remain active")
	}
	if svc.table.Entry(peerID) != Absent {
		t.Fatal("discovered() should not run until every declared fragment has arrived")
	}

	second := Response{ID: id, Body: ResponseBody{Kind: ReqFindNode, Total: 2, Nodes: []*enr.Record{peer}}}
	svc.handleRPCResponse(from, second)

	if _, stillActive := svc.activeRequests[id]; stillActive {
		t.Fatal("the active request should be cleared once every declared fragment has arrived")
	}
	if svc.table.Entry(peerID) == Absent {
		t.Fatal("discovered() should admit the peer once fragment aggregation completes")
	}
}

func TestRpcFailureDowngradesPeer(t *testing.T) {
	svc, _ := newTestService(t)
	peer, _ := signedPeerRecord(t, net.IPv4(10, 0, 0, 6), 9006)
	id := enode.NodeID(peer.NodeID())
	svc.table.Insert(id, peer, Connected)

	reqID := NewRequestID()
	svc.activeRequests[reqID] = &activeRequest{peerID: id, requestBody: RequestBody{Kind: ReqPing}}
	svc.rpcFailure(reqID, nil)

	// rpcFailure clears the active request and marks the peer Disconnected.
	if _, ok := svc.activeRequests[reqID]; ok {
		t.Fatal("rpcFailure should remove the active request entry")
	}
	for _, c := range svc.table.IterConnected() {
		if c == id {
			t.Fatal("rpcFailure should downgrade the peer to Disconnected")
		}
	}
}

func TestHandlePongResponseRotatesSocketOnMajority(t *testing.T) {
	svc, _ := newTestService(t)
	cfg := DefaultConfig()
	cfg.EnrPeerUpdateMin = 1
	svc.cfg = &cfg
	svc.ipVote = NewIPVote(1)

	peer, _ := signedPeerRecord(t, net.IPv4(10, 0, 0, 7), 9007)
	peerID := enode.NodeID(peer.NodeID())
	from := enode.NodeAddress{NodeID: peerID}

	ar := &activeRequest{peerID: peerID, requestBody: RequestBody{Kind: ReqPing}}
	newIP := net.IPv4(55, 55, 55, 55)
	svc.handlePongResponse(from, ar, ResponseBody{Kind: ReqPing, ObservedIP: newIP, ObservedPort: 9999})

	local := svc.LocalENR()
	if !enr.IP(local).Equal(newIP) {
		t.Fatalf("local ENR ip after majority vote = %v, want %v", enr.IP(local), newIP)
	}
	if enr.UDP(local) != 9999 {
		t.Fatalf("local ENR udp after majority vote = %d, want 9999", enr.UDP(local))
	}
}

func TestDiscoveredSkipsSelfAndAdmitsFreshRecord(t *testing.T) {
	svc, _ := newTestService(t)
	selfRecord := svc.LocalENR()

	peer, _ := signedPeerRecord(t, net.IPv4(10, 0, 0, 8), 9008)
	peerID := enode.NodeID(peer.NodeID())

	svc.discovered(peerID, []*enr.Record{selfRecord, peer}, nil)

	if svc.table.Entry(svc.localID) != SelfEntry {
		t.Fatal("discovered should never insert the local node into the table")
	}
	if svc.table.Entry(peerID) != Present {
		t.Fatal("discovered should admit a fresh peer record into the table")
	}
}
