package discover

import (
	"net"
	"testing"
	"time"

	"github.com/yaanhyy/discv5/p2p/enode"
	"github.com/yaanhyy/discv5/p2p/enr"
)

func idAt(b byte) enode.NodeID {
	var id enode.NodeID
	id[0] = b
	return id
}

func recordWithIP(ip net.IP, tag byte) *enr.Record {
	r := &enr.Record{}
	enr.SetIP(r, ip)
	enr.SetUDP(r, 9000)
	r.Set(enr.KeySecp256k1, append(ip.To4(), tag))
	return r
}

func TestInsertAndEntry(t *testing.T) {
	local := idAt(0x00)
	tbl := NewTable(local, false, 0, nil)

	id := idAt(0x01)
	rec := recordWithIP(net.IPv4(1, 1, 1, 1), 0)
	if res := tbl.Insert(id, rec, Connected); res != Inserted {
		t.Fatalf("Insert result = %v, want Inserted", res)
	}
	if st := tbl.Entry(id); st != Present {
		t.Fatalf("Entry status = %v, want Present", st)
	}
}

func TestEntrySelf(t *testing.T) {
	local := idAt(0x00)
	tbl := NewTable(local, false, 0, nil)
	if st := tbl.Entry(local); st != SelfEntry {
		t.Fatalf("Entry(local) = %v, want SelfEntry", st)
	}
}

func TestInsertSelfIsDropped(t *testing.T) {
	local := idAt(0x00)
	tbl := NewTable(local, false, 0, nil)
	rec := recordWithIP(net.IPv4(9, 9, 9, 9), 0)
	if res := tbl.Insert(local, rec, Connected); res != Full {
		t.Fatalf("Insert(local) = %v, want Full (dropped)", res)
	}
}

func TestUpdateChangesStatus(t *testing.T) {
	local := idAt(0x00)
	tbl := NewTable(local, false, 0, nil)
	id := idAt(0x01)
	tbl.Insert(id, recordWithIP(net.IPv4(1, 1, 1, 1), 0), Disconnected)

	if !tbl.Update(id, Connected) {
		t.Fatal("Update on a present entry should succeed")
	}
	if tbl.Update(idAt(0x02), Connected) {
		t.Fatal("Update on an absent entry should report false")
	}
}

func TestRemove(t *testing.T) {
	local := idAt(0x00)
	tbl := NewTable(local, false, 0, nil)
	id := idAt(0x01)
	tbl.Insert(id, recordWithIP(net.IPv4(1, 1, 1, 1), 0), Connected)

	if !tbl.Remove(id) {
		t.Fatal("Remove on a present entry should succeed")
	}
	if tbl.Entry(id) != Absent {
		t.Fatal("entry should be Absent after Remove")
	}
	if tbl.Remove(id) {
		t.Fatal("Remove on an already-absent entry should report false")
	}
}

func TestBucketFullRejectsConnectedWithNoDisconnectedNominee(t *testing.T) {
	local := idAt(0x00)
	tbl := NewTable(local, false, 0, nil)

	var extra enode.NodeID
	extra[0] = 0x7F
	idx := tbl.bucketIndex(KeyFromID(extra))

	entries := make([]entry, BucketSize)
	for i := range entries {
		var id enode.NodeID
		id[0] = byte(i + 1)
		entries[i] = entry{key: KeyFromID(id), id: id, record: recordWithIP(net.IPv4(100, 0, 0, byte(i)), byte(i)), status: Connected}
	}
	tbl.buckets[idx].entries = entries

	res := tbl.Insert(extra, recordWithIP(net.IPv4(8, 8, 8, 8), 1), Connected)
	if res != Full {
		t.Fatalf("Insert into a full all-Connected bucket = %v, want Full", res)
	}
}

func TestPendingPromotionAfterDeadline(t *testing.T) {
	local := idAt(0x00)
	tbl := NewTable(local, false, 0, nil)
	tbl.pendingTimeout = time.Millisecond

	// Directly install a pending candidate rather than relying on a hash
	// collision with a specific bucket index.
	idx := 10
	nominee := idAt(0x42)
	tbl.buckets[idx].entries = []entry{{key: KeyFromID(nominee), id: nominee, record: recordWithIP(net.IPv4(1, 2, 3, 4), 0), status: Disconnected}}
	candidate := idAt(0x43)
	tbl.buckets[idx].pending = &pendingEntry{
		entry:    entry{key: KeyFromID(candidate), id: candidate, record: recordWithIP(net.IPv4(5, 6, 7, 8), 1), status: Connected},
		disc:     nominee,
		deadline: time.Now().Add(time.Millisecond),
	}

	time.Sleep(5 * time.Millisecond)
	applied := tbl.TakeAppliedPending()
	if len(applied) != 1 {
		t.Fatalf("TakeAppliedPending returned %d events, want 1", len(applied))
	}
	if applied[0].Inserted != candidate {
		t.Fatalf("promoted id = %v, want %v", applied[0].Inserted, candidate)
	}
	if applied[0].Evicted != nominee {
		t.Fatalf("evicted id = %v, want %v", applied[0].Evicted, nominee)
	}
}

func TestPendingPromotionCanceledWhenNomineeReconnects(t *testing.T) {
	local := idAt(0x00)
	tbl := NewTable(local, false, 0, nil)
	tbl.pendingTimeout = time.Millisecond

	// Update looks the nominee up in its real bucket, so plant it there.
	nominee := idAt(0x42)
	idx := tbl.bucketIndex(KeyFromID(nominee))
	tbl.buckets[idx].entries = []entry{{key: KeyFromID(nominee), id: nominee, record: recordWithIP(net.IPv4(1, 2, 3, 4), 0), status: Disconnected}}
	candidate := idAt(0x43)
	tbl.buckets[idx].pending = &pendingEntry{
		entry:    entry{key: KeyFromID(candidate), id: candidate, record: recordWithIP(net.IPv4(5, 6, 7, 8), 1), status: Connected},
		disc:     nominee,
		deadline: time.Now().Add(time.Millisecond),
	}

	// The nominee proves live before the deadline fires.
	tbl.Update(nominee, Connected)

	time.Sleep(5 * time.Millisecond)
	applied := tbl.TakeAppliedPending()
	if len(applied) != 0 {
		t.Fatalf("expected no promotion once the nominee reconnected, got %d", len(applied))
	}
}

func TestIterConnectedOnlyReturnsConnected(t *testing.T) {
	local := idAt(0x00)
	tbl := NewTable(local, false, 0, nil)

	connected := idAt(0x01)
	disconnected := idAt(0x02)
	tbl.Insert(connected, recordWithIP(net.IPv4(1, 1, 1, 1), 0), Connected)
	tbl.Insert(disconnected, recordWithIP(net.IPv4(2, 2, 2, 2), 1), Disconnected)

	got := tbl.IterConnected()
	if len(got) != 1 || got[0] != connected {
		t.Fatalf("IterConnected = %v, want only %v", got, connected)
	}
}

func TestIPQuotaDowngradesToDisconnected(t *testing.T) {
	local := idAt(0x00)
	tbl := NewTable(local, true, 1, nil)

	first := idAt(0x01)
	tbl.Insert(first, recordWithIP(net.IPv4(10, 0, 0, 1), 0), Connected)

	second := idAt(0x03)
	res := tbl.Insert(second, recordWithIP(net.IPv4(10, 0, 0, 2), 1), Connected)
	if res != Inserted {
		t.Fatalf("Insert result = %v, want Inserted (downgraded, not rejected)", res)
	}
	if tbl.Entry(second) != Present {
		t.Fatalf("Entry(second) = %v, want Present", tbl.Entry(second))
	}
	// idAt(0x01) and idAt(0x03) hash into the same bucket.
	for _, id := range tbl.IterConnected() {
		if id == second {
			t.Fatal("second entry shares first's /24 and should have been downgraded to Disconnected")
		}
	}
}

func TestCheckRejectsWhenIPQuotaExceeded(t *testing.T) {
	local := idAt(0x00)
	tbl := NewTable(local, true, 1, nil)

	first := idAt(0x01)
	tbl.Insert(first, recordWithIP(net.IPv4(10, 0, 0, 1), 0), Connected)

	// The quota is counted per bucket; idAt(0x03) hashes into the same
	// bucket as idAt(0x01).
	candidateRecord := recordWithIP(net.IPv4(10, 0, 0, 9), 1)
	if tbl.Check(idAt(0x03), candidateRecord, nil) {
		t.Fatal("Check should reject a candidate that would exceed the /24 quota")
	}
}

func TestClosestKeysOrdersByDistance(t *testing.T) {
	local := idAt(0x00)
	tbl := NewTable(local, false, 0, nil)

	near := idAt(0x01)
	far := idAt(0xF0)
	tbl.Insert(near, recordWithIP(net.IPv4(1, 1, 1, 1), 0), Connected)
	tbl.Insert(far, recordWithIP(net.IPv4(2, 2, 2, 2), 1), Connected)

	target := KeyFromID(idAt(0x00))
	got := tbl.ClosestKeys(target, 2)
	if len(got) != 2 {
		t.Fatalf("ClosestKeys returned %d entries, want 2", len(got))
	}
	// Both keys sit at log2 distance 255 from target; near's full XOR
	// distance is the smaller one.
	if got[0] != near || got[1] != far {
		t.Fatalf("ClosestKeys = %v, want [%v %v]", got, near, far)
	}
}

func TestClosestKeysPredicateFiltersCandidates(t *testing.T) {
	local := idAt(0x00)
	tbl := NewTable(local, false, 0, nil)
	a := idAt(0x01)
	b := idAt(0x02)
	tbl.Insert(a, recordWithIP(net.IPv4(1, 1, 1, 1), 0), Connected)
	tbl.Insert(b, recordWithIP(net.IPv4(2, 2, 2, 2), 1), Connected)

	target := KeyFromID(idAt(0x00))
	got := tbl.ClosestKeysPredicate(target, 10, func(id enode.NodeID) bool { return id == a })
	if len(got) != 1 || got[0] != a {
		t.Fatalf("ClosestKeysPredicate = %v, want only %v", got, a)
	}
}

func TestRecordReturnsNilForAbsentEntry(t *testing.T) {
	local := idAt(0x00)
	tbl := NewTable(local, false, 0, nil)
	if tbl.Record(idAt(0x01)) != nil {
		t.Fatal("Record for an absent entry should be nil")
	}
}

func TestLogDistanceZeroForEqualKeys(t *testing.T) {
	var k Key
	k[0] = 0xAB
	if d := logDistance(k, k); d != 0 {
		t.Fatalf("logDistance(k, k) = %d, want 0", d)
	}
}

func TestLogDistanceMaxForComplementaryKeys(t *testing.T) {
	var a, b Key
	for i := range b {
		b[i] = 0xFF
	}
	if d := logDistance(a, b); d != 256 {
		t.Fatalf("logDistance of all-zero vs all-ones = %d, want 256", d)
	}
}
