// table.go implements the k-buckets routing table: 256 buckets indexed by
// XOR log-distance from the local node id, each holding up to BucketSize
// entries plus a single pending-replacement slot.
package discover

import (
	"crypto/rand"
	"math/bits"
	"net"
	"sync"
	"time"

	"github.com/yaanhyy/discv5/crypto"
	"github.com/yaanhyy/discv5/log"
	"github.com/yaanhyy/discv5/p2p/enode"
	"github.com/yaanhyy/discv5/p2p/enr"
)

// BucketSize is K, the maximum number of entries per bucket.
const BucketSize = 16

// NumBuckets is the number of distance-indexed buckets: distances run from
// 1 to 256 inclusive, bucket index is distance-1.
const NumBuckets = 256

// DefaultPendingTimeout is how long a pending candidate is held waiting for
// the nominated entry to prove liveness before being promoted.
const DefaultPendingTimeout = 60 * time.Second

// Status is the liveness state of a bucket entry.
type Status int

const (
	Disconnected Status = iota
	Connected
)

func (s Status) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Key is a node id mapped through a one-way hash transform, per
// spec.md's data model: "NodeId ... used as the Kademlia key after being
// mapped through a one-way transform, so XOR distances operate on hashed
// keys rather than raw ids". This guarantees uniform bucket occupancy even
// if a node id were adversarially chosen.
type Key [32]byte

// KeyFromID derives the Kademlia key for a node id.
func KeyFromID(id enode.NodeID) Key {
	return Key(crypto.Keccak256Hash(id[:]))
}

// logDistance returns log2(a XOR b) in [0, 256], 0 iff a == b.
func logDistance(a, b Key) int {
	lz := 0
	for i := 0; i < 32; i += 8 {
		ai := be64(a[i : i+8])
		bi := be64(b[i : i+8])
		x := ai ^ bi
		if x == 0 {
			lz += 64
			continue
		}
		lz += bits.LeadingZeros64(x)
		break
	}
	return 256 - lz
}

// closerTo reports whether a is strictly closer to target than b by full
// XOR distance.
func closerTo(a, b, target Key) bool {
	for i := range target {
		da, db := a[i]^target[i], b[i]^target[i]
		if da != db {
			return da < db
		}
	}
	return false
}

func be64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// entry is a single routing-table slot: I2 order (least-recently-updated
// first) plus a Connected/Disconnected liveness tag (I2).
type entry struct {
	key    Key
	id     enode.NodeID
	record *enr.Record
	status Status
}

// pendingEntry is a candidate nominated for promotion into a full bucket
// once its nominee (the oldest Disconnected entry) proves unresponsive.
type pendingEntry struct {
	entry    entry
	disc     enode.NodeID // the nominated-for-eviction entry's id
	deadline time.Time
}

// bucket holds up to BucketSize entries plus one pending candidate.
type bucket struct {
	entries []entry // ordered least-recently-updated -> most-recently-updated
	pending *pendingEntry
}

// InsertResult is the outcome of Table.Insert.
type InsertResult int

const (
	Inserted InsertResult = iota
	Full
	Pending
)

// EntryStatus is the outcome of Table.Entry.
type EntryStatus int

const (
	Absent EntryStatus = iota
	Present
	PendingSlot
	SelfEntry
)

// AppliedPending is surfaced once, the first time a pending promotion
// actually fires (I3).
type AppliedPending struct {
	Inserted enode.NodeID
	Evicted  enode.NodeID
	Bucket   int
}

// Table is the k-buckets routing table (spec.md component B).
type Table struct {
	mu sync.Mutex

	localID  enode.NodeID
	localKey Key
	buckets  [NumBuckets]*bucket

	ipLimit      bool
	ipLimitCount int // max entries per bucket sharing a /24, when ipLimit is on

	tableFilter func(*enr.Record) bool

	pendingTimeout time.Duration

	log *log.Logger

	appliedPending []AppliedPending
}

// NewTable creates an empty routing table for localID.
func NewTable(localID enode.NodeID, ipLimit bool, ipLimitCount int, filter func(*enr.Record) bool) *Table {
	if filter == nil {
		filter = func(*enr.Record) bool { return true }
	}
	t := &Table{
		localID:        localID,
		localKey:       KeyFromID(localID),
		ipLimit:        ipLimit,
		ipLimitCount:   ipLimitCount,
		tableFilter:    filter,
		pendingTimeout: DefaultPendingTimeout,
		log:            log.Default().Module("table"),
	}
	for i := range t.buckets {
		t.buckets[i] = &bucket{}
	}
	return t
}

func (t *Table) bucketIndex(k Key) int {
	d := logDistance(t.localKey, k)
	return d - 1 // I1: bucket index i holds entries at distance i+1
}

// Entry reports the current state of id in the table.
func (t *Table) Entry(id enode.NodeID) EntryStatus {
	if id == t.localID {
		return SelfEntry
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyExpiredPendingLocked()

	k := KeyFromID(id)
	idx := t.bucketIndex(k)
	if idx < 0 || idx >= NumBuckets {
		return Absent
	}
	b := t.buckets[idx]
	for _, e := range b.entries {
		if e.id == id {
			return Present
		}
	}
	if b.pending != nil && b.pending.entry.id == id {
		return PendingSlot
	}
	return Absent
}

// Check runs the IP-quota preflight for a candidate entry without mutating
// the table: the service loop calls it on each discovered record before
// Insert, skipping candidates that would be rejected anyway.
func (t *Table) Check(id enode.NodeID, record *enr.Record, pred func(*enr.Record) bool) bool {
	if id == t.localID {
		return false
	}
	if pred != nil && !pred(record) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.bucketIndex(KeyFromID(id))
	if idx < 0 || idx >= NumBuckets {
		return false
	}
	if t.ipLimit && ipQuotaExceeded(record, t.buckets[idx].entries, t.ipLimitCount) {
		return false
	}
	return true
}

// Insert inserts or updates id with the given record and status, applying
// invariants I1-I4 and the pending-replacement state machine (I3).
func (t *Table) Insert(id enode.NodeID, record *enr.Record, status Status) InsertResult {
	if id == t.localID {
		return Full // SelfEntry insertion is silently dropped
	}
	if !t.tableFilter(record) {
		return Full
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyExpiredPendingLocked()

	k := KeyFromID(id)
	idx := t.bucketIndex(k)
	if idx < 0 || idx >= NumBuckets {
		return Full
	}
	b := t.buckets[idx]

	// I4: IP quota preflight/enforcement. A Connected insertion that would
	// violate the /24 quota is downgraded to Disconnected so it never
	// promotes past other entries.
	effectiveStatus := status
	if t.ipLimit && ipQuotaExceeded(record, b.entries, t.ipLimitCount) {
		effectiveStatus = Disconnected
	}

	for i, e := range b.entries {
		if e.id == id {
			b.entries[i].record = record
			b.entries[i].status = effectiveStatus
			t.touchLocked(b, i)
			return Inserted
		}
	}

	if len(b.entries) < BucketSize {
		b.entries = append(b.entries, entry{key: k, id: id, record: record, status: effectiveStatus})
		return Inserted
	}

	// Bucket full.
	if effectiveStatus != Connected {
		return Full
	}
	// Entries are ordered least-recently-updated first, so the first
	// Disconnected one is the nominee.
	oldestIdx := -1
	for i, e := range b.entries {
		if e.status != Connected {
			oldestIdx = i
			break
		}
	}
	if oldestIdx < 0 {
		// No disconnected nominee exists; a full bucket of Connected peers
		// rejects new candidates outright.
		return Full
	}
	if b.pending != nil {
		return Pending // a promotion is already in flight for this bucket
	}
	nominee := b.entries[oldestIdx].id
	b.pending = &pendingEntry{
		entry:    entry{key: k, id: id, record: record, status: Connected},
		disc:     nominee,
		deadline: time.Now().Add(t.pendingTimeout),
	}
	return Pending
}

// Update changes the status of an existing entry.
func (t *Table) Update(id enode.NodeID, status Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyExpiredPendingLocked()

	idx := t.bucketIndex(KeyFromID(id))
	if idx < 0 || idx >= NumBuckets {
		return false
	}
	b := t.buckets[idx]
	for i, e := range b.entries {
		if e.id == id {
			b.entries[i].status = status
			t.touchLocked(b, i)
			// Promotion cancels if the nominee becomes Connected before
			// the deadline (I3).
			if status == Connected && b.pending != nil && b.pending.disc == id {
				b.pending = nil
			}
			return true
		}
	}
	return false
}

// Remove deletes id from the table, returning whether it was present.
func (t *Table) Remove(id enode.NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.bucketIndex(KeyFromID(id))
	if idx < 0 || idx >= NumBuckets {
		return false
	}
	b := t.buckets[idx]
	for i, e := range b.entries {
		if e.id == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return true
		}
	}
	if b.pending != nil && b.pending.entry.id == id {
		b.pending = nil
		return true
	}
	return false
}

// touchLocked moves entries[i] to the most-recently-updated end (I2).
func (t *Table) touchLocked(b *bucket, i int) {
	e := b.entries[i]
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	b.entries = append(b.entries, e)
}

// applyExpiredPendingLocked promotes any pending candidate whose deadline
// has passed, recording an AppliedPending event (I3). Must hold t.mu.
func (t *Table) applyExpiredPendingLocked() {
	now := time.Now()
	for i, b := range t.buckets {
		if b.pending == nil || now.Before(b.pending.deadline) {
			continue
		}
		p := b.pending
		b.pending = nil
		// Replace the nominee with the pending candidate.
		for j, e := range b.entries {
			if e.id == p.disc {
				if e.status == Connected {
					// Nominee proved live in the meantime; drop the candidate.
					continue
				}
				b.entries[j] = p.entry
				t.touchLocked(b, j)
				t.appliedPending = append(t.appliedPending, AppliedPending{
					Inserted: p.entry.id,
					Evicted:  p.disc,
					Bucket:   i,
				})
				t.log.Info("pending entry promoted", "bucket", i, "inserted", p.entry.id.String(), "evicted", p.disc.String())
				break
			}
		}
	}
}

// TakeAppliedPending drains and returns pending-promotion events that fired
// since the last call. Called once per service-loop tick (spec.md §9:
// "expose take_applied_pending() on every service tick").
func (t *Table) TakeAppliedPending() []AppliedPending {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyExpiredPendingLocked()
	if len(t.appliedPending) == 0 {
		return nil
	}
	out := t.appliedPending
	t.appliedPending = nil
	return out
}

// Iter returns every entry currently in the table (Connected and
// Disconnected, excludes pending candidates).
func (t *Table) Iter() []enode.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyExpiredPendingLocked()

	var out []enode.NodeID
	for _, b := range t.buckets {
		for _, e := range b.entries {
			out = append(out, e.id)
		}
	}
	return out
}

// IterConnected returns every Connected entry, used by ping_connected_peers
// (spec.md's resolved open question: a routing-table scan, not a dedicated
// connected_peers map, is the single source of truth).
func (t *Table) IterConnected() []enode.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyExpiredPendingLocked()

	var out []enode.NodeID
	for _, b := range t.buckets {
		for _, e := range b.entries {
			if e.status == Connected {
				out = append(out, e.id)
			}
		}
	}
	return out
}

// Record returns the stored ENR for id, or nil if absent.
func (t *Table) Record(id enode.NodeID) *enr.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.bucketIndex(KeyFromID(id))
	if idx < 0 || idx >= NumBuckets {
		return nil
	}
	for _, e := range t.buckets[idx].entries {
		if e.id == id {
			return e.record
		}
	}
	return nil
}

// NodesByDistance returns every entry stored at the exact bucket for
// distance d (d in [1, 256]).
func (t *Table) NodesByDistance(d int) []*enr.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := d - 1
	if idx < 0 || idx >= NumBuckets {
		return nil
	}
	b := t.buckets[idx]
	out := make([]*enr.Record, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e.record)
	}
	return out
}

// ClosestKeys returns up to n node ids ordered by ascending XOR distance to
// target. Entries from every bucket are merged and sorted.
func (t *Table) ClosestKeys(target Key, n int) []enode.NodeID {
	return t.ClosestKeysPredicate(target, n, nil)
}

// ClosestKeysPredicate is ClosestKeys additionally filtered by pred (a
// discoverability test such as "not already succeeded in this query").
func (t *Table) ClosestKeysPredicate(target Key, n int, pred func(enode.NodeID) bool) []enode.NodeID {
	t.mu.Lock()
	all := make([]entry, 0)
	for _, b := range t.buckets {
		all = append(all, b.entries...)
	}
	t.mu.Unlock()

	sortByDistance(all, target)

	out := make([]enode.NodeID, 0, n)
	for _, e := range all {
		if pred != nil && !pred(e.id) {
			continue
		}
		out = append(out, e.id)
		if len(out) >= n {
			break
		}
	}
	return out
}

func sortByDistance(entries []entry, target Key) {
	// Simple insertion sort: bucket membership already keeps each slice
	// small, and the merged candidate set is bounded by table cardinality,
	// so an O(n^2) sort is adequate and keeps this dependency-free.
	for i := 1; i < len(entries); i++ {
		j := i
		for j > 0 && closerTo(entries[j].key, entries[j-1].key, target) {
			entries[j-1], entries[j] = entries[j], entries[j-1]
			j--
		}
	}
}

// ipQuotaExceeded implements the ip_limiter: counts entries in others whose
// IPv4 /24 prefix matches record's, rejecting if the count >= limit.
func ipQuotaExceeded(record *enr.Record, others []entry, limit int) bool {
	if limit <= 0 {
		return false
	}
	ip := enr.IP(record)
	if ip == nil {
		return false
	}
	prefix := ip.Mask(net.CIDRMask(24, 32))
	count := 0
	for _, e := range others {
		oip := enr.IP(e.record)
		if oip == nil {
			continue
		}
		if oip.Mask(net.CIDRMask(24, 32)).Equal(prefix) {
			count++
		}
	}
	return count >= limit
}

// randomKeyAtDistance returns a random Key whose distance from local is
// exactly d. Nothing in this package calls it.
func (t *Table) randomKeyAtDistance(d int) Key {
	var k Key
	rand.Read(k[:])
	if d <= 0 || d > 256 {
		return k
	}
	// Force the top bit of the distance to 1 and clear bits above it so
	// XOR with localKey yields exactly distance d.
	byteIdx := (256 - d) / 8
	bitIdx := uint((256 - d) % 8)
	for i := 0; i < byteIdx; i++ {
		k[i] = t.localKey[i]
	}
	k[byteIdx] = t.localKey[byteIdx] ^ (0x80 >> bitIdx)
	return k
}
