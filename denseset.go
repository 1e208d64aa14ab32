// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package denseset implements a dense associative set of opaque object
// pointers, the in-memory hash-table substrate of a sharded key-value
// server. It combines open addressing with bounded displacement and
// per-bucket chaining, per-entry TTL with lazy expiry, in-place
// incremental rehashing on growth, and a rehash-stable scan cursor with
// Redis SCAN semantics.
//
// # Layout
//
// The table is a flat array of DensePtr cells whose length is always a
// power of two (or zero). A cell is empty, holds an object pointer
// directly, or holds a pointer to a LinkKey chain node. The home bucket
// of an object is derived from the top capacityLog bits of its 64-bit
// hash. On insertion an object goes to its home bucket if that cell is
// empty; failing that it may be "displaced" into home+1 or home-1, in
// which case the cell is tagged with the displacement direction. Only
// distance-1 displacement is representable, which keeps lookups at three
// bucket probes before falling back to walking the home bucket's chain.
//
// When neither the home bucket nor its neighbors are free and the load
// factor permits, the colliding entry is chained: a LinkKey node is
// allocated and pushed at the front of the home bucket's chain. A chain
// head is never displaced.
//
// # Growth
//
// The table doubles when an insert finds no flat slot and the load
// factor has reached 1.0. Because home buckets come from the high bits
// of the hash, doubling the table splits old bucket i into new buckets
// 2i and 2i+1. Rehashing walks the old prefix from high indexes to low;
// an entry moved to a higher index has already been processed and an
// entry landing at a lower index will be visited again, so no entry is
// lost or visited twice as a source. The same property makes the scan
// cursor, which encodes the next bucket in the high bits of a 32-bit
// value, remain valid across table doublings without the bit-reversal
// trick used by the Redis dict.
//
// # Ownership
//
// Objects are borrowed: the set stores the pointer and calls the
// policy's Destroy hook exactly once when it gives the entry up (erase,
// expiry, or Clear). PopFront transfers ownership back to the caller without
// destroying. A Set is not goroutine-safe; the surrounding system shards
// data across independent sets, each owned by a single worker.
package denseset

import (
	"math/bits"
	"unsafe"

	"go.uber.org/zap"
)

const (
	debug      = false
	invariants = false
)

const (
	minSizeShift = 2
	minSize      = 1 << minSizeShift
)

// Cell tag bits. tagDirRight is meaningful only while tagDisplaced is
// set: it distinguishes a cell sitting at home+1 from one at home-1.
const (
	tagLink uint8 = 1 << iota
	tagTTL
	tagDisplaced
	tagDirRight
)

// DensePtr is one cell of the bucket array or the next-pointer of a
// chain node. The original implementation packs the tag into the low
// bits of the pointer itself; here the tag is a separate byte so that
// the pointer word stays visible to the garbage collector.
type DensePtr struct {
	tag uint8
	ptr unsafe.Pointer
}

// LinkKey is a chain node: an object pointer plus the next cell of the
// chain. Nodes are handed out and reclaimed by the set's Allocator.
type LinkKey struct {
	next DensePtr
	obj  unsafe.Pointer
}

// IsEmpty reports whether the cell holds nothing.
func (d DensePtr) IsEmpty() bool { return d.ptr == nil }

// IsLink reports whether the cell points at a LinkKey chain node.
func (d DensePtr) IsLink() bool { return d.tag&tagLink != 0 }

// IsObject reports whether the cell holds a bare object pointer.
func (d DensePtr) IsObject() bool { return d.ptr != nil && d.tag&tagLink == 0 }

// HasTTL reports whether the object reachable at this cell carries an
// expiration time.
func (d DensePtr) HasTTL() bool { return d.tag&tagTTL != 0 }

// IsDisplaced reports whether the entry sits one bucket away from its
// home bucket.
func (d DensePtr) IsDisplaced() bool { return d.tag&tagDisplaced != 0 }

// Object returns the object pointer reachable at this cell, looking
// through a chain node if necessary.
func (d DensePtr) Object() unsafe.Pointer {
	if d.tag&tagLink != 0 {
		return (*LinkKey)(d.ptr).obj
	}
	return d.ptr
}

// displacedDirection returns +1 for a cell at home+1 and -1 for a cell
// at home-1. Only meaningful while IsDisplaced.
func (d DensePtr) displacedDirection() int {
	if d.tag&tagDirRight != 0 {
		return 1
	}
	return -1
}

func (d *DensePtr) asLink() *LinkKey { return (*LinkKey)(d.ptr) }

// next returns the next cell of the chain, or nil if this cell is not a
// chain node.
func (d *DensePtr) next() *DensePtr {
	if d.tag&tagLink != 0 {
		return &(*LinkKey)(d.ptr).next
	}
	return nil
}

func (d *DensePtr) reset() { *d = DensePtr{} }

func (d *DensePtr) setObject(p unsafe.Pointer) {
	d.ptr = p
	d.tag = 0
}

func (d *DensePtr) setLink(l *LinkKey) {
	d.ptr = unsafe.Pointer(l)
	d.tag = tagLink
}

func (d *DensePtr) setTTL(v bool) {
	if v {
		d.tag |= tagTTL
	} else {
		d.tag &^= tagTTL
	}
}

func (d *DensePtr) setDisplaced(dir int) {
	d.tag |= tagDisplaced
	if dir > 0 {
		d.tag |= tagDirRight
	} else {
		d.tag &^= tagDirRight
	}
}

func (d *DensePtr) clearDisplaced() { d.tag &^= tagDisplaced | tagDirRight }

// Set is the dense associative set. The zero value is not usable; use
// New.
type Set struct {
	policy    Policy
	allocator Allocator
	logger    *zap.Logger
	metrics   *setMetrics

	// entries is the flat bucket array; len(entries) is a power of two
	// or zero.
	entries []DensePtr
	// capacityLog is log2(len(entries)), 0 when the table is empty.
	capacityLog uint
	// size is the number of live objects.
	size int
	// numUsedBuckets counts non-empty bucket heads; a head counts one
	// regardless of chain depth.
	numUsedBuckets int
	// numChainEntries counts allocated LinkKey nodes.
	numChainEntries int
	// objUsed is the sum of Policy.AllocSize over live objects.
	objUsed uintptr
	// timeNow is the logical clock TTLs are evaluated against; stepped
	// externally through SetTime.
	timeNow uint32
}

// New constructs a Set using the supplied policy. If initialCapacity is
// 0 the table starts empty and is sized on the first insert.
func New(policy Policy, initialCapacity int, options ...option) *Set {
	s := &Set{
		policy:    policy,
		allocator: defaultAllocator{},
		logger:    zap.NewNop(),
	}
	for _, op := range options {
		op.apply(s)
	}
	if initialCapacity > 0 {
		s.Reserve(initialCapacity)
	}
	s.checkInvariants()
	return s
}

// Len returns the number of live objects in the set.
func (s *Set) Len() int { return s.size }

// BucketCount returns the number of non-empty bucket heads.
func (s *Set) BucketCount() int { return s.numUsedBuckets }

// ChainCount returns the number of allocated chain nodes.
func (s *Set) ChainCount() int { return s.numChainEntries }

// ObjBytes returns the accounted allocation size of all live objects.
func (s *Set) ObjBytes() uintptr { return s.objUsed }

// Capacity returns the length of the bucket array.
func (s *Set) Capacity() int { return len(s.entries) }

// SetTime steps the logical clock that per-entry expiration times are
// compared against.
func (s *Set) SetTime(now uint32) { s.timeNow = now }

// Time returns the current logical clock.
func (s *Set) Time() uint32 { return s.timeNow }

func (s *Set) bucketID(h uint64) uint32 {
	return uint32(h >> (64 - s.capacityLog))
}

func (s *Set) objBucketID(obj unsafe.Pointer, cookie uint32) uint32 {
	return s.bucketID(s.policy.Hash(obj, cookie))
}

// newLink allocates a chain node holding obj with the given tail.
func (s *Set) newLink(obj unsafe.Pointer, next DensePtr) *LinkKey {
	l := s.allocator.AllocLink()
	l.obj = obj
	l.next = next
	s.numChainEntries++
	return l
}

func (s *Set) freeLink(l *LinkKey) {
	s.numChainEntries--
	*l = LinkKey{}
	s.allocator.FreeLink(l)
}

// pushFrontData places obj at the front of the chain rooted at cell,
// allocating a chain node if the cell is occupied. Returns the
// accounted allocation size of obj.
func (s *Set) pushFrontData(cell *DensePtr, obj unsafe.Pointer, hasTTL bool) uintptr {
	if cell.IsEmpty() {
		cell.setObject(obj)
		s.numUsedBuckets++
	} else {
		cell.setLink(s.newLink(obj, *cell))
	}
	if hasTTL {
		cell.setTTL(true)
	}
	return s.policy.AllocSize(obj)
}

// pushFrontPtr places an already-tagged cell value at the front of the
// chain rooted at cell. If ptr carries a chain node and the cell is
// empty the node is reclaimed; if ptr carries a node and the cell is
// occupied the node is reused in place, avoiding an allocation.
func (s *Set) pushFrontPtr(cell *DensePtr, ptr DensePtr) {
	if cell.IsEmpty() {
		cell.setObject(ptr.Object())
		if ptr.HasTTL() {
			cell.setTTL(true)
		}
		if ptr.IsLink() {
			s.freeLink(ptr.asLink())
		}
		s.numUsedBuckets++
	} else if ptr.IsLink() {
		l := ptr.asLink()
		l.next = *cell
		*cell = ptr
	} else {
		cell.setLink(s.newLink(ptr.ptr, *cell))
		if ptr.HasTTL() {
			cell.setTTL(true)
		}
	}
}

// popPtrFront unlinks and returns the front of the chain rooted at
// cell. The returned value keeps the front's tags; a returned chain
// node is NOT reclaimed, that is the caller's job.
func (s *Set) popPtrFront(cell *DensePtr) DensePtr {
	if cell.IsEmpty() {
		return DensePtr{}
	}
	front := *cell
	if front.tag&tagLink == 0 {
		// A bare object is the only record in this chain.
		cell.reset()
		s.numUsedBuckets--
	} else {
		l := front.asLink()
		if l.next.IsEmpty() {
			cell.reset()
			s.numUsedBuckets--
		} else {
			*cell = l.next
		}
	}
	return front
}

// popDataFront unlinks the front of the chain rooted at cell and
// returns its object, reclaiming the chain node if there was one.
func (s *Set) popDataFront(cell *DensePtr) unsafe.Pointer {
	front := s.popPtrFront(cell)
	obj := front.Object()
	if front.IsLink() {
		s.freeLink(front.asLink())
	}
	return obj
}

// foldLink turns a chain cell whose node's next has been emptied back
// into a bare object cell, reclaiming the node. The cell's TTL flag
// refers to the node's object and is preserved.
func (s *Set) foldLink(cell *DensePtr) {
	l := cell.asLink()
	tmp := DensePtr{ptr: l.obj}
	if cell.HasTTL() {
		tmp.tag |= tagTTL
	}
	s.freeLink(l)
	*cell = tmp
}

// deleteCell removes the entry at curr, destroying its object. prev is
// the predecessor chain cell, or nil when curr is a bucket head. On
// return *curr holds the next entry of the chain or is empty; *prev may
// have been folded from a chain cell into a bare object cell.
func (s *Set) deleteCell(prev, curr *DensePtr) {
	var obj unsafe.Pointer
	if curr.IsObject() {
		obj = curr.ptr
		curr.reset()
		if prev == nil {
			s.numUsedBuckets--
		} else {
			s.foldLink(prev)
		}
	} else {
		l := curr.asLink()
		obj = l.obj
		*curr = l.next
		s.freeLink(l)
	}

	s.objUsed -= s.policy.AllocSize(obj)
	s.size--
	s.policy.Destroy(obj, false)
}

// expireIfNeeded evaluates the TTL of the entry at curr and deletes it
// if it has expired, repeating for successive chain entries surfacing
// at the same cell. Returns whether anything was deleted. Callers that
// walk chains must re-examine *curr (and *prev) afterwards because the
// chain shape may have changed.
func (s *Set) expireIfNeeded(prev, curr *DensePtr) bool {
	deleted := false
	for curr.HasTTL() {
		if s.policy.ExpireTime(curr.Object()) > s.timeNow {
			break
		}
		// Updates *curr to the next entry, or empties it.
		s.deleteCell(prev, curr)
		deleted = true
		if s.metrics != nil {
			s.metrics.expired.Inc()
		}
	}
	return deleted
}

// equalAt reports whether the entry at cell matches the probe under the
// given cookie. An empty cell never matches.
func (s *Set) equalAt(cell DensePtr, probe unsafe.Pointer, cookie uint32) bool {
	if cell.IsEmpty() {
		return false
	}
	return s.policy.Equal(cell.Object(), probe, cookie)
}

// findEmptyAround returns the index of an empty cell among bid and its
// two neighbors, preferring bid, then bid+1, then bid-1. Returns -1 if
// all three are occupied.
func (s *Set) findEmptyAround(bid uint32) int {
	s.expireIfNeeded(nil, &s.entries[bid])
	if s.entries[bid].IsEmpty() {
		return int(bid)
	}

	if int(bid)+1 < len(s.entries) {
		right := &s.entries[bid+1]
		s.expireIfNeeded(nil, right)
		if right.IsEmpty() {
			return int(bid) + 1
		}
	}

	if bid > 0 {
		left := &s.entries[bid-1]
		s.expireIfNeeded(nil, left)
		if left.IsEmpty() {
			return int(bid) - 1
		}
	}

	return -1
}

// Reserve grows the bucket array to hold at least n buckets, rounding
// up to a power of two with a floor of 4. The table never shrinks.
func (s *Set) Reserve(n int) {
	if n < minSize {
		n = minSize
	}
	n = 1 << bits.Len(uint(n-1))
	if n > len(s.entries) {
		s.resize(n)
	}
	s.checkInvariants()
}

func (s *Set) resize(n int) {
	prev := s.entries
	next := s.allocator.AllocEntries(n)
	copy(next, prev)
	s.entries = next
	s.capacityLog = uint(bits.Len(uint(n))) - 1
	if prev != nil {
		s.allocator.FreeEntries(prev)
	}
	s.grow(len(prev))
	if s.metrics != nil && len(prev) > 0 {
		s.metrics.grows.Inc()
	}
}

// grow redistributes entries after the bucket array has been resized.
// It walks the old prefix from high indexes down: an entry whose new
// home is its current bucket has its displaced flag cleared in place,
// anything else is unlinked and pushed to the front of its new home.
func (s *Set) grow(prevSize int) {
	for i := prevSize - 1; i >= 0; i-- {
		curr := &s.entries[i]
		var prev *DensePtr

		for {
			if s.expireIfNeeded(prev, curr) {
				// Expiry may have folded prev from a chain cell into a
				// bare object, in which case curr is gone.
				if prev != nil && !prev.IsLink() {
					break
				}
			}
			if curr.IsEmpty() {
				break
			}

			obj := curr.Object()
			bid := s.objBucketID(obj, 0)

			if bid == uint32(i) {
				curr.clearDisplaced()
				prev = curr
				if nx := curr.next(); nx != nil {
					curr = nx
					continue
				}
				break
			}

			// The entry is in the wrong chain: unlink it and push it to
			// the front of its new home. This also repairs stale
			// displaced flags.
			dest := &s.entries[bid]
			dptr := *curr

			if curr.IsObject() {
				curr.reset()
				if prev != nil {
					s.foldLink(prev)
				} else {
					s.numUsedBuckets--
				}
				s.logWrongHome(dptr.Object(), bid, prevSize)
				s.pushFrontPtr(dest, dptr)
				dest.clearDisplaced()
				break
			}

			*curr = dptr.asLink().next
			s.logWrongHome(dptr.Object(), bid, prevSize)
			s.pushFrontPtr(dest, dptr)
			dest.clearDisplaced()
		}
	}
}

// logWrongHome is a guard against subtle policy misuse (a Hash hook
// that is not deterministic over the object): it reports an entry whose
// recomputed home disagrees with the destination it is being pushed to.
func (s *Set) logWrongHome(obj unsafe.Pointer, bid uint32, prevSize int) {
	if correct := s.objBucketID(obj, 0); correct != bid {
		s.logger.Error("dense set: entry rehashed to wrong bucket",
			zap.Uint32("bucket", bid),
			zap.Uint32("home", correct),
			zap.Int("prev_size", prevSize),
			zap.Int("size", len(s.entries)))
	}
}

// AddOrFind inserts obj unless an equal object is already present, in
// which case the existing entry's cell is returned and obj is NOT
// inserted. Returns nil on insertion.
func (s *Set) AddOrFind(obj unsafe.Pointer, hasTTL bool) *DensePtr {
	hc := s.policy.Hash(obj, 0)

	if len(s.entries) == 0 {
		s.capacityLog = minSizeShift
		s.entries = s.allocator.AllocEntries(minSize)
		bid := s.bucketID(hc)
		s.objUsed += s.pushFrontData(&s.entries[bid], obj, hasTTL)
		s.size++
		s.checkInvariants()
		return nil
	}

	bid := s.bucketID(hc)
	if _, _, curr := s.find(obj, bid, 0); curr != nil {
		return curr
	}

	s.addUnique(obj, hasTTL, hc)
	s.checkInvariants()
	return nil
}

// AddOrReplace inserts obj, or swaps it into the existing entry when an
// equal object is already present. Returns the previous object pointer,
// whose destruction is the caller's responsibility, or nil if obj was
// inserted fresh.
func (s *Set) AddOrReplace(obj unsafe.Pointer, hasTTL bool) unsafe.Pointer {
	cell := s.AddOrFind(obj, hasTTL)
	if cell == nil {
		return nil
	}

	var res unsafe.Pointer
	if cell.IsLink() {
		l := cell.asLink()
		res = l.obj
		l.obj = obj
	} else {
		res = cell.ptr
		cell.ptr = obj
	}
	s.objUsed -= s.policy.AllocSize(res)
	s.objUsed += s.policy.AllocSize(obj)
	cell.setTTL(hasTTL)
	s.checkInvariants()
	return res
}

// addUnique inserts an object known not to be present (violating this
// requirement will corrupt the table).
func (s *Set) addUnique(obj unsafe.Pointer, hasTTL bool, hc uint64) {
	if len(s.entries) == 0 {
		s.capacityLog = minSizeShift
		s.entries = s.allocator.AllocEntries(minSize)
	}

	bid := s.bucketID(hc)

	// Flat attempt first, with one grow retry if utilization has hit
	// 1.0 and no flat slot is free.
	for j := 0; j < 2; j++ {
		if e := s.findEmptyAround(bid); e >= 0 {
			s.objUsed += s.pushFrontData(&s.entries[e], obj, hasTTL)
			if e != int(bid) {
				s.entries[e].setDisplaced(e - int(bid))
				if s.metrics != nil {
					s.metrics.insertDisplaced.Inc()
				}
			} else if s.metrics != nil {
				s.metrics.insertFlat.Inc()
			}
			s.size++
			return
		}

		if s.size < len(s.entries) {
			break
		}

		s.resize(len(s.entries) * 2)
		bid = s.bucketID(hc)
	}

	// The home bucket is occupied. If its head is displaced, rotate:
	// pop the displaced head out, take its slot (we are home here), and
	// carry the evicted entry towards its own home, repeating if that
	// home's head is displaced too. Each step settles one displaced
	// entry at its home, so the walk terminates.
	toInsert := DensePtr{ptr: obj}
	if hasTTL {
		toInsert.tag |= tagTTL
	}

	for !s.entries[bid].IsEmpty() && s.entries[bid].IsDisplaced() {
		evicted := s.popPtrFront(&s.entries[bid])
		s.pushFrontPtr(&s.entries[bid], toInsert)

		toInsert = evicted
		bid = uint32(int(bid) - evicted.displacedDirection())
		if correct := s.objBucketID(toInsert.Object(), 0); correct != bid {
			s.logger.Error("dense set: displaced entry walks to wrong bucket",
				zap.Uint32("bucket", bid),
				zap.Uint32("home", correct))
		}
	}

	toInsert.clearDisplaced()
	cell := &s.entries[bid]
	chained := !cell.IsEmpty()
	s.pushFrontPtr(cell, toInsert)
	s.objUsed += s.policy.AllocSize(obj)
	s.size++
	if s.metrics != nil {
		if chained {
			s.metrics.insertChained.Inc()
		} else {
			s.metrics.insertFlat.Inc()
		}
	}
}

// find probes for an entry equal to probe under cookie, starting from
// home bucket bid. It checks bid, then the two neighbors (a displaced
// match is cheaper to hit than a long chain walk), then walks the chain
// at bid. Returns the bucket the entry was found in, the predecessor
// chain cell (nil for heads), and the entry's cell, or (0, nil, nil).
func (s *Set) find(probe unsafe.Pointer, bid uint32, cookie uint32) (uint32, *DensePtr, *DensePtr) {
	curr := &s.entries[bid]
	s.expireIfNeeded(nil, curr)
	if s.equalAt(*curr, probe, cookie) {
		return bid, nil, curr
	}

	if bid > 0 {
		curr = &s.entries[bid-1]
		s.expireIfNeeded(nil, curr)
		if s.equalAt(*curr, probe, cookie) {
			return bid - 1, nil, curr
		}
	}

	if int(bid)+1 < len(s.entries) {
		curr = &s.entries[bid+1]
		s.expireIfNeeded(nil, curr)
		if s.equalAt(*curr, probe, cookie) {
			return bid + 1, nil, curr
		}
	}

	prev := &s.entries[bid]
	curr = prev.next()
	for curr != nil {
		s.expireIfNeeded(prev, curr)
		if s.equalAt(*curr, probe, cookie) {
			return bid, prev, curr
		}
		prev = curr
		curr = curr.next()
	}

	return 0, nil, nil
}

// Find returns the cell of the entry equal to probe under cookie, or
// nil. Cookie 0 means probe is an object of the set's own kind;
// non-zero cookies are policy-defined probe encodings.
func (s *Set) Find(probe unsafe.Pointer, cookie uint32) *DensePtr {
	if len(s.entries) == 0 {
		return nil
	}
	bid := s.bucketID(s.policy.Hash(probe, cookie))
	_, _, curr := s.find(probe, bid, cookie)
	if s.metrics != nil {
		if curr != nil {
			s.metrics.findFound.Inc()
		} else {
			s.metrics.findMissed.Inc()
		}
	}
	return curr
}

// Erase removes the entry equal to probe under cookie, destroying its
// object. Reports whether an entry was removed.
func (s *Set) Erase(probe unsafe.Pointer, cookie uint32) bool {
	if len(s.entries) == 0 {
		return false
	}
	bid := s.bucketID(s.policy.Hash(probe, cookie))
	_, prev, curr := s.find(probe, bid, cookie)
	if curr == nil {
		return false
	}
	s.deleteCell(prev, curr)
	s.checkInvariants()
	return true
}

// PopFront removes and returns an arbitrary object from the set,
// transferring ownership to the caller (Destroy is not invoked).
// Returns nil when the set is empty.
func (s *Set) PopFront() unsafe.Pointer {
	i := 0
	for {
		for i < len(s.entries) && s.entries[i].IsEmpty() {
			i++
		}
		if i == len(s.entries) {
			return nil
		}
		s.expireIfNeeded(nil, &s.entries[i])
		if !s.entries[i].IsEmpty() {
			break
		}
	}

	cell := &s.entries[i]
	s.objUsed -= s.policy.AllocSize(cell.Object())
	obj := s.popDataFront(cell)
	s.size--
	s.checkInvariants()
	return obj
}

// Clear removes and destroys every entry and releases the bucket array
// back to the allocator. Clear must be called before a Set holding
// owned objects is dropped.
func (s *Set) Clear() {
	for i := range s.entries {
		cell := &s.entries[i]
		for !cell.IsEmpty() {
			hadTTL := cell.HasTTL()
			obj := s.popDataFront(cell)
			s.policy.Destroy(obj, hadTTL)
		}
	}
	if s.entries != nil {
		s.allocator.FreeEntries(s.entries)
	}
	s.entries = nil
	s.capacityLog = 0
	s.size = 0
	s.numUsedBuckets = 0
	s.numChainEntries = 0
	s.objUsed = 0
}
