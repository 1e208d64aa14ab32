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

package denseset

import "unsafe"

// noItemBelongsBucket reports whether no live entry has bid as its home
// bucket: the bucket head is empty or displaced, and neither neighbor
// is displaced into bid.
func (s *Set) noItemBelongsBucket(bid uint32) bool {
	curr := &s.entries[bid]
	s.expireIfNeeded(nil, curr)
	if !curr.IsEmpty() && !curr.IsDisplaced() {
		return false
	}

	if int(bid)+1 < len(s.entries) {
		right := &s.entries[bid+1]
		s.expireIfNeeded(nil, right)
		if !right.IsEmpty() && right.IsDisplaced() && right.displacedDirection() == 1 {
			return false
		}
	}

	if bid > 0 {
		left := &s.entries[bid-1]
		s.expireIfNeeded(nil, left)
		if !left.IsEmpty() && left.IsDisplaced() && left.displacedDirection() == -1 {
			return false
		}
	}
	return true
}

// Scan visits the entries of one home bucket and returns the cursor for
// the next call, with the guarantees of the Redis SCAN command: a loop
// from cursor 0 back to cursor 0 visits every entry that was present
// for the whole loop at least once and, barring its own insertion or
// deletion, at most twice (displacement is why an entry can be seen a
// second time).
//
// The cursor encodes the next bucket index in its high capacityLog
// bits. Because home buckets come from the high bits of the hash,
// doubling the table splits bucket i into buckets 2i and 2i+1, and a
// cursor taken before the doubling still points exactly past the
// scanned prefix afterwards. No bit-reversal is needed.
func (s *Set) Scan(cursor uint32, cb func(obj unsafe.Pointer)) uint32 {
	if s.capacityLog == 0 {
		return 0
	}

	idx := cursor >> (32 - s.capacityLog)

	// Find the bucket to scan: the first one some live entry calls home.
	for int(idx) < len(s.entries) && s.noItemBelongsBucket(idx) {
		idx++
	}
	if int(idx) == len(s.entries) {
		return 0
	}

	// Home residents first: the head and its chain.
	curr := &s.entries[idx]
	if !curr.IsEmpty() && !curr.IsDisplaced() {
		for {
			cb(curr.Object())
			if !curr.IsLink() {
				break
			}
			// Expiry of the next entry may fold curr into a bare
			// object, ending the chain.
			if s.expireIfNeeded(curr, &curr.asLink().next) && !curr.IsLink() {
				break
			}
			curr = &curr.asLink().next
		}
	}

	// An entry displaced into the left neighbor belongs to this bucket.
	if idx > 0 {
		left := &s.entries[idx-1]
		s.expireIfNeeded(nil, left)
		if left.IsDisplaced() && left.displacedDirection() == -1 {
			cb(left.Object())
		}
	}

	idx++
	if int(idx) >= len(s.entries) {
		return 0
	}

	// And one displaced into the right neighbor.
	right := &s.entries[idx]
	s.expireIfNeeded(nil, right)
	if right.IsDisplaced() && right.displacedDirection() == 1 {
		cb(right.Object())
	}

	return idx << (32 - s.capacityLog)
}
