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

// Iterator walks every live entry of a Set in bucket order, skipping
// empty cells and lazily expiring TTL'd entries as it passes them. Any
// mutation of the set other than the iterator's own expiry invalidates
// the iterator.
type Iterator struct {
	owner  *Set
	bucket int
	curr   *DensePtr
}

// Iter returns an iterator positioned at the first live entry, or an
// exhausted iterator for an empty set.
func (s *Set) Iter() Iterator {
	it := Iterator{owner: s}
	if len(s.entries) == 0 {
		it.owner = nil
		return it
	}
	it.curr = &s.entries[0]
	s.expireIfNeeded(nil, it.curr)
	if it.curr.IsEmpty() {
		it.Advance()
	}
	return it
}

// Done reports whether the iterator has passed the last entry.
func (it *Iterator) Done() bool { return it.owner == nil }

// Object returns the object at the iterator's position. Invalid once
// Done.
func (it *Iterator) Object() unsafe.Pointer { return it.curr.Object() }

// HasTTL reports whether the entry at the iterator's position carries
// an expiration time.
func (it *Iterator) HasTTL() bool { return it.curr.HasTTL() }

// Advance moves to the next live entry: within the current chain if
// there is one, otherwise to the head of the next non-empty bucket.
func (it *Iterator) Advance() {
	steppedLink := false
	if it.curr != nil && it.curr.IsLink() {
		l := it.curr.asLink()
		// Expiry of the chain tail may fold the current cell back into
		// a bare object, in which case the chain is finished and we
		// step to the next bucket instead.
		if !it.owner.expireIfNeeded(it.curr, &l.next) || it.curr.IsLink() {
			it.curr = &l.next
			steppedLink = true
		}
	}

	if !steppedLink {
		for {
			it.bucket++
			if it.bucket >= len(it.owner.entries) {
				it.owner = nil
				it.curr = nil
				return
			}
			curr := &it.owner.entries[it.bucket]
			it.owner.expireIfNeeded(nil, curr)
			if !curr.IsEmpty() {
				it.curr = curr
				break
			}
		}
	}
}

// All calls fn for every live entry until fn returns false. It is
// shorthand for driving an Iterator by hand.
func (s *Set) All(fn func(obj unsafe.Pointer) bool) {
	for it := s.Iter(); !it.Done(); it.Advance() {
		if !fn(it.Object()) {
			return
		}
	}
}
