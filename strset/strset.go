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

// Package strset is a string set with per-member TTL built on the dense
// set substrate. It is the reference Policy implementation and the type
// the demo server stores its members in.
package strset

import (
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/sablekv/denseset"
)

// stringProbeCookie marks a probe passed as a *string instead of a
// *entry, letting lookups avoid materializing an entry.
const stringProbeCookie = 1

// entry is the heap object the dense set stores. expireAt is on the
// owning set's logical clock and meaningful only for members added with
// a TTL.
type entry struct {
	expireAt uint32
	data     string
}

const entryOverhead = unsafe.Sizeof(entry{})

// policy adapts entry to the dense set hooks. Stateless; objects are
// Go-heap allocated and reclaimed by the collector, so Destroy has
// nothing to release.
type policy struct{}

func (policy) Hash(obj unsafe.Pointer, cookie uint32) uint64 {
	if cookie == stringProbeCookie {
		return xxhash.Sum64String(*(*string)(obj))
	}
	return xxhash.Sum64String((*entry)(obj).data)
}

func (policy) Equal(a, b unsafe.Pointer, cookie uint32) bool {
	ea := (*entry)(a)
	if cookie == stringProbeCookie {
		return ea.data == *(*string)(b)
	}
	return ea.data == (*entry)(b).data
}

func (policy) AllocSize(obj unsafe.Pointer) uintptr {
	return entryOverhead + uintptr(len((*entry)(obj).data))
}

func (policy) ExpireTime(obj unsafe.Pointer) uint32 {
	return (*entry)(obj).expireAt
}

func (policy) Destroy(obj unsafe.Pointer, hadTTL bool) {
}

// Set is a set of strings with optional per-member TTL. Not
// goroutine-safe; see the ownership model of package denseset.
type Set struct {
	ds  *denseset.Set
	now uint32
}

// New returns an empty string set. initialCapacity sizes the underlying
// bucket array up front; 0 defers sizing to the first insert.
func New(initialCapacity int) *Set {
	return &Set{
		ds: denseset.New(policy{}, initialCapacity,
			denseset.WithAllocator(denseset.NewPoolingAllocator())),
	}
}

// Dense exposes the underlying dense set, for wiring diagnostics such
// as denseset.NewCollector.
func (s *Set) Dense() *denseset.Set { return s.ds }

// SetTime steps the logical clock TTLs are evaluated against.
func (s *Set) SetTime(now uint32) {
	s.now = now
	s.ds.SetTime(now)
}

// Add inserts member with a TTL of ttl clock ticks, 0 meaning no
// expiry. Reports whether the member was absent. Adding an existing
// member refreshes its TTL.
func (s *Set) Add(member string, ttl uint32) bool {
	e := &entry{data: member}
	hasTTL := ttl > 0
	if hasTTL {
		e.expireAt = s.now + ttl
	}
	prev := s.ds.AddOrReplace(unsafe.Pointer(e), hasTTL)
	return prev == nil
}

// Contains reports whether member is in the set and not expired.
func (s *Set) Contains(member string) bool {
	return s.ds.Find(unsafe.Pointer(&member), stringProbeCookie) != nil
}

// Remove deletes member, reporting whether it was present.
func (s *Set) Remove(member string) bool {
	return s.ds.Erase(unsafe.Pointer(&member), stringProbeCookie)
}

// Pop removes and returns an arbitrary member.
func (s *Set) Pop() (string, bool) {
	obj := s.ds.PopFront()
	if obj == nil {
		return "", false
	}
	return (*entry)(obj).data, true
}

// Len returns the number of live members.
func (s *Set) Len() int { return s.ds.Len() }

// MemoryUsage returns the accounted bytes of all live members.
func (s *Set) MemoryUsage() uintptr { return s.ds.ObjBytes() }

// Scan visits the members of one home bucket and returns the cursor for
// the next call, with Redis SCAN guarantees. A loop from 0 back to 0 is
// a full pass.
func (s *Set) Scan(cursor uint32, fn func(member string)) uint32 {
	return s.ds.Scan(cursor, func(obj unsafe.Pointer) {
		fn((*entry)(obj).data)
	})
}

// Each calls fn for every live member until fn returns false.
func (s *Set) Each(fn func(member string) bool) {
	s.ds.All(func(obj unsafe.Pointer) bool {
		return fn((*entry)(obj).data)
	})
}

// Clear removes every member.
func (s *Set) Clear() { s.ds.Clear() }
