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

// Policy supplies the object-interpretation hooks of a Set. The set
// stores opaque pointers; everything it needs to know about them goes
// through these hooks.
//
// Hooks must not re-enter the set they operate on.
type Policy interface {
	// Hash returns a 64-bit hash of obj, deterministic over the object.
	// The hash must spread entropy into its high bits: home buckets are
	// derived from the top bits of the hash.
	//
	// cookie is an opaque per-query value, 0 for objects stored in the
	// set. Non-zero cookies let callers probe with a different
	// representation of the key (for example a *string probing a set of
	// heap entries) without materializing an object; Hash and Equal
	// must agree on the encoding.
	Hash(obj unsafe.Pointer, cookie uint32) uint64

	// Equal reports whether the stored object a matches b, where b is
	// an object when cookie == 0 and a policy-defined probe otherwise.
	Equal(a, b unsafe.Pointer, cookie uint32) bool

	// AllocSize returns the memory accounted to obj. Used only for the
	// ObjBytes counter.
	AllocSize(obj unsafe.Pointer) uintptr

	// ExpireTime returns obj's expiration on the set's logical clock.
	// Consulted only for entries inserted with hasTTL set.
	ExpireTime(obj unsafe.Pointer) uint32

	// Destroy releases obj. Invoked exactly once by the set when it
	// gives the entry up: erase, expiry, or Clear. hadTTL reports
	// whether the entry carried a TTL at that point; the expiry and
	// erase paths pass false because the caller has already decided
	// expiry does not apply.
	Destroy(obj unsafe.Pointer, hadTTL bool)
}
