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

import (
	"fmt"
	"strings"
)

// checkInvariants walks the whole table when the invariants build flag
// is enabled. Called at the end of every mutating public operation
// except Clear, so it must stay out of the compiled hot path by default.
func (s *Set) checkInvariants() {
	if invariants {
		if err := s.validate(); err != nil {
			panic(fmt.Sprintf("invariant failed: %v\n%s", err, s.debugString()))
		}
	}
}

// validate verifies the structural invariants of the table:
//
//  1. size matches the number of objects reachable from the buckets.
//  2. numUsedBuckets matches the number of non-empty heads.
//  3. numChainEntries matches the number of link cells.
//  4. every live object sits at its home bucket or one next to it, and
//     a displaced cell's direction encodes exactly bucket-minus-home.
//  5. a chain head is never displaced, nor is any interior cell.
func (s *Set) validate() error {
	var size, usedBuckets, chainEntries int
	for i := range s.entries {
		head := &s.entries[i]
		if head.IsEmpty() {
			if head.tag != 0 {
				return fmt.Errorf("bucket %d: empty cell with tag %#x", i, head.tag)
			}
			continue
		}
		usedBuckets++
		if head.IsLink() && head.IsDisplaced() {
			return fmt.Errorf("bucket %d: chain head is displaced", i)
		}

		depth := 0
		for cell := head; cell != nil; cell = cell.next() {
			if cell.IsEmpty() {
				return fmt.Errorf("bucket %d: empty cell inside chain at depth %d", i, depth)
			}
			if cell != head && cell.IsDisplaced() {
				return fmt.Errorf("bucket %d: interior cell displaced at depth %d", i, depth)
			}
			if cell.IsLink() {
				chainEntries++
			}
			size++

			home := int(s.objBucketID(cell.Object(), 0))
			delta := i - home
			if cell.IsDisplaced() {
				if delta != cell.displacedDirection() {
					return fmt.Errorf("bucket %d: displaced cell home %d direction %d",
						i, home, cell.displacedDirection())
				}
			} else if delta != 0 {
				return fmt.Errorf("bucket %d: undisplaced cell with home %d", i, home)
			}
			depth++
		}
	}

	if size != s.size {
		return fmt.Errorf("found %d objects, but size is %d", size, s.size)
	}
	if usedBuckets != s.numUsedBuckets {
		return fmt.Errorf("found %d used buckets, but count is %d", usedBuckets, s.numUsedBuckets)
	}
	if chainEntries != s.numChainEntries {
		return fmt.Errorf("found %d chain entries, but count is %d", chainEntries, s.numChainEntries)
	}
	return nil
}

func (s *Set) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  size=%d  used-buckets=%d  chain-entries=%d\n",
		len(s.entries), s.size, s.numUsedBuckets, s.numChainEntries)
	for i := range s.entries {
		head := &s.entries[i]
		if head.IsEmpty() {
			continue
		}
		fmt.Fprintf(&buf, "  %4d:", i)
		for cell := head; cell != nil; cell = cell.next() {
			kind := "obj"
			if cell.IsLink() {
				kind = "link"
			}
			fmt.Fprintf(&buf, " [%s home=%d displaced=%t ttl=%t]",
				kind, s.objBucketID(cell.Object(), 0), cell.IsDisplaced(), cell.HasTTL())
		}
		fmt.Fprintf(&buf, "\n")
	}
	return buf.String()
}
