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
	"math/rand"
	"testing"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/require"
)

// stringProbeCookie marks a probe passed as *string rather than
// *testObj.
const stringProbeCookie = 1

type testObj struct {
	id       int
	key      string
	hash     uint64 // 0 means hash the key
	expireAt uint32
}

// testPolicy counts Destroy calls per object id so tests can assert the
// destroy-exactly-once contract.
type testPolicy struct {
	nextID    int
	destroyed map[int]int
}

func newTestPolicy() *testPolicy {
	return &testPolicy{destroyed: map[int]int{}}
}

func (p *testPolicy) obj(key string) *testObj {
	p.nextID++
	return &testObj{id: p.nextID, key: key}
}

// riggedObj returns an object with a fixed hash, used to force homes
// and collisions.
func (p *testPolicy) riggedObj(key string, hash uint64) *testObj {
	o := p.obj(key)
	o.hash = hash
	return o
}

func (p *testPolicy) Hash(obj unsafe.Pointer, cookie uint32) uint64 {
	if cookie == stringProbeCookie {
		return xxhash.Sum64String(*(*string)(obj))
	}
	o := (*testObj)(obj)
	if o.hash != 0 {
		return o.hash
	}
	return xxhash.Sum64String(o.key)
}

func (p *testPolicy) Equal(a, b unsafe.Pointer, cookie uint32) bool {
	oa := (*testObj)(a)
	if cookie == stringProbeCookie {
		return oa.key == *(*string)(b)
	}
	return oa.key == (*testObj)(b).key
}

func (p *testPolicy) AllocSize(obj unsafe.Pointer) uintptr {
	return uintptr(len((*testObj)(obj).key)) + 16
}

func (p *testPolicy) ExpireTime(obj unsafe.Pointer) uint32 {
	return (*testObj)(obj).expireAt
}

func (p *testPolicy) Destroy(obj unsafe.Pointer, hadTTL bool) {
	p.destroyed[(*testObj)(obj).id]++
}

func up(o *testObj) unsafe.Pointer { return unsafe.Pointer(o) }

// homeHash returns a hash whose home bucket is bid in a table of
// 1<<capacityLog buckets, with low bits varied by salt so objects stay
// distinguishable as the table grows.
func homeHash(bid uint32, capacityLog uint, salt uint64) uint64 {
	return uint64(bid)<<(64-capacityLog) | salt
}

func collect(s *Set) map[string]int {
	r := make(map[string]int)
	s.All(func(obj unsafe.Pointer) bool {
		r[(*testObj)(obj).key]++
		return true
	})
	return r
}

func TestAddFindErase(t *testing.T) {
	p := newTestPolicy()
	s := New(p, 0)
	defer s.Clear()

	objs := make([]*testObj, 100)
	for i := range objs {
		objs[i] = p.obj(fmt.Sprintf("key-%d", i))
		require.Nil(t, s.AddOrFind(up(objs[i]), false))
	}
	require.Equal(t, 100, s.Len())
	require.NoError(t, s.validate())

	for _, o := range objs {
		cell := s.Find(up(o), 0)
		require.NotNil(t, cell, "key %s", o.key)
		require.Equal(t, up(o), cell.Object())
	}

	// Probe by *string without materializing an object.
	probe := "key-42"
	cell := s.Find(unsafe.Pointer(&probe), stringProbeCookie)
	require.NotNil(t, cell)
	require.Equal(t, "key-42", (*testObj)(cell.Object()).key)

	missing := "no-such-key"
	require.Nil(t, s.Find(unsafe.Pointer(&missing), stringProbeCookie))

	for i, o := range objs {
		require.True(t, s.Erase(up(o), 0))
		require.False(t, s.Erase(up(o), 0))
		require.Nil(t, s.Find(up(o), 0))
		require.Equal(t, 100-i-1, s.Len())
		require.Equal(t, 1, p.destroyed[o.id])
	}
	require.NoError(t, s.validate())
	require.Equal(t, 0, s.BucketCount())
	require.Equal(t, 0, s.ChainCount())
	require.EqualValues(t, 0, s.ObjBytes())
}

func TestAddOrFindExisting(t *testing.T) {
	p := newTestPolicy()
	s := New(p, 0)
	defer s.Clear()

	a := p.obj("dup")
	b := p.obj("dup")
	require.Nil(t, s.AddOrFind(up(a), false))
	cell := s.AddOrFind(up(b), false)
	require.NotNil(t, cell)
	require.Equal(t, up(a), cell.Object())
	require.Equal(t, 1, s.Len())
}

func TestAddOrReplace(t *testing.T) {
	p := newTestPolicy()
	s := New(p, 0)
	defer s.Clear()

	a := p.obj("k")
	require.Nil(t, s.AddOrReplace(up(a), false))

	b := p.obj("k")
	prev := s.AddOrReplace(up(b), false)
	require.Equal(t, up(a), prev)
	require.Equal(t, 1, s.Len())

	// Replacing again returns the previous object, idempotently.
	c := p.obj("k")
	prev = s.AddOrReplace(up(c), false)
	require.Equal(t, up(b), prev)
	require.Equal(t, 1, s.Len())

	cell := s.Find(up(c), 0)
	require.NotNil(t, cell)
	require.Equal(t, up(c), cell.Object())
}

// TestRandomOpsOracle cross-checks a random add/erase sequence against
// the builtin map and revalidates the structural invariants as it goes.
func TestRandomOpsOracle(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	p := newTestPolicy()
	s := New(p, 0, WithAllocator(NewPoolingAllocator()))

	oracle := make(map[string]*testObj)
	released := make(map[int]bool) // ownership handed back to the caller

	for i := 0; i < 4000; i++ {
		key := fmt.Sprintf("key-%d", rng.Intn(512))
		switch rng.Intn(3) {
		case 0, 1:
			o := p.obj(key)
			prev := s.AddOrReplace(up(o), false)
			if old, ok := oracle[key]; ok {
				require.Equal(t, up(old), prev)
				released[old.id] = true
			} else {
				require.Nil(t, prev)
			}
			oracle[key] = o
		case 2:
			o, ok := oracle[key]
			probe := key
			erased := s.Erase(unsafe.Pointer(&probe), stringProbeCookie)
			require.Equal(t, ok, erased)
			if ok {
				delete(oracle, key)
				require.Equal(t, 1, p.destroyed[o.id])
			}
		}

		require.Equal(t, len(oracle), s.Len())
		if i%64 == 0 {
			require.NoError(t, s.validate())
		}
	}
	require.NoError(t, s.validate())

	seen := collect(s)
	require.Equal(t, len(oracle), len(seen))
	for key := range oracle {
		require.Equal(t, 1, seen[key], "key %s", key)
	}

	s.Clear()

	// Every object the set ever owned was destroyed exactly once;
	// objects returned to the caller by AddOrReplace were not.
	for id := 1; id <= p.nextID; id++ {
		want := 1
		if released[id] {
			want = 0
		}
		require.Equal(t, want, p.destroyed[id], "object %d", id)
	}
}

// TestDisplacement pins the flat insert order with a size-4 table and
// three entries whose hashes share home bucket 1: the first lands at
// home, the second is displaced right, the third left.
func TestDisplacement(t *testing.T) {
	p := newTestPolicy()
	s := New(p, 4)
	defer s.Clear()
	require.Equal(t, 4, s.Capacity())

	a := p.riggedObj("a", homeHash(1, 2, 1))
	b := p.riggedObj("b", homeHash(1, 2, 2))
	c := p.riggedObj("c", homeHash(1, 2, 3))
	require.Nil(t, s.AddOrFind(up(a), false))
	require.Nil(t, s.AddOrFind(up(b), false))
	require.Nil(t, s.AddOrFind(up(c), false))

	require.Equal(t, up(a), s.entries[1].Object())
	require.False(t, s.entries[1].IsDisplaced())

	require.Equal(t, up(b), s.entries[2].Object())
	require.True(t, s.entries[2].IsDisplaced())
	require.Equal(t, 1, s.entries[2].displacedDirection())

	require.Equal(t, up(c), s.entries[0].Object())
	require.True(t, s.entries[0].IsDisplaced())
	require.Equal(t, -1, s.entries[0].displacedDirection())

	for _, o := range []*testObj{a, b, c} {
		require.NotNil(t, s.Find(up(o), 0))
	}
	require.Equal(t, 3, s.BucketCount())
	require.Equal(t, 0, s.ChainCount())
	require.NoError(t, s.validate())
}

// TestChainOverflow extends TestDisplacement with a fourth entry homed
// at bucket 1: all flat slots are gone and the load factor is below
// 1.0, so the entry chains at its home.
func TestChainOverflow(t *testing.T) {
	p := newTestPolicy()
	s := New(p, 4)
	defer s.Clear()

	for i, key := range []string{"a", "b", "c"} {
		require.Nil(t, s.AddOrFind(up(p.riggedObj(key, homeHash(1, 2, uint64(i+1)))), false))
	}

	d := p.riggedObj("d", homeHash(1, 2, 4))
	require.Nil(t, s.AddOrFind(up(d), false))

	require.Equal(t, 4, s.Capacity())
	require.Equal(t, 4, s.Len())
	require.Equal(t, 3, s.BucketCount())
	require.Equal(t, 1, s.ChainCount())
	require.NotNil(t, s.Find(up(d), 0))
	require.NoError(t, s.validate())
}

// TestGrowRedistribution loads 16 entries whose hashes are distinct at
// 16 buckets but collide pairwise at 8 buckets and four to a bucket at
// 4. The table must double
// until every entry sits flat at its exact home with no displacement
// left.
func TestGrowRedistribution(t *testing.T) {
	p := newTestPolicy()
	s := New(p, 4)
	defer s.Clear()

	objs := make([]*testObj, 16)
	for i := range objs {
		objs[i] = p.riggedObj(fmt.Sprintf("g-%d", i), homeHash(uint32(i), 4, uint64(i+1)))
		require.Nil(t, s.AddOrFind(up(objs[i]), false))
	}

	require.Equal(t, 16, s.Capacity())
	require.Equal(t, 16, s.Len())
	require.Equal(t, 16, s.BucketCount())
	require.Equal(t, 0, s.ChainCount())

	for i, o := range objs {
		cell := s.Find(up(o), 0)
		require.NotNil(t, cell, "key %s", o.key)
		require.Equal(t, up(o), s.entries[i].Object())
		require.False(t, s.entries[i].IsDisplaced())
	}
	require.NoError(t, s.validate())
}

func TestReserve(t *testing.T) {
	p := newTestPolicy()
	s := New(p, 0)
	defer s.Clear()

	s.Reserve(100)
	require.Equal(t, 128, s.Capacity())

	for i := 0; i < 100; i++ {
		require.Nil(t, s.AddOrFind(up(p.obj(fmt.Sprintf("r-%d", i))), false))
	}
	require.NoError(t, s.validate())

	// Reserving below the current capacity is a no-op.
	s.Reserve(8)
	require.Equal(t, 128, s.Capacity())

	s.Reserve(1)
	require.Equal(t, 128, s.Capacity())
}

// TestLazyEviction checks that entries past their expiration are
// invisible to lookups and destroyed by the first operation that
// touches their bucket.
func TestLazyEviction(t *testing.T) {
	p := newTestPolicy()
	s := New(p, 0)
	defer s.Clear()

	o := p.obj("mortal")
	o.expireAt = 10
	require.Nil(t, s.AddOrFind(up(o), true))

	s.SetTime(9)
	require.NotNil(t, s.Find(up(o), 0))
	require.Equal(t, 0, p.destroyed[o.id])

	s.SetTime(10)
	require.Nil(t, s.Find(up(o), 0))
	require.Equal(t, 1, p.destroyed[o.id])
	require.Equal(t, 0, s.Len())
	require.EqualValues(t, 0, s.ObjBytes())
	require.NoError(t, s.validate())
}

func TestExpiryInChains(t *testing.T) {
	p := newTestPolicy()
	s := New(p, 8)
	defer s.Clear()

	// Five entries homed at bucket 1: the three flat slots plus a
	// two-link chain, with room to spare so the table does not grow.
	objs := make([]*testObj, 5)
	for i := range objs {
		objs[i] = p.riggedObj(fmt.Sprintf("c-%d", i), homeHash(1, 3, uint64(i+1)))
		objs[i].expireAt = uint32(10 + i)
		require.Nil(t, s.AddOrFind(up(objs[i]), true))
	}
	require.Equal(t, 2, s.ChainCount())

	// Expire the three oldest; iteration must see exactly the rest.
	// The chain tail and both displaced neighbors expire, folding one
	// link back into a plain cell.
	s.SetTime(12)
	seen := collect(s)
	require.Equal(t, 2, len(seen))
	require.Equal(t, 1, seen["c-3"])
	require.Equal(t, 1, seen["c-4"])
	require.Equal(t, 2, s.Len())
	require.Equal(t, 1, s.ChainCount())
	require.NoError(t, s.validate())
	for i := 0; i < 3; i++ {
		require.Equal(t, 1, p.destroyed[objs[i].id])
	}
}

func TestIterator(t *testing.T) {
	p := newTestPolicy()
	s := New(p, 0)
	defer s.Clear()

	it := s.Iter()
	require.True(t, it.Done())

	keys := make(map[string]bool)
	for i := 0; i < 300; i++ {
		key := fmt.Sprintf("it-%d", i)
		keys[key] = true
		require.Nil(t, s.AddOrFind(up(p.obj(key)), false))
	}

	n := 0
	for it := s.Iter(); !it.Done(); it.Advance() {
		require.True(t, keys[(*testObj)(it.Object()).key])
		n++
	}
	require.Equal(t, s.Len(), n)
}

// TestPopDrains drains the set through PopFront. Ownership of popped
// objects transfers to the caller, so Destroy must not run.
func TestPopDrains(t *testing.T) {
	p := newTestPolicy()
	s := New(p, 0)

	objs := make(map[int]bool)
	for i := 0; i < 100; i++ {
		o := p.obj(fmt.Sprintf("pop-%d", i))
		objs[o.id] = false
		require.Nil(t, s.AddOrFind(up(o), false))
	}

	for i := 0; i < 100; i++ {
		obj := s.PopFront()
		require.NotNil(t, obj)
		o := (*testObj)(obj)
		require.False(t, objs[o.id], "object %s popped twice", o.key)
		objs[o.id] = true
	}

	require.Nil(t, s.PopFront())
	require.Equal(t, 0, s.Len())
	require.Equal(t, 0, s.BucketCount())
	require.Equal(t, 0, s.ChainCount())
	require.EqualValues(t, 0, s.ObjBytes())
	for id, popped := range objs {
		require.True(t, popped)
		require.Equal(t, 0, p.destroyed[id])
	}
}

func TestClear(t *testing.T) {
	p := newTestPolicy()
	s := New(p, 0)

	objs := make([]*testObj, 50)
	for i := range objs {
		objs[i] = p.obj(fmt.Sprintf("cl-%d", i))
		hasTTL := i%2 == 0
		if hasTTL {
			objs[i].expireAt = 1 << 30
		}
		require.Nil(t, s.AddOrFind(up(objs[i]), hasTTL))
	}

	s.Clear()
	require.Equal(t, 0, s.Len())
	require.Equal(t, 0, s.Capacity())
	require.Equal(t, 0, s.BucketCount())
	require.Equal(t, 0, s.ChainCount())
	require.EqualValues(t, 0, s.ObjBytes())
	for _, o := range objs {
		require.Equal(t, 1, p.destroyed[o.id])
	}

	// The set is reusable after Clear.
	require.Nil(t, s.AddOrFind(up(p.obj("again")), false))
	require.Equal(t, 1, s.Len())
	s.Clear()
}
