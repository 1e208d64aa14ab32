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
)

var benchCases = []int{16, 1024, 65536}

func benchObjs(p *testPolicy, n int) []*testObj {
	rng := rand.New(rand.NewSource(int64(n)))
	objs := make([]*testObj, n)
	for i := range objs {
		objs[i] = p.obj(fmt.Sprintf("bench-%d-%d", i, rng.Int63()))
	}
	return objs
}

func BenchmarkGetHit(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		for _, n := range benchCases {
			b.Run(fmt.Sprintf("n=%d", n), func(b *testing.B) {
				p := newTestPolicy()
				objs := benchObjs(p, n)
				m := make(map[string]*testObj, n)
				for _, o := range objs {
					m[o.key] = o
				}
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					if m[objs[i%n].key] == nil {
						b.Fatal("missing key")
					}
				}
			})
		}
	})
	b.Run("impl=denseSet", func(b *testing.B) {
		for _, n := range benchCases {
			b.Run(fmt.Sprintf("n=%d", n), func(b *testing.B) {
				p := newTestPolicy()
				objs := benchObjs(p, n)
				s := New(p, 0)
				for _, o := range objs {
					s.AddOrFind(up(o), false)
				}
				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					if s.Find(up(objs[i%n]), 0) == nil {
						b.Fatal("missing key")
					}
				}
				b.StopTimer()
				s.Clear()
			})
		}
	})
}

func BenchmarkGetHitStringProbe(b *testing.B) {
	for _, n := range benchCases {
		b.Run(fmt.Sprintf("n=%d", n), func(b *testing.B) {
			p := newTestPolicy()
			objs := benchObjs(p, n)
			s := New(p, 0)
			keys := make([]string, n)
			for i, o := range objs {
				s.AddOrFind(up(o), false)
				keys[i] = o.key
			}
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if s.Find(unsafe.Pointer(&keys[i%n]), stringProbeCookie) == nil {
					b.Fatal("missing key")
				}
			}
			b.StopTimer()
			s.Clear()
		})
	}
}

func BenchmarkPutGrow(b *testing.B) {
	for _, n := range benchCases {
		b.Run(fmt.Sprintf("n=%d", n), func(b *testing.B) {
			p := newTestPolicy()
			objs := benchObjs(p, n)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				s := New(p, 0, WithAllocator(NewPoolingAllocator()))
				for _, o := range objs {
					s.AddOrFind(up(o), false)
				}
				b.StopTimer()
				s.Clear()
				b.StartTimer()
			}
		})
	}
}

func BenchmarkPutPreAllocate(b *testing.B) {
	for _, n := range benchCases {
		b.Run(fmt.Sprintf("n=%d", n), func(b *testing.B) {
			p := newTestPolicy()
			objs := benchObjs(p, n)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				s := New(p, n, WithAllocator(NewPoolingAllocator()))
				for _, o := range objs {
					s.AddOrFind(up(o), false)
				}
				b.StopTimer()
				s.Clear()
				b.StartTimer()
			}
		})
	}
}

func BenchmarkEraseAddCycle(b *testing.B) {
	for _, n := range benchCases {
		b.Run(fmt.Sprintf("n=%d", n), func(b *testing.B) {
			p := newTestPolicy()
			objs := benchObjs(p, n)
			s := New(p, 0, WithAllocator(NewPoolingAllocator()))
			for _, o := range objs {
				s.AddOrFind(up(o), false)
			}
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				o := objs[i%n]
				s.Erase(up(o), 0)
				s.AddOrFind(up(o), false)
			}
			b.StopTimer()
			s.Clear()
		})
	}
}

func BenchmarkScanLoop(b *testing.B) {
	for _, n := range benchCases {
		b.Run(fmt.Sprintf("n=%d", n), func(b *testing.B) {
			p := newTestPolicy()
			s := New(p, 0)
			for _, o := range benchObjs(p, n) {
				s.AddOrFind(up(o), false)
			}
			b.ResetTimer()
			visited := 0
			for i := 0; i < b.N; i++ {
				cursor := uint32(0)
				for {
					cursor = s.Scan(cursor, func(unsafe.Pointer) {
						visited++
					})
					if cursor == 0 {
						break
					}
				}
			}
			b.StopTimer()
			if visited < n {
				b.Fatalf("scan visited %d of %d", visited, n)
			}
			s.Clear()
		})
	}
}
