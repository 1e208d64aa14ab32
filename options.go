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

import "go.uber.org/zap"

// option provide an interface to do work on Set while it is being created.
type option interface {
	apply(s *Set)
}

// Allocator specifies an interface for allocating and releasing memory
// used by a Set: the flat bucket array and the LinkKey chain nodes. The
// default allocator utilizes Go's builtin make() and allows the GC to
// reclaim memory.
//
// Allocation failure has no recovery path; an allocator that can fail
// should panic.
type Allocator interface {
	// AllocEntries should return a slice equivalent to make([]DensePtr, n).
	AllocEntries(n int) []DensePtr

	// FreeEntries can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocEntries.
	FreeEntries(v []DensePtr)

	// AllocLink should return a zeroed chain node.
	AllocLink() *LinkKey

	// FreeLink can optionally recycle a node that is guaranteed to have
	// been allocated by AllocLink and is no longer referenced.
	FreeLink(l *LinkKey)
}

type defaultAllocator struct{}

func (defaultAllocator) AllocEntries(n int) []DensePtr {
	return make([]DensePtr, n)
}

func (defaultAllocator) FreeEntries(v []DensePtr) {
}

func (defaultAllocator) AllocLink() *LinkKey {
	return &LinkKey{}
}

func (defaultAllocator) FreeLink(l *LinkKey) {
}

// poolingAllocator keeps reclaimed chain nodes on a free list. Chains
// churn under expiry-heavy workloads and the nodes are all the same
// size, so a trivial pool removes most of the allocation traffic. Not
// goroutine-safe, matching the single-writer model of Set.
type poolingAllocator struct {
	free []*LinkKey
}

// NewPoolingAllocator returns an Allocator that recycles chain nodes
// through a free list.
func NewPoolingAllocator() Allocator {
	return &poolingAllocator{}
}

func (a *poolingAllocator) AllocEntries(n int) []DensePtr {
	return make([]DensePtr, n)
}

func (a *poolingAllocator) FreeEntries(v []DensePtr) {
}

func (a *poolingAllocator) AllocLink() *LinkKey {
	if n := len(a.free); n > 0 {
		l := a.free[n-1]
		a.free = a.free[:n-1]
		return l
	}
	return &LinkKey{}
}

func (a *poolingAllocator) FreeLink(l *LinkKey) {
	a.free = append(a.free, l)
}

type allocatorOption struct {
	allocator Allocator
}

func (op allocatorOption) apply(s *Set) {
	s.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Set.
func WithAllocator(allocator Allocator) option {
	return allocatorOption{allocator}
}

type loggerOption struct {
	logger *zap.Logger
}

func (op loggerOption) apply(s *Set) {
	s.logger = op.logger
}

// WithLogger is an option to route the set's diagnostics to the given
// logger. The set only logs when an internal consistency guard trips;
// by default diagnostics are discarded.
func WithLogger(logger *zap.Logger) option {
	return loggerOption{logger}
}
