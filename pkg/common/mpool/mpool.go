// Copyright 2023 Strata Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mpool implements the byte-budgeted allocator every transient
// per-session structure (packed tables, group stat vectors) draws from.
// A pool enforces a hard cap: when the budget cannot grant an allocation
// the caller gets ErrOOM, never a silently smaller buffer.
package mpool

import (
	"context"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/stratadb/strata/pkg/common/sterr"
)

const (
	kMemHdrSz = 16

	allocMagic uint64 = 0xDEADBEEFDEADBEEF
	freedMagic uint64 = 0xFEEDFACEFEEDFACE
)

// memHdr sits immediately before every allocation handed out by a pool.
// It carries the allocation size for budget bookkeeping and a magic word
// used to detect frees of foreign or already-freed memory.
type memHdr struct {
	allocSz int64
	magic   uint64
}

// MPoolStats are cumulative counters, safe for concurrent readers.
type MPoolStats struct {
	NumAlloc      atomic.Int64
	NumFree       atomic.Int64
	NumAllocBytes atomic.Int64
	NumFreeBytes  atomic.Int64
	NumCurrBytes  atomic.Int64
	HighWaterMark atomic.Int64
}

func (s *MPoolStats) RecordAlloc(sz int64) int64 {
	s.NumAlloc.Add(1)
	s.NumAllocBytes.Add(sz)
	curr := s.NumCurrBytes.Add(sz)
	for {
		hwm := s.HighWaterMark.Load()
		if curr <= hwm {
			break
		}
		if s.HighWaterMark.CompareAndSwap(hwm, curr) {
			break
		}
	}
	return curr
}

func (s *MPoolStats) RecordFree(sz int64) {
	s.NumFree.Add(1)
	s.NumFreeBytes.Add(sz)
	s.NumCurrBytes.Add(-sz)
}

// MPool is a named memory budget. Cap <= 0 means unlimited.
type MPool struct {
	name  string
	cap   int64
	stats MPoolStats
}

func NewMPool(name string, cap int64) *MPool {
	return &MPool{name: name, cap: cap}
}

func (mp *MPool) Name() string {
	return mp.name
}

func (mp *MPool) Cap() int64 {
	return mp.cap
}

func (mp *MPool) Stats() *MPoolStats {
	return &mp.stats
}

// Alloc grants sz bytes from the budget, or ErrOOM if the pool cap would
// be exceeded. sz == 0 returns a nil slice and no error.
func (mp *MPool) Alloc(sz int) ([]byte, error) {
	if sz < 0 {
		return nil, sterr.NewInvalidInput(context.TODO(), "mpool alloc size %d", sz)
	}
	if sz == 0 {
		return nil, nil
	}
	need := int64(sz + kMemHdrSz)
	if mp.cap > 0 && mp.stats.NumCurrBytes.Load()+need > mp.cap {
		return nil, sterr.NewOOM(context.TODO())
	}
	curr := mp.stats.RecordAlloc(need)
	if mp.cap > 0 && curr > mp.cap {
		// lost the race against a concurrent alloc
		mp.stats.RecordFree(need)
		return nil, sterr.NewOOM(context.TODO())
	}

	buf := make([]byte, need)
	hdr := (*memHdr)(unsafe.Pointer(&buf[0]))
	hdr.allocSz = int64(sz)
	hdr.magic = allocMagic
	return buf[kMemHdrSz:], nil
}

// Free returns bs to the budget. Freeing nil or empty is a no-op. Freeing
// memory that did not come from a pool, or freeing the same allocation
// twice, is a logic error and panics.
func (mp *MPool) Free(bs []byte) {
	if len(bs) == 0 {
		return
	}
	hdr := (*memHdr)(unsafe.Pointer(uintptr(unsafe.Pointer(&bs[0])) - kMemHdrSz))
	switch hdr.magic {
	case allocMagic:
	case freedMagic:
		panic(fmt.Sprintf("mpool %s: double free of %d bytes", mp.name, hdr.allocSz))
	default:
		panic(fmt.Sprintf("mpool %s: free of foreign memory", mp.name))
	}
	hdr.magic = freedMagic
	mp.stats.RecordFree(hdr.allocSz + kMemHdrSz)
}

// MustNewZero returns an unlimited pool for places that have no budget to
// enforce, e.g. tests and tools.
func MustNewZero(name string) *MPool {
	return NewMPool(name, 0)
}
