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

// Package groupstats holds the per-term aggregation state of a stats
// pass: a dense numGroups x numStats matrix plus a sparse record of
// which groups were touched, so that per-term reset costs O(touched)
// instead of O(numGroups).
package groupstats

import (
	"math/bits"
	"sort"

	"github.com/stratadb/strata/pkg/common/mpool"
	"github.com/stratadb/strata/pkg/encoding"
)

const wordBits = 64

// Vector accumulates stat sums per group for one term at a time. It is
// reused across every term of a stats pass; Reset between terms only
// walks the groups the previous term touched.
type Vector struct {
	pool     *mpool.MPool
	numStats int

	buf  []byte
	sums []int64

	// touched bitmap, one bit per group, plus the rolling list of
	// dirty word indexes. A word index appears in dirty at most once.
	words []uint64
	dirty []int32

	sorted bool
}

// NewVector allocates accumulation state for numGroups groups and
// numStats stats out of pool.
func NewVector(pool *mpool.MPool, numGroups, numStats int) (*Vector, error) {
	buf, err := pool.Alloc(numGroups * numStats * 8)
	if err != nil {
		return nil, err
	}
	sums := encoding.BytesToInt64Slice(buf)
	for i := range sums {
		sums[i] = 0
	}
	return &Vector{
		pool:     pool,
		numStats: numStats,
		buf:      buf,
		sums:     sums,
		words:    make([]uint64, (numGroups+wordBits-1)/wordBits),
	}, nil
}

func (v *Vector) NumStats() int {
	return v.numStats
}

// Add accumulates val into (group, stat) and records group as touched.
func (v *Vector) Add(group int32, stat int, val int64) {
	v.sums[int(group)*v.numStats+stat] += val
	v.touch(group)
}

// AddDocs accumulates vals[i] into (groups[i], stat) for every document
// whose group is non-zero. Group 0 is the excluded group and never
// contributes.
func (v *Vector) AddDocs(groups []int32, stat int, vals []int64) {
	for i, g := range groups {
		if g == 0 {
			continue
		}
		v.sums[int(g)*v.numStats+stat] += vals[i]
		v.touch(g)
	}
}

// CountDocs bumps (group, stat) by one for every non-zero group. Used
// for the implicit document-count stat.
func (v *Vector) CountDocs(groups []int32, stat int) {
	for _, g := range groups {
		if g == 0 {
			continue
		}
		v.sums[int(g)*v.numStats+stat]++
		v.touch(g)
	}
}

func (v *Vector) touch(group int32) {
	word := int(group) / wordBits
	bit := uint64(1) << (uint(group) % wordBits)
	if v.words[word]&bit == 0 {
		if v.words[word] == 0 {
			v.dirty = append(v.dirty, int32(word))
			v.sorted = false
		}
		v.words[word] |= bit
	}
}

// Stats returns the accumulated stat row of group. The slice aliases the
// vector's storage and is invalidated by Reset.
func (v *Vector) Stats(group int32) []int64 {
	off := int(group) * v.numStats
	return v.sums[off : off+v.numStats]
}

// Touched reports whether any group was touched since the last Reset.
func (v *Vector) Touched() bool {
	return len(v.dirty) > 0
}

// ForEachTouched calls fn for every touched group in ascending group
// order with that group's stat row. It stops and returns fn's error on
// the first failure.
func (v *Vector) ForEachTouched(fn func(group int32, stats []int64) error) error {
	if !v.sorted {
		sort.Slice(v.dirty, func(i, j int) bool { return v.dirty[i] < v.dirty[j] })
		v.sorted = true
	}
	for _, word := range v.dirty {
		w := v.words[word]
		base := int32(word) * wordBits
		for w != 0 {
			g := base + int32(bits.TrailingZeros64(w))
			if err := fn(g, v.Stats(g)); err != nil {
				return err
			}
			w &= w - 1
		}
	}
	return nil
}

// Reset zeroes the rows of every touched group and clears the touched
// set. Cost is proportional to the number of touched groups.
func (v *Vector) Reset() {
	for _, word := range v.dirty {
		w := v.words[word]
		base := int32(word) * wordBits
		for w != 0 {
			g := base + int32(bits.TrailingZeros64(w))
			row := v.Stats(g)
			for i := range row {
				row[i] = 0
			}
			w &= w - 1
		}
		v.words[word] = 0
	}
	v.dirty = v.dirty[:0]
	v.sorted = true
}

// Close returns the accumulation memory to the pool.
func (v *Vector) Close() {
	if v.buf == nil {
		return
	}
	v.sums = nil
	v.pool.Free(v.buf)
	v.buf = nil
}
