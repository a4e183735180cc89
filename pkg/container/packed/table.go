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

// Package packed implements the bit-packed per-document metric and group
// table built once per shard session. Column layout is fixed at build
// time; metric values are written during the build copy and group ids
// mutate for the lifetime of the session.
package packed

import (
	"context"
	"math/bits"

	"github.com/RoaringBitmap/roaring"

	"github.com/stratadb/strata/pkg/common/mpool"
	"github.com/stratadb/strata/pkg/common/sterr"
	"github.com/stratadb/strata/pkg/encoding"
)

const (
	// MaxGroup bounds group ids: valid ids live in [0, MaxGroup).
	// Group 0 means "not in any group".
	MaxGroup = 1 << 28

	groupBits = 28
	wordBits  = 64
)

// ColumnSpec declares one metric column by its observed value range.
// The column stores value-Min in the minimal number of bits for Max-Min.
type ColumnSpec struct {
	Min int64
	Max int64
}

type column struct {
	min   int64
	max   int64
	slot  int
	shift uint
	mask  uint64
}

// Table is the packed table. One table is owned by exactly one shard
// worker; it is not safe for concurrent mutation.
type Table struct {
	pool     *mpool.MPool
	numDocs  int
	numSlots int
	cols     []column
	buf      []byte
	words    []uint64
	closed   bool
}

func widthOf(spec ColumnSpec, onlyBinary bool) uint {
	if onlyBinary {
		return 1
	}
	w := uint(bits.Len64(uint64(spec.Max - spec.Min)))
	if w == 0 {
		w = 1
	}
	return w
}

// Build computes the packed layout for specs and allocates the backing
// words from pool. The group column occupies the low 28 bits of slot 0;
// metric columns are first-fit packed into the remaining bits and any
// further slots. Backing memory comes out of the caller's budget:
// exhaustion surfaces as ErrOOM with nothing allocated.
func Build(pool *mpool.MPool, numDocs int, specs []ColumnSpec, onlyBinary bool) (*Table, error) {
	ctx := context.TODO()
	if numDocs < 0 {
		return nil, sterr.NewInvalidInput(ctx, "numDocs %d", numDocs)
	}
	for i, spec := range specs {
		if spec.Max < spec.Min {
			return nil, sterr.NewInvalidInput(ctx, "column %d range [%d,%d]", i, spec.Min, spec.Max)
		}
	}

	used := []uint{groupBits}
	cols := make([]column, len(specs))
	for i, spec := range specs {
		w := widthOf(spec, onlyBinary)
		slot := -1
		for s := range used {
			if used[s]+w <= wordBits {
				slot = s
				break
			}
		}
		if slot == -1 {
			used = append(used, 0)
			slot = len(used) - 1
		}
		cols[i] = column{
			min:   spec.Min,
			max:   spec.Max,
			slot:  slot,
			shift: used[slot],
			mask:  (uint64(1) << w) - 1,
		}
		used[slot] += w
	}

	numSlots := len(used)
	buf, err := pool.Alloc(numDocs * numSlots * 8)
	if err != nil {
		return nil, err
	}
	return &Table{
		pool:     pool,
		numDocs:  numDocs,
		numSlots: numSlots,
		cols:     cols,
		buf:      buf,
		words:    encoding.BytesToUint64Slice(buf),
	}, nil
}

func (t *Table) NumDocs() int {
	return t.numDocs
}

func (t *Table) NumColumns() int {
	return len(t.cols)
}

// ColumnRange returns the declared [min,max] of a column.
func (t *Table) ColumnRange(col int) (int64, int64) {
	c := &t.cols[col]
	return c.min, c.max
}

// SetValues writes vals for documents [start, start+len(vals)). Values
// outside the column's declared range are rejected before anything is
// written.
func (t *Table) SetValues(col int, start int, vals []int64) error {
	c := &t.cols[col]
	for _, v := range vals {
		if v < c.min || v > c.max {
			return sterr.NewSizeLimitExceeded(context.TODO(),
				"column %d value %d outside [%d,%d]", col, v, c.min, c.max)
		}
	}
	for i, v := range vals {
		w := &t.words[(start+i)*t.numSlots+c.slot]
		*w = (*w &^ (c.mask << c.shift)) | (uint64(v-c.min) << c.shift)
	}
	return nil
}

// FillValues reads the column values of docIDs, in docIDs order, into out.
func (t *Table) FillValues(col int, docIDs []int32, out []int64) {
	c := &t.cols[col]
	for i, doc := range docIDs {
		w := t.words[int(doc)*t.numSlots+c.slot]
		out[i] = c.min + int64((w>>c.shift)&c.mask)
	}
}

const groupMask = uint64(MaxGroup - 1)

// Group returns the current group of doc.
func (t *Table) Group(doc int32) int32 {
	return int32(t.words[int(doc)*t.numSlots] & groupMask)
}

// SetGroup assigns doc to group.
func (t *Table) SetGroup(doc int32, group int32) error {
	if group < 0 || group >= MaxGroup {
		return sterr.NewSizeLimitExceeded(context.TODO(), "group %d", group)
	}
	w := &t.words[int(doc)*t.numSlots]
	*w = (*w &^ groupMask) | uint64(group)
	return nil
}

// SetGroups assigns groups for documents [start, start+len(groups)).
func (t *Table) SetGroups(start int, groups []int32) error {
	for _, g := range groups {
		if g < 0 || g >= MaxGroup {
			return sterr.NewSizeLimitExceeded(context.TODO(), "group %d", g)
		}
	}
	for i, g := range groups {
		w := &t.words[(start+i)*t.numSlots]
		*w = (*w &^ groupMask) | uint64(g)
	}
	return nil
}

// FillGroups reads the groups of docIDs, in docIDs order, into out.
func (t *Table) FillGroups(docIDs []int32, out []int32) {
	for i, doc := range docIDs {
		out[i] = int32(t.words[int(doc)*t.numSlots] & groupMask)
	}
}

// FillSequentialGroups reads groups of documents [start, start+len(out)).
func (t *Table) FillSequentialGroups(start int, out []int32) {
	for i := range out {
		out[i] = int32(t.words[(start+i)*t.numSlots] & groupMask)
	}
}

// BitsetRegroup moves every document currently in target either to
// positive (its bit is set) or negative (it is not), in one pass with no
// intermediate allocation. Other groups are untouched.
func (t *Table) BitsetRegroup(bits *roaring.Bitmap, target, negative, positive int32) error {
	for _, g := range [...]int32{target, negative, positive} {
		if g < 0 || g >= MaxGroup {
			return sterr.NewSizeLimitExceeded(context.TODO(), "group %d", g)
		}
	}
	for doc := 0; doc < t.numDocs; doc++ {
		w := &t.words[doc*t.numSlots]
		if int32(*w&groupMask) != target {
			continue
		}
		next := negative
		if bits.Contains(uint32(doc)) {
			next = positive
		}
		*w = (*w &^ groupMask) | uint64(next)
	}
	return nil
}

// Close releases the backing memory back to the pool. Closing twice is a
// no-op; the pool itself flags a double release of the same allocation.
func (t *Table) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.words = nil
	t.pool.Free(t.buf)
	t.buf = nil
}
