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

package ftgs

import (
	"context"
	"sort"

	"github.com/google/btree"

	"github.com/stratadb/strata/pkg/common/sterr"
)

// MergeOptions bound the merged stream. TermLimit 0 means unlimited.
// SortStat selects the stat used for top term selection; -1 disables
// selection and the limit becomes a hard cutoff.
type MergeOptions struct {
	TermLimit int64
	SortStat  int
}

// Merger combines the FTGS streams of several shard sources into one.
// Sources must deliver fields in the same request order; terms present
// in more than one source come out once with their per-group stats
// summed. Merger is itself a Source, so merged streams re-encode and
// nest.
type Merger struct {
	sources   []Source
	fieldRank map[string]int
	numStats  int
	opts      MergeOptions

	heads   []*TermRecord
	primed  bool
	done    bool
	closed  bool
	err     error
	emitted int64

	out  TermRecord
	tied []int

	// top term selection buffers the chosen records for re-emission
	// in stream order.
	selected []TermRecord
	selIdx   int
}

// NewMerger builds a merger over sources. fields is the request-order
// field list the sources were asked for.
func NewMerger(sources []Source, fields []string, opts MergeOptions) (*Merger, error) {
	ctx := context.TODO()
	if len(sources) == 0 {
		return nil, sterr.NewInvalidInput(ctx, "no sources")
	}
	numStats := sources[0].NumStats()
	for _, s := range sources[1:] {
		if s.NumStats() != numStats {
			return nil, sterr.NewInvalidInput(ctx, "stat width mismatch across sources")
		}
	}
	if opts.SortStat >= numStats {
		return nil, sterr.NewInvalidInput(ctx, "sort stat %d of %d", opts.SortStat, numStats)
	}
	rank := make(map[string]int, len(fields))
	for i, f := range fields {
		rank[f] = i
	}
	return &Merger{
		sources:   sources,
		fieldRank: rank,
		numStats:  numStats,
		opts:      opts,
		heads:     make([]*TermRecord, len(sources)),
	}, nil
}

func (m *Merger) NumStats() int {
	return m.numStats
}

// abort tears down every source. One failed shard fails the whole
// merge.
func (m *Merger) abort(err error) error {
	m.closeAll()
	m.err = sterr.NewMergeAborted(context.TODO(), "%v", err)
	return m.err
}

func (m *Merger) closeAll() {
	if m.closed {
		return
	}
	m.closed = true
	for _, s := range m.sources {
		_ = s.Close()
	}
}

func (m *Merger) advance(i int) error {
	rec, err := m.sources[i].Next()
	if err != nil {
		return err
	}
	if rec != nil {
		if _, ok := m.fieldRank[rec.Field]; !ok {
			return sterr.NewMalformedStream(context.TODO(), "unknown field %q", rec.Field)
		}
	}
	m.heads[i] = rec
	return nil
}

func (m *Merger) prime() error {
	m.primed = true
	for i := range m.sources {
		if err := m.advance(i); err != nil {
			return err
		}
	}
	return nil
}

// nextMerged produces the next combined record into m.out, advancing
// every tied source past it. Returns nil at end of all sources.
func (m *Merger) nextMerged() (*TermRecord, error) {
	min := -1
	for i, h := range m.heads {
		if h == nil {
			continue
		}
		if min == -1 || compareKey(m.fieldRank[h.Field], h,
			m.fieldRank[m.heads[min].Field], m.heads[min]) < 0 {
			min = i
		}
	}
	if min == -1 {
		return nil, nil
	}

	lead := m.heads[min]
	m.tied = m.tied[:0]
	for i, h := range m.heads {
		if h == nil {
			continue
		}
		if compareKey(m.fieldRank[h.Field], h, m.fieldRank[lead.Field], lead) == 0 {
			m.tied = append(m.tied, i)
		}
	}

	m.out.Field = lead.Field
	m.out.IsString = lead.IsString
	m.out.IntTerm = lead.IntTerm
	m.out.StrTerm = append(m.out.StrTerm[:0], lead.StrTerm...)
	m.out.Groups = m.out.Groups[:0]
	m.out.Stats = m.out.Stats[:0]

	// Merge the ascending group lists of every tied source, summing
	// stat rows on equal groups.
	cursors := make([]int, len(m.tied))
	for {
		gmin := int32(-1)
		for k, i := range m.tied {
			h := m.heads[i]
			if cursors[k] >= len(h.Groups) {
				continue
			}
			g := h.Groups[cursors[k]]
			if gmin == -1 || g < gmin {
				gmin = g
			}
		}
		if gmin == -1 {
			break
		}
		base := len(m.out.Stats)
		m.out.Groups = append(m.out.Groups, gmin)
		for s := 0; s < m.numStats; s++ {
			m.out.Stats = append(m.out.Stats, 0)
		}
		for k, i := range m.tied {
			h := m.heads[i]
			if cursors[k] >= len(h.Groups) || h.Groups[cursors[k]] != gmin {
				continue
			}
			row := h.StatsOf(cursors[k], m.numStats)
			for s, v := range row {
				m.out.Stats[base+s] += v
			}
			cursors[k]++
		}
	}

	for _, i := range m.tied {
		if err := m.advance(i); err != nil {
			return nil, err
		}
	}
	return &m.out, nil
}

// Next returns the next merged record. With a term limit and no sort
// stat the stream cuts off at the limit and the sources are closed
// undrained. With a sort stat the whole input is consumed first and
// only the top TermLimit terms come back, in stream order.
func (m *Merger) Next() (*TermRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.done {
		return nil, nil
	}
	if !m.primed {
		if err := m.prime(); err != nil {
			return nil, m.abort(err)
		}
		if m.opts.TermLimit > 0 && m.opts.SortStat >= 0 {
			if err := m.selectTop(); err != nil {
				return nil, m.abort(err)
			}
		}
	}

	if m.selected != nil {
		if m.selIdx >= len(m.selected) {
			m.done = true
			return nil, nil
		}
		rec := &m.selected[m.selIdx]
		m.selIdx++
		return rec, nil
	}

	rec, err := m.nextMerged()
	if err != nil {
		return nil, m.abort(err)
	}
	if rec == nil {
		m.done = true
		m.closeAll()
		return nil, nil
	}
	m.emitted++
	if m.opts.TermLimit > 0 && m.emitted >= m.opts.TermLimit {
		m.done = true
		m.closeAll()
	}
	return rec, nil
}

func (m *Merger) Close() error {
	if m.err == nil && !m.done {
		m.err = sterr.NewStreamClosed(context.TODO())
	}
	m.closeAll()
	return nil
}

// termItem orders buffered terms worst first, so the tree minimum is
// always the eviction candidate. Worse means a smaller sort stat
// total, or the later term on equal totals.
type termItem struct {
	total int64
	rank  int
	rec   TermRecord
}

func (a *termItem) Less(b btree.Item) bool {
	o := b.(*termItem)
	if a.total != o.total {
		return a.total < o.total
	}
	return compareKey(a.rank, &a.rec, o.rank, &o.rec) > 0
}

func copyRecord(dst, src *TermRecord) {
	dst.Field = src.Field
	dst.IsString = src.IsString
	dst.IntTerm = src.IntTerm
	dst.StrTerm = append([]byte(nil), src.StrTerm...)
	dst.Groups = append([]int32(nil), src.Groups...)
	dst.Stats = append([]int64(nil), src.Stats...)
}

// selectTop drains the merged stream keeping the TermLimit terms with
// the largest sort stat totals, then stages them for re-emission in
// stream order.
func (m *Merger) selectTop() error {
	tree := btree.New(8)
	for {
		rec, err := m.nextMerged()
		if err != nil {
			return err
		}
		if rec == nil {
			break
		}
		var total int64
		for i := range rec.Groups {
			total += rec.StatsOf(i, m.numStats)[m.opts.SortStat]
		}
		it := &termItem{total: total, rank: m.fieldRank[rec.Field]}
		copyRecord(&it.rec, rec)
		tree.ReplaceOrInsert(it)
		if int64(tree.Len()) > m.opts.TermLimit {
			tree.DeleteMin()
		}
	}
	m.closeAll()

	items := make([]*termItem, 0, tree.Len())
	tree.Ascend(func(i btree.Item) bool {
		items = append(items, i.(*termItem))
		return true
	})
	sort.Slice(items, func(i, j int) bool {
		return compareKey(items[i].rank, &items[i].rec, items[j].rank, &items[j].rec) < 0
	})
	m.selected = make([]TermRecord, len(items))
	for i, it := range items {
		m.selected[i] = it.rec
	}
	return nil
}
