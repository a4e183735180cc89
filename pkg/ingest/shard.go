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

package ingest

import (
	"context"
	"sort"

	"github.com/axiomhq/hyperloglog"

	"github.com/stratadb/strata/pkg/common/mpool"
	"github.com/stratadb/strata/pkg/common/sterr"
	"github.com/stratadb/strata/pkg/container/packed"
	"github.com/stratadb/strata/pkg/tgs"
)

const buildChunk = 4096

type intPosting struct {
	term int64
	docs []int32
}

type strPosting struct {
	term string
	docs []int32
}

// Shard is the in-memory form of one loaded shard: sorted per-term doc
// postings per field, metric columns for the packed table and a
// distinct-term sketch per field.
type Shard struct {
	numDocs   int
	intFields map[string][]intPosting
	strFields map[string][]strPosting

	metricNames []string
	metricVals  [][]int64
	metricSpecs []packed.ColumnSpec

	sketches map[string]*hyperloglog.Sketch
}

func (s *Shard) NumDocs() int {
	return s.numDocs
}

// MetricNames returns the metric columns in table column order.
func (s *Shard) MetricNames() []string {
	return s.metricNames
}

// MetricColumn resolves a metric name to its packed column index.
func (s *Shard) MetricColumn(name string) (int, error) {
	for i, n := range s.metricNames {
		if n == name {
			return i, nil
		}
	}
	return 0, sterr.NewInvalidInput(context.TODO(), "no metric %q", name)
}

// DistinctTermEstimate reports the approximate distinct term count of
// a field.
func (s *Shard) DistinctTermEstimate(field string) uint64 {
	sk, ok := s.sketches[field]
	if !ok {
		return 0
	}
	return sk.Estimate()
}

// BuildTable packs the shard's metric columns, copying values in fixed
// chunks, and puts every document into group 1.
func (s *Shard) BuildTable(pool *mpool.MPool, onlyBinary bool) (*packed.Table, error) {
	tbl, err := packed.Build(pool, s.numDocs, s.metricSpecs, onlyBinary)
	if err != nil {
		return nil, err
	}
	for col, vals := range s.metricVals {
		for start := 0; start < s.numDocs; start += buildChunk {
			end := start + buildChunk
			if end > s.numDocs {
				end = s.numDocs
			}
			if err := tbl.SetValues(col, start, vals[start:end]); err != nil {
				tbl.Close()
				return nil, err
			}
		}
	}
	ones := make([]int32, buildChunk)
	for i := range ones {
		ones[i] = 1
	}
	for start := 0; start < s.numDocs; start += buildChunk {
		end := start + buildChunk
		if end > s.numDocs {
			end = s.numDocs
		}
		if err := tbl.SetGroups(start, ones[:end-start]); err != nil {
			tbl.Close()
			return nil, err
		}
	}
	return tbl, nil
}

type postingIter struct {
	ints   []intPosting
	strs   []strPosting
	pos    int
	docPos int
}

func (it *postingIter) Next() bool {
	it.pos++
	it.docPos = 0
	if it.ints != nil {
		return it.pos < len(it.ints)
	}
	return it.pos < len(it.strs)
}

func (it *postingIter) IntTerm() int64 {
	return it.ints[it.pos].term
}

func (it *postingIter) StrTerm() []byte {
	return []byte(it.strs[it.pos].term)
}

func (it *postingIter) NextDocs(buf []int32) int {
	var docs []int32
	if it.ints != nil {
		docs = it.ints[it.pos].docs
	} else {
		docs = it.strs[it.pos].docs
	}
	n := copy(buf, docs[it.docPos:])
	it.docPos += n
	return n
}

func (it *postingIter) Close() error {
	return nil
}

// IntField returns an ascending term iterator over an int field.
func (s *Shard) IntField(name string) (tgs.TermIterator, error) {
	posts, ok := s.intFields[name]
	if !ok {
		return nil, sterr.NewInvalidInput(context.TODO(), "no int field %q", name)
	}
	return &postingIter{ints: posts, pos: -1}, nil
}

// StringField returns an ascending term iterator over a string field.
func (s *Shard) StringField(name string) (tgs.TermIterator, error) {
	posts, ok := s.strFields[name]
	if !ok {
		return nil, sterr.NewInvalidInput(context.TODO(), "no string field %q", name)
	}
	return &postingIter{strs: posts, pos: -1}, nil
}

// finishMetricSpecs derives each metric column's [min,max] from the
// loaded values. An all-empty column packs as [0,0].
func (s *Shard) finishMetricSpecs() {
	s.metricSpecs = make([]packed.ColumnSpec, len(s.metricVals))
	for col, vals := range s.metricVals {
		var spec packed.ColumnSpec
		if len(vals) > 0 {
			spec.Min, spec.Max = vals[0], vals[0]
			for _, v := range vals[1:] {
				if v < spec.Min {
					spec.Min = v
				}
				if v > spec.Max {
					spec.Max = v
				}
			}
		}
		s.metricSpecs[col] = spec
	}
}

func (s *Shard) sortPostings() {
	for _, posts := range s.intFields {
		sort.Slice(posts, func(i, j int) bool { return posts[i].term < posts[j].term })
	}
	for _, posts := range s.strFields {
		sort.Slice(posts, func(i, j int) bool { return posts[i].term < posts[j].term })
	}
}
