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

// Package tgs runs the term-group-stats pass of one shard: walk every
// term of the requested fields, bucket its documents by group and emit
// the per-group stat sums as an FTGS stream.
package tgs

import (
	"context"

	"github.com/stratadb/strata/pkg/common/mpool"
	"github.com/stratadb/strata/pkg/common/sterr"
	"github.com/stratadb/strata/pkg/container/groupstats"
	"github.com/stratadb/strata/pkg/container/packed"
	"github.com/stratadb/strata/pkg/ftgs"
)

// Documents move through the pass in fixed chunks so group and metric
// reads stay on hot buffers.
const chunkSize = 4096

// maxStats mirrors the one-byte stat width of the stream header.
const maxStats = 255

// StatCount is the pseudo stat that counts documents instead of
// summing a metric column.
const StatCount = -1

// TermIterator walks the terms of one field in ascending term order.
// NextDocs streams the postings of the current term in batches.
type TermIterator interface {
	// Next advances to the next term, false when the field is done.
	Next() bool

	IntTerm() int64
	StrTerm() []byte

	// NextDocs fills buf with the next batch of doc ids of the
	// current term, ascending. Returns 0 when the term is drained.
	NextDocs(buf []int32) int

	Close() error
}

// Index hands out term iterators per field.
type Index interface {
	IntField(name string) (TermIterator, error)
	StringField(name string) (TermIterator, error)
}

// Pass is the per-shard stats pass. Stats name packed metric columns,
// or StatCount for the document count. The pass owns a group stats
// vector sized to the session's current group count and reuses it for
// every term.
type Pass struct {
	table *packed.Table
	vec   *groupstats.Vector
	stats []int

	docs   []int32
	groups []int32
	vals   []int64
	rec    ftgs.TermRecord
}

// NewPass builds a pass over table with the given stats. numGroups
// bounds the group ids currently live in the table.
func NewPass(pool *mpool.MPool, table *packed.Table, stats []int, numGroups int) (*Pass, error) {
	ctx := context.TODO()
	if numGroups <= 0 || numGroups > packed.MaxGroup {
		return nil, sterr.NewInvalidInput(ctx, "numGroups %d", numGroups)
	}
	if len(stats) == 0 {
		return nil, sterr.NewInvalidInput(ctx, "no stats")
	}
	// The stream header carries the stat width in one byte.
	if len(stats) > maxStats {
		return nil, sterr.NewInvalidInput(ctx, "%d stats, limit %d", len(stats), maxStats)
	}
	for _, s := range stats {
		if s != StatCount && (s < 0 || s >= table.NumColumns()) {
			return nil, sterr.NewInvalidInput(ctx, "stat column %d of %d", s, table.NumColumns())
		}
	}
	vec, err := groupstats.NewVector(pool, numGroups, len(stats))
	if err != nil {
		return nil, err
	}
	return &Pass{
		table:  table,
		vec:    vec,
		stats:  stats,
		docs:   make([]int32, chunkSize),
		groups: make([]int32, chunkSize),
		vals:   make([]int64, chunkSize),
	}, nil
}

func (p *Pass) NumStats() int {
	return len(p.stats)
}

// Close releases the accumulation state.
func (p *Pass) Close() {
	p.vec.Close()
}

// Run walks intFields then stringFields of index and writes the
// resulting stream to enc, including Start and End. An encoder error
// aborts the pass immediately.
func (p *Pass) Run(enc *ftgs.Encoder, index Index, intFields, stringFields []string) error {
	if enc.NumStats() != len(p.stats) {
		return sterr.NewInvalidInput(context.TODO(),
			"encoder stat width %d, pass has %d", enc.NumStats(), len(p.stats))
	}
	if err := enc.Start(); err != nil {
		return err
	}
	for _, f := range intFields {
		it, err := index.IntField(f)
		if err != nil {
			return err
		}
		err = p.runField(enc, it, f, false)
		_ = it.Close()
		if err != nil {
			return err
		}
	}
	for _, f := range stringFields {
		it, err := index.StringField(f)
		if err != nil {
			return err
		}
		err = p.runField(enc, it, f, true)
		_ = it.Close()
		if err != nil {
			return err
		}
	}
	return enc.End()
}

func (p *Pass) runField(enc *ftgs.Encoder, it TermIterator, field string, isString bool) error {
	if err := enc.StartField(field, isString); err != nil {
		return err
	}
	p.rec.Field = field
	p.rec.IsString = isString
	for it.Next() {
		p.accumulateTerm(it)
		if !p.vec.Touched() {
			continue
		}
		if isString {
			p.rec.StrTerm = append(p.rec.StrTerm[:0], it.StrTerm()...)
		} else {
			p.rec.IntTerm = it.IntTerm()
		}
		if err := p.emitTerm(enc); err != nil {
			return err
		}
		p.vec.Reset()
	}
	return enc.EndField()
}

// accumulateTerm folds one term's postings into the stats vector.
// Documents in group 0 contribute nothing.
func (p *Pass) accumulateTerm(it TermIterator) {
	for {
		n := it.NextDocs(p.docs)
		if n == 0 {
			return
		}
		docs := p.docs[:n]
		groups := p.groups[:n]
		p.table.FillGroups(docs, groups)
		for stat, col := range p.stats {
			if col == StatCount {
				p.vec.CountDocs(groups, stat)
				continue
			}
			vals := p.vals[:n]
			p.table.FillValues(col, docs, vals)
			p.vec.AddDocs(groups, stat, vals)
		}
	}
}

func (p *Pass) emitTerm(enc *ftgs.Encoder) error {
	p.rec.Groups = p.rec.Groups[:0]
	p.rec.Stats = p.rec.Stats[:0]
	if err := p.vec.ForEachTouched(func(g int32, stats []int64) error {
		p.rec.Groups = append(p.rec.Groups, g)
		p.rec.Stats = append(p.rec.Stats, stats...)
		return nil
	}); err != nil {
		return err
	}
	return enc.WriteTerm(&p.rec)
}
