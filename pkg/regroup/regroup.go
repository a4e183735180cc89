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

// Package regroup splits document groups between query phases. A pass
// scans one field in term order; each rule maps a source group to a
// positive and a negative target. A document whose term fails the
// rule's condition moves to the positive group right away and is
// marked; documents never marked over the whole scan fall to the
// negative group in a single finalization sweep.
package regroup

import (
	"context"

	"github.com/stratadb/strata/pkg/common/sterr"
	"github.com/stratadb/strata/pkg/container/packed"
	"github.com/stratadb/strata/pkg/tgs"
)

const chunkSize = 4096

// Op is a condition operator. OpAtMost applies to int fields only.
type Op uint8

const (
	OpEqual Op = iota
	OpAtMost
	OpIn
)

// Condition tests one term value. Exactly the fields matching IsString
// and Op are consulted.
type Condition struct {
	IsString bool
	Op       Op

	IntValue int64
	IntSet   map[int64]struct{}

	StrValue string
	StrSet   map[string]struct{}
}

func (c *Condition) matchInt(term int64) bool {
	switch c.Op {
	case OpEqual:
		return term == c.IntValue
	case OpAtMost:
		return term <= c.IntValue
	default:
		_, ok := c.IntSet[term]
		return ok
	}
}

func (c *Condition) matchStr(term []byte) bool {
	if c.Op == OpEqual {
		return string(term) == c.StrValue
	}
	_, ok := c.StrSet[string(term)]
	return ok
}

// Rule splits SourceGroup against one condition. At most one rule per
// source group is allowed in a pass.
type Rule struct {
	SourceGroup   int32
	Condition     Condition
	PositiveGroup int32
	NegativeGroup int32
}

// Pass applies a rule set to one table over one scanned field. When a
// logical pass spans several fragments of the same table, all
// fragments share one Marker and each runs Scan over its own term
// iterator; Finalize runs exactly once after every scan finished.
type Pass struct {
	table    *packed.Table
	field    string
	isString bool
	rules    map[int32]*Rule
	marker   *Marker
	groups   []int32
}

// NewPass validates rules against the scanned field and the table's
// group bounds. A bad rule fails here, before any group mutates.
func NewPass(table *packed.Table, field string, isString bool, rules []Rule, marker *Marker) (*Pass, error) {
	ctx := context.TODO()
	if len(rules) == 0 {
		return nil, sterr.NewInvalidRule(ctx, "empty rule set")
	}
	if marker.Len() < table.NumDocs() {
		return nil, sterr.NewInvalidRule(ctx, "marker covers %d of %d docs", marker.Len(), table.NumDocs())
	}
	byGroup := make(map[int32]*Rule, len(rules))
	for i := range rules {
		r := &rules[i]
		if r.SourceGroup <= 0 || r.SourceGroup >= packed.MaxGroup {
			return nil, sterr.NewInvalidRule(ctx, "source group %d", r.SourceGroup)
		}
		if r.PositiveGroup < 0 || r.PositiveGroup >= packed.MaxGroup ||
			r.NegativeGroup < 0 || r.NegativeGroup >= packed.MaxGroup {
			return nil, sterr.NewInvalidRule(ctx, "target groups %d/%d", r.PositiveGroup, r.NegativeGroup)
		}
		if _, dup := byGroup[r.SourceGroup]; dup {
			return nil, sterr.NewInvalidRule(ctx, "duplicate rule for group %d", r.SourceGroup)
		}
		if r.Condition.IsString != isString {
			return nil, sterr.NewInvalidRule(ctx, "condition kind mismatches field %q", field)
		}
		if isString && r.Condition.Op == OpAtMost {
			return nil, sterr.NewInvalidRule(ctx, "string field %q with ordered condition", field)
		}
		switch r.Condition.Op {
		case OpEqual, OpAtMost:
		case OpIn:
			if isString && r.Condition.StrSet == nil || !isString && r.Condition.IntSet == nil {
				return nil, sterr.NewInvalidRule(ctx, "set condition without set")
			}
		default:
			return nil, sterr.NewInvalidRule(ctx, "unknown operator %d", r.Condition.Op)
		}
		byGroup[r.SourceGroup] = r
	}
	return &Pass{
		table:    table,
		field:    field,
		isString: isString,
		rules:    byGroup,
		marker:   marker,
		groups:   make([]int32, chunkSize),
	}, nil
}

// Scan processes one fragment's term iterator. Safe to run from
// several goroutines of the same pass as long as their doc ranges are
// disjoint; the marker makes duplicate (term, doc) occurrences across
// fragments settle on exactly one positive assignment.
func (p *Pass) Scan(it tgs.TermIterator) error {
	docs := make([]int32, chunkSize)
	groups := make([]int32, chunkSize)
	for it.Next() {
		var intTerm int64
		var strTerm []byte
		if p.isString {
			strTerm = it.StrTerm()
		} else {
			intTerm = it.IntTerm()
		}
		for {
			n := it.NextDocs(docs)
			if n == 0 {
				break
			}
			p.table.FillGroups(docs[:n], groups[:n])
			for i := 0; i < n; i++ {
				rule := p.rules[groups[i]]
				if rule == nil {
					continue
				}
				var match bool
				if p.isString {
					match = rule.Condition.matchStr(strTerm)
				} else {
					match = rule.Condition.matchInt(intTerm)
				}
				if match {
					// Still a candidate; resolved by a later
					// term or the negative default.
					continue
				}
				if !p.marker.TrySet(docs[i]) {
					continue
				}
				if err := p.table.SetGroup(docs[i], rule.PositiveGroup); err != nil {
					return sterr.NewRegroupFailed(context.TODO(), "%v", err)
				}
			}
		}
	}
	return nil
}

// Finalize moves every never-marked document of a ruled group to that
// rule's negative target. It covers all documents, including ones the
// field never enumerated. Must run exactly once, after all fragment
// scans completed.
func (p *Pass) Finalize() error {
	numDocs := p.table.NumDocs()
	for start := 0; start < numDocs; start += chunkSize {
		n := chunkSize
		if start+n > numDocs {
			n = numDocs - start
		}
		groups := p.groups[:n]
		p.table.FillSequentialGroups(start, groups)
		for i := 0; i < n; i++ {
			doc := int32(start + i)
			rule := p.rules[groups[i]]
			if rule == nil || p.marker.IsSet(doc) {
				continue
			}
			if err := p.table.SetGroup(doc, rule.NegativeGroup); err != nil {
				return sterr.NewRegroupFailed(context.TODO(), "%v", err)
			}
		}
	}
	return nil
}

// Run is the single-fragment convenience: scan the pass field of index
// and finalize.
func (p *Pass) Run(index tgs.Index) error {
	var it tgs.TermIterator
	var err error
	if p.isString {
		it, err = index.StringField(p.field)
	} else {
		it, err = index.IntField(p.field)
	}
	if err != nil {
		return err
	}
	err = p.Scan(it)
	_ = it.Close()
	if err != nil {
		return err
	}
	return p.Finalize()
}
