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

package regroup

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/pkg/common/mpool"
	"github.com/stratadb/strata/pkg/common/sterr"
	"github.com/stratadb/strata/pkg/container/packed"
	"github.com/stratadb/strata/pkg/tgs"
)

type memTerm struct {
	intTerm int64
	strTerm string
	docs    []int32
}

type memIter struct {
	terms  []memTerm
	pos    int
	docPos int
}

func (it *memIter) Next() bool {
	it.pos++
	it.docPos = 0
	return it.pos < len(it.terms)
}

func (it *memIter) IntTerm() int64  { return it.terms[it.pos].intTerm }
func (it *memIter) StrTerm() []byte { return []byte(it.terms[it.pos].strTerm) }

func (it *memIter) NextDocs(buf []int32) int {
	docs := it.terms[it.pos].docs
	n := copy(buf, docs[it.docPos:])
	it.docPos += n
	return n
}

func (it *memIter) Close() error { return nil }

type memIndex struct {
	intFields map[string][]memTerm
	strFields map[string][]memTerm
}

func (ix *memIndex) IntField(name string) (tgs.TermIterator, error) {
	return &memIter{terms: ix.intFields[name], pos: -1}, nil
}

func (ix *memIndex) StringField(name string) (tgs.TermIterator, error) {
	return &memIter{terms: ix.strFields[name], pos: -1}, nil
}

func newTable(t *testing.T, groups []int32) *packed.Table {
	pool := mpool.MustNewZero("regroup-test")
	tbl, err := packed.Build(pool, len(groups), nil, false)
	require.NoError(t, err)
	require.NoError(t, tbl.SetGroups(0, groups))
	return tbl
}

func groupsOf(tbl *packed.Table) []int32 {
	out := make([]int32, tbl.NumDocs())
	tbl.FillSequentialGroups(0, out)
	return out
}

func TestRegroupExclusivity(t *testing.T) {
	tbl := newTable(t, []int32{1, 1, 1, 1, 1, 1, 1, 5})
	defer tbl.Close()

	ix := &memIndex{intFields: map[string][]memTerm{
		"f": {
			{intTerm: 10, docs: []int32{0, 1}},
			{intTerm: 20, docs: []int32{1, 2, 3}},
		},
	}}

	rules := []Rule{{
		SourceGroup:   1,
		Condition:     Condition{Op: OpEqual, IntValue: 10},
		PositiveGroup: 2,
		NegativeGroup: 3,
	}}
	pass, err := NewPass(tbl, "f", false, rules, NewMarker(tbl.NumDocs()))
	require.NoError(t, err)
	require.NoError(t, pass.Run(ix))

	// Term 10 satisfies the condition, so its docs stay pending. Term
	// 20 does not, so docs 1..3 go positive; everything else in group
	// 1, including docs without the field, ends negative.
	assert.Equal(t, []int32{3, 2, 2, 2, 3, 3, 3, 5}, groupsOf(tbl))

	for _, g := range groupsOf(tbl)[:7] {
		assert.Contains(t, []int32{2, 3}, g)
	}
}

func TestRegroupThreshold(t *testing.T) {
	tbl := newTable(t, []int32{1, 1, 1, 1})
	defer tbl.Close()

	// Doc i has value i*10 in field "age".
	ix := &memIndex{intFields: map[string][]memTerm{
		"age": {
			{intTerm: 0, docs: []int32{0}},
			{intTerm: 10, docs: []int32{1}},
			{intTerm: 20, docs: []int32{2}},
			{intTerm: 30, docs: []int32{3}},
		},
	}}

	rules := []Rule{{
		SourceGroup:   1,
		Condition:     Condition{Op: OpAtMost, IntValue: 15},
		PositiveGroup: 2,
		NegativeGroup: 3,
	}}
	pass, err := NewPass(tbl, "age", false, rules, NewMarker(tbl.NumDocs()))
	require.NoError(t, err)
	require.NoError(t, pass.Run(ix))

	// Values > 15 fail the condition and go positive.
	assert.Equal(t, []int32{3, 3, 2, 2}, groupsOf(tbl))
}

func TestRegroupStringSet(t *testing.T) {
	tbl := newTable(t, []int32{1, 1, 1})
	defer tbl.Close()

	ix := &memIndex{strFields: map[string][]memTerm{
		"country": {
			{strTerm: "de", docs: []int32{0}},
			{strTerm: "jp", docs: []int32{1}},
			{strTerm: "us", docs: []int32{2}},
		},
	}}

	rules := []Rule{{
		SourceGroup: 1,
		Condition: Condition{
			IsString: true,
			Op:       OpIn,
			StrSet:   map[string]struct{}{"de": {}, "us": {}},
		},
		PositiveGroup: 4,
		NegativeGroup: 5,
	}}
	pass, err := NewPass(tbl, "country", true, rules, NewMarker(tbl.NumDocs()))
	require.NoError(t, err)
	require.NoError(t, pass.Run(ix))

	assert.Equal(t, []int32{5, 4, 5}, groupsOf(tbl))
}

func TestRegroupMultipleRules(t *testing.T) {
	tbl := newTable(t, []int32{1, 2, 1, 2})
	defer tbl.Close()

	ix := &memIndex{intFields: map[string][]memTerm{
		"f": {
			{intTerm: 7, docs: []int32{0, 1}},
		},
	}}

	rules := []Rule{
		{SourceGroup: 1, Condition: Condition{Op: OpEqual, IntValue: 7}, PositiveGroup: 10, NegativeGroup: 11},
		{SourceGroup: 2, Condition: Condition{Op: OpEqual, IntValue: 99}, PositiveGroup: 20, NegativeGroup: 21},
	}
	pass, err := NewPass(tbl, "f", false, rules, NewMarker(tbl.NumDocs()))
	require.NoError(t, err)
	require.NoError(t, pass.Run(ix))

	// Doc 0 (g1) matches its rule's condition, ends negative. Doc 1
	// (g2) fails its rule's condition, goes positive immediately.
	assert.Equal(t, []int32{11, 20, 11, 21}, groupsOf(tbl))
}

func TestRegroupConcurrentFragments(t *testing.T) {
	numDocs := 2000
	groups := make([]int32, numDocs)
	for i := range groups {
		groups[i] = 1
	}
	tbl := newTable(t, groups)
	defer tbl.Close()

	// Fragments own disjoint doc ranges but each enumerates its docs
	// under two terms, so every doc is a positive candidate twice.
	// The marker must keep the assignment at most once per doc.
	var frag1, frag2 []int32
	for i := 0; i < numDocs; i++ {
		if i < 1000 {
			frag1 = append(frag1, int32(i))
		} else {
			frag2 = append(frag2, int32(i))
		}
	}

	rules := []Rule{{
		SourceGroup:   1,
		Condition:     Condition{Op: OpEqual, IntValue: -1},
		PositiveGroup: 2,
		NegativeGroup: 3,
	}}
	pass, err := NewPass(tbl, "f", false, rules, NewMarker(numDocs))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, docs := range [][]int32{frag1, frag2} {
		docs := docs
		wg.Add(1)
		go func() {
			defer wg.Done()
			it := &memIter{terms: []memTerm{
				{intTerm: 5, docs: docs},
				{intTerm: 6, docs: docs},
			}, pos: -1}
			assert.NoError(t, pass.Scan(it))
		}()
	}
	wg.Wait()
	require.NoError(t, pass.Finalize())

	for _, g := range groupsOf(tbl) {
		assert.Equal(t, int32(2), g)
	}
}

func TestMarkerTrySetOnce(t *testing.T) {
	m := NewMarker(128)
	var wg sync.WaitGroup
	wins := make(chan int32, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.TrySet(77) {
				wins <- 77
			}
		}()
	}
	wg.Wait()
	close(wins)
	assert.Len(t, drainChan(wins), 1)
	assert.True(t, m.IsSet(77))
	assert.False(t, m.IsSet(76))
}

func drainChan(c chan int32) []int32 {
	var out []int32
	for v := range c {
		out = append(out, v)
	}
	return out
}

func TestNewPassRejectsBadRules(t *testing.T) {
	tbl := newTable(t, []int32{1, 1})
	defer tbl.Close()
	marker := NewMarker(2)

	cases := []struct {
		name  string
		rules []Rule
	}{
		{"empty", nil},
		{"group zero", []Rule{{SourceGroup: 0, PositiveGroup: 1, NegativeGroup: 2}}},
		{"huge target", []Rule{{SourceGroup: 1, PositiveGroup: packed.MaxGroup, NegativeGroup: 2}}},
		{"duplicate", []Rule{
			{SourceGroup: 1, PositiveGroup: 2, NegativeGroup: 3},
			{SourceGroup: 1, PositiveGroup: 4, NegativeGroup: 5},
		}},
		{"kind mismatch", []Rule{{
			SourceGroup: 1, PositiveGroup: 2, NegativeGroup: 3,
			Condition: Condition{IsString: true},
		}}},
		{"set without set", []Rule{{
			SourceGroup: 1, PositiveGroup: 2, NegativeGroup: 3,
			Condition: Condition{Op: OpIn},
		}}},
	}
	for _, tc := range cases {
		_, err := NewPass(tbl, "f", false, tc.rules, marker)
		assert.True(t, sterr.IsErrCode(err, sterr.ErrInvalidRule), tc.name)
	}

	_, err := NewPass(tbl, "s", true, []Rule{{
		SourceGroup: 1, PositiveGroup: 2, NegativeGroup: 3,
		Condition: Condition{IsString: true, Op: OpAtMost},
	}}, marker)
	assert.True(t, sterr.IsErrCode(err, sterr.ErrInvalidRule))

	_, err = NewPass(tbl, "f", false, []Rule{{
		SourceGroup: 1, PositiveGroup: 2, NegativeGroup: 3,
	}}, NewMarker(1))
	assert.True(t, sterr.IsErrCode(err, sterr.ErrInvalidRule))
}
