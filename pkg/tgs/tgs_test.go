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

package tgs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/pkg/common/mpool"
	"github.com/stratadb/strata/pkg/common/sterr"
	"github.com/stratadb/strata/pkg/container/packed"
	"github.com/stratadb/strata/pkg/ftgs"
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

func (it *memIter) IntTerm() int64 { return it.terms[it.pos].intTerm }

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

func (ix *memIndex) IntField(name string) (TermIterator, error) {
	terms, ok := ix.intFields[name]
	if !ok {
		return nil, sterr.NewInvalidInput(context.TODO(), "no field %q", name)
	}
	return &memIter{terms: terms, pos: -1}, nil
}

func (ix *memIndex) StringField(name string) (TermIterator, error) {
	terms, ok := ix.strFields[name]
	if !ok {
		return nil, sterr.NewInvalidInput(context.TODO(), "no field %q", name)
	}
	return &memIter{terms: terms, pos: -1}, nil
}

func buildTable(t *testing.T, pool *mpool.MPool) *packed.Table {
	tbl, err := packed.Build(pool, 6, []packed.ColumnSpec{{Min: 0, Max: 10}}, false)
	require.NoError(t, err)
	require.NoError(t, tbl.SetValues(0, 0, []int64{1, 2, 3, 4, 5, 6}))
	require.NoError(t, tbl.SetGroups(0, []int32{1, 1, 2, 2, 0, 1}))
	return tbl
}

func TestPassEmitsGroupStats(t *testing.T) {
	pool := mpool.MustNewZero("tgs-test")
	tbl := buildTable(t, pool)
	defer tbl.Close()

	ix := &memIndex{
		intFields: map[string][]memTerm{
			"q": {
				{intTerm: 100, docs: []int32{0, 1, 4}},
				{intTerm: 200, docs: []int32{2, 3, 5}},
			},
		},
		strFields: map[string][]memTerm{
			"country": {
				{strTerm: "se", docs: []int32{4}},
				{strTerm: "us", docs: []int32{0, 2}},
			},
		},
	}

	pass, err := NewPass(pool, tbl, []int{StatCount, 0}, 3)
	require.NoError(t, err)
	defer pass.Close()

	src, err := ftgs.NewPipeSource(2, false, func(enc *ftgs.Encoder) error {
		return pass.Run(enc, ix, []string{"q"}, []string{"country"})
	})
	require.NoError(t, err)
	defer src.Close()

	var recs []ftgs.TermRecord
	for {
		rec, err := src.Next()
		require.NoError(t, err)
		if rec == nil {
			break
		}
		recs = append(recs, ftgs.TermRecord{
			Field:    rec.Field,
			IsString: rec.IsString,
			IntTerm:  rec.IntTerm,
			StrTerm:  append([]byte(nil), rec.StrTerm...),
			Groups:   append([]int32(nil), rec.Groups...),
			Stats:    append([]int64(nil), rec.Stats...),
		})
	}

	// Doc 4 sits in group 0 and never contributes; the "se" term has
	// no other postings and is dropped entirely.
	require.Len(t, recs, 3)

	assert.Equal(t, "q", recs[0].Field)
	assert.Equal(t, int64(100), recs[0].IntTerm)
	assert.Equal(t, []int32{1}, recs[0].Groups)
	assert.Equal(t, []int64{2, 3}, recs[0].Stats)

	assert.Equal(t, int64(200), recs[1].IntTerm)
	assert.Equal(t, []int32{1, 2}, recs[1].Groups)
	assert.Equal(t, []int64{1, 6, 2, 7}, recs[1].Stats)

	assert.True(t, recs[2].IsString)
	assert.Equal(t, []byte("us"), recs[2].StrTerm)
	assert.Equal(t, []int32{1, 2}, recs[2].Groups)
	assert.Equal(t, []int64{1, 1, 1, 3}, recs[2].Stats)
}

func TestPassChunkedPostings(t *testing.T) {
	pool := mpool.MustNewZero("tgs-test")
	numDocs := chunkSize*2 + 17
	tbl, err := packed.Build(pool, numDocs, []packed.ColumnSpec{{Min: 1, Max: 1}}, false)
	require.NoError(t, err)
	defer tbl.Close()

	docs := make([]int32, numDocs)
	ones := make([]int64, numDocs)
	groups := make([]int32, numDocs)
	for i := range docs {
		docs[i] = int32(i)
		ones[i] = 1
		groups[i] = 1
	}
	require.NoError(t, tbl.SetValues(0, 0, ones))
	require.NoError(t, tbl.SetGroups(0, groups))

	ix := &memIndex{intFields: map[string][]memTerm{
		"q": {{intTerm: 1, docs: docs}},
	}}

	pass, err := NewPass(pool, tbl, []int{0}, 2)
	require.NoError(t, err)
	defer pass.Close()

	src, err := ftgs.NewPipeSource(1, false, func(enc *ftgs.Encoder) error {
		return pass.Run(enc, ix, []string{"q"}, nil)
	})
	require.NoError(t, err)
	defer src.Close()

	rec, err := src.Next()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []int64{int64(numDocs)}, rec.Stats)
}

func TestNewPassValidation(t *testing.T) {
	pool := mpool.MustNewZero("tgs-test")
	tbl := buildTable(t, pool)
	defer tbl.Close()

	_, err := NewPass(pool, tbl, nil, 4)
	assert.True(t, sterr.IsErrCode(err, sterr.ErrInvalidInput))
	_, err = NewPass(pool, tbl, []int{5}, 4)
	assert.True(t, sterr.IsErrCode(err, sterr.ErrInvalidInput))
	_, err = NewPass(pool, tbl, []int{0}, 0)
	assert.True(t, sterr.IsErrCode(err, sterr.ErrInvalidInput))

	wide := make([]int, maxStats+1)
	for i := range wide {
		wide[i] = StatCount
	}
	_, err = NewPass(pool, tbl, wide, 4)
	assert.True(t, sterr.IsErrCode(err, sterr.ErrInvalidInput))
}

func TestPassMissingFieldFailsStream(t *testing.T) {
	pool := mpool.MustNewZero("tgs-test")
	tbl := buildTable(t, pool)
	defer tbl.Close()

	pass, err := NewPass(pool, tbl, []int{0}, 3)
	require.NoError(t, err)
	defer pass.Close()

	src, err := ftgs.NewPipeSource(1, false, func(enc *ftgs.Encoder) error {
		return pass.Run(enc, &memIndex{}, []string{"nope"}, nil)
	})
	require.NoError(t, err)
	defer src.Close()

	_, err = src.Next()
	require.Error(t, err)
}
