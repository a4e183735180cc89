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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/pkg/common/mpool"
	"github.com/stratadb/strata/pkg/common/sterr"
)

const sampleCSV = `clicks,country,revenue,ignored
3,us,100,x
1,jp,50,y
3,us,,z
,de,25,x
1,,75,y
`

var sampleSchema = Schema{
	IntFields:    []string{"clicks"},
	StringFields: []string{"country"},
	Metrics:      []string{"revenue"},
}

func loadSample(t *testing.T) *Shard {
	shard, err := LoadCSV(context.Background(), strings.NewReader(sampleCSV), sampleSchema)
	require.NoError(t, err)
	return shard
}

func TestLoadCSVPostings(t *testing.T) {
	shard := loadSample(t)
	require.Equal(t, 5, shard.NumDocs())

	it, err := shard.IntField("clicks")
	require.NoError(t, err)
	defer it.Close()

	buf := make([]int32, 8)

	// Terms ascending, doc 3 has no clicks value.
	require.True(t, it.Next())
	assert.Equal(t, int64(1), it.IntTerm())
	n := it.NextDocs(buf)
	assert.Equal(t, []int32{1, 4}, buf[:n])
	assert.Equal(t, 0, it.NextDocs(buf))

	require.True(t, it.Next())
	assert.Equal(t, int64(3), it.IntTerm())
	n = it.NextDocs(buf)
	assert.Equal(t, []int32{0, 2}, buf[:n])

	assert.False(t, it.Next())

	sit, err := shard.StringField("country")
	require.NoError(t, err)
	defer sit.Close()

	var terms []string
	for sit.Next() {
		terms = append(terms, string(sit.StrTerm()))
	}
	assert.Equal(t, []string{"de", "jp", "us"}, terms)

	_, err = shard.IntField("nope")
	assert.True(t, sterr.IsErrCode(err, sterr.ErrInvalidInput))
}

func TestLoadCSVMetricsAndTable(t *testing.T) {
	shard := loadSample(t)

	col, err := shard.MetricColumn("revenue")
	require.NoError(t, err)

	pool := mpool.MustNewZero("ingest-test")
	tbl, err := shard.BuildTable(pool, false)
	require.NoError(t, err)
	defer tbl.Close()

	min, max := tbl.ColumnRange(col)
	assert.Equal(t, int64(0), min)
	assert.Equal(t, int64(100), max)

	// Empty metric cell reads as 0; all docs start in group 1.
	out := make([]int64, 5)
	tbl.FillValues(col, []int32{0, 1, 2, 3, 4}, out)
	assert.Equal(t, []int64{100, 50, 0, 25, 75}, out)
	for doc := int32(0); doc < 5; doc++ {
		assert.Equal(t, int32(1), tbl.Group(doc))
	}

	_, err = shard.MetricColumn("nope")
	assert.True(t, sterr.IsErrCode(err, sterr.ErrInvalidInput))
}

func TestLoadCSVDistinctEstimates(t *testing.T) {
	shard := loadSample(t)
	assert.Equal(t, uint64(3), shard.DistinctTermEstimate("country"))
	assert.Equal(t, uint64(2), shard.DistinctTermEstimate("clicks"))
	assert.Equal(t, uint64(0), shard.DistinctTermEstimate("nope"))
}

func TestLoadCSVErrors(t *testing.T) {
	ctx := context.Background()

	_, err := LoadCSV(ctx, strings.NewReader(""), sampleSchema)
	assert.True(t, sterr.IsErrCode(err, sterr.ErrInvalidInput))

	_, err = LoadCSV(ctx, strings.NewReader("clicks,country\n1,us\n"), sampleSchema)
	assert.True(t, sterr.IsErrCode(err, sterr.ErrInvalidInput))

	bad := "clicks,country,revenue\nnotanint,us,5\n"
	_, err = LoadCSV(ctx, strings.NewReader(bad), sampleSchema)
	assert.True(t, sterr.IsErrCode(err, sterr.ErrInvalidInput))

	dup := "clicks,clicks,country,revenue\n1,2,us,5\n"
	_, err = LoadCSV(ctx, strings.NewReader(dup), sampleSchema)
	assert.True(t, sterr.IsErrCode(err, sterr.ErrInvalidInput))
}
