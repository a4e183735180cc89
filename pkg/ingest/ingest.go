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

// Package ingest loads shard documents from CSV into the in-memory
// shard form the query engine scans: per-field sorted term postings
// plus metric columns ready to pack.
package ingest

import (
	"context"
	"io"
	"strconv"

	"github.com/axiomhq/hyperloglog"
	"github.com/matrixorigin/simdcsv"

	"github.com/stratadb/strata/pkg/common/sterr"
)

const batchReadRows = 4000

// Schema names the role of each CSV column. Columns absent from the
// schema are ignored. An empty cell means the document has no value
// for that field; empty metric cells read as 0.
type Schema struct {
	IntFields    []string `toml:"int-fields"`
	StringFields []string `toml:"string-fields"`
	Metrics      []string `toml:"metrics"`
}

type colRole int

const (
	roleSkip colRole = iota
	roleIntField
	roleStrField
	roleMetric
)

type colBinding struct {
	role colRole
	name string
	idx  int
}

// LoadCSV parses one shard file. The first row is the header; it must
// mention every schema column exactly once.
func LoadCSV(ctx context.Context, r io.Reader, schema Schema) (*Shard, error) {
	reader := simdcsv.NewReaderWithOptions(r, ',', '#', true, true)

	intTerms := make(map[string]map[int64][]int32)
	for _, f := range schema.IntFields {
		intTerms[f] = make(map[int64][]int32)
	}
	strTerms := make(map[string]map[string][]int32)
	for _, f := range schema.StringFields {
		strTerms[f] = make(map[string][]int32)
	}

	shard := &Shard{
		intFields:   make(map[string][]intPosting, len(schema.IntFields)),
		strFields:   make(map[string][]strPosting, len(schema.StringFields)),
		metricNames: append([]string(nil), schema.Metrics...),
		metricVals:  make([][]int64, len(schema.Metrics)),
		sketches:    make(map[string]*hyperloglog.Sketch),
	}

	var bindings []colBinding
	content := make([][]string, batchReadRows)
	doc := int32(0)
	for {
		rows, cnt, err := reader.Read(batchReadRows, ctx, content)
		if err != nil {
			return nil, sterr.NewInvalidInput(ctx, "csv parse: %v", err)
		}
		if cnt == 0 {
			break
		}
		for _, row := range rows[:cnt] {
			if row == nil {
				continue
			}
			if bindings == nil {
				bindings, err = bindHeader(ctx, row, schema)
				if err != nil {
					return nil, err
				}
				continue
			}
			if len(row) != len(bindings) {
				return nil, sterr.NewInvalidInput(ctx,
					"row %d has %d columns, header has %d", doc, len(row), len(bindings))
			}
			if err := loadRow(ctx, shard, intTerms, strTerms, bindings, row, doc); err != nil {
				return nil, err
			}
			doc++
		}
		if cnt < batchReadRows {
			break
		}
	}
	if bindings == nil {
		return nil, sterr.NewInvalidInput(ctx, "empty shard file")
	}
	shard.numDocs = int(doc)

	for field, terms := range intTerms {
		posts := make([]intPosting, 0, len(terms))
		for term, docs := range terms {
			posts = append(posts, intPosting{term: term, docs: docs})
		}
		shard.intFields[field] = posts
	}
	for field, terms := range strTerms {
		posts := make([]strPosting, 0, len(terms))
		for term, docs := range terms {
			posts = append(posts, strPosting{term: term, docs: docs})
		}
		shard.strFields[field] = posts
	}
	shard.sortPostings()
	shard.finishMetricSpecs()
	return shard, nil
}

func bindHeader(ctx context.Context, header []string, schema Schema) ([]colBinding, error) {
	seen := make(map[string]bool)
	bindings := make([]colBinding, len(header))
	for i, name := range header {
		if seen[name] {
			return nil, sterr.NewInvalidInput(ctx, "duplicate column %q", name)
		}
		seen[name] = true
		bindings[i] = colBinding{role: roleSkip}
		for _, f := range schema.IntFields {
			if f == name {
				bindings[i] = colBinding{role: roleIntField, name: name}
			}
		}
		for _, f := range schema.StringFields {
			if f == name {
				bindings[i] = colBinding{role: roleStrField, name: name}
			}
		}
		for m, f := range schema.Metrics {
			if f == name {
				bindings[i] = colBinding{role: roleMetric, name: name, idx: m}
			}
		}
	}
	for _, f := range append(append(append([]string(nil),
		schema.IntFields...), schema.StringFields...), schema.Metrics...) {
		if !seen[f] {
			return nil, sterr.NewInvalidInput(ctx, "schema column %q missing from header", f)
		}
	}
	return bindings, nil
}

func loadRow(ctx context.Context, shard *Shard,
	intTerms map[string]map[int64][]int32, strTerms map[string]map[string][]int32,
	bindings []colBinding, row []string, doc int32) error {
	for i, cell := range row {
		b := bindings[i]
		switch b.role {
		case roleSkip:
		case roleIntField:
			if cell == "" {
				continue
			}
			v, err := strconv.ParseInt(cell, 10, 64)
			if err != nil {
				return sterr.NewInvalidInput(ctx, "row %d field %q: %v", doc, b.name, err)
			}
			intTerms[b.name][v] = append(intTerms[b.name][v], doc)
			shard.sketch(b.name).Insert([]byte(cell))
		case roleStrField:
			if cell == "" {
				continue
			}
			strTerms[b.name][cell] = append(strTerms[b.name][cell], doc)
			shard.sketch(b.name).Insert([]byte(cell))
		case roleMetric:
			var v int64
			if cell != "" {
				var err error
				v, err = strconv.ParseInt(cell, 10, 64)
				if err != nil {
					return sterr.NewInvalidInput(ctx, "row %d metric %q: %v", doc, b.name, err)
				}
			}
			shard.metricVals[b.idx] = append(shard.metricVals[b.idx], v)
		}
	}
	return nil
}

func (s *Shard) sketch(field string) *hyperloglog.Sketch {
	sk, ok := s.sketches[field]
	if !ok {
		sk = hyperloglog.New14()
		s.sketches[field] = sk
	}
	return sk
}
