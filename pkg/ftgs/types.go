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

// Package ftgs defines the field-term-group-stats stream: the record
// model, the wire codec, merge across shard sources and the transport
// for pulling a stream off a remote worker.
package ftgs

import "bytes"

// TermRecord is one term of an FTGS stream: the owning field, the term
// itself and the non-empty groups with their stat sums. Groups is
// ascending; Stats is row-major with one row of NumStats values per
// group.
type TermRecord struct {
	Field    string
	IsString bool
	IntTerm  int64
	StrTerm  []byte
	Groups   []int32
	Stats    []int64
}

// StatsOf returns the stat row of Groups[i].
func (r *TermRecord) StatsOf(i, numStats int) []int64 {
	return r.Stats[i*numStats : (i+1)*numStats]
}

// Source is a pull iterator over an FTGS stream. Records come out in
// stream order: fields in request order, terms ascending within a
// field, groups ascending within a term. The returned record is only
// valid until the next call to Next.
type Source interface {
	// NumStats is the stat row width of every record.
	NumStats() int

	// Next returns the next term record, or (nil, nil) at end of
	// stream. After a non-nil error the source is unusable.
	Next() (*TermRecord, error)

	// Close releases the source. Closing an undrained source is
	// allowed and must tear down whatever feeds it.
	Close() error
}

// compareKey orders two positions in FTGS stream order. Fields are
// compared by request rank, int terms numerically, string terms as raw
// bytes.
func compareKey(aRank int, a *TermRecord, bRank int, b *TermRecord) int {
	if aRank != bRank {
		if aRank < bRank {
			return -1
		}
		return 1
	}
	if a.IsString {
		return bytes.Compare(a.StrTerm, b.StrTerm)
	}
	if a.IntTerm != b.IntTerm {
		if a.IntTerm < b.IntTerm {
			return -1
		}
		return 1
	}
	return 0
}
