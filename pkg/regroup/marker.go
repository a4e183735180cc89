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

import "sync/atomic"

const wordBits = 64

// Marker is the shared "doc already remapped" set of one regroup pass.
// TrySet is an atomic test-and-set, so duplicate (term, doc)
// occurrences across concurrent fragment scans resolve to exactly one
// winner.
type Marker struct {
	words []uint64
	n     int
}

func NewMarker(numDocs int) *Marker {
	return &Marker{
		words: make([]uint64, (numDocs+wordBits-1)/wordBits),
		n:     numDocs,
	}
}

func (m *Marker) Len() int {
	return m.n
}

// TrySet marks doc, reporting whether this call was the one that set
// it.
func (m *Marker) TrySet(doc int32) bool {
	w := &m.words[int(doc)/wordBits]
	bit := uint64(1) << (uint(doc) % wordBits)
	for {
		old := atomic.LoadUint64(w)
		if old&bit != 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(w, old, old|bit) {
			return true
		}
	}
}

func (m *Marker) IsSet(doc int32) bool {
	bit := uint64(1) << (uint(doc) % wordBits)
	return atomic.LoadUint64(&m.words[int(doc)/wordBits])&bit != 0
}
