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

package packed

import (
	"context"

	"go.uber.org/zap"

	"github.com/stratadb/strata/pkg/common/sterr"
	"github.com/stratadb/strata/pkg/logutil"
)

// MetricLookup is a read handle on one metric column. The table stays
// open until every handed-out lookup has been closed.
type MetricLookup struct {
	table  *Table
	col    int
	closed bool
}

// MetricLookup returns a read handle for column col.
func (t *Table) MetricLookup(col int) *MetricLookup {
	return &MetricLookup{table: t, col: col}
}

func (l *MetricLookup) Min() int64 {
	min, _ := l.table.ColumnRange(l.col)
	return min
}

func (l *MetricLookup) Max() int64 {
	_, max := l.table.ColumnRange(l.col)
	return max
}

// Lookup reads the column values of docIDs into out, preserving order.
func (l *MetricLookup) Lookup(docIDs []int32, out []int64) error {
	if l.closed {
		return sterr.NewColumnClosed(context.TODO())
	}
	l.table.FillValues(l.col, docIDs, out)
	return nil
}

// Close marks the handle dead. A second close is a no-op for the caller
// but is logged as a logic error.
func (l *MetricLookup) Close() {
	if l.closed {
		logutil.Error("metric lookup closed twice", zap.Int("column", l.col))
		return
	}
	l.closed = true
}
