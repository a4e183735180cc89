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

package mpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/pkg/common/sterr"
)

func TestAllocFree(t *testing.T) {
	pool := NewMPool("test", 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				buf, err := pool.Alloc(64)
				assert.NoError(t, err)
				pool.Free(buf)
			}
		}()
	}
	wg.Wait()

	stats := pool.Stats()
	assert.Equal(t, stats.NumAlloc.Load(), stats.NumFree.Load())
	assert.Equal(t, int64(0), stats.NumCurrBytes.Load())
	assert.True(t, stats.HighWaterMark.Load() > 0)
}

func TestAllocOverCap(t *testing.T) {
	pool := NewMPool("small", 1024)
	buf, err := pool.Alloc(512)
	require.NoError(t, err)

	_, err = pool.Alloc(1024)
	require.Error(t, err)
	assert.True(t, sterr.IsErrCode(err, sterr.ErrOOM))

	pool.Free(buf)
	buf, err = pool.Alloc(900)
	require.NoError(t, err)
	pool.Free(buf)
}

func TestDoubleFreePanics(t *testing.T) {
	pool := NewMPool("test", 0)
	buf, err := pool.Alloc(16)
	require.NoError(t, err)
	pool.Free(buf)
	assert.Panics(t, func() { pool.Free(buf) })
}

func TestZeroAlloc(t *testing.T) {
	pool := NewMPool("test", 0)
	buf, err := pool.Alloc(0)
	require.NoError(t, err)
	assert.Nil(t, buf)
	pool.Free(buf)
}
