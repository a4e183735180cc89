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

package shardmap

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratadb/strata/pkg/logutil"
)

// FetchFunc resolves the current assignments per dataset from
// whatever upstream owns the truth.
type FetchFunc func(ctx context.Context) (map[string][]Assignment, error)

// Refresher keeps a Store current by polling a FetchFunc on a fixed
// interval. A failed fetch leaves the store as is; rows then age out
// through staleness.
type Refresher struct {
	store    *Store
	interval time.Duration
	fetch    FetchFunc

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewRefresher(store *Store, interval time.Duration, fetch FetchFunc) *Refresher {
	return &Refresher{store: store, interval: interval, fetch: fetch}
}

func (r *Refresher) Start() {
	if r.started {
		return
	}
	r.started = true
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.loop(ctx)
}

func (r *Refresher) Stop() {
	if !r.started {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.started = false
}

func (r *Refresher) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.refreshOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshOnce(ctx)
		}
	}
}

func (r *Refresher) refreshOnce(ctx context.Context) {
	byDataset, err := r.fetch(ctx)
	if err != nil {
		logutil.Warn("assignment refresh failed", zap.Error(err))
		return
	}
	for dataset, assignments := range byDataset {
		if err := r.store.Update(dataset, assignments); err != nil {
			logutil.Error("assignment update failed",
				zap.String("dataset", dataset), zap.Error(err))
			return
		}
	}
}
