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

// Package worker runs one shard worker: it owns the packed tables of
// its loaded shards, runs stats and regroup passes over them and
// serves merged FTGS streams to query sessions over a socket.
package worker

import (
	"context"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/stratadb/strata/pkg/common/mpool"
	"github.com/stratadb/strata/pkg/common/sterr"
	"github.com/stratadb/strata/pkg/config"
	"github.com/stratadb/strata/pkg/container/packed"
	"github.com/stratadb/strata/pkg/ingest"
	"github.com/stratadb/strata/pkg/logutil"
	"github.com/stratadb/strata/pkg/regroup"
	"github.com/stratadb/strata/pkg/tgs"
)

// Stat selects one statistic of a session: a named metric column, or
// the document count.
type Stat struct {
	Metric string
	Count  bool
}

type shardState struct {
	shard *ingest.Shard
	table *packed.Table
	stats []int
}

// Session is the worker-side state of one query session: the packed
// tables of every local shard of the dataset plus the configured stat
// columns. Group state persists across stats passes until the session
// closes. mu serializes regroups against running stats passes: a
// regroup holds it exclusively, a served stream holds it shared for
// its whole lifetime.
type Session struct {
	id      string
	dataset string

	mu        sync.RWMutex
	shards    []*shardState
	numGroups int
}

// NumGroups reports the current group id bound of the session.
func (s *Session) NumGroups() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.numGroups
}

// Worker hosts sessions and the socket front end.
type Worker struct {
	cfg    *config.WorkerConfig
	pool   *mpool.MPool
	tasks  *ants.Pool
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	server *server
}

// New builds a worker from cfg. Start brings up the socket listener.
func New(cfg *config.WorkerConfig) (*Worker, error) {
	tasks, err := ants.NewPool(cfg.TGSConcurrency)
	if err != nil {
		return nil, err
	}
	w := &Worker{
		cfg:      cfg,
		pool:     mpool.NewMPool("worker-"+cfg.NodeID, cfg.MemoryLimit),
		tasks:    tasks,
		logger:   logutil.GetGlobalLogger().Named("worker"),
		sessions: make(map[string]*Session),
	}
	srv, err := newServer(w, cfg.ListenAddress)
	if err != nil {
		tasks.Release()
		return nil, err
	}
	w.server = srv
	return w, nil
}

func (w *Worker) Start() error {
	w.logger.Info("worker starting",
		zap.String("node", w.cfg.NodeID),
		zap.String("listen", w.cfg.ListenAddress))
	return w.server.start()
}

// Stop tears down the listener, every open session and the task pool.
func (w *Worker) Stop() error {
	err := w.server.stop()
	w.mu.Lock()
	for id, sess := range w.sessions {
		closeSession(sess)
		delete(w.sessions, id)
	}
	w.mu.Unlock()
	w.tasks.Release()
	return err
}

// OpenSession builds packed tables for shards and registers the
// session. Every document starts in group 1.
func (w *Worker) OpenSession(id, dataset string, shards []*ingest.Shard, stats []Stat) error {
	ctx := context.TODO()
	if len(shards) == 0 {
		return sterr.NewInvalidInput(ctx, "session %q without shards", id)
	}
	if len(stats) == 0 {
		return sterr.NewInvalidInput(ctx, "session %q without stats", id)
	}
	sess := &Session{id: id, dataset: dataset, numGroups: 2}
	for _, shard := range shards {
		cols := make([]int, len(stats))
		for i, st := range stats {
			if st.Count {
				cols[i] = tgs.StatCount
				continue
			}
			col, err := shard.MetricColumn(st.Metric)
			if err != nil {
				closeSession(sess)
				return err
			}
			cols[i] = col
		}
		table, err := shard.BuildTable(w.pool, false)
		if err != nil {
			closeSession(sess)
			return err
		}
		sess.shards = append(sess.shards, &shardState{shard: shard, table: table, stats: cols})
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, dup := w.sessions[id]; dup {
		closeSession(sess)
		return sterr.NewInvalidState(ctx, "session %q already open", id)
	}
	w.sessions[id] = sess

	// Every shard's stats pass must be able to run at once while a
	// merge drains them, so the task pool can never be smaller than
	// the total shard count of open sessions.
	total := 0
	for _, s := range w.sessions {
		total += len(s.shards)
	}
	if total > w.tasks.Cap() {
		w.tasks.Tune(total)
	}
	w.logger.Info("session opened",
		zap.String("session", id),
		zap.String("dataset", dataset),
		zap.Int("shards", len(sess.shards)))
	return nil
}

// CloseSession releases the session's tables. Unknown ids are a no-op.
func (w *Worker) CloseSession(id string) {
	w.mu.Lock()
	sess := w.sessions[id]
	delete(w.sessions, id)
	w.mu.Unlock()
	if sess != nil {
		closeSession(sess)
		w.logger.Info("session closed", zap.String("session", id))
	}
}

func closeSession(sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for _, st := range sess.shards {
		st.table.Close()
	}
	sess.shards = nil
}

func (w *Worker) session(id string) (*Session, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	sess, ok := w.sessions[id]
	if !ok {
		return nil, sterr.NewInvalidInput(context.TODO(), "no session %q", id)
	}
	return sess, nil
}

// Regroup applies one rule set to every shard of a session. Each shard
// runs its own pass with its own marker; a failed shard leaves the
// session's group state indeterminate and the caller must close it.
func (w *Worker) Regroup(id, field string, isString bool, rules []regroup.Rule) error {
	sess, err := w.session(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for _, st := range sess.shards {
		pass, err := regroup.NewPass(st.table, field, isString, rules,
			regroup.NewMarker(st.table.NumDocs()))
		if err != nil {
			return err
		}
		if err := pass.Run(st.shard); err != nil {
			return err
		}
	}
	for _, r := range rules {
		if int(r.PositiveGroup) >= sess.numGroups {
			sess.numGroups = int(r.PositiveGroup) + 1
		}
		if int(r.NegativeGroup) >= sess.numGroups {
			sess.numGroups = int(r.NegativeGroup) + 1
		}
	}
	w.logger.Debug("regroup applied",
		zap.String("session", id),
		zap.String("field", field),
		zap.Int("rules", len(rules)),
		zap.Int("numGroups", sess.numGroups))
	return nil
}

// BitsetRegroup splits one group by an explicit per-shard doc bitset
// instead of a field scan: set bit means positive. bits is called with
// the shard index and may return nil for an empty bitset.
func (w *Worker) BitsetRegroup(id string, target, negative, positive int32,
	bits func(shardIdx int) *roaring.Bitmap) error {
	sess, err := w.session(id)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for i, st := range sess.shards {
		bm := bits(i)
		if bm == nil {
			bm = roaring.New()
		}
		if err := st.table.BitsetRegroup(bm, target, negative, positive); err != nil {
			return err
		}
	}
	if int(positive) >= sess.numGroups {
		sess.numGroups = int(positive) + 1
	}
	if int(negative) >= sess.numGroups {
		sess.numGroups = int(negative) + 1
	}
	return nil
}
