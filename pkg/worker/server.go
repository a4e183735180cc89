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

package worker

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/fagongzi/goetty/v2"
	"go.uber.org/zap"

	"github.com/stratadb/strata/pkg/common/sterr"
	"github.com/stratadb/strata/pkg/ftgs"
	"github.com/stratadb/strata/pkg/tgs"
)

const writeTimeout = 30 * time.Second

// server is the goetty front end: one FTGS request per message, one
// chunked stream back.
type server struct {
	w   *Worker
	app goetty.NetApplication
}

func newServer(w *Worker, address string) (*server, error) {
	s := &server{w: w}
	enc, dec := ftgs.NewWireCodec()
	app, err := goetty.NewApplication(address, s.handle,
		goetty.WithAppSessionOptions(
			goetty.WithCodec(enc, dec),
			goetty.WithLogger(w.logger)))
	if err != nil {
		return nil, err
	}
	s.app = app
	return s, nil
}

func (s *server) start() error {
	return s.app.Start()
}

func (s *server) stop() error {
	return s.app.Stop()
}

func (s *server) handle(rs goetty.IOSession, value interface{}, _ uint64) error {
	m, ok := value.(*ftgs.WireMessage)
	if !ok || m.Type != ftgs.MsgRequest {
		return sterr.NewMalformedStream(context.TODO(), "unexpected client frame")
	}
	var req ftgs.Request
	if err := req.Unmarshal(m.Data); err != nil {
		return s.sendError(rs, err)
	}
	if err := s.serve(rs, &req); err != nil {
		s.w.logger.Error("request failed",
			zap.String("session", req.SessionID), zap.Error(err))
		return s.sendError(rs, err)
	}
	return nil
}

func (s *server) sendError(rs goetty.IOSession, err error) error {
	if werr := rs.Write(&ftgs.WireMessage{Type: ftgs.MsgError, Data: []byte(err.Error())},
		goetty.WriteOptions{}); werr != nil {
		return werr
	}
	return rs.Flush(writeTimeout)
}

// chunkWriter frames stream bytes into MsgChunk messages on the
// session.
type chunkWriter struct {
	rs goetty.IOSession
}

func (cw *chunkWriter) Write(p []byte) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)
	if err := cw.rs.Write(&ftgs.WireMessage{Type: ftgs.MsgChunk, Data: data},
		goetty.WriteOptions{}); err != nil {
		return 0, err
	}
	if err := cw.rs.Flush(writeTimeout); err != nil {
		return 0, err
	}
	return len(p), nil
}

// serve runs one stats pass per local shard of the session, merges the
// per-shard streams and chunks the merged stream onto the socket.
func (s *server) serve(rs goetty.IOSession, req *ftgs.Request) error {
	sess, err := s.w.session(req.SessionID)
	if err != nil {
		return err
	}

	// Shared for the lifetime of the stream: regroups wait, other
	// streams proceed. Released only after every shard pass goroutine
	// has stopped touching the tables.
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	var passes sync.WaitGroup
	defer passes.Wait()

	s.logFieldEstimates(sess, req)

	shards, err := splitShards(sess.shards, req.SplitIndex, req.NumSplits)
	if err != nil {
		return err
	}

	sources := make([]ftgs.Source, 0, len(shards))
	fail := func(err error) error {
		for _, src := range sources {
			_ = src.Close()
		}
		return err
	}
	for _, st := range shards {
		src, err := s.openShardSource(sess, st, req, &passes)
		if err != nil {
			return fail(err)
		}
		sources = append(sources, src)
	}

	if len(sources) == 0 {
		// Split landed on no local shards. The stream is still
		// well-formed, just empty.
		enc := ftgs.NewEncoder(&chunkWriter{rs: rs},
			len(sess.shards[0].stats), req.Compress)
		src := ftgs.NewBufferSource(nil, len(sess.shards[0].stats))
		if err := ftgs.WriteStream(enc, src, req.IntFields, req.StringFields); err != nil {
			return err
		}
		if err := rs.Write(&ftgs.WireMessage{Type: ftgs.MsgEnd}, goetty.WriteOptions{}); err != nil {
			return err
		}
		return rs.Flush(writeTimeout)
	}

	merger, err := ftgs.NewMerger(sources, req.Fields(), ftgs.MergeOptions{
		TermLimit: req.TermLimit,
		SortStat:  int(req.SortStat),
	})
	if err != nil {
		return fail(err)
	}
	defer merger.Close()

	numStats := merger.NumStats()
	enc := ftgs.NewEncoder(&chunkWriter{rs: rs}, numStats, req.Compress)
	if err := ftgs.WriteStream(enc, merger, req.IntFields, req.StringFields); err != nil {
		return err
	}
	if err := rs.Write(&ftgs.WireMessage{Type: ftgs.MsgEnd}, goetty.WriteOptions{}); err != nil {
		return err
	}
	return rs.Flush(writeTimeout)
}

// splitShards picks the shards of one split. Split 0 of 1 is the whole
// session; a split with no shards yields an empty stream, not an error.
func splitShards(shards []*shardState, index, count int32) ([]*shardState, error) {
	if count <= 1 {
		if index != 0 {
			return nil, sterr.NewInvalidInput(context.TODO(),
				"split %d of %d", index, count)
		}
		return shards, nil
	}
	if index < 0 || index >= count {
		return nil, sterr.NewInvalidInput(context.TODO(),
			"split %d of %d", index, count)
	}
	var out []*shardState
	for i, st := range shards {
		if int32(i)%count == index {
			out = append(out, st)
		}
	}
	return out, nil
}

// openShardSource starts the shard's stats pass on the task pool and
// returns the decoding end of its pipe. The caller holds the session
// lock; passes lets it wait out the goroutine.
func (s *server) openShardSource(sess *Session, st *shardState, req *ftgs.Request,
	passes *sync.WaitGroup) (ftgs.Source, error) {
	pass, err := tgs.NewPass(s.w.pool, st.table, st.stats, sess.numGroups)
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	passes.Add(1)
	run := func() {
		defer passes.Done()
		defer pass.Close()
		enc := ftgs.NewEncoder(pw, len(st.stats), false)
		if err := pass.Run(enc, st.shard, req.IntFields, req.StringFields); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}
	if err := s.w.tasks.Submit(run); err != nil {
		passes.Done()
		pass.Close()
		_ = pr.Close()
		return nil, sterr.NewInternalError(context.TODO(), "task pool: %v", err)
	}
	dec, err := ftgs.NewDecoder(pr)
	if err != nil {
		pr.CloseWithError(err)
		return nil, err
	}
	return ftgs.NewDecoderSource(dec, pr), nil
}

func (s *server) logFieldEstimates(sess *Session, req *ftgs.Request) {
	for _, f := range req.Fields() {
		var est uint64
		for _, st := range sess.shards {
			est += st.shard.DistinctTermEstimate(f)
		}
		s.w.logger.Debug("field term estimate",
			zap.String("session", sess.id),
			zap.String("field", f),
			zap.Uint64("distinctTerms", est))
	}
}
