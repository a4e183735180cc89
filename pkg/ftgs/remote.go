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

package ftgs

import (
	"context"
	"io"
	"time"

	"github.com/fagongzi/goetty/v2"
	"github.com/fagongzi/util/hack"
	"go.uber.org/zap"

	"github.com/stratadb/strata/pkg/common/sterr"
	"github.com/stratadb/strata/pkg/logutil"
)

// remoteSource pulls an FTGS stream off a worker socket. The worker
// answers a MsgRequest with MsgChunk frames carrying the raw stream
// bytes, terminated by MsgEnd or MsgError.
type remoteSource struct {
	conn goetty.IOSession
	dec  *Decoder
}

// chunkReader turns the chunk frames of a session into an io.Reader
// feeding the stream decoder.
type chunkReader struct {
	conn goetty.IOSession
	buf  []byte
	done bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	ctx := context.TODO()
	for len(r.buf) == 0 {
		if r.done {
			return 0, io.EOF
		}
		msg, err := r.conn.Read(goetty.ReadOptions{})
		if err != nil {
			return 0, sterr.NewSourceUnavailable(ctx, "%v", err)
		}
		m, ok := msg.(*WireMessage)
		if !ok {
			return 0, sterr.NewMalformedStream(ctx, "unexpected message %T", msg)
		}
		switch m.Type {
		case MsgChunk:
			r.buf = m.Data
		case MsgEnd:
			r.done = true
		case MsgError:
			return 0, sterr.NewSourceUnavailable(ctx, "worker: %s", hack.SliceToString(m.Data))
		default:
			return 0, sterr.NewMalformedStream(ctx, "unexpected frame type %d", m.Type)
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// OpenRemote connects to a worker, sends req and returns a Source over
// the answering stream.
func OpenRemote(addr string, req *Request, timeout time.Duration) (Source, error) {
	ctx := context.TODO()
	enc, dec := NewWireCodec()
	conn := goetty.NewIOSession(
		goetty.WithCodec(enc, dec),
		goetty.WithLogger(logutil.GetGlobalLogger().Named("ftgs-remote")))
	ok, err := conn.Connect(addr, timeout)
	if err != nil {
		return nil, sterr.NewSourceUnavailable(ctx, "connect %s: %v", addr, err)
	}
	if !ok {
		return nil, sterr.NewSourceUnavailable(ctx, "connect %s refused", addr)
	}
	if err := conn.Write(&WireMessage{Type: MsgRequest, Data: req.Marshal()},
		goetty.WriteOptions{}); err != nil {
		_ = conn.Close()
		return nil, sterr.NewSourceUnavailable(ctx, "send request: %v", err)
	}
	if err := conn.Flush(timeout); err != nil {
		_ = conn.Close()
		return nil, sterr.NewSourceUnavailable(ctx, "send request: %v", err)
	}

	streamDec, err := NewDecoder(&chunkReader{conn: conn})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	logutil.Debug("opened remote ftgs source",
		zap.String("addr", addr),
		zap.String("session", req.SessionID),
		zap.Int("stats", streamDec.NumStats()))
	return &remoteSource{conn: conn, dec: streamDec}, nil
}

func (s *remoteSource) NumStats() int {
	return s.dec.NumStats()
}

func (s *remoteSource) Next() (*TermRecord, error) {
	return s.dec.Next()
}

func (s *remoteSource) Close() error {
	_ = s.dec.Close()
	return s.conn.Close()
}
