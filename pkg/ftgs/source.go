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

	"github.com/stratadb/strata/pkg/common/sterr"
)

// bufferSource yields records from memory. Used for local shards whose
// stats pass has already materialized and in tests.
type bufferSource struct {
	recs     []TermRecord
	numStats int
	pos      int
	closed   bool
}

// NewBufferSource returns a Source over recs. recs must already be in
// stream order.
func NewBufferSource(recs []TermRecord, numStats int) Source {
	return &bufferSource{recs: recs, numStats: numStats}
}

func (s *bufferSource) NumStats() int {
	return s.numStats
}

func (s *bufferSource) Next() (*TermRecord, error) {
	if s.closed {
		return nil, sterr.NewStreamClosed(context.TODO())
	}
	if s.pos >= len(s.recs) {
		return nil, nil
	}
	r := &s.recs[s.pos]
	s.pos++
	return r, nil
}

func (s *bufferSource) Close() error {
	s.closed = true
	return nil
}

// pipeSource runs a producer goroutine that encodes a stream into an
// in-process pipe and decodes it back out, so a local shard goes
// through exactly the same framing as a remote one.
type pipeSource struct {
	dec *Decoder
	r   *io.PipeReader
}

// decoderSource pairs a Decoder with whatever feeds it.
type decoderSource struct {
	dec    *Decoder
	closer io.Closer
}

// NewDecoderSource wraps dec as a Source; Close also closes closer.
func NewDecoderSource(dec *Decoder, closer io.Closer) Source {
	return &decoderSource{dec: dec, closer: closer}
}

func (s *decoderSource) NumStats() int {
	return s.dec.NumStats()
}

func (s *decoderSource) Next() (*TermRecord, error) {
	return s.dec.Next()
}

func (s *decoderSource) Close() error {
	_ = s.dec.Close()
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// NewPipeSource starts produce in a goroutine against a fresh Encoder.
// produce must call Start, emit its fields and finish with End; any
// error it returns fails the reading side.
func NewPipeSource(numStats int, compress bool, produce func(*Encoder) error) (Source, error) {
	pr, pw := io.Pipe()
	go func() {
		err := produce(NewEncoder(pw, numStats, compress))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()
	dec, err := NewDecoder(pr)
	if err != nil {
		pr.CloseWithError(err)
		return nil, err
	}
	return &pipeSource{dec: dec, r: pr}, nil
}

func (s *pipeSource) NumStats() int {
	return s.dec.NumStats()
}

func (s *pipeSource) Next() (*TermRecord, error) {
	return s.dec.Next()
}

func (s *pipeSource) Close() error {
	s.r.CloseWithError(sterr.NewStreamClosed(context.TODO()))
	return s.dec.Close()
}
