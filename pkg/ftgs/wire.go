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
	"encoding/binary"

	"github.com/fagongzi/goetty/v2/buf"
	"github.com/fagongzi/goetty/v2/codec"
	"github.com/fagongzi/goetty/v2/codec/length"

	"github.com/stratadb/strata/pkg/common/sterr"
)

// Socket framing between a session and a worker. Each frame is a
// length-prefixed message: one type byte plus a body. Request carries
// an encoded Request, Chunk a slice of the FTGS byte stream, Error a
// worker-side failure message and End closes a successful stream.
const (
	MsgRequest byte = 1
	MsgChunk   byte = 2
	MsgEnd     byte = 3
	MsgError   byte = 4
)

// WireMessage is one frame on the worker socket.
type WireMessage struct {
	Type byte
	Data []byte
}

type wireCodec struct{}

// NewWireCodec returns the encoder/decoder pair for worker sockets.
func NewWireCodec() (codec.Encoder, codec.Decoder) {
	bc := &wireCodec{}
	_, decoder := length.New(bc, bc)
	return bc, decoder
}

func (c *wireCodec) Decode(in *buf.ByteBuf) (bool, interface{}, error) {
	data := in.GetMarkedRemindData()
	if len(data) < 1 {
		return false, nil, sterr.NewMalformedStream(context.TODO(), "empty frame")
	}
	m := &WireMessage{Type: data[0]}
	if len(data) > 1 {
		m.Data = append([]byte(nil), data[1:]...)
	}
	in.MarkedBytesReaded()
	return true, m, nil
}

func (c *wireCodec) Encode(data interface{}, out *buf.ByteBuf) error {
	m, ok := data.(*WireMessage)
	if !ok {
		return sterr.NewInternalError(context.TODO(), "not a wire message: %T", data)
	}
	buf.MustWriteInt(out, 1+len(m.Data))
	buf.MustWriteByte(out, m.Type)
	if len(m.Data) > 0 {
		if _, err := out.Write(m.Data); err != nil {
			return err
		}
	}
	return nil
}

// Request asks a worker for the FTGS stream of one of its open shard
// sessions.
type Request struct {
	SessionID    string
	IntFields    []string
	StringFields []string

	// SplitIndex/NumSplits select the shard subset this stream covers.
	// NumSplits <= 1 streams every local shard.
	SplitIndex int32
	NumSplits  int32

	TermLimit int64
	SortStat  int32
	Compress  bool
}

func writeString(dst []byte, s string) []byte {
	var n [2]byte
	binary.LittleEndian.PutUint16(n[:], uint16(len(s)))
	dst = append(dst, n[:]...)
	return append(dst, s...)
}

func readString(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, sterr.NewMalformedStream(context.TODO(), "truncated request")
	}
	n := int(binary.LittleEndian.Uint16(data))
	data = data[2:]
	if len(data) < n {
		return "", nil, sterr.NewMalformedStream(context.TODO(), "truncated request")
	}
	return string(data[:n]), data[n:], nil
}

// Marshal encodes the request into the body of a MsgRequest frame.
func (r *Request) Marshal() []byte {
	size := 2 + len(r.SessionID) + 2 + 2 + 4 + 4 + 8 + 4 + 1
	for _, f := range r.IntFields {
		size += 2 + len(f)
	}
	for _, f := range r.StringFields {
		size += 2 + len(f)
	}
	data := make([]byte, 0, size)
	data = writeString(data, r.SessionID)

	var n [8]byte
	binary.LittleEndian.PutUint16(n[:2], uint16(len(r.IntFields)))
	data = append(data, n[:2]...)
	for _, f := range r.IntFields {
		data = writeString(data, f)
	}
	binary.LittleEndian.PutUint16(n[:2], uint16(len(r.StringFields)))
	data = append(data, n[:2]...)
	for _, f := range r.StringFields {
		data = writeString(data, f)
	}
	binary.LittleEndian.PutUint32(n[:4], uint32(r.SplitIndex))
	data = append(data, n[:4]...)
	binary.LittleEndian.PutUint32(n[:4], uint32(r.NumSplits))
	data = append(data, n[:4]...)
	binary.LittleEndian.PutUint64(n[:8], uint64(r.TermLimit))
	data = append(data, n[:8]...)
	binary.LittleEndian.PutUint32(n[:4], uint32(r.SortStat))
	data = append(data, n[:4]...)
	if r.Compress {
		data = append(data, 1)
	} else {
		data = append(data, 0)
	}
	return data
}

// Unmarshal decodes a MsgRequest body.
func (r *Request) Unmarshal(data []byte) error {
	ctx := context.TODO()
	var err error
	if r.SessionID, data, err = readString(data); err != nil {
		return err
	}
	readList := func(data []byte) ([]string, []byte, error) {
		if len(data) < 2 {
			return nil, nil, sterr.NewMalformedStream(ctx, "truncated request")
		}
		n := int(binary.LittleEndian.Uint16(data))
		data = data[2:]
		out := make([]string, 0, n)
		for i := 0; i < n; i++ {
			var s string
			var err error
			if s, data, err = readString(data); err != nil {
				return nil, nil, err
			}
			out = append(out, s)
		}
		return out, data, nil
	}
	if r.IntFields, data, err = readList(data); err != nil {
		return err
	}
	if r.StringFields, data, err = readList(data); err != nil {
		return err
	}
	if len(data) < 4+4+8+4+1 {
		return sterr.NewMalformedStream(ctx, "truncated request")
	}
	r.SplitIndex = int32(binary.LittleEndian.Uint32(data))
	r.NumSplits = int32(binary.LittleEndian.Uint32(data[4:]))
	r.TermLimit = int64(binary.LittleEndian.Uint64(data[8:]))
	r.SortStat = int32(binary.LittleEndian.Uint32(data[16:]))
	r.Compress = data[20] != 0
	return nil
}

// Fields returns the request order field list: int fields first, then
// string fields.
func (r *Request) Fields() []string {
	out := make([]string, 0, len(r.IntFields)+len(r.StringFields))
	out = append(out, r.IntFields...)
	return append(out, r.StringFields...)
}
