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
	"bufio"
	"context"
	"encoding/binary"
	"io"

	"github.com/pierrec/lz4/v4"

	"github.com/stratadb/strata/pkg/common/sterr"
)

// Stream framing. All integers are little endian fixed width. The
// stream header is never compressed; when flagLZ4 is set everything
// after it is one lz4 frame.
const (
	tagStreamStart byte = 0x01
	tagFieldStart  byte = 0x02
	tagTerm        byte = 0x03
	tagFieldEnd    byte = 0x04
	tagStreamEnd   byte = 0x05

	streamVersion byte = 1

	flagLZ4 byte = 1 << 0

	fieldTypeInt    byte = 0
	fieldTypeString byte = 1

	maxFieldNameLen = 1 << 10
	maxNumStats     = 255
	maxStrTermLen   = 1 << 20
	maxGroupCount   = 1 << 28
)

// Encoder writes an FTGS stream. Calls must follow stream order:
// Start, then per field StartField / WriteTerm* / EndField, then End.
type Encoder struct {
	raw      io.Writer
	lz       *lz4.Writer
	w        *bufio.Writer
	numStats int
	started  bool
	inField  bool
	isString bool
	scratch  [8]byte
}

func NewEncoder(w io.Writer, numStats int, compress bool) *Encoder {
	e := &Encoder{raw: w, numStats: numStats}
	if compress {
		e.lz = lz4.NewWriter(w)
		e.w = bufio.NewWriter(e.lz)
	} else {
		e.w = bufio.NewWriter(w)
	}
	return e
}

func (e *Encoder) NumStats() int {
	return e.numStats
}

func (e *Encoder) writeUint32(v uint32) error {
	binary.LittleEndian.PutUint32(e.scratch[:4], v)
	_, err := e.w.Write(e.scratch[:4])
	return err
}

func (e *Encoder) writeInt64(v int64) error {
	binary.LittleEndian.PutUint64(e.scratch[:8], uint64(v))
	_, err := e.w.Write(e.scratch[:8])
	return err
}

// Start writes the stream header directly to the underlying writer,
// before any compression kicks in.
func (e *Encoder) Start() error {
	if e.started {
		return sterr.NewInvalidState(context.TODO(), "stream already started")
	}
	// The header carries the stat width in one byte.
	if e.numStats < 1 || e.numStats > maxNumStats {
		return sterr.NewInvalidInput(context.TODO(), "stat width %d", e.numStats)
	}
	e.started = true
	flags := byte(0)
	if e.lz != nil {
		flags |= flagLZ4
	}
	_, err := e.raw.Write([]byte{tagStreamStart, streamVersion, byte(e.numStats), flags})
	return err
}

func (e *Encoder) StartField(name string, isString bool) error {
	if !e.started || e.inField {
		return sterr.NewInvalidState(context.TODO(), "field start out of order")
	}
	if len(name) == 0 || len(name) > maxFieldNameLen {
		return sterr.NewInvalidInput(context.TODO(), "field name length %d", len(name))
	}
	e.inField = true
	e.isString = isString
	ft := fieldTypeInt
	if isString {
		ft = fieldTypeString
	}
	if err := e.w.WriteByte(tagFieldStart); err != nil {
		return err
	}
	if err := e.w.WriteByte(ft); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(e.scratch[:2], uint16(len(name)))
	if _, err := e.w.Write(e.scratch[:2]); err != nil {
		return err
	}
	_, err := e.w.WriteString(name)
	return err
}

// WriteTerm emits one term with its group/stat rows. The record's term
// kind must match the open field.
func (e *Encoder) WriteTerm(rec *TermRecord) error {
	if !e.inField {
		return sterr.NewInvalidState(context.TODO(), "term outside field")
	}
	if rec.IsString != e.isString {
		return sterr.NewInvalidInput(context.TODO(), "term kind mismatch on field")
	}
	if len(rec.Stats) != len(rec.Groups)*e.numStats {
		return sterr.NewInvalidInput(context.TODO(),
			"stat row mismatch: %d groups, %d stats", len(rec.Groups), len(rec.Stats))
	}
	if err := e.w.WriteByte(tagTerm); err != nil {
		return err
	}
	if e.isString {
		if len(rec.StrTerm) > maxStrTermLen {
			return sterr.NewInvalidInput(context.TODO(), "term length %d", len(rec.StrTerm))
		}
		if err := e.writeUint32(uint32(len(rec.StrTerm))); err != nil {
			return err
		}
		if _, err := e.w.Write(rec.StrTerm); err != nil {
			return err
		}
	} else {
		if err := e.writeInt64(rec.IntTerm); err != nil {
			return err
		}
	}
	if err := e.writeUint32(uint32(len(rec.Groups))); err != nil {
		return err
	}
	for i, g := range rec.Groups {
		if err := e.writeUint32(uint32(g)); err != nil {
			return err
		}
		for _, s := range rec.StatsOf(i, e.numStats) {
			if err := e.writeInt64(s); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Encoder) EndField() error {
	if !e.inField {
		return sterr.NewInvalidState(context.TODO(), "field end outside field")
	}
	e.inField = false
	return e.w.WriteByte(tagFieldEnd)
}

// End terminates the stream and flushes everything down to the
// underlying writer.
func (e *Encoder) End() error {
	if !e.started || e.inField {
		return sterr.NewInvalidState(context.TODO(), "stream end out of order")
	}
	if err := e.w.WriteByte(tagStreamEnd); err != nil {
		return err
	}
	if err := e.w.Flush(); err != nil {
		return err
	}
	if e.lz != nil {
		return e.lz.Close()
	}
	return nil
}

// Decoder reads an FTGS stream and yields term records. Any framing
// violation is fatal: the first error sticks and every later call
// returns it.
type Decoder struct {
	r        *bufio.Reader
	numStats int
	inField  bool
	done     bool
	err      error
	field    string
	isString bool
	rec      TermRecord
	scratch  [8]byte
}

// NewDecoder consumes the stream header of r. The reported stat width
// comes from the header.
func NewDecoder(r io.Reader) (*Decoder, error) {
	ctx := context.TODO()
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, sterr.ConvertGoError(ctx, err)
	}
	if hdr[0] != tagStreamStart {
		return nil, sterr.NewMalformedStream(ctx, "bad stream tag 0x%02x", hdr[0])
	}
	if hdr[1] != streamVersion {
		return nil, sterr.NewMalformedStream(ctx, "unsupported stream version %d", hdr[1])
	}
	if hdr[3]&^flagLZ4 != 0 {
		return nil, sterr.NewMalformedStream(ctx, "unknown stream flags 0x%02x", hdr[3])
	}
	if hdr[2] == 0 {
		return nil, sterr.NewMalformedStream(ctx, "zero stat width")
	}
	body := r
	if hdr[3]&flagLZ4 != 0 {
		body = lz4.NewReader(r)
	}
	return &Decoder{
		r:        bufio.NewReader(body),
		numStats: int(hdr[2]),
	}, nil
}

func (d *Decoder) NumStats() int {
	return d.numStats
}

func (d *Decoder) fail(err error) error {
	d.err = sterr.ConvertGoError(context.TODO(), err)
	return d.err
}

func (d *Decoder) readUint32() (uint32, error) {
	if _, err := io.ReadFull(d.r, d.scratch[:4]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(d.scratch[:4]), nil
}

func (d *Decoder) readInt64() (int64, error) {
	if _, err := io.ReadFull(d.r, d.scratch[:8]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(d.scratch[:8])), nil
}

// Next returns the next term record, or (nil, nil) once STREAM_END was
// read. The record aliases decoder buffers and is overwritten by the
// following call.
func (d *Decoder) Next() (*TermRecord, error) {
	ctx := context.TODO()
	if d.err != nil {
		return nil, d.err
	}
	if d.done {
		return nil, nil
	}
	for {
		tag, err := d.r.ReadByte()
		if err != nil {
			return nil, d.fail(err)
		}
		switch tag {
		case tagFieldStart:
			if d.inField {
				return nil, d.fail(sterr.NewMalformedStream(ctx, "nested field"))
			}
			if err := d.readFieldStart(); err != nil {
				return nil, d.fail(err)
			}
		case tagTerm:
			if !d.inField {
				return nil, d.fail(sterr.NewMalformedStream(ctx, "term outside field"))
			}
			if err := d.readTerm(); err != nil {
				return nil, d.fail(err)
			}
			return &d.rec, nil
		case tagFieldEnd:
			if !d.inField {
				return nil, d.fail(sterr.NewMalformedStream(ctx, "field end outside field"))
			}
			d.inField = false
		case tagStreamEnd:
			if d.inField {
				return nil, d.fail(sterr.NewMalformedStream(ctx, "stream end inside field"))
			}
			d.done = true
			return nil, nil
		default:
			return nil, d.fail(sterr.NewMalformedStream(ctx, "bad frame tag 0x%02x", tag))
		}
	}
}

func (d *Decoder) readFieldStart() error {
	ctx := context.TODO()
	ft, err := d.r.ReadByte()
	if err != nil {
		return err
	}
	if ft != fieldTypeInt && ft != fieldTypeString {
		return sterr.NewMalformedStream(ctx, "bad field type %d", ft)
	}
	if _, err := io.ReadFull(d.r, d.scratch[:2]); err != nil {
		return err
	}
	nameLen := int(binary.LittleEndian.Uint16(d.scratch[:2]))
	if nameLen == 0 || nameLen > maxFieldNameLen {
		return sterr.NewMalformedStream(ctx, "field name length %d", nameLen)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(d.r, name); err != nil {
		return err
	}
	d.inField = true
	d.field = string(name)
	d.isString = ft == fieldTypeString
	return nil
}

func (d *Decoder) readTerm() error {
	ctx := context.TODO()
	d.rec.Field = d.field
	d.rec.IsString = d.isString
	if d.isString {
		termLen, err := d.readUint32()
		if err != nil {
			return err
		}
		if termLen > maxStrTermLen {
			return sterr.NewMalformedStream(ctx, "term length %d", termLen)
		}
		if cap(d.rec.StrTerm) < int(termLen) {
			d.rec.StrTerm = make([]byte, termLen)
		}
		d.rec.StrTerm = d.rec.StrTerm[:termLen]
		if _, err := io.ReadFull(d.r, d.rec.StrTerm); err != nil {
			return err
		}
	} else {
		term, err := d.readInt64()
		if err != nil {
			return err
		}
		d.rec.IntTerm = term
	}

	groupCount, err := d.readUint32()
	if err != nil {
		return err
	}
	if groupCount > maxGroupCount {
		return sterr.NewMalformedStream(ctx, "group count %d", groupCount)
	}
	n := int(groupCount)
	if cap(d.rec.Groups) < n {
		d.rec.Groups = make([]int32, n)
		d.rec.Stats = make([]int64, n*d.numStats)
	}
	d.rec.Groups = d.rec.Groups[:n]
	d.rec.Stats = d.rec.Stats[:n*d.numStats]
	prev := int32(-1)
	for i := 0; i < n; i++ {
		g, err := d.readUint32()
		if err != nil {
			return err
		}
		if g >= maxGroupCount {
			return sterr.NewMalformedStream(ctx, "group id %d", g)
		}
		if int32(g) <= prev {
			return sterr.NewMalformedStream(ctx, "groups not ascending at %d", g)
		}
		prev = int32(g)
		d.rec.Groups[i] = int32(g)
		for s := 0; s < d.numStats; s++ {
			v, err := d.readInt64()
			if err != nil {
				return err
			}
			d.rec.Stats[i*d.numStats+s] = v
		}
	}
	return nil
}

// Close marks the decoder unusable. The caller owns the underlying
// reader.
func (d *Decoder) Close() error {
	if d.err == nil && !d.done {
		d.err = sterr.NewStreamClosed(context.TODO())
	}
	return nil
}
