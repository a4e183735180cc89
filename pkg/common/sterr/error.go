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

package sterr

import (
	"context"
	"fmt"
	"io"
)

const (
	// Ok is not an error.
	Ok uint16 = 0

	// Group 1: internal errors
	ErrStart    uint16 = 20100
	ErrInternal uint16 = 20101
	ErrOOM      uint16 = 20103

	// Group 2: invalid input
	ErrBadConfig    uint16 = 20200
	ErrInvalidInput uint16 = 20201
	ErrInvalidState uint16 = 20202

	// Group 3: packed table / accumulation
	ErrSizeLimitExceeded uint16 = 20300
	ErrColumnClosed      uint16 = 20301

	// Group 4: regroup
	ErrInvalidRule   uint16 = 20400
	ErrRegroupFailed uint16 = 20401

	// Group 5: ftgs stream / transport
	ErrMalformedStream   uint16 = 20500
	ErrSourceUnavailable uint16 = 20501
	ErrStreamClosed      uint16 = 20502
	ErrMergeAborted      uint16 = 20503

	// ErrEnd, the max value of the error code space.
	ErrEnd uint16 = 65535
)

type errorMsgItem struct {
	errorMsgOrFormat string
}

var errorMsgRefer = map[uint16]errorMsgItem{
	ErrStart:    {"internal error: error code start"},
	ErrInternal: {"internal error: %s"},
	ErrOOM:      {"error: out of memory"},

	ErrBadConfig:    {"invalid configuration: %s"},
	ErrInvalidInput: {"invalid input: %s"},
	ErrInvalidState: {"invalid state %s"},

	ErrSizeLimitExceeded: {"size limit exceeded: %s"},
	ErrColumnClosed:      {"column lookup used after close"},

	ErrInvalidRule:   {"invalid regroup rule: %s"},
	ErrRegroupFailed: {"regroup pass failed: %s"},

	ErrMalformedStream:   {"malformed ftgs stream: %s"},
	ErrSourceUnavailable: {"ftgs source unavailable: %s"},
	ErrStreamClosed:      {"ftgs stream closed"},
	ErrMergeAborted:      {"ftgs merge aborted: %s"},

	ErrEnd: {"internal error: end of error code space"},
}

// Error carries a stable numeric code plus a rendered message. The code,
// not the message text, is the contract callers test against.
type Error struct {
	code    uint16
	message string
}

func newError(_ context.Context, code uint16, args ...any) *Error {
	item, has := errorMsgRefer[code]
	if !has {
		panic(fmt.Sprintf("missing error code: %d", code))
	}
	if len(args) == 0 {
		return &Error{code: code, message: item.errorMsgOrFormat}
	}
	return &Error{code: code, message: fmt.Sprintf(item.errorMsgOrFormat, args...)}
}

func (e *Error) Error() string {
	return e.message
}

func (e *Error) ErrorCode() uint16 {
	return e.code
}

// IsErrCode reports whether e is a sterr.Error with the given code.
func IsErrCode(e error, rc uint16) bool {
	if e == nil {
		return rc == Ok
	}
	me, ok := e.(*Error)
	if !ok {
		return false
	}
	return me.code == rc
}

// ConvertGoError converts a plain go error into a coded error. An error
// that already carries a code is returned as is.
func ConvertGoError(ctx context.Context, err error) error {
	if err == nil {
		return err
	}
	if _, ok := err.(*Error); ok {
		return err
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		// io.EOF reaching here means the peer hung up mid-frame.
		return NewMalformedStream(ctx, err.Error())
	}
	return NewInternalError(ctx, "%v", err)
}

func NewInternalError(ctx context.Context, msg string, args ...any) *Error {
	return newError(ctx, ErrInternal, fmt.Sprintf(msg, args...))
}


func NewOOM(ctx context.Context) *Error {
	return newError(ctx, ErrOOM)
}

func NewBadConfig(ctx context.Context, msg string, args ...any) *Error {
	return newError(ctx, ErrBadConfig, fmt.Sprintf(msg, args...))
}

func NewInvalidInput(ctx context.Context, msg string, args ...any) *Error {
	return newError(ctx, ErrInvalidInput, fmt.Sprintf(msg, args...))
}

func NewInvalidState(ctx context.Context, msg string, args ...any) *Error {
	return newError(ctx, ErrInvalidState, fmt.Sprintf(msg, args...))
}

func NewSizeLimitExceeded(ctx context.Context, msg string, args ...any) *Error {
	return newError(ctx, ErrSizeLimitExceeded, fmt.Sprintf(msg, args...))
}

func NewColumnClosed(ctx context.Context) *Error {
	return newError(ctx, ErrColumnClosed)
}

func NewInvalidRule(ctx context.Context, msg string, args ...any) *Error {
	return newError(ctx, ErrInvalidRule, fmt.Sprintf(msg, args...))
}

func NewRegroupFailed(ctx context.Context, msg string, args ...any) *Error {
	return newError(ctx, ErrRegroupFailed, fmt.Sprintf(msg, args...))
}

func NewMalformedStream(ctx context.Context, msg string, args ...any) *Error {
	return newError(ctx, ErrMalformedStream, fmt.Sprintf(msg, args...))
}

func NewSourceUnavailable(ctx context.Context, msg string, args ...any) *Error {
	return newError(ctx, ErrSourceUnavailable, fmt.Sprintf(msg, args...))
}

func NewStreamClosed(ctx context.Context) *Error {
	return newError(ctx, ErrStreamClosed)
}

func NewMergeAborted(ctx context.Context, msg string, args ...any) *Error {
	return newError(ctx, ErrMergeAborted, fmt.Sprintf(msg, args...))
}
