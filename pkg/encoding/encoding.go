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

// Package encoding holds fixed-width little-endian helpers and the
// byte <-> typed slice casts shared by the packed table and the
// shardmap value layout.
package encoding

import (
	"encoding/binary"
	"unsafe"
)

func EncodeUint64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func DecodeUint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func EncodeInt64(v int64) []byte {
	return EncodeUint64(uint64(v))
}

func DecodeInt64(b []byte) int64 {
	return int64(DecodeUint64(b))
}

// BytesToUint64Slice reinterprets b as a []uint64 without copying.
// len(b) must be a multiple of 8.
func BytesToUint64Slice(b []byte) []uint64 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), len(b)/8)
}

// BytesToInt64Slice reinterprets b as a []int64 without copying.
func BytesToInt64Slice(b []byte) []int64 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*int64)(unsafe.Pointer(&b[0])), len(b)/8)
}
