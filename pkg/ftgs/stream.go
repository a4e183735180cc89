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

	"github.com/stratadb/strata/pkg/common/sterr"
)

// WriteStream re-encodes src onto enc, framing every requested field
// in order. Fields without a single surviving term still get their
// FIELD_START and FIELD_END frames.
func WriteStream(enc *Encoder, src Source, intFields, stringFields []string) error {
	if err := enc.Start(); err != nil {
		return err
	}
	rec, err := src.Next()
	if err != nil {
		return err
	}
	emit := func(name string, isString bool) error {
		if err := enc.StartField(name, isString); err != nil {
			return err
		}
		for rec != nil && rec.Field == name {
			if rec.IsString != isString {
				return sterr.NewMalformedStream(context.TODO(),
					"field %q term kind flip", name)
			}
			if err := enc.WriteTerm(rec); err != nil {
				return err
			}
			if rec, err = src.Next(); err != nil {
				return err
			}
		}
		return enc.EndField()
	}
	for _, f := range intFields {
		if err := emit(f, false); err != nil {
			return err
		}
	}
	for _, f := range stringFields {
		if err := emit(f, true); err != nil {
			return err
		}
	}
	if rec != nil {
		return sterr.NewMalformedStream(context.TODO(),
			"record for %q after requested fields", rec.Field)
	}
	return enc.End()
}
