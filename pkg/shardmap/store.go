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

// Package shardmap persists which host owns which shard of a dataset.
// Assignments are written on every refresh cycle; rows that stop being
// refreshed go stale and are dropped. Readers treat the store as
// already-resolved input and never see stale rows.
package shardmap

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/stratadb/strata/pkg/common/sterr"
	"github.com/stratadb/strata/pkg/encoding"
)

var nowFunc = time.Now

// Assignment maps one shard of a dataset to the host serving it.
type Assignment struct {
	Dataset   string
	ShardPath string
	Host      string
}

// Store is the pebble-backed assignment map.
type Store struct {
	db        *pebble.DB
	staleness time.Duration
}

// Open opens or creates the store under dir.
func Open(dir string, staleness time.Duration) (*Store, error) {
	if staleness <= 0 {
		return nil, sterr.NewBadConfig(context.TODO(), "staleness %v", staleness)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db, staleness: staleness}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func assignmentKey(dataset, shardPath string) []byte {
	k := make([]byte, 0, 2+len(dataset)+1+len(shardPath))
	k = append(k, 'a', '/')
	k = append(k, dataset...)
	k = append(k, 0)
	return append(k, shardPath...)
}

func splitKey(k []byte) (dataset, shardPath string, ok bool) {
	if len(k) < 2 || k[0] != 'a' || k[1] != '/' {
		return "", "", false
	}
	rest := string(k[2:])
	i := strings.IndexByte(rest, 0)
	if i < 0 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

func encodeValue(host string, ts time.Time) []byte {
	v := make([]byte, 0, 8+len(host))
	v = append(v, encoding.EncodeInt64(ts.UnixNano())...)
	return append(v, host...)
}

func decodeValue(v []byte) (host string, ts time.Time, err error) {
	if len(v) < 8 {
		return "", time.Time{}, sterr.NewInternalError(context.TODO(), "corrupt assignment value")
	}
	return string(v[8:]), time.Unix(0, encoding.DecodeInt64(v)), nil
}

func upperBound(k []byte) []byte {
	u := make([]byte, len(k))
	copy(u, k)
	for i := len(u) - 1; i >= 0; i-- {
		u[i]++
		if u[i] != 0 {
			return u[:i+1]
		}
	}
	return nil
}

// Update writes a dataset's current assignments in one batch, then
// drops every row of that dataset that has gone stale.
func (s *Store) Update(dataset string, assignments []Assignment) error {
	now := nowFunc()
	bat := s.db.NewBatch()
	for _, a := range assignments {
		if a.Dataset != dataset {
			_ = bat.Close()
			return sterr.NewInvalidInput(context.TODO(),
				"assignment dataset %q in update of %q", a.Dataset, dataset)
		}
		if err := bat.Set(assignmentKey(dataset, a.ShardPath), encodeValue(a.Host, now), nil); err != nil {
			_ = bat.Close()
			return err
		}
	}
	if err := bat.Commit(nil); err != nil {
		return err
	}
	return s.dropStale(dataset, now)
}

func (s *Store) dropStale(dataset string, now time.Time) error {
	prefix := assignmentKey(dataset, "")
	it := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	defer it.Close()

	var stale [][]byte
	for it.First(); it.Valid(); it.Next() {
		_, ts, err := decodeValue(it.Value())
		if err != nil {
			return err
		}
		if now.Sub(ts) > s.staleness {
			k := make([]byte, len(it.Key()))
			copy(k, it.Key())
			stale = append(stale, k)
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	for _, k := range stale {
		if err := s.db.Delete(k, nil); err != nil {
			return err
		}
	}
	return nil
}

// Assignments returns every live shard assigned to host, across all
// datasets.
func (s *Store) Assignments(host string) ([]Assignment, error) {
	prefix := []byte("a/")
	it := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	defer it.Close()

	now := nowFunc()
	var out []Assignment
	for it.First(); it.Valid(); it.Next() {
		h, ts, err := decodeValue(it.Value())
		if err != nil {
			return nil, err
		}
		if h != host || now.Sub(ts) > s.staleness {
			continue
		}
		dataset, shardPath, ok := splitKey(it.Key())
		if !ok {
			return nil, sterr.NewInternalError(context.TODO(), "corrupt assignment key")
		}
		out = append(out, Assignment{Dataset: dataset, ShardPath: shardPath, Host: h})
	}
	return out, it.Error()
}

// DatasetAssignments returns a dataset's live shard assignments.
func (s *Store) DatasetAssignments(dataset string) ([]Assignment, error) {
	prefix := assignmentKey(dataset, "")
	it := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	defer it.Close()

	now := nowFunc()
	var out []Assignment
	for it.First(); it.Valid(); it.Next() {
		h, ts, err := decodeValue(it.Value())
		if err != nil {
			return nil, err
		}
		if now.Sub(ts) > s.staleness {
			continue
		}
		_, shardPath, ok := splitKey(it.Key())
		if !ok {
			return nil, sterr.NewInternalError(context.TODO(), "corrupt assignment key")
		}
		out = append(out, Assignment{Dataset: dataset, ShardPath: shardPath, Host: h})
	}
	return out, it.Error()
}
