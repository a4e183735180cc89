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

package shardmap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prashantv/gostub"
	"github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, staleness time.Duration) *Store {
	s, err := Open(t.TempDir(), staleness)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestStoreUpdateAndLookup(t *testing.T) {
	convey.Convey("assignments round-trip per host and dataset", t, func() {
		s := openTestStore(t, 5*time.Minute)

		err := s.Update("jobs", []Assignment{
			{Dataset: "jobs", ShardPath: "idx20230101", Host: "w1:19200"},
			{Dataset: "jobs", ShardPath: "idx20230102", Host: "w2:19200"},
		})
		convey.So(err, convey.ShouldBeNil)
		err = s.Update("clicks", []Assignment{
			{Dataset: "clicks", ShardPath: "idx20230101", Host: "w1:19200"},
		})
		convey.So(err, convey.ShouldBeNil)

		got, err := s.Assignments("w1:19200")
		convey.So(err, convey.ShouldBeNil)
		convey.So(got, convey.ShouldResemble, []Assignment{
			{Dataset: "clicks", ShardPath: "idx20230101", Host: "w1:19200"},
			{Dataset: "jobs", ShardPath: "idx20230101", Host: "w1:19200"},
		})

		got, err = s.DatasetAssignments("jobs")
		convey.So(err, convey.ShouldBeNil)
		convey.So(len(got), convey.ShouldEqual, 2)

		got, err = s.Assignments("nobody")
		convey.So(err, convey.ShouldBeNil)
		convey.So(got, convey.ShouldBeEmpty)
	})
}

func TestStoreStaleRowsDropped(t *testing.T) {
	convey.Convey("rows that stop refreshing age out", t, func() {
		s := openTestStore(t, 5*time.Minute)

		base := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
		now := base
		stubs := gostub.Stub(&nowFunc, func() time.Time { return now })
		defer stubs.Reset()

		err := s.Update("jobs", []Assignment{
			{Dataset: "jobs", ShardPath: "idx1", Host: "w1"},
			{Dataset: "jobs", ShardPath: "idx2", Host: "w1"},
		})
		convey.So(err, convey.ShouldBeNil)

		// Next cycle only refreshes idx1.
		now = base.Add(3 * time.Minute)
		err = s.Update("jobs", []Assignment{
			{Dataset: "jobs", ShardPath: "idx1", Host: "w1"},
		})
		convey.So(err, convey.ShouldBeNil)

		got, err := s.Assignments("w1")
		convey.So(err, convey.ShouldBeNil)
		convey.So(len(got), convey.ShouldEqual, 2)

		// Past the staleness horizon idx2 disappears, first from
		// reads and then from the store itself.
		now = base.Add(6 * time.Minute)
		got, err = s.Assignments("w1")
		convey.So(err, convey.ShouldBeNil)
		convey.So(got, convey.ShouldResemble, []Assignment{
			{Dataset: "jobs", ShardPath: "idx1", Host: "w1"},
		})

		err = s.Update("jobs", []Assignment{
			{Dataset: "jobs", ShardPath: "idx1", Host: "w1"},
		})
		convey.So(err, convey.ShouldBeNil)
		got, err = s.DatasetAssignments("jobs")
		convey.So(err, convey.ShouldBeNil)
		convey.So(len(got), convey.ShouldEqual, 1)
	})
}

func TestStoreRejectsBadInput(t *testing.T) {
	convey.Convey("mismatched dataset and bad staleness fail", t, func() {
		_, err := Open(t.TempDir(), 0)
		convey.So(err, convey.ShouldNotBeNil)

		s := openTestStore(t, time.Minute)
		err = s.Update("jobs", []Assignment{
			{Dataset: "clicks", ShardPath: "idx1", Host: "w1"},
		})
		convey.So(err, convey.ShouldNotBeNil)
	})
}

func TestRefresherUpdatesStore(t *testing.T) {
	s := openTestStore(t, 5*time.Minute)

	var mu sync.Mutex
	calls := 0
	fetch := func(ctx context.Context) (map[string][]Assignment, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return map[string][]Assignment{
			"jobs": {{Dataset: "jobs", ShardPath: "idx1", Host: "w1"}},
		}, nil
	}

	r := NewRefresher(s, 10*time.Millisecond, fetch)
	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool {
		got, err := s.Assignments("w1")
		return err == nil && len(got) == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, time.Second, 5*time.Millisecond)

	r.Stop()
}
