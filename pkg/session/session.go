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

// Package session is the query side of the FTGS service. A Session
// fans a request out to the workers holding the dataset's shards and
// exposes the merged stream as a single ftgs.Source.
package session

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stratadb/strata/pkg/common/sterr"
	"github.com/stratadb/strata/pkg/ftgs"
	"github.com/stratadb/strata/pkg/logutil"
)

const defaultDialTimeout = 10 * time.Second

// Options shape a distributed FTGS query.
type Options struct {
	// SessionID names the worker-side session to stream from.
	SessionID string

	IntFields    []string
	StringFields []string

	// TermLimit and SortStat carry through to both the workers and the
	// final merge. SortStat < 0 turns the limit into a hard cutoff.
	TermLimit int64
	SortStat  int

	// Compress asks the workers for lz4 stream bodies.
	Compress bool

	// SplitsPerWorker opens that many parallel streams per worker, each
	// covering a disjoint shard subset. Zero or one means one stream.
	SplitsPerWorker int

	// DialTimeout bounds each worker connect. Zero means 10s.
	DialTimeout time.Duration
}

// Open connects to every worker address in parallel and returns the
// merged stream. If any connect fails the already opened sources are
// closed and the first error is returned.
func Open(ctx context.Context, addrs []string, opts Options) (ftgs.Source, error) {
	if len(addrs) == 0 {
		return nil, sterr.NewInvalidInput(ctx, "no worker addresses")
	}
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	splits := opts.SplitsPerWorker
	if splits < 1 {
		splits = 1
	}

	start := time.Now()
	sources := make([]ftgs.Source, len(addrs)*splits)
	g, _ := errgroup.WithContext(ctx)
	for i, addr := range addrs {
		for split := 0; split < splits; split++ {
			i, addr, split := i, addr, split
			g.Go(func() error {
				req := &ftgs.Request{
					SessionID:    opts.SessionID,
					IntFields:    opts.IntFields,
					StringFields: opts.StringFields,
					SplitIndex:   int32(split),
					NumSplits:    int32(splits),
					TermLimit:    opts.TermLimit,
					SortStat:     int32(opts.SortStat),
					Compress:     opts.Compress,
				}
				src, err := ftgs.OpenRemote(addr, req, timeout)
				if err != nil {
					return err
				}
				sources[i*splits+split] = src
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		for _, src := range sources {
			if src != nil {
				_ = src.Close()
			}
		}
		return nil, err
	}

	fields := make([]string, 0, len(opts.IntFields)+len(opts.StringFields))
	fields = append(fields, opts.IntFields...)
	fields = append(fields, opts.StringFields...)
	merged, err := ftgs.NewMerger(sources, fields, ftgs.MergeOptions{
		TermLimit: opts.TermLimit,
		SortStat:  opts.SortStat,
	})
	if err != nil {
		for _, src := range sources {
			_ = src.Close()
		}
		return nil, err
	}
	logutil.Info("ftgs session opened",
		zap.String("session", opts.SessionID),
		zap.Int("workers", len(addrs)),
		zap.Duration("dial", time.Since(start)))
	return merged, nil
}
