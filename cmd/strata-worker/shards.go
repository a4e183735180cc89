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

package main

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/stratadb/strata/pkg/common/sterr"
	"github.com/stratadb/strata/pkg/ingest"
	"github.com/stratadb/strata/pkg/logutil"
	"github.com/stratadb/strata/pkg/shardmap"
	"github.com/stratadb/strata/pkg/worker"
)

// datasetShards maps a dataset to the shard file names served for it.
type datasetShards map[string][]string

// loadShards walks dir for <dataset>.<shard>.csv files, loads each one
// with the schema from <dataset>.schema.toml and opens a long-lived
// session per dataset named after the dataset. Stats default to a doc
// count followed by every schema metric.
func loadShards(ctx context.Context, w *worker.Worker, dir string) (datasetShards, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, sterr.NewBadConfig(ctx, "data dir %s: %v", dir, err)
	}

	type dataset struct {
		schema ingest.Schema
		shards []*ingest.Shard
		files  []string
	}
	datasets := make(map[string]*dataset)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".csv") {
			continue
		}
		ds, _, ok := splitShardName(name)
		if !ok {
			logutil.Warn("skipping unrecognized shard file", zap.String("file", name))
			continue
		}
		d := datasets[ds]
		if d == nil {
			d = &dataset{}
			schemaPath := filepath.Join(dir, ds+".schema.toml")
			if _, err := toml.DecodeFile(schemaPath, &d.schema); err != nil {
				return nil, sterr.NewBadConfig(ctx, "%s: %v", schemaPath, err)
			}
			datasets[ds] = d
		}
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, sterr.NewBadConfig(ctx, "shard %s: %v", name, err)
		}
		shard, err := ingest.LoadCSV(ctx, f, d.schema)
		_ = f.Close()
		if err != nil {
			return nil, err
		}
		d.shards = append(d.shards, shard)
		d.files = append(d.files, name)
		logutil.Info("loaded shard",
			zap.String("dataset", ds),
			zap.String("file", name),
			zap.Int("docs", shard.NumDocs()))
	}

	served := make(datasetShards, len(datasets))
	for ds, d := range datasets {
		stats := []worker.Stat{{Count: true}}
		for _, m := range d.schema.Metrics {
			stats = append(stats, worker.Stat{Metric: m})
		}
		if err := w.OpenSession(ds, ds, d.shards, stats); err != nil {
			return nil, err
		}
		sort.Strings(d.files)
		served[ds] = d.files
	}
	return served, nil
}

// splitShardName breaks <dataset>.<shard>.csv into dataset and shard.
func splitShardName(name string) (dataset, shard string, ok bool) {
	base := strings.TrimSuffix(name, ".csv")
	i := strings.IndexByte(base, '.')
	if i <= 0 || i == len(base)-1 {
		return "", "", false
	}
	return base[:i], base[i+1:], true
}

// advertiseShards builds the refresher fetch that re-publishes this
// node's local shards, keeping its assignment rows from going stale.
func advertiseShards(host string, served datasetShards) shardmap.FetchFunc {
	return func(ctx context.Context) (map[string][]shardmap.Assignment, error) {
		out := make(map[string][]shardmap.Assignment, len(served))
		for ds, files := range served {
			assignments := make([]shardmap.Assignment, 0, len(files))
			for _, f := range files {
				assignments = append(assignments, shardmap.Assignment{
					Dataset:   ds,
					ShardPath: f,
					Host:      host,
				})
			}
			out[ds] = assignments
		}
		return out, nil
	}
}
