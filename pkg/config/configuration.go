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

package config

import (
	"context"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/stratadb/strata/pkg/common/sterr"
	"github.com/stratadb/strata/pkg/logutil"
)

// Duration wraps time.Duration so toml values can be written as "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// WorkerConfig is the full configuration of one strata worker process.
type WorkerConfig struct {
	// NodeID identifies this worker in the shard assignment store,
	// host:port by convention.
	NodeID string `toml:"node-id"`

	// ListenAddress is the address the FTGS service listens on.
	ListenAddress string `toml:"listen-address"`

	// DataDir holds the CSV shard files loaded at startup. One file per
	// shard, named <dataset>.<shard>.csv.
	DataDir string `toml:"data-dir"`

	// AssignmentPath is the pebble directory of the shard assignment store.
	AssignmentPath string `toml:"assignment-path"`

	// AssignmentStaleness bounds how long superseded assignment rows are
	// retained. Default 5m.
	AssignmentStaleness Duration `toml:"assignment-staleness"`

	// AssignmentRefresh is the period of the cached-view refresher.
	// Default 30s.
	AssignmentRefresh Duration `toml:"assignment-refresh"`

	// TGSConcurrency is the size of the shard worker pool. Default 4.
	TGSConcurrency int `toml:"tgs-concurrency"`

	// MemoryLimit caps the per-process budget for packed tables and stat
	// vectors, in bytes. 0 means unlimited.
	MemoryLimit int64 `toml:"memory-limit"`

	// CompressStreams enables lz4 framing of outgoing FTGS streams unless
	// the request overrides it.
	CompressStreams bool `toml:"compress-streams"`

	Log logutil.LogConfig `toml:"log"`
}

// ParseWorkerConfig loads path and fills in defaults.
func ParseWorkerConfig(path string) (*WorkerConfig, error) {
	var cfg WorkerConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, sterr.NewBadConfig(context.TODO(), "%s: %v", path, err)
	}
	cfg.fillDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *WorkerConfig) fillDefaults() {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = "127.0.0.1:19200"
	}
	if cfg.NodeID == "" {
		cfg.NodeID = cfg.ListenAddress
	}
	if cfg.AssignmentStaleness.Duration == 0 {
		cfg.AssignmentStaleness.Duration = 5 * time.Minute
	}
	if cfg.AssignmentRefresh.Duration == 0 {
		cfg.AssignmentRefresh.Duration = 30 * time.Second
	}
	if cfg.TGSConcurrency == 0 {
		cfg.TGSConcurrency = 4
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

func (cfg *WorkerConfig) validate() error {
	if cfg.TGSConcurrency < 0 {
		return sterr.NewBadConfig(context.TODO(), "tgs-concurrency %d", cfg.TGSConcurrency)
	}
	if cfg.MemoryLimit < 0 {
		return sterr.NewBadConfig(context.TODO(), "memory-limit %d", cfg.MemoryLimit)
	}
	return nil
}
