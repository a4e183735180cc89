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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata/pkg/common/sterr"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestParseWorkerConfig(t *testing.T) {
	path := writeConfig(t, `
node-id = "w1:19200"
listen-address = "127.0.0.1:19200"
data-dir = "/var/lib/strata/shards"
assignment-staleness = "10m"
tgs-concurrency = 8
memory-limit = 1073741824

[log]
level = "debug"
format = "json"
`)
	cfg, err := ParseWorkerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "w1:19200", cfg.NodeID)
	assert.Equal(t, 10*time.Minute, cfg.AssignmentStaleness.Duration)
	assert.Equal(t, 8, cfg.TGSConcurrency)
	assert.Equal(t, int64(1<<30), cfg.MemoryLimit)
	assert.Equal(t, "debug", cfg.Log.Level)
	// defaults still applied for omitted keys
	assert.Equal(t, 30*time.Second, cfg.AssignmentRefresh.Duration)
}

func TestParseWorkerConfigDefaults(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := ParseWorkerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:19200", cfg.ListenAddress)
	assert.Equal(t, cfg.ListenAddress, cfg.NodeID)
	assert.Equal(t, 5*time.Minute, cfg.AssignmentStaleness.Duration)
	assert.Equal(t, 4, cfg.TGSConcurrency)
}

func TestParseWorkerConfigRejectsBadValues(t *testing.T) {
	path := writeConfig(t, "memory-limit = -1\n")
	_, err := ParseWorkerConfig(path)
	require.Error(t, err)
	assert.True(t, sterr.IsErrCode(err, sterr.ErrBadConfig))

	_, err = ParseWorkerConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
	assert.True(t, sterr.IsErrCode(err, sterr.ErrBadConfig))
}
