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
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/stratadb/strata/pkg/config"
	"github.com/stratadb/strata/pkg/logutil"
	"github.com/stratadb/strata/pkg/shardmap"
	"github.com/stratadb/strata/pkg/worker"
)

var (
	configFile  = flag.String("config", "", "worker config file")
	version     = flag.Bool("version", false, "print version and exit")
	versionInfo = "strata-worker 0.1.0"
)

func waitSignal() {
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGTERM, syscall.SIGINT)
	<-sigchan
}

func main() {
	flag.Parse()
	if *version {
		fmt.Println(versionInfo)
		os.Exit(0)
	}
	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "usage: strata-worker -config <file>")
		os.Exit(1)
	}

	cfg, err := config.ParseWorkerConfig(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logutil.SetupLogger(&cfg.Log)

	w, err := worker.New(cfg)
	if err != nil {
		logutil.Fatal("create worker", zap.Error(err))
	}
	if err := w.Start(); err != nil {
		logutil.Fatal("start worker", zap.Error(err))
	}
	logutil.Info("worker listening",
		zap.String("node", cfg.NodeID),
		zap.String("address", cfg.ListenAddress))

	datasets, err := loadShards(context.Background(), w, cfg.DataDir)
	if err != nil {
		logutil.Fatal("load shards", zap.Error(err))
	}

	var store *shardmap.Store
	var refresher *shardmap.Refresher
	if cfg.AssignmentPath != "" {
		store, err = shardmap.Open(cfg.AssignmentPath, cfg.AssignmentStaleness.Duration)
		if err != nil {
			logutil.Fatal("open assignment store", zap.Error(err))
		}
		refresher = shardmap.NewRefresher(store, cfg.AssignmentRefresh.Duration,
			advertiseShards(cfg.NodeID, datasets))
		refresher.Start()
	}

	waitSignal()
	logutil.Info("shutting down")
	if refresher != nil {
		refresher.Stop()
	}
	if store != nil {
		if err := store.Close(); err != nil {
			logutil.Error("close assignment store", zap.Error(err))
		}
	}
	if err := w.Stop(); err != nil {
		logutil.Error("stop worker", zap.Error(err))
	}
}
