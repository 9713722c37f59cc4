/*
 * Copyright (c) 2026 The Driftlog Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Driftlog Daemon - Main Entry Point.

USAGE:
======

	driftlog [options]

OPTIONS:
========

	-config string    Path to configuration file (JSON format)
	-version          Show version information

ENVIRONMENT VARIABLES:
======================

	DRIFTLOG_DATA_DIR        Data directory path (default: data)
	DRIFTLOG_SEGMENT_BYTES   Segment rotation threshold in bytes
	DRIFTLOG_FLUSH_POLICY    always, interval or none
	DRIFTLOG_METRICS_ADDR    Prometheus listen address (empty: disabled)
	DRIFTLOG_LOG_LEVEL       Log level: debug, info, warn, error

STARTUP SEQUENCE:
=================
1. Parse command line flags and config file
2. Initialize logging
3. Open the engine (recovers every log directory)
4. Start the metrics endpoint
5. Wait for shutdown signal
*/
package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"driftlog/internal/config"
	"driftlog/internal/engine"
	"driftlog/internal/logging"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	humanReadable := flag.Bool("human-readable", false, "Use human-readable log format instead of JSON")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("driftlog %s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if *humanReadable {
		cfg.LogJSON = false
	}

	logging.SetGlobalLevel(logging.ParseLevel(cfg.LogLevel))
	logging.SetJSONMode(cfg.LogJSON)
	logger := logging.NewLogger("main")

	logger.Info("Starting driftlog", "version", version, "data_dir", cfg.DataDir)

	eng, err := engine.Open(cfg)
	if err != nil {
		logger.Error("Failed to open engine", "error", err)
		os.Exit(1)
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", eng.Metrics().Handler())
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
		logger.Info("Metrics server started", "addr", cfg.MetricsAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down...")

	if metricsServer != nil {
		if err := metricsServer.Close(); err != nil {
			logger.Error("Error stopping metrics server", "error", err)
		}
	}
	if err := eng.Close(); err != nil {
		logger.Error("Error closing engine", "error", err)
		os.Exit(1)
	}
}
