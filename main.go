/*
Copyright 2020 The Flux authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	prommetrics "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"
	"go.uber.org/zap"

	"github.com/flux-gateway/webhook-gateway/internal/broker"
	"github.com/flux-gateway/webhook-gateway/internal/config"
	"github.com/flux-gateway/webhook-gateway/internal/server"
)

func main() {
	var envFile string
	var logJSON bool
	flag.StringVar(&envFile, "env-file", "", "Path to an .env file to load before reading the environment.")
	flag.BoolVar(&logJSON, "log-json", true, "Set logging to JSON format.")
	flag.Parse()

	zapLogger, err := newZapLogger(logJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync() //nolint:errcheck
	logger := zapr.NewLogger(zapLogger)
	setupLog := logger.WithName("setup")

	if err := run(envFile, logger, setupLog); err != nil {
		setupLog.Error(err, "gateway exited with error")
		os.Exit(1)
	}
}

func newZapLogger(logJSON bool) (*zap.Logger, error) {
	if logJSON {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func run(envFile string, logger, setupLog logr.Logger) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	setupLog.Info("connecting to broker", "url", cfg.BrokerURL)
	brokerClient, err := broker.Connect(ctx, broker.Config{
		URL:                cfg.BrokerURL,
		Token:              cfg.BrokerToken,
		ReconnectWait:      cfg.BrokerReconnectWait,
		StreamMaxAge:       cfg.StreamMaxAge,
		StreamMaxMsgs:      cfg.StreamMaxMsgs,
		PublishMaxAttempts: cfg.PublishMaxAttempts,
		PublishBaseBackoff: cfg.PublishBaseBackoff,
	}, logger)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer brokerClient.Close() //nolint:errcheck

	if err := brokerClient.EnsureStream(ctx, "github", []string{"github.>"}); err != nil {
		return fmt.Errorf("provisioning github stream: %w", err)
	}
	if err := brokerClient.EnsureStream(ctx, "gitlab", []string{"gitlab.>"}); err != nil {
		return fmt.Errorf("provisioning gitlab stream: %w", err)
	}

	srv := server.New(cfg.ListenAddr, logger, brokerClient, cfg.GitHubWebhookSecret, cfg.GitLabWebhookSecret, cfg.MaxBodyBytes, cfg.ShutdownWait)
	mdlw := middleware.New(middleware.Config{
		Recorder: prommetrics.NewRecorder(prommetrics.Config{Prefix: "webhook_gateway"}),
	})

	setupLog.Info("starting gateway server", "addr", cfg.ListenAddr)
	srv.ListenAndServe(ctx.Done(), mdlw)

	return nil
}
