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

// Package server implements the HTTP surface of the webhook gateway: two
// ingestion endpoints (GitHub and GitLab), a liveness probe, and a
// Prometheus metrics endpoint.
package server

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/slok/go-http-metrics/middleware"
	"github.com/slok/go-http-metrics/middleware/std"
)

const (
	// GitHubWebhookPath is where GitHub delivers webhook requests.
	GitHubWebhookPath = "/github"
	// GitLabWebhookPath is where GitLab delivers webhook requests.
	GitLabWebhookPath = "/gitlab"
	// HealthPath is the liveness probe.
	HealthPath = "/health"
	// MetricsPath exposes Prometheus metrics for the ingress middleware.
	MetricsPath = "/metrics"
)

// Broker is the slice of the broker client the server depends on.
type Broker interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Server handles webhook ingestion requests.
type Server struct {
	addr         string
	logger       logr.Logger
	broker       Broker
	githubSecret string
	gitlabSecret string
	maxBodyBytes int64
	shutdownWait time.Duration
}

// New returns a Server ready to be started with ListenAndServe. A
// shutdownWait of zero falls back to 5 seconds.
func New(addr string, logger logr.Logger, broker Broker, githubSecret, gitlabSecret string, maxBodyBytes int64, shutdownWait time.Duration) *Server {
	if shutdownWait <= 0 {
		shutdownWait = 5 * time.Second
	}
	return &Server{
		addr:         addr,
		logger:       logger.WithName("server"),
		broker:       broker,
		githubSecret: githubSecret,
		gitlabSecret: gitlabSecret,
		maxBodyBytes: maxBodyBytes,
		shutdownWait: shutdownWait,
	}
}

// ListenAndServe starts the HTTP server and blocks until stopCh is closed,
// then drains in-flight requests before returning.
func (s *Server) ListenAndServe(stopCh <-chan struct{}, mdlw middleware.Middleware) {
	mux := http.NewServeMux()
	mux.HandleFunc(GitHubWebhookPath, s.handleGitHub())
	mux.HandleFunc(GitLabWebhookPath, s.handleGitLab())
	mux.HandleFunc(HealthPath, s.handleHealth())

	instrumented := std.Handler("", mdlw, s.accessLog(mux))

	root := http.NewServeMux()
	root.Handle("/", instrumented)
	root.Handle(MetricsPath, promhttp.Handler())

	srv := &http.Server{
		Addr:    s.addr,
		Handler: root,
	}

	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error(err, "gateway server crashed")
			os.Exit(1)
		}
	}()

	<-stopCh
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownWait)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Error(err, "gateway server graceful shutdown failed")
	} else {
		s.logger.Info("gateway server stopped")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// accessLog logs one line per request with its outcome, skipping the health
// endpoint so liveness probes don't flood the log.
func (s *Server) accessLog(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == HealthPath {
			h.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)

		s.logger.Info("handled webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).String(),
			"request_id", rec.Header().Get(requestIDHeader))
	})
}
