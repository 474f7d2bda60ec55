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

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/flux-gateway/webhook-gateway/internal/signature"
	"github.com/flux-gateway/webhook-gateway/internal/subject"
)

const (
	requestIDHeader = "X-Request-Id"

	githubEventHeader = "X-GitHub-Event"
	gitlabTokenHeader = "X-Gitlab-Token"

	githubPingEvent = "ping"
)

func requestID(r *http.Request) string {
	if id := r.Header.Get(requestIDHeader); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeStatus(w http.ResponseWriter, reqID string, code int, status string) {
	w.Header().Set(requestIDHeader, reqID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func writeError(w http.ResponseWriter, reqID string, status int, message string) {
	w.Header().Set(requestIDHeader, reqID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// publish hands payload to the broker and maps the outcome to the error
// taxonomy: a transient failure already exhausted its retries inside
// Broker.Publish, so any error here is either permanent or retries-exhausted
// and is reported as a 5xx; a canceled request gets no reply at all.
func (s *Server) publish(w http.ResponseWriter, r *http.Request, reqID, subj string, payload []byte) {
	if err := s.broker.Publish(r.Context(), subj, payload); err != nil {
		if errors.Is(err, context.Canceled) {
			s.logger.V(1).Info("client disconnected before publish completed", "request_id", reqID, "subject", subj)
			return
		}
		s.logger.Error(err, "publishing webhook payload failed", "request_id", reqID, "subject", subj)
		writeError(w, reqID, http.StatusBadGateway, "failed to publish webhook payload")
		return
	}

	writeStatus(w, reqID, http.StatusOK, "ok")
}

func (s *Server) handleGitHub() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := requestID(r)
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

		payload, err := signature.VerifyGitHub(r, s.githubSecret)
		if err != nil {
			var tooLarge *http.MaxBytesError
			switch {
			case errors.As(err, &tooLarge):
				s.logger.Info("rejected github webhook", "request_id", reqID, "reason", err.Error())
				writeError(w, reqID, http.StatusRequestEntityTooLarge, "request body exceeds the maximum accepted size")
			case errors.Is(err, signature.ErrSecretNotConfigured),
				errors.Is(err, signature.ErrMissingSignature),
				errors.Is(err, signature.ErrInvalidSignature):
				s.logger.Info("rejected github webhook", "request_id", reqID, "reason", err.Error())
				writeError(w, reqID, http.StatusUnauthorized, "signature verification failed")
			default:
				s.logger.Info("rejected github webhook", "request_id", reqID, "reason", err.Error())
				writeError(w, reqID, http.StatusBadRequest, "malformed request")
			}
			return
		}

		eventKind := r.Header.Get(githubEventHeader)
		if eventKind == "" {
			s.logger.Info("rejected github webhook", "request_id", reqID, "reason", "missing X-GitHub-Event header")
			writeError(w, reqID, http.StatusBadRequest, "missing X-GitHub-Event header")
			return
		}

		// Ping is authenticated like any other event but only ever
		// acknowledged; it is never published.
		if eventKind == githubPingEvent {
			writeStatus(w, reqID, http.StatusOK, "pong")
			return
		}

		subj, err := subject.GitHub(eventKind, payload)
		if err != nil {
			s.logger.Info("malformed github payload", "request_id", reqID, "error", err.Error())
			writeError(w, reqID, http.StatusBadRequest, "malformed request body")
			return
		}

		s.publish(w, r, reqID, subj, payload)
	}
}

func (s *Server) handleGitLab() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := requestID(r)
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

		if err := signature.VerifyGitLab(r.Header.Get(gitlabTokenHeader), s.gitlabSecret); err != nil {
			s.logger.Info("rejected gitlab webhook", "request_id", reqID, "reason", err.Error())
			writeError(w, reqID, http.StatusUnauthorized, "token verification failed")
			return
		}

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				s.logger.Info("rejected gitlab webhook", "request_id", reqID, "reason", err.Error())
				writeError(w, reqID, http.StatusRequestEntityTooLarge, "request body exceeds the maximum accepted size")
				return
			}
			s.logger.Info("failed to read gitlab request body", "request_id", reqID, "error", err.Error())
			writeError(w, reqID, http.StatusBadRequest, "malformed request")
			return
		}

		subj, err := subject.GitLab(payload)
		if err != nil {
			s.logger.Info("malformed gitlab payload", "request_id", reqID, "error", err.Error())
			writeError(w, reqID, http.StatusBadRequest, "malformed request body")
			return
		}

		s.publish(w, r, reqID, subj, payload)
	}
}

// handleHealth is a liveness probe only: by the time the server is
// accepting connections the broker has already completed its first
// connect (see main's startup sequence), so there is no failure mode to
// report here beyond the process being up.
func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "OK"})
	}
}
