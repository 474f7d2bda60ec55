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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	. "github.com/onsi/gomega"
)

const (
	testGitHubSecret = "github-secret"
	testGitLabSecret = "gitlab-secret"
)

type fakeBroker struct {
	publishErr error

	published bool
	subject   string
	payload   []byte
}

func (f *fakeBroker) Publish(_ context.Context, subject string, data []byte) error {
	f.published = true
	f.subject = subject
	f.payload = data
	return f.publishErr
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newServer(broker *fakeBroker) *Server {
	return New(":0", logr.Discard(), broker, testGitHubSecret, testGitLabSecret, 2<<20, 0)
}

func statusBody(g Gomega, rr *httptest.ResponseRecorder) string {
	var resp map[string]string
	g.Expect(json.NewDecoder(rr.Body).Decode(&resp)).To(Succeed())
	return resp["status"]
}

func TestHandleGitHubAcceptsValidWebhook(t *testing.T) {
	g := NewWithT(t)

	body := `{"repository":{"owner":{"login":"acme"},"name":"demo"}}`
	broker := &fakeBroker{}
	s := newServer(broker)

	req := httptest.NewRequest(http.MethodPost, GitHubWebhookPath, strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign(testGitHubSecret, []byte(body)))
	req.Header.Set("X-GitHub-Event", "push")
	rr := httptest.NewRecorder()

	s.handleGitHub()(rr, req)

	g.Expect(rr.Code).To(Equal(http.StatusOK))
	g.Expect(broker.published).To(BeTrue())
	g.Expect(broker.subject).To(Equal("github.acme.demo.push"))
	g.Expect(broker.payload).To(Equal([]byte(body)))
	g.Expect(statusBody(g, rr)).To(Equal("ok"))
	g.Expect(rr.Header().Get(requestIDHeader)).NotTo(BeEmpty())
}

func TestHandleGitHubPingIsAcknowledgedWithoutPublish(t *testing.T) {
	g := NewWithT(t)

	body := `{"zen":"anything"}`
	broker := &fakeBroker{}
	s := newServer(broker)

	req := httptest.NewRequest(http.MethodPost, GitHubWebhookPath, strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign(testGitHubSecret, []byte(body)))
	req.Header.Set("X-GitHub-Event", "ping")
	rr := httptest.NewRecorder()

	s.handleGitHub()(rr, req)

	g.Expect(rr.Code).To(Equal(http.StatusOK))
	g.Expect(broker.published).To(BeFalse())
	g.Expect(statusBody(g, rr)).To(Equal("pong"))
}

func TestHandleGitHubRejectsBadSignature(t *testing.T) {
	g := NewWithT(t)

	body := `{"repository":{"owner":{"login":"acme"},"name":"demo"}}`
	broker := &fakeBroker{}
	s := newServer(broker)

	req := httptest.NewRequest(http.MethodPost, GitHubWebhookPath, strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign("wrong-secret", []byte(body)))
	req.Header.Set("X-GitHub-Event", "push")
	rr := httptest.NewRecorder()

	s.handleGitHub()(rr, req)

	g.Expect(rr.Code).To(Equal(http.StatusUnauthorized))
	g.Expect(broker.published).To(BeFalse())
}

func TestHandleGitHubOversizeBody(t *testing.T) {
	g := NewWithT(t)

	body := `{"repository":{"owner":{"login":"acme"},"name":"demo"}}`
	broker := &fakeBroker{}
	s := New(":0", logr.Discard(), broker, testGitHubSecret, testGitLabSecret, 4, 0)

	req := httptest.NewRequest(http.MethodPost, GitHubWebhookPath, strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign(testGitHubSecret, []byte(body)))
	rr := httptest.NewRecorder()

	s.handleGitHub()(rr, req)

	g.Expect(rr.Code).To(Equal(http.StatusRequestEntityTooLarge))
}

func TestHandleGitHubMissingEventHeader(t *testing.T) {
	g := NewWithT(t)

	body := `{"repository":{"owner":{"login":"acme"},"name":"demo"}}`
	broker := &fakeBroker{}
	s := newServer(broker)

	req := httptest.NewRequest(http.MethodPost, GitHubWebhookPath, strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign(testGitHubSecret, []byte(body)))
	rr := httptest.NewRecorder()

	s.handleGitHub()(rr, req)

	g.Expect(rr.Code).To(Equal(http.StatusBadRequest))
	g.Expect(broker.published).To(BeFalse())
}

func TestHandleGitHubMalformedJSON(t *testing.T) {
	g := NewWithT(t)

	body := `not json`
	broker := &fakeBroker{}
	s := newServer(broker)

	req := httptest.NewRequest(http.MethodPost, GitHubWebhookPath, strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign(testGitHubSecret, []byte(body)))
	req.Header.Set("X-GitHub-Event", "push")
	rr := httptest.NewRecorder()

	s.handleGitHub()(rr, req)

	g.Expect(rr.Code).To(Equal(http.StatusBadRequest))
}

func TestHandleGitHubBrokerFailureIsBadGateway(t *testing.T) {
	g := NewWithT(t)

	body := `{"repository":{"owner":{"login":"acme"},"name":"demo"}}`
	broker := &fakeBroker{publishErr: errBoom}
	s := newServer(broker)

	req := httptest.NewRequest(http.MethodPost, GitHubWebhookPath, strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign(testGitHubSecret, []byte(body)))
	req.Header.Set("X-GitHub-Event", "push")
	rr := httptest.NewRecorder()

	s.handleGitHub()(rr, req)

	g.Expect(rr.Code).To(Equal(http.StatusBadGateway))
}

func TestHandleGitHubClientCancellationGetsNoReply(t *testing.T) {
	g := NewWithT(t)

	body := `{"repository":{"owner":{"login":"acme"},"name":"demo"}}`
	broker := &fakeBroker{publishErr: context.Canceled}
	s := newServer(broker)

	req := httptest.NewRequest(http.MethodPost, GitHubWebhookPath, strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign(testGitHubSecret, []byte(body)))
	req.Header.Set("X-GitHub-Event", "push")
	rr := httptest.NewRecorder()

	s.handleGitHub()(rr, req)

	g.Expect(rr.Header().Get(requestIDHeader)).To(BeEmpty())
	g.Expect(rr.Body.Len()).To(Equal(0))
}

func TestHandleGitLabAcceptsValidWebhook(t *testing.T) {
	g := NewWithT(t)

	body := `{"object_kind":"push","path_with_namespace":"acme/demo"}`
	broker := &fakeBroker{}
	s := newServer(broker)

	req := httptest.NewRequest(http.MethodPost, GitLabWebhookPath, strings.NewReader(body))
	req.Header.Set("X-Gitlab-Token", testGitLabSecret)
	rr := httptest.NewRecorder()

	s.handleGitLab()(rr, req)

	g.Expect(rr.Code).To(Equal(http.StatusOK))
	g.Expect(broker.subject).To(Equal("gitlab.acme.demo.push"))
	g.Expect(broker.payload).To(Equal([]byte(body)))
	g.Expect(statusBody(g, rr)).To(Equal("ok"))
}

func TestHandleGitLabRejectsMissingToken(t *testing.T) {
	g := NewWithT(t)

	body := `{"object_kind":"push","path_with_namespace":"acme/demo"}`
	broker := &fakeBroker{}
	s := newServer(broker)

	req := httptest.NewRequest(http.MethodPost, GitLabWebhookPath, strings.NewReader(body))
	rr := httptest.NewRecorder()

	s.handleGitLab()(rr, req)

	g.Expect(rr.Code).To(Equal(http.StatusUnauthorized))
	g.Expect(broker.published).To(BeFalse())
}

func TestHandleHealth(t *testing.T) {
	g := NewWithT(t)

	s := newServer(&fakeBroker{})

	req := httptest.NewRequest(http.MethodGet, HealthPath, nil)
	rr := httptest.NewRecorder()
	s.handleHealth()(rr, req)

	g.Expect(rr.Code).To(Equal(http.StatusOK))
	g.Expect(statusBody(g, rr)).To(Equal("OK"))
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "broker exploded" }
