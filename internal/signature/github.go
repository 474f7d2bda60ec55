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

package signature

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/go-github/v64/github"
)

// VerifyGitHub reads the raw request body exactly once and authenticates it
// against the GitHub HMAC signature scheme: sha256 (X-Hub-Signature-256) is
// preferred, sha1 (X-Hub-Signature) is accepted as a legacy fallback. The
// returned bytes are the exact bytes that were verified and must be the
// bytes published to the broker — no re-serialization.
//
// Callers must wrap r.Body in an http.MaxBytesReader before calling this so
// an oversize body surfaces as an *http.MaxBytesError, which is returned
// unwrapped so the caller can map it to 413 independently of signature
// failures.
func VerifyGitHub(r *http.Request, secret string) ([]byte, error) {
	if secret == "" {
		return nil, ErrSecretNotConfigured
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("reading request body: %w", err)
	}

	sig := r.Header.Get("X-Hub-Signature-256")
	if sig == "" {
		sig = r.Header.Get("X-Hub-Signature")
	}
	if sig == "" {
		return nil, ErrMissingSignature
	}
	if err := github.ValidateSignature(sig, payload, []byte(secret)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return payload, nil
}
