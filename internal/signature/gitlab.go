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

import "crypto/subtle"

// VerifyGitLab compares the X-Gitlab-Token header against the configured
// shared secret in constant time. GitLab's scheme is a plain shared-secret
// token, not an HMAC, so there is no payload to authenticate beyond the
// header itself.
func VerifyGitLab(token, secret string) error {
	if secret == "" {
		return ErrSecretNotConfigured
	}
	if token == "" {
		return ErrMissingSignature
	}

	// ConstantTimeCompare requires equal-length slices to report equality;
	// a length mismatch alone leaks no more than the fact that it differs.
	if len(token) != len(secret) || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		return ErrInvalidSignature
	}

	return nil
}
