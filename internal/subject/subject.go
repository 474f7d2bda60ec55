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

// Package subject derives the four-token, dot-separated broker subject for
// an inbound webhook from its event kind and JSON payload. Missing fields
// resolve to the "?" placeholder rather than an error, so every payload
// that is valid JSON gets a well-formed subject; only a body that is not
// valid JSON is rejected with an error.
package subject

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

const unknownToken = "?"

// sanitize replaces the subject-token delimiter with a safe substitute so
// a value taken verbatim from a payload can never introduce an extra token
// boundary.
func sanitize(s string) string {
	return strings.ReplaceAll(s, ".", "~")
}

// splitPath breaks a slash-separated path into its non-empty segments.
func splitPath(path string) []string {
	raw := strings.Split(path, "/")
	segments := make([]string, 0, len(raw))
	for _, s := range raw {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

// namespaceAndProjectFromPath applies the project-scoped derivation: the
// last path segment is the project, everything before it joins into the
// namespace. A single-segment path has no project, so it collapses to
// namespace=segment, project="?".
func namespaceAndProjectFromPath(segments []string) (namespace, project string) {
	if len(segments) == 0 {
		return unknownToken, unknownToken
	}
	if len(segments) == 1 {
		return sanitize(segments[0]), unknownToken
	}

	rest := segments[:len(segments)-1]
	sanitized := make([]string, len(rest))
	for i, s := range rest {
		sanitized[i] = sanitize(s)
	}
	return strings.Join(sanitized, "~"), sanitize(segments[len(segments)-1])
}

// namespaceFromPath applies the group-scoped derivation: the whole path
// becomes the namespace and there is no project.
func namespaceFromPath(segments []string) (namespace, project string) {
	if len(segments) == 0 {
		return unknownToken, unknownToken
	}
	sanitized := make([]string, len(segments))
	for i, s := range segments {
		sanitized[i] = sanitize(s)
	}
	return strings.Join(sanitized, "~"), unknownToken
}

func build(provider, namespace, project, eventKind string) string {
	if namespace == "" {
		namespace = unknownToken
	}
	if project == "" {
		project = unknownToken
	}
	if eventKind == "" {
		eventKind = unknownToken
	}
	return strings.Join([]string{provider, namespace, project, sanitize(eventKind)}, ".")
}

// githubPayload captures the fields needed to derive a GitHub subject. All
// fields are optional: GitHub sends event-specific payload shapes and many
// omit repository or organization entirely.
type githubPayload struct {
	Repository *struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
	Organization *struct {
		Login string `json:"login"`
	} `json:"organization"`
}

// GitHub derives the subject "github.<org>.<repo>.<event-kind>" from the
// event kind (read from the X-GitHub-Event header by the caller, not the
// body) and the JSON payload. Organization/repository resolve in priority
// order: repository.owner.login + repository.name, else
// organization.login with repo "?", else both "?".
func GitHub(eventKind string, body []byte) (string, error) {
	var payload githubPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decoding github payload: %w", err)
	}

	org, repo := unknownToken, unknownToken
	switch {
	case payload.Repository != nil && payload.Repository.Owner.Login != "":
		org = sanitize(payload.Repository.Owner.Login)
		if payload.Repository.Name != "" {
			repo = sanitize(payload.Repository.Name)
		}
	case payload.Organization != nil && payload.Organization.Login != "":
		org = sanitize(payload.Organization.Login)
	}

	return build("github", org, repo, strings.ToLower(eventKind)), nil
}

// gitlabPayload captures every field the four-rule GitLab ladder inspects.
type gitlabPayload struct {
	ObjectKind        string `json:"object_kind"`
	EventName         string `json:"event_name"`
	PathWithNamespace string `json:"path_with_namespace"`
	Project           *struct {
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
	ProjectID *int64 `json:"project_id"`
	Group     *struct {
		FullPath string `json:"full_path"`
		Path     string `json:"path"`
	} `json:"group"`
	ObjectAttributes *struct {
		URL string `json:"url"`
	} `json:"object_attributes"`
}

// GitLab derives the subject "gitlab.<namespace>.<project>.<event-kind>"
// from the JSON payload alone (GitLab does not carry the event kind in a
// header). The namespace/project pair is resolved by the first rule in the
// ladder that matches; rules are mutually exclusive by construction.
func GitLab(body []byte) (string, error) {
	var payload gitlabPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decoding gitlab payload: %w", err)
	}

	eventKind := strings.ToLower(payload.ObjectKind)
	if eventKind == "" {
		eventKind = strings.ToLower(payload.EventName)
	}
	if eventKind == "" {
		eventKind = "unknown"
	}

	namespace, project := resolveGitLabScope(payload)
	return build("gitlab", namespace, project, eventKind), nil
}

func resolveGitLabScope(payload gitlabPayload) (namespace, project string) {
	// Rule 1: project-scoped.
	projectPath := payload.PathWithNamespace
	if projectPath == "" && payload.Project != nil {
		projectPath = payload.Project.PathWithNamespace
	}
	if projectPath != "" {
		return namespaceAndProjectFromPath(splitPath(projectPath))
	}

	// Rule 2: group-scoped.
	groupPath := ""
	if payload.Group != nil {
		groupPath = payload.Group.FullPath
		if groupPath == "" {
			groupPath = payload.Group.Path
		}
	}
	if groupPath != "" {
		return namespaceFromPath(splitPath(groupPath))
	}

	// Rule 3: derived from URL.
	if payload.ObjectAttributes != nil && payload.ObjectAttributes.URL != "" {
		if namespace, project, ok := resolveFromURL(payload.ObjectAttributes.URL, payload.ProjectID != nil); ok {
			return namespace, project
		}
	}

	// Rule 4: instance-wide fallback.
	return unknownToken, unknownToken
}

// resolveFromURL strips scheme and host from a GitLab web URL, truncates at
// the literal "/-/" separator GitLab uses to mark the end of a project
// path, and applies rule-1 semantics if a project id accompanied the
// payload, else rule-2 semantics.
func resolveFromURL(raw string, hasProjectID bool) (namespace, project string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", false
	}

	path := u.Path
	if idx := strings.Index(path, "/-/"); idx >= 0 {
		path = path[:idx]
	}

	segments := splitPath(path)
	if len(segments) == 0 {
		return "", "", false
	}

	if hasProjectID {
		namespace, project = namespaceAndProjectFromPath(segments)
	} else {
		namespace, project = namespaceFromPath(segments)
	}
	return namespace, project, true
}
