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

// Package config loads the gateway's configuration from the environment,
// with an optional .env file overlay.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every setting the gateway reads at startup. It is loaded
// once and treated as immutable thereafter.
type Config struct {
	BrokerURL   string `env:"BROKER_URL,required"`
	BrokerToken string `env:"BROKER_TOKEN"`

	GitHubWebhookSecret string `env:"GITHUB_WEBHOOK_SECRET"`
	GitLabWebhookSecret string `env:"GITLAB_WEBHOOK_SECRET"`

	ListenAddr   string        `env:"LISTEN_ADDR" envDefault:":8080"`
	MaxBodyBytes int64         `env:"MAX_BODY_BYTES" envDefault:"2097152"`
	ShutdownWait time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`

	StreamMaxAge  time.Duration `env:"STREAM_MAX_AGE" envDefault:"4320h"`
	StreamMaxMsgs int64         `env:"STREAM_MAX_MSGS" envDefault:"2000000"`

	BrokerReconnectWait time.Duration `env:"BROKER_RECONNECT_WAIT" envDefault:"2s"`
	PublishMaxAttempts  uint64        `env:"PUBLISH_MAX_ATTEMPTS" envDefault:"10"`
	PublishBaseBackoff  time.Duration `env:"PUBLISH_BASE_BACKOFF" envDefault:"1s"`
}

// Load reads the configuration from the environment. If envFile is
// non-empty it is loaded as a .env overlay and a missing file is an error;
// if envFile is empty, the default ./.env is loaded opportunistically and a
// missing file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("loading env file %q: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading default .env file: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	return cfg, nil
}

// GitHubEnabled reports whether the GitHub endpoint has a configured secret.
func (c *Config) GitHubEnabled() bool { return c.GitHubWebhookSecret != "" }

// GitLabEnabled reports whether the GitLab endpoint has a configured secret.
func (c *Config) GitLabEnabled() bool { return c.GitLabWebhookSecret != "" }
