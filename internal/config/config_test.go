// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durableflow/flow/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, config.Default().Validate())
}

func TestLoadWithNoPathReturnsDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Backend.Type)
	assert.Equal(t, ":8080", cfg.Listen.Addr)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
backend:
  type: postgres
  postgres:
    connection_string: "postgres://localhost/flow"
worker:
  concurrency: 8
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "postgres", cfg.Backend.Type)
	assert.Equal(t, "postgres://localhost/flow", cfg.Backend.Postgres.ConnectionString)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	// untouched fields keep their defaults
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, []string{"default", "system"}, cfg.Worker.Queues)
}

func TestLoadFromMissingFileErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadFromEnvOverridesFileAndDefaults(t *testing.T) {
	t.Setenv("FLOW_LOG_LEVEL", "warn")
	t.Setenv("FLOW_WORKER_CONCURRENCY", "16")
	t.Setenv("FLOW_WORKER_QUEUES", "a,b,c")
	t.Setenv("FLOW_RETRY_BASE_DELAY", "500ms")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 16, cfg.Worker.Concurrency)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Worker.Queues)
	assert.Equal(t, 500_000_000, int(cfg.Retry.BaseDelay))
}

func TestValidateRejectsInvalidBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.Type = "dynamodb"
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "backend.type")
}

func TestValidateRejectsMissingPostgresDSN(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.Type = "postgres"
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "backend.postgres.connection_string")
}

func TestValidateRejectsMaxDelayBelowBaseDelay(t *testing.T) {
	cfg := config.Default()
	cfg.Retry.BaseDelay = 10 * cfg.Retry.MaxDelay
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "retry.max_delay")
}

func TestLoadInvalidConfigWrapsSentinel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend:\n  type: invalid\n"), 0o644))

	_, err := config.Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
}
