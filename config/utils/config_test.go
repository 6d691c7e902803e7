package config

import (
	"testing"

	"github.com/devgrid/agent-orchestrator/internal/core/domain"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadShippedConfig reads the repository's config.yaml with a private viper
// instance so the test does not touch the global one.
func loadShippedConfig(t *testing.T) *AppConfig {
	t.Helper()

	v := viper.New()
	v.SetConfigFile("../../config.yaml")
	require.NoError(t, v.ReadInConfig())

	var cfg *AppConfig
	require.NoError(t, v.Unmarshal(&cfg))
	return cfg
}

func TestShippedCatalogCoversPresetAgents(t *testing.T) {
	cfg := loadShippedConfig(t)
	require.NotNil(t, cfg.Orchestrator)

	catalog := make(map[string]bool, len(cfg.Orchestrator.Agents))
	for _, agent := range cfg.Orchestrator.Agents {
		catalog[agent.Name] = true
	}

	for _, name := range domain.PresetAgents() {
		assert.True(t, catalog[name],
			"preset agent %s missing from the shipped catalog, its phases would be dropped", name)
	}
}

func TestShippedCatalogEntriesAreComplete(t *testing.T) {
	cfg := loadShippedConfig(t)
	require.NotNil(t, cfg.Orchestrator)
	require.NotEmpty(t, cfg.Orchestrator.Agents)

	for _, agent := range cfg.Orchestrator.Agents {
		assert.NotEmpty(t, agent.Name)
		assert.NotEmpty(t, agent.Role)
		assert.NotEmpty(t, agent.Memory)
		assert.Greater(t, agent.CPUs, 0.0, "agent %s has no cpu class", agent.Name)
	}
}
