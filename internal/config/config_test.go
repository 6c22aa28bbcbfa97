package config

import (
	"strings"
	"testing"
	"time"

	"github.com/Ayash-Bera/agregador/internal/models"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadYAML(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	require.NoError(t, v.ReadConfig(strings.NewReader(yaml)))
	return fromViper(v)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadYAML(t, "")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Search.CacheTTL)
	assert.Equal(t, 5000, cfg.Search.CacheMaxEntries)
	assert.Equal(t, 8*time.Second, cfg.Search.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.Search.SourceTimeout)
	assert.Equal(t, 20, cfg.Search.DefaultLimit)
	assert.Equal(t, 100, cfg.Search.MaxLimit)
	assert.Equal(t, uint32(5), cfg.Breaker.MaxFailures)
	assert.Equal(t, []string{"camara", "ibge", "senado", "transparencia"}, cfg.SourceNames())

	camara := cfg.Sources["camara"]
	assert.True(t, camara.Enabled)
	assert.Equal(t, models.AuthNone, camara.Auth)
	assert.Equal(t, 5*time.Second, camara.Timeout, "source timeout falls back to search.source_timeout")
	assert.Equal(t, 1.0, camara.Priority)

	assert.Equal(t, models.AuthKey, cfg.Sources["transparencia"].Auth)
}

func TestLoadOverridesFromFile(t *testing.T) {
	cfg, err := loadYAML(t, `
search:
  cache_ttl: 1m
  default_limit: 10
sources:
  ibge:
    priority: 1.5
    base_url: http://localhost:9999/
  senado:
    enabled: false
`)
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.Search.CacheTTL)
	assert.Equal(t, 10, cfg.Search.DefaultLimit)
	assert.Equal(t, 1.5, cfg.Sources["ibge"].Priority)
	assert.Equal(t, 1.5, cfg.Priorities()["ibge"])
	assert.Equal(t, 1.0, cfg.Priorities()["camara"])
	assert.Equal(t, "http://localhost:9999", cfg.Sources["ibge"].BaseURL)
	assert.False(t, cfg.Sources["senado"].Enabled)
	// untouched sources keep their defaults
	assert.Equal(t, "https://dadosabertos.camara.leg.br/api/v2", cfg.Sources["camara"].BaseURL)
}

func TestTransparenciaKeyFromEnv(t *testing.T) {
	t.Setenv("PORTAL_TRANSPARENCIA_KEY", "secret")

	cfg, err := loadYAML(t, "")
	require.NoError(t, err)

	d := cfg.Sources["transparencia"].Descriptor()
	assert.True(t, d.HasCredential)
	assert.Equal(t, "secret", cfg.Sources["transparencia"].Credential)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		err  string
	}{
		{"non-positive timeout", "search:\n  source_timeout: 0s\n", "timeouts"},
		{"limits inverted", "search:\n  default_limit: 50\n  max_limit: 10\n", "limits"},
		{"missing base url", "sources:\n  camara:\n    base_url: \"\"\n", "base_url"},
		{"zero quota", "sources:\n  ibge:\n    rate_per_minute: 0\n", "rate_per_minute"},
		{"bad auth", "sources:\n  ibge:\n    auth: oauth\n", "auth"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadYAML(t, tt.yaml)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestDescriptorCopiesCategories(t *testing.T) {
	sc := SourceConfig{Name: "x", Categories: []string{"a"}, Enabled: true}
	d := sc.Descriptor()
	d.Categories[0] = "changed"
	assert.Equal(t, "a", sc.Categories[0])
}
