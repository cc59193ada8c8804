package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const sampleYAML = `
server:
  port: 8080
postgres:
  dsn: "host=localhost dbname=credits"
credits:
  consumption_mode: dynamic
  signup_bonus: 10
  fixed:
    ai_chat:
      default: 1
    ai_image:
      default: 10
      models:
        z-image-turbo: 10
  dynamic:
    tokens_per_credit: 1000
    model_multipliers:
      gpt-4: 2.0
      default: 1.0
evolink:
  base_url: "https://api.evolink.ai/v1"
  poll_interval: 1500ms
  max_polls: 60
`

func writeTemp(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeTemp(t, sampleYAML))
	assert.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "dynamic", cfg.Credits.Mode)
	assert.Equal(t, int64(10), cfg.Credits.SignupBonus)
	assert.Equal(t, int64(1000), cfg.Credits.Dynamic.TokensPerCredit)
	assert.Equal(t, 2.0, cfg.Credits.Dynamic.ModelMultipliers["gpt-4"])
	assert.Equal(t, int64(10), cfg.Credits.Fixed["ai_image"].Models["z-image-turbo"])
	assert.Equal(t, 60, cfg.Evolink.MaxPolls)
	assert.Equal(t, Duration(1500*time.Millisecond), cfg.Evolink.PollInterval)
}

func TestLoad_RejectsUnknownMode(t *testing.T) {
	bad := `
credits:
  consumption_mode: metered
`
	_, err := Load(writeTemp(t, bad))
	assert.Error(t, err)
}

func TestLoad_RejectsNonPositiveTokensPerCredit(t *testing.T) {
	bad := `
credits:
  consumption_mode: dynamic
  dynamic:
    tokens_per_credit: 0
`
	_, err := Load(writeTemp(t, bad))
	assert.Error(t, err)
}
