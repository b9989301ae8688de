package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestResolveEmailProvider(t *testing.T) {
	cases := []struct {
		name string
		cfg  EmailConfig
		want string
	}{
		{name: "explicit smtp without host", cfg: EmailConfig{Provider: EmailProviderSMTP}, want: EmailProviderNoop},
		{name: "explicit smtp", cfg: EmailConfig{Provider: EmailProviderSMTP, SMTPHost: "mail.local"}, want: EmailProviderSMTP},
		{name: "explicit mailketing without key", cfg: EmailConfig{Provider: EmailProviderMailketing}, want: EmailProviderNoop},
		{name: "auto mailketing", cfg: EmailConfig{MailketingAPIKey: "k"}, want: EmailProviderMailketing},
		{name: "auto smtp", cfg: EmailConfig{SMTPHost: "mail.local"}, want: EmailProviderSMTP},
		{name: "nothing configured", cfg: EmailConfig{}, want: EmailProviderNoop},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, resolveEmailProvider(tc.cfg))
		})
	}
}

func TestEngineConfigWithDefaults(t *testing.T) {
	cfg := EngineConfig{BatchSize: 10}.WithDefaults()
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 30*time.Minute, cfg.RetryBackoff)
	assert.Equal(t, int64(1), cfg.DefaultCreditAmount)
}

func TestEngineConfigHolderFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "automation.yml")
	content := []byte("engine:\n  batchSize: 20\n  retryBackoff: 5m\n  maxRetries: 5\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	holder, err := NewEngineConfigHolderFromFile(path, zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, 20, cfg.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.RetryBackoff)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 15*time.Minute, cfg.LeaseTimeout)
}

func TestEngineConfigHolderRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "automation.yml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  batchSize: 5000\n"), 0o600))

	_, err := NewEngineConfigHolderFromFile(path, zap.NewNop())
	assert.Error(t, err)
}

func TestNilHolderReturnsDefaults(t *testing.T) {
	var holder *EngineConfigHolder
	assert.Equal(t, DefaultEngineConfig(), holder.Get())
}
