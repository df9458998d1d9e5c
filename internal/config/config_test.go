package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opex/internal/approval"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, approval.DefaultBaseChain, cfg.Approval.BaseChain)
	assert.Equal(t, approval.DefaultRules(), cfg.Approval.Rules)
	assert.Equal(t, 48*time.Hour, cfg.Escalation.PendingAfter)
	assert.Equal(t, 2*time.Second, cfg.Notifications.PollInterval)
	assert.Equal(t, []string{"cleaning:create", "cleaning:view"}, cfg.RBAC.Roles["Employee"].Permissions)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
notifications:
  sender: nats
  nats_url: nats://127.0.0.1:4222
approval:
  base_chain: [HeadOfOperations]
`))
	require.NoError(t, err)
	assert.Equal(t, []string{approval.RoleHeadOfOperations}, cfg.Approval.BaseChain)
	assert.Equal(t, "nats", cfg.Notifications.Sender)
	assert.Equal(t, 5, cfg.Notifications.MaxAttempts)
	assert.Len(t, cfg.ActiveRules(), 3)
}

func TestValidateRejectsBrokenConfig(t *testing.T) {
	cases := map[string]string{
		"sender":       "notifications:\n  sender: smtp\n",
		"webhook url":  "notifications:\n  sender: webhook\n",
		"redis addr":   "sessions:\n  backend: redis\n",
		"bad rule":     "approval:\n  rules:\n    - name: x\n      trigger_field: category\n      trigger_operator: like\n      trigger_value: a\n      action_type: skip\n      target_approver: HR\n",
		"default role": "rbac:\n  default_role: Nobody\n",
		"dup email":    "directory:\n  - {id: a, email: a@x.com}\n  - {id: b, email: A@x.com}\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "opex", cfg.App.Name)

	_, err = Load(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(Path(dir), []byte("app:\n  name: stores\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "stores", cfg.App.Name)
}

func TestLoadSecretsFromEnv(t *testing.T) {
	t.Setenv("OPEX_JWT_SECRET", "jwt")
	t.Setenv("OPEX_LINK_SECRET", "link")
	s, err := LoadSecrets()
	require.NoError(t, err)
	assert.Equal(t, "jwt", s.JWTSecret)
	assert.Equal(t, "link", s.LinkSecret)
}
