package myenergi

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshp123/gohome-myenergi/internal/config"
	"github.com/joshp123/gohome-myenergi/internal/host"
)

func TestConfigFromYAMLReadsPasswordFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub-password")
	require.NoError(t, os.WriteFile(path, []byte("s3cret\n"), 0o600))

	cfg, err := ConfigFromYAML(&config.MyEnergiConfig{
		PollInterval: 30 * time.Second,
		Hubs: []config.HubConfig{
			{Hubname: "home", Username: "10000001", PasswordFile: path},
			{Hubname: "barn", Username: "10000002", Password: "inline"},
		},
	})
	require.NoError(t, err)
	require.Len(t, cfg.Hubs, 2)
	assert.Equal(t, "s3cret", cfg.Hubs[0].Password)
	assert.Equal(t, "inline", cfg.Hubs[1].Password)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)

	_, err = ConfigFromYAML(&config.MyEnergiConfig{Hubs: []config.HubConfig{{Username: "10000003"}}})
	assert.ErrorContains(t, err, "password is empty")
	_, err = ConfigFromYAML(nil)
	assert.Error(t, err)
}

func TestSeedSettingsOnlyWritesChanges(t *testing.T) {
	settings := host.New(host.Options{}).Settings()
	var changedKeys []string
	settings.Subscribe(func(key string) { changedKeys = append(changedKeys, key) })

	cfg := Config{
		Hubs:         []HubCredential{{Hubname: "home", Username: "10000001", Password: "pw"}},
		PollInterval: 90 * time.Second,
	}
	changed, err := seedSettings(settings, cfg)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.ElementsMatch(t, []string{SettingHubs, SettingPollInterval, SettingBaseURL}, changedKeys)

	changedKeys = nil
	changed, err = seedSettings(settings, cfg)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, changedKeys)

	cfg.Hubs[0].Password = "rotated"
	changed, err = seedSettings(settings, cfg)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, changedKeys)

	cfg.Hubs = append(cfg.Hubs, HubCredential{Hubname: "barn", Username: "10000002", PasswordFile: "/run/agenix/barn"})
	changed, err = seedSettings(settings, cfg)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{SettingHubs}, changedKeys)

	var stored []map[string]any
	_, err = settings.Get(SettingHubs, &stored)
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{
		{"hubname": "home", "username": "10000001"},
		{"hubname": "barn", "username": "10000002", "passwordFile": "/run/agenix/barn"},
	}, stored)
}

func TestResolvePasswords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "barn-password")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))

	configured := []HubCredential{{Hubname: "home", Username: "10000001", Password: "pw"}}
	got := resolvePasswords([]HubCredential{
		{Hubname: "home", Username: "10000001"},
		{Hubname: "barn", Username: "10000002", PasswordFile: path},
		{Hubname: "shed", Username: "10000003", Password: "inline"},
		{Hubname: "gone", Username: "10000004", PasswordFile: filepath.Join(t.TempDir(), "missing")},
	}, configured)

	require.Len(t, got, 4)
	assert.Equal(t, "pw", got[0].Password)
	assert.Equal(t, "from-file", got[1].Password)
	assert.Equal(t, "inline", got[2].Password)
	assert.Empty(t, got[3].Password)
}

func TestHubConfigFromSettings(t *testing.T) {
	settings := host.New(host.Options{}).Settings()

	cfg, err := hubConfigFromSettings(settings)
	require.NoError(t, err)
	assert.Empty(t, cfg.Hubs)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, defaultBaseURL, cfg.BaseURL)

	// older settings carry a per-hub pollInterval, which is ignored
	require.NoError(t, settings.Set(SettingHubs, []map[string]any{
		{"hubname": "home", "username": "10000001", "password": "pw", "pollInterval": 10},
	}))
	require.NoError(t, settings.Set(SettingPollInterval, 300))
	require.NoError(t, settings.Set(SettingBaseURL, "https://example.test"))

	cfg, err = hubConfigFromSettings(settings)
	require.NoError(t, err)
	require.Len(t, cfg.Hubs, 1)
	assert.Equal(t, "home_10000001", cfg.Hubs[0].ClientID())
	assert.Equal(t, 300*time.Second, cfg.PollInterval)
	assert.Equal(t, "https://example.test", cfg.BaseURL)

	require.NoError(t, settings.Set(SettingHubs, "not a list"))
	_, err = hubConfigFromSettings(settings)
	assert.Error(t, err)
}

func TestIsHubSetting(t *testing.T) {
	assert.True(t, isHubSetting(SettingHubs))
	assert.True(t, isHubSetting(SettingPollInterval))
	assert.False(t, isHubSetting("siteName"))
}
