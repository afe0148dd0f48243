package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
schema_version: 1
core:
  grpc_addr: 127.0.0.1:9100
blob:
  endpoint: https://s3.example.net
  bucket: gohome
  access_key_file: /run/agenix/s3-access
  secret_key_file: /run/agenix/s3-secret
mqtt:
  broker: tcp://mqtt.local:1883
myenergi:
  poll_interval: 30s
  hubs:
    - hubname: house
      username: "12345678"
      password_file: /run/agenix/gohome-myenergi-house.age
    - hubname: garage
      username: "87654321"
      password: hunter2
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9100", cfg.Core.GRPCAddr)
	assert.Equal(t, DefaultHTTPAddr, cfg.Core.HTTPAddr)
	assert.Equal(t, DefaultStateFile, cfg.State.File)
	assert.Equal(t, DefaultBlobPrefix, cfg.Blob.Prefix)
	assert.Equal(t, DefaultMQTTTopicPrefix, cfg.MQTT.TopicPrefix)

	require.NotNil(t, cfg.MyEnergi)
	assert.Equal(t, 30*time.Second, cfg.MyEnergi.PollInterval)
	assert.Equal(t, DefaultMyEnergiBaseURL, cfg.MyEnergi.APIBaseURL)
	assert.Equal(t, DefaultMyEnergiRatePerMin, cfg.MyEnergi.MaxRequestsPerMinute)
	require.Len(t, cfg.MyEnergi.Hubs, 2)
	assert.Equal(t, "house", cfg.MyEnergi.Hubs[0].Hubname)

	assert.Equal(t, map[string]bool{"myenergi": true}, EnabledPlugins(cfg))
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"schema":    "schema_version: 2\n",
		"blob":      "schema_version: 1\nblob:\n  bucket: x\n",
		"mqtt":      "schema_version: 1\nmqtt:\n  topic_prefix: x\n",
		"interval":  "schema_version: 1\nmyenergi:\n  poll_interval: 500ms\n",
		"password":  "schema_version: 1\nmyenergi:\n  hubs:\n    - username: a\n",
		"both":      "schema_version: 1\nmyenergi:\n  hubs:\n    - username: a\n      password: b\n      password_file: c\n",
		"duplicate": "schema_version: 1\nmyenergi:\n  hubs:\n    - username: a\n      password: b\n    - username: a\n      password: c\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestEnabledPluginsWithoutSection(t *testing.T) {
	cfg, err := Parse([]byte("schema_version: 1\n"))
	require.NoError(t, err)
	assert.Empty(t, EnabledPlugins(cfg))
}

func TestResolvePassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "password")
	require.NoError(t, os.WriteFile(path, []byte("s3cret\n"), 0o600))

	got, err := HubConfig{PasswordFile: path}.ResolvePassword()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	got, err = HubConfig{Password: "inline"}.ResolvePassword()
	require.NoError(t, err)
	assert.Equal(t, "inline", got)

	_, err = HubConfig{PasswordFile: filepath.Join(t.TempDir(), "missing")}.ResolvePassword()
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	assert.Error(t, err)
}
