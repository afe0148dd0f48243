package myenergi

import (
	"encoding/json"
	"fmt"
	"log"
	"reflect"
	"time"

	"github.com/joshp123/gohome-myenergi/internal/config"
	"github.com/joshp123/gohome-myenergi/internal/host"
)

// App setting keys read by the scheduler.
const (
	SettingHubs         = "myenergiHubs"
	SettingPollInterval = "pollInterval"
	SettingBaseURL      = "apiBaseUrl"
)

// Config defines runtime configuration for the myenergi plugin.
type Config struct {
	Hubs                 []HubCredential
	PollInterval         time.Duration
	BaseURL              string
	RequestTimeout       time.Duration
	MaxRequestsPerMinute int
	Fake                 bool
}

func ConfigFromYAML(cfg *config.MyEnergiConfig) (Config, error) {
	if cfg == nil {
		return Config{}, fmt.Errorf("myenergi config is required")
	}
	hubs := make([]HubCredential, 0, len(cfg.Hubs))
	for i, hub := range cfg.Hubs {
		password, err := hub.ResolvePassword()
		if err != nil {
			return Config{}, fmt.Errorf("myenergi hub %d: %w", i, err)
		}
		if password == "" {
			return Config{}, fmt.Errorf("myenergi hub %d: password is empty", i)
		}
		hubs = append(hubs, HubCredential{
			Hubname:      hub.Hubname,
			Username:     hub.Username,
			Password:     password,
			PasswordFile: hub.PasswordFile,
		})
	}
	return Config{
		Hubs:                 hubs,
		PollInterval:         cfg.PollInterval,
		BaseURL:              cfg.APIBaseURL,
		RequestTimeout:       cfg.RequestTimeout,
		MaxRequestsPerMinute: cfg.MaxRequestsPerMinute,
		Fake:                 cfg.Fake,
	}, nil
}

// seedSettings writes the hub settings that differ from what is stored and
// reports whether anything changed.
func seedSettings(settings *host.Settings, cfg Config) (bool, error) {
	values := []struct {
		key   string
		value any
	}{
		{SettingHubs, storedHubs(cfg.Hubs)},
		{SettingPollInterval, int(cfg.PollInterval / time.Second)},
		{SettingBaseURL, cfg.BaseURL},
	}
	changed := false
	for _, v := range values {
		same, err := settingEquals(settings, v.key, v.value)
		if err != nil {
			return changed, err
		}
		if same {
			continue
		}
		if err := settings.Set(v.key, v.value); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

// storedHubs drops passwords so they never reach the settings store and,
// through it, the state file and its mirror.
func storedHubs(hubs []HubCredential) []HubCredential {
	out := make([]HubCredential, len(hubs))
	for i, hub := range hubs {
		hub.Password = ""
		out[i] = hub
	}
	return out
}

// resolvePasswords fills in each hub's password from the configured hubs,
// falling back to its PasswordFile. A hub that cannot be resolved keeps an
// empty password so its polls fail visibly.
func resolvePasswords(hubs, configured []HubCredential) []HubCredential {
	known := make(map[string]HubCredential, len(configured))
	for _, hub := range configured {
		known[hub.ClientID()] = hub
	}
	out := make([]HubCredential, len(hubs))
	for i, hub := range hubs {
		if hub.Password == "" {
			if cfg, ok := known[hub.ClientID()]; ok {
				hub.Password = cfg.Password
			}
		}
		if hub.Password == "" && hub.PasswordFile != "" {
			password, err := config.ReadSecretFile(hub.PasswordFile)
			if err != nil {
				log.Printf("myenergi: hub %s: %v", hub.ClientID(), err)
			}
			hub.Password = password
		}
		if hub.Password == "" {
			log.Printf("myenergi: hub %s has no password", hub.ClientID())
		}
		out[i] = hub
	}
	return out
}

func settingEquals(settings *host.Settings, key string, value any) (bool, error) {
	var stored any
	ok, err := settings.Get(key, &stored)
	if err != nil || !ok {
		return false, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("encode setting %s: %w", key, err)
	}
	var want any
	if err := json.Unmarshal(raw, &want); err != nil {
		return false, fmt.Errorf("encode setting %s: %w", key, err)
	}
	return reflect.DeepEqual(stored, want), nil
}

// hubConfigFromSettings reads the scheduler configuration from the app
// settings. Missing keys fall back to defaults.
func hubConfigFromSettings(settings *host.Settings) (HubConfig, error) {
	cfg := HubConfig{PollInterval: DefaultPollInterval, BaseURL: defaultBaseURL}

	if _, err := settings.Get(SettingHubs, &cfg.Hubs); err != nil {
		return HubConfig{}, err
	}
	var seconds int
	ok, err := settings.Get(SettingPollInterval, &seconds)
	if err != nil {
		return HubConfig{}, err
	}
	if ok && seconds > 0 {
		cfg.PollInterval = time.Duration(seconds) * time.Second
	}
	var baseURL string
	if ok, err := settings.Get(SettingBaseURL, &baseURL); err != nil {
		return HubConfig{}, err
	} else if ok && baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return cfg, nil
}

func isHubSetting(key string) bool {
	switch key {
	case SettingHubs, SettingPollInterval, SettingBaseURL:
		return true
	}
	return false
}
