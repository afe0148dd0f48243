package server

import (
	"encoding/json"
	"net/http"

	"github.com/joshp123/gohome-myenergi/internal/core"
)

// HealthHandler returns a simple OK for liveness checks.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type pluginHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ReadyHandler reports per-plugin health. Any plugin in ERROR makes the
// daemon not ready.
func ReadyHandler(plugins []core.Plugin) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		report := make(map[string]pluginHealth, len(plugins))
		code := http.StatusOK
		for _, p := range plugins {
			health := p.Health()
			if health == core.HealthError {
				code = http.StatusServiceUnavailable
			}
			report[p.ID()] = pluginHealth{Status: string(health), Message: p.HealthMessage()}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(report)
	})
}
