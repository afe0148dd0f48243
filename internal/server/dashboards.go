package server

import (
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"strings"
)

// DashboardsHandler serves plugin dashboards from memory. The bare
// /dashboards/ path lists what is available.
func DashboardsHandler(dashboards map[string][]byte) http.Handler {
	index := slices.Sorted(maps.Keys(dashboards))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if strings.TrimSuffix(r.URL.Path, "/") == "/dashboards" {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(index)
			return
		}

		data, ok := dashboards[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(data)
	})
}
