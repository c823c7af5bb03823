package httpapi

import (
	"encoding/json"
	"messenger-hub/observability"
	"net/http"
)

// Health reports liveness with the latest monitoring snapshot.
func Health(latest func() observability.MonitoringStats) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "stats": latest()})
	}
}
