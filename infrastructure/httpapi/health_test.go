package httpapi

import (
	"encoding/json"
	"messenger-hub/observability"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	req := require.New(t)
	handler := Health(func() observability.MonitoringStats {
		return observability.MonitoringStats{Connections: 4, PendingTotal: 1}
	})

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest("GET", "/healthz", nil))

	var body struct {
		Status string                        `json:"status"`
		Stats  observability.MonitoringStats `json:"stats"`
	}
	req.NoError(json.Unmarshal(w.Body.Bytes(), &body))
	req.Equal("ok", body.Status)
	req.Equal(4, body.Stats.Connections)
}
