package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	req := require.New(t)
	t.Setenv("JWT_SECRET", "a_secret_long_enough")
	t.Setenv("BADGER_FILEPATH", t.TempDir())

	config, err := LoadConfig()

	req.NoError(err)
	req.Equal("badger", config.StorageDriver)
	req.Equal(5*time.Second, config.SendTimeout)
	req.Equal(50, config.HistoryLimit)
	req.True(config.EchoToSender)
}

func TestLoadConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing secret", map[string]string{"BADGER_FILEPATH": "/tmp/hub"}},
		{"short secret", map[string]string{"JWT_SECRET": "short", "BADGER_FILEPATH": "/tmp/hub"}},
		{"unknown driver", map[string]string{"JWT_SECRET": "a_secret_long_enough", "STORAGE_DRIVER": "redis"}},
		{"mongo without uri", map[string]string{"JWT_SECRET": "a_secret_long_enough", "STORAGE_DRIVER": "mongo"}},
		{"badger without path", map[string]string{"JWT_SECRET": "a_secret_long_enough"}},
		{"pong before ping", map[string]string{"JWT_SECRET": "a_secret_long_enough", "BADGER_FILEPATH": "/tmp/hub",
			"PING_INTERVAL": "1m", "PONG_WAIT": "30s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			require.Error(t, err)
		})
	}
}

func TestConfig_Origins(t *testing.T) {
	req := require.New(t)
	req.Nil(Config{}.Origins())
	req.Equal([]string{"https://a.example", "https://b.example"},
		Config{AllowedOrigins: "https://a.example, https://b.example"}.Origins())
}
