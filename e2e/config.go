package e2e

import (
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// HUB_ADDR targets a running hub (http://host:port). Empty boots one in process.
	HubAddr   string `envconfig:"HUB_ADDR"`
	JWTSecret string `envconfig:"JWT_SECRET" default:"e2e_secret_long_enough_for_hs256"`
	JWTIssuer string `envconfig:"JWT_ISSUER" default:"messenger-hub"`
	// E2E_DEBUG_JSON dumps every frame received by the test clients
	DebugJSON bool `envconfig:"E2E_DEBUG_JSON" default:"false"`
	// E2E_COLOURS enables colorized output for better log readability
	Colours bool `envconfig:"E2E_COLOURS" default:"true"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}
