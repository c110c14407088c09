package hub

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the hub's runtime settings, populated from LANBEAM_HUB_*
// environment variables.
type Config struct {
	Addr              string        `envconfig:"ADDR" default:":8077"`
	MaxUploadBytes    int64         `envconfig:"MAX_UPLOAD_BYTES" default:"2147483648"`
	UploadIdleTimeout time.Duration `envconfig:"UPLOAD_IDLE_TIMEOUT" default:"30s"`
}

// LoadConfig reads the hub configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("lanbeam_hub", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
