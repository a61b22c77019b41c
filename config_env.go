package credledger

import (
	"encoding/base64"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every variable read by LoadConfigFromEnv, for example
// CREDLEDGER_JWT_ACCESS_TTL or CREDLEDGER_STORE_DRIVER.
const EnvPrefix = "CREDLEDGER_"

type envSecrets struct {
	SigningKey string `env:"JWT_SIGNING_KEY"`
}

// LoadConfigFromEnv overlays environment variables on DefaultConfig and
// validates the result. CREDLEDGER_JWT_SIGNING_KEY is base64 (standard or
// URL alphabet).
func LoadConfigFromEnv() (Config, error) {
	return loadConfigFromEnv(env.Options{Prefix: EnvPrefix})
}

func loadConfigFromEnv(opts env.Options) (Config, error) {
	cfg := defaultConfig()
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	var secrets envSecrets
	if err := env.ParseWithOptions(&secrets, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if secrets.SigningKey != "" {
		key, err := decodeKey(secrets.SigningKey)
		if err != nil {
			return Config{}, fmt.Errorf("parse env: %sJWT_SIGNING_KEY: %w", opts.Prefix, err)
		}
		cfg.JWT.SigningKey = key
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeKey(v string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(v); err == nil {
			return key, nil
		}
	}
	return nil, fmt.Errorf("not valid base64")
}
