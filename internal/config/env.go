package config

import (
	"github.com/caarlos0/env/v11"
)

// Secrets are read from the environment only, never from opex.yml.
type Secrets struct {
	JWTSecret      string `env:"OPEX_JWT_SECRET"`
	LinkSecret     string `env:"OPEX_LINK_SECRET"`
	MailCredential string `env:"OPEX_MAIL_CREDENTIAL"`
	RedisPassword  string `env:"OPEX_REDIS_PASSWORD"`
	DBDSN          string `env:"OPEX_DB_DSN"`
	DBDriver       string `env:"OPEX_DB_DRIVER"`
}

func LoadSecrets() (Secrets, error) {
	return env.ParseAs[Secrets]()
}
