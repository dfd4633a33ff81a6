package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
)

type Config struct {
	Env            string `env:"ENVIRONMENT"`
	ServerPort     int    `env:"SERVER_PORT" envDefault:"8080"`
	BasicAuthCreds string `env:"BASIC_AUTH_CREDS"`
	DBPath         string `env:"DB_PATH" envDefault:"subscribable.sqlite"`
	QueueBackend   string `env:"QUEUE_BACKEND" envDefault:"memory"` // memory | redis
	RedisAddr      string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	QueueWorkers   int    `env:"QUEUE_WORKERS" envDefault:"5"`

	log   *zap.Logger
	creds map[string]string
}

func NewConfig(log *zap.Logger) *Config {
	cfg := &Config{log: log}
	if err := env.Parse(cfg); err != nil {
		log.Sugar().Panic(err)
	}

	creds, err := cfg.parseCreds()
	if err != nil {
		if cfg.Env == "production" {
			cfg.log.Sugar().Panic(err)
		}
		cfg.log.Sugar().Infof("%s (auth disabled outside production)", err)
	}
	cfg.creds = creds

	return cfg
}

func (cfg *Config) GetCreds() map[string]string {
	return cfg.creds
}

func (cfg *Config) parseCreds() (map[string]string, error) {
	if cfg.BasicAuthCreds == "" {
		return nil, errors.New("BASIC_AUTH_CREDS envvar must be populated")
	}

	result := make(map[string]string)
	for _, cred := range strings.Split(cfg.BasicAuthCreds, ",") {
		userPass := strings.Split(cred, ":")
		if len(userPass) != 2 {
			return nil, fmt.Errorf("failed to parse '%s', each credential should be delimited by a colon -- user1:pass1,user2:pass2", cred)
		}
		user, pass := userPass[0], userPass[1]
		result[strings.TrimSpace(user)] = strings.TrimSpace(pass)
	}

	return result, nil
}
