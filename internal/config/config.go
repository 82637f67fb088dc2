package config

import (
	"time"

	"github.com/Jolteous/JahaanVote/pkg/redis"
	"github.com/Jolteous/JahaanVote/pkg/tarantool"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	SessionID         string           `yaml:"SESSION_ID"          env:"SESSION_ID"          env-default:"jahaanvote"`
	LogLevel          string           `yaml:"LOG_LEVEL"           env:"LOG_LEVEL"           env-default:"debug"`
	HeartbeatInterval time.Duration    `yaml:"HEARTBEAT_INTERVAL"  env:"HEARTBEAT_INTERVAL"  env-default:"15s"`
	LiveWindow        time.Duration    `yaml:"LIVE_WINDOW"         env:"LIVE_WINDOW"         env-default:"30s"`
	RosterDebounce    time.Duration    `yaml:"ROSTER_DEBOUNCE"     env:"ROSTER_DEBOUNCE"     env-default:"250ms"`
	ReactionCooldown  time.Duration    `yaml:"REACTION_COOLDOWN"   env:"REACTION_COOLDOWN"   env-default:"1500ms"`
	Tarantool         tarantool.Config `yaml:"TARANTOOL"           env:"TARANTOOL"`
	Redis             redis.Config     `yaml:"REDIS"               env:"REDIS"`
}

func New() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		return nil, err
	}

	var config Config
	if err := cleanenv.ReadEnv(&config); err != nil {
		return nil, err
	}
	return &config, nil
}
