package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Config struct {
	Address  string        `yaml:"REDIS_ADDRESS" env:"REDIS_ADDRESS" env-default:"localhost:6379"`
	Password string        `yaml:"REDIS_PASSWORD" env:"REDIS_PASSWORD" env-default:""`
	DB       int           `yaml:"REDIS_DB" env:"REDIS_DB" env-default:"0"`
	Timeout  time.Duration `yaml:"REDIS_TIMEOUT" env:"REDIS_TIMEOUT" env-default:"5s"`
}

func New(ctx context.Context, config Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  config.Timeout,
		ReadTimeout:  config.Timeout,
		WriteTimeout: config.Timeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}
