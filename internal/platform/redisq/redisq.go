package redisq

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/veriflow-labs/veriflow-go/internal/platform/env"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Queue    string
}

func ConfigFromEnv() (Config, error) {
	db, err := env.Int("REDIS_DB", 0)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Addr:     env.String("REDIS_ADDR", "localhost:6379"),
		Password: env.String("REDIS_PASSWORD", ""),
		DB:       db,
		Queue:    env.String("VERIFLOW_TASK_QUEUE", "veriflow:validation-runs"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("REDIS_ADDR is required")
	}
	if c.DB < 0 {
		return errors.New("REDIS_DB must be >= 0")
	}
	if strings.TrimSpace(c.Queue) == "" {
		return errors.New("VERIFLOW_TASK_QUEUE is required")
	}
	return nil
}

func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
