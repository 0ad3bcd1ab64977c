package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/4xmen/kanal/internal/chat"
	"github.com/4xmen/kanal/internal/keys"
	"github.com/4xmen/kanal/internal/kv"
	"github.com/4xmen/kanal/internal/kv/postgres"
	"github.com/4xmen/kanal/internal/kv/redis"
	"github.com/4xmen/kanal/internal/kv/sqlite"
	"github.com/4xmen/kanal/internal/store"
	"github.com/4xmen/kanal/pkg/config"
)

const redisPrefix = "kanal"

// openBackend connects the kv backend selected by STORAGE_DRIVER.
func openBackend(ctx context.Context, cfg *config.Config) (kv.Backend, error) {
	switch cfg.StorageDriver {
	case "postgres":
		return postgres.New(ctx, cfg.DatabaseURL)
	case "redis":
		rdb, err := redis.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		return redis.New(rdb, redisPrefix), nil
	default:
		if dir := filepath.Dir(cfg.DatabasePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		return sqlite.New(cfg.DatabasePath)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", cfg.StorageDriver, err)
	}

	st, err := store.Open(ctx, backend, time.Now())
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return st, nil
}

func newPasswordHasher(name string) (chat.PasswordHasher, error) {
	switch name {
	case "", "bcrypt":
		return chat.BcryptHasher{}, nil
	case "sha256":
		return chat.SHA256Hasher{}, nil
	default:
		return nil, fmt.Errorf("unknown PASSWORD_HASHER %q", name)
	}
}

// newChatService builds the chat service with its key deriver and channel
// password hasher. A missing MASTER_KEY is replaced by a random one.
func newChatService(cfg *config.Config, st *store.Store, log *zap.Logger) (*chat.Service, error) {
	hasher, err := newPasswordHasher(cfg.PasswordHasher)
	if err != nil {
		return nil, err
	}

	master, generated, err := keys.LoadMasterKey(cfg.MasterKey)
	if err != nil {
		return nil, err
	}
	if generated {
		log.Warn("MASTER_KEY not set, using a random key; derived keys will change on restart")
	}

	deriver, err := keys.NewHKDFDeriver(master, cfg.KeyName)
	if err != nil {
		return nil, err
	}

	return chat.New(st, chat.Options{
		Deriver: deriver,
		Hasher:  hasher,
		Admin:   cfg.AdminIdentity,
	}), nil
}
