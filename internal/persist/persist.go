// Package persist writes document snapshots to durable storage and reads
// them back when a room starts.
package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/ilnaes/docsync/internal/config"
)

var (
	ErrNotFound = errors.New("persist: no snapshot for document")
	ErrClosed   = errors.New("persist: gateway closed")
)

// Backend is a key/value store keyed by document id holding the latest
// snapshot bytes.
type Backend interface {
	Save(ctx context.Context, documentID string, data []byte) error
	Load(ctx context.Context, documentID string) ([]byte, error)
	Close(ctx context.Context) error
}

// Open connects the backend named by cfg.StorageBackend.
func Open(ctx context.Context, cfg config.Config) (Backend, error) {
	switch cfg.StorageBackend {
	case "memory":
		return NewMemory(), nil
	case "bolt":
		return OpenBolt(cfg.BoltPath)
	case "mongo":
		return OpenMongo(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
	case "redis":
		return OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case "postgres":
		return OpenPostgres(ctx, cfg.PostgresURL)
	default:
		return nil, fmt.Errorf("persist: unknown backend %q", cfg.StorageBackend)
	}
}
