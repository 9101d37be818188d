package app

import (
	"context"
	"fmt"

	"github.com/vadiminshakov/ecocore/config"
	"github.com/vadiminshakov/ecocore/internal/crossnode"
)

const (
	TransportRedis  = "redis"
	TransportMemory = "memory"
)

// newTransport is the single point that maps sync.transport to an implementation.
func newTransport(ctx context.Context, cfg config.Sync) (crossnode.Transport, error) {
	switch cfg.Transport {
	case TransportRedis:
		return crossnode.NewRedisTransport(ctx, crossnode.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Channel:  cfg.Channel,
		})
	case TransportMemory:
		return crossnode.NewMemoryTransport(cfg.QueueSize), nil
	default:
		return nil, fmt.Errorf("unsupported sync transport: %s", cfg.Transport)
	}
}
