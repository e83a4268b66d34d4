package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"agentgrid/internal/domain"
	"agentgrid/internal/infra/config"
	"agentgrid/internal/usecase/cluster"
	"agentgrid/internal/usecase/eventbus"
	"agentgrid/internal/usecase/session"
)

// redisAdapter wraps a go-redis client to implement cluster.RedisClient.
type redisAdapter struct {
	client *goredis.Client
}

func (r *redisAdapter) SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, expiration).Result()
}

func (r *redisAdapter) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

func (r *redisAdapter) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *redisAdapter) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

func (r *redisAdapter) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key).Result()
}

func (r *redisAdapter) Publish(ctx context.Context, channel string, message string) error {
	return r.client.Publish(ctx, channel, message).Err()
}

func (r *redisAdapter) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	sub := r.client.Subscribe(ctx, channel)
	// Wait for the confirmation so messages published right after
	// Subscribe returns are not missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	ch := make(chan string, 64)
	go func() {
		defer close(ch)
		defer sub.Close()
		msgCh := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case ch <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func (r *redisAdapter) Close() error {
	return r.client.Close()
}

// ClusterComponents holds the stream transport and the shared server
// directory. Leaser is nil on a single node.
type ClusterComponents struct {
	NodeID    string
	Transport domain.StreamTransport
	Servers   domain.ServerDirectory
	Leaser    domain.Leaser
	close     func()
}

// Close releases the transport and the Redis connection.
func (c *ClusterComponents) Close() {
	if c.close != nil {
		c.close()
	}
}

// initCluster picks the in-process bus or Redis for streams and
// coordination.
func initCluster(ctx context.Context, cfg *config.Config, log *slog.Logger) (*ClusterComponents, error) {
	if cfg.Stream.Backend != "redis" {
		bus := eventbus.New(log)
		return &ClusterComponents{
			NodeID:    orDefault(cfg.Cluster.NodeID, "local"),
			Transport: bus,
			Servers:   session.NewMemoryDirectory(),
			close:     bus.Close,
		}, nil
	}

	opts, err := goredis.ParseURL(cfg.Cluster.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	adapter := &redisAdapter{client: client}
	coord := cluster.NewCoordinator(adapter, cluster.CoordinatorConfig{NodeID: cfg.Cluster.NodeID}, log)
	transport := cluster.NewTransport(adapter, log)
	log.Info("cluster mode enabled", "node", coord.NodeID(), "redis", opts.Addr)

	return &ClusterComponents{
		NodeID:    coord.NodeID(),
		Transport: transport,
		Servers:   coord,
		Leaser:    coord,
		close: func() {
			transport.Close()
			if err := coord.Stop(); err != nil {
				log.Warn("close redis client", "error", err)
			}
		},
	}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
