package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"account-sync/internal/domain"
	"account-sync/internal/repository"
)

// KVOptions scopes a store to a namespace, the equivalent of a browser origin.
type KVOptions struct {
	Origin    string
	Namespace string
	Logger    *logrus.Logger
}

// KVStore keeps keys in redis and announces changes on a pub/sub channel.
type KVStore struct {
	client redis.UniversalClient
	opts   KVOptions
	logger *logrus.Entry
}

type envelope struct {
	Origin   string `json:"origin"`
	Key      string `json:"key"`
	NewValue string `json:"newValue,omitempty"`
	Removed  bool   `json:"removed,omitempty"`
}

func NewKVStore(client redis.UniversalClient, opts KVOptions) *KVStore {
	if strings.TrimSpace(opts.Namespace) == "" {
		opts.Namespace = "accountsync"
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &KVStore{
		client: client,
		opts:   opts,
		logger: opts.Logger.WithFields(logrus.Fields{"component": "redis-kv", "origin": opts.Origin}),
	}
}

// NewClient builds a single-node or cluster client depending on the number of addresses.
func NewClient(addrs []string, password string, db int) redis.UniversalClient {
	if len(addrs) > 1 {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    addrs,
			Password: password,
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:     addrs[0],
		Password: password,
		DB:       db,
	})
}

func (s *KVStore) Init(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (s *KVStore) Origin() string { return s.opts.Origin }

func (s *KVStore) dataKey(key string) string {
	return s.opts.Namespace + ":kv:" + key
}

func (s *KVStore) channel() string {
	return s.opts.Namespace + ":events"
}

func (s *KVStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.dataKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *KVStore) Set(ctx context.Context, key, value string) error {
	payload, err := json.Marshal(envelope{Origin: s.opts.Origin, Key: key, NewValue: value})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.dataKey(key), value, 0)
		pipe.Publish(ctx, s.channel(), payload)
		return nil
	}); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *KVStore) Remove(ctx context.Context, key string) error {
	n, err := s.client.Del(ctx, s.dataKey(key)).Result()
	if err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	if n == 0 {
		return nil
	}
	payload, err := json.Marshal(envelope{Origin: s.opts.Origin, Key: key, Removed: true})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.client.Publish(ctx, s.channel(), payload).Err()
}

// Keys lists every key of the namespace. A cluster client scans each master, since SCAN
// only walks the node it is sent to.
func (s *KVStore) Keys(ctx context.Context) ([]string, error) {
	prefix := s.dataKey("")
	var (
		mu   sync.Mutex
		keys []string
	)
	scan := func(ctx context.Context, client redis.Cmdable) error {
		iter := client.Scan(ctx, 0, prefix+"*", 200).Iterator()
		var found []string
		for iter.Next(ctx) {
			found = append(found, strings.TrimPrefix(iter.Val(), prefix))
		}
		if err := iter.Err(); err != nil {
			return err
		}
		mu.Lock()
		keys = append(keys, found...)
		mu.Unlock()
		return nil
	}

	var err error
	if cluster, ok := s.client.(*redis.ClusterClient); ok {
		err = cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			return scan(ctx, node)
		})
	} else {
		err = scan(ctx, s.client)
	}
	if err != nil {
		return nil, fmt.Errorf("scan keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *KVStore) Subscribe(ctx context.Context) (<-chan domain.StorageEvent, error) {
	pubsub := s.client.Subscribe(ctx, s.channel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s.channel(), err)
	}

	out := make(chan domain.StorageEvent, repository.EventBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					s.logger.Warnf("decode event: %v", err)
					continue
				}
				if env.Origin == s.opts.Origin {
					continue
				}
				select {
				case out <- domain.StorageEvent{Key: env.Key, NewValue: env.NewValue, Removed: env.Removed, Origin: env.Origin}:
				default:
					s.logger.WithField("key", env.Key).Debug("subscriber busy, event dropped")
				}
			}
		}
	}()
	return out, nil
}

func (s *KVStore) Close() error {
	return s.client.Close()
}

var _ repository.KVStore = (*KVStore)(nil)
