package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ResultStore keeps the final filter record of each job as JSON.
type ResultStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewResultStore(redisURL string, ttl time.Duration) (*ResultStore, error) {
	c, err := connect(redisURL)
	if err != nil {
		return nil, err
	}
	return &ResultStore{client: c, ttl: ttl}, nil
}

func (s *ResultStore) key(jobID string) string { return fmt.Sprintf("job:%s:result", jobID) }

func (s *ResultStore) Save(ctx context.Context, jobID string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return s.client.Set(ctx, s.key(jobID), b, s.ttl).Err()
}

// Get returns the raw record. found is false when none was saved.
func (s *ResultStore) Get(ctx context.Context, jobID string) (json.RawMessage, bool, error) {
	b, err := s.client.Get(ctx, s.key(jobID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(b), true, nil
}

func (s *ResultStore) Close() error { return s.client.Close() }
