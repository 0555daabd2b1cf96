package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Status is the externally visible state of a scan job.
type Status struct {
	Status       string         `json:"status"`
	Phase        string         `json:"phase,omitempty"`
	PagesScanned int            `json:"pages_scanned"`
	StartPage    int            `json:"start_page,omitempty"`
	EndPage      int            `json:"end_page,omitempty"`
	Message      string         `json:"message,omitempty"`
	Start        *time.Time     `json:"start_time,omitempty"`
	End          *time.Time     `json:"end_time,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Job-level statuses on top of the scan terminal states.
const (
	StatusQueued    = "QUEUED"
	StatusCancelled = "CANCELLED"
)

type RedisStatus struct {
	client *redis.Client
	keyNS  string
	ttl    time.Duration
}

func NewRedisStatus(redisURL string, ttl time.Duration) (*RedisStatus, error) {
	c, err := connect(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisStatus{client: c, keyNS: "job", ttl: ttl}, nil
}

func (s *RedisStatus) key(jobID string) string { return fmt.Sprintf("%s:%s:status", s.keyNS, jobID) }

func (s *RedisStatus) Set(ctx context.Context, jobID string, st Status) error {
	m := map[string]any{
		"status":        st.Status,
		"phase":         st.Phase,
		"pages_scanned": st.PagesScanned,
		"start_page":    st.StartPage,
		"end_page":      st.EndPage,
		"message":       st.Message,
	}
	if st.Start != nil {
		m["start"] = st.Start.Format(time.RFC3339Nano)
	}
	if st.End != nil {
		m["end"] = st.End.Format(time.RFC3339Nano)
	}
	if st.Metadata != nil {
		b, _ := json.Marshal(st.Metadata)
		m["metadata"] = string(b)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key(jobID), m)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key(jobID), s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStatus) Get(ctx context.Context, jobID string) (Status, bool, error) {
	res, err := s.client.HGetAll(ctx, s.key(jobID)).Result()
	if err != nil {
		return Status{}, false, err
	}
	if len(res) == 0 {
		return Status{}, false, nil
	}
	st := Status{
		Status:  res["status"],
		Phase:   res["phase"],
		Message: res["message"],
	}
	// parse errors leave the zero value
	st.PagesScanned, _ = strconv.Atoi(res["pages_scanned"])
	st.StartPage, _ = strconv.Atoi(res["start_page"])
	st.EndPage, _ = strconv.Atoi(res["end_page"])
	if v := res["start"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.Start = &t
		}
	}
	if v := res["end"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.End = &t
		}
	}
	if v := res["metadata"]; v != "" {
		_ = json.Unmarshal([]byte(v), &st.Metadata)
	}
	return st, true, nil
}

func (s *RedisStatus) Close() error { return s.client.Close() }

// Ping checks redis connectivity.
func (s *RedisStatus) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }
