package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/local/defectscan/internal/corpus"
)

// PageStore keeps the OCR pages of a job so that a scan can be replayed
// without re-reading the artifact.
type PageStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewPageStore(redisURL string, ttl time.Duration) (*PageStore, error) {
	c, err := connect(redisURL)
	if err != nil {
		return nil, err
	}
	return &PageStore{client: c, ttl: ttl}, nil
}

func (s *PageStore) Close() error { return s.client.Close() }

func (s *PageStore) pageKey(jobID string, page int) string {
	return fmt.Sprintf("job:%s:page:%d", jobID, page)
}

func (s *PageStore) indexKey(jobID string) string {
	return fmt.Sprintf("job:%s:pages", jobID)
}

// SavePageText stores one page and records its number in the job index.
func (s *PageStore) SavePageText(ctx context.Context, jobID string, page int, text, source string) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.pageKey(jobID, page), map[string]any{"text": text, "source": source})
	pipe.ZAdd(ctx, s.indexKey(jobID), redis.Z{Score: float64(page), Member: strconv.Itoa(page)})
	if s.ttl > 0 {
		pipe.Expire(ctx, s.pageKey(jobID, page), s.ttl)
		pipe.Expire(ctx, s.indexKey(jobID), s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *PageStore) GetPageText(ctx context.Context, jobID string, page int) (string, error) {
	res, err := s.client.HGet(ctx, s.pageKey(jobID, page), "text").Result()
	if err == redis.Nil {
		return "", nil
	}
	return res, err
}

// GetPageTextWithSource returns both text and source for a page
func (s *PageStore) GetPageTextWithSource(ctx context.Context, jobID string, page int) (string, string, error) {
	res, err := s.client.HGetAll(ctx, s.pageKey(jobID, page)).Result()
	if err != nil {
		return "", "", err
	}
	if len(res) == 0 {
		return "", "", nil
	}
	return res["text"], res["source"], nil
}

// SaveCorpus stores every page of c under jobID.
func (s *PageStore) SaveCorpus(ctx context.Context, jobID, source string, c *corpus.Corpus) error {
	for _, p := range c.Pages() {
		if err := s.SavePageText(ctx, jobID, p.Number, p.Text, source); err != nil {
			return fmt.Errorf("save page %d: %w", p.Number, err)
		}
	}
	return nil
}

// LoadCorpus rebuilds the corpus saved for jobID. found is false when the
// job has no pages.
func (s *PageStore) LoadCorpus(ctx context.Context, jobID string) (c *corpus.Corpus, source string, found bool, err error) {
	nums, err := s.client.ZRange(ctx, s.indexKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, "", false, err
	}
	if len(nums) == 0 {
		return nil, "", false, nil
	}
	pages := make([]corpus.Page, 0, len(nums))
	for _, raw := range nums {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, "", false, fmt.Errorf("bad page index %q: %w", raw, err)
		}
		text, src, err := s.GetPageTextWithSource(ctx, jobID, n)
		if err != nil {
			return nil, "", false, err
		}
		if source == "" {
			source = src
		}
		pages = append(pages, corpus.Page{Number: n, Text: text})
	}
	c, err = corpus.New(pages)
	if err != nil {
		return nil, "", false, err
	}
	return c, source, true, nil
}
