package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	mpkg "github.com/local/defectscan/internal/metrics"
	"github.com/local/defectscan/internal/scan"
)

// Config describes the prediction endpoints and prompt shaping.
type Config struct {
	// BaseURL and flow IDs form <BaseURL>/api/v1/prediction/<flowID>.
	BaseURL     string
	StartFlowID string
	EndFlowID   string
	// StartURL and EndURL override the derived endpoints.
	StartURL string
	EndURL   string
	APIKey   string

	MaxCharsPerPage int
	MaxAnchorChars  int
	Vocabulary      Vocabulary
	Templates       Templates
}

// Limiter gates calls to an endpoint. *limiter.Adaptive satisfies it.
type Limiter interface {
	Acquire(ctx context.Context, endpoint string) (func(), error)
	IsOpen(ctx context.Context, endpoint string) bool
	Open(ctx context.Context, endpoint string) time.Duration
	Close(ctx context.Context, endpoint string)
}

// Client is a scan.Classifier backed by a Flowise-style prediction API.
type Client struct {
	cfg      Config
	startURL string
	endURL   string
	http     *http.Client
	lim      Limiter
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithLimiter(l Limiter) Option { return func(c *Client) { c.lim = l } }

func endpoint(base, flowID, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if base == "" || flowID == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/api/v1/prediction/" + flowID
}

func New(cfg Config, opts ...Option) (*Client, error) {
	c := &Client{
		cfg:      cfg,
		startURL: endpoint(cfg.BaseURL, cfg.StartFlowID, cfg.StartURL),
		endURL:   endpoint(cfg.BaseURL, cfg.EndFlowID, cfg.EndURL),
		http:     &http.Client{},
	}
	if c.startURL == "" || c.endURL == "" {
		return nil, &ConfigError{Message: "start and end endpoints are required"}
	}
	if c.cfg.MaxCharsPerPage <= 0 {
		c.cfg.MaxCharsPerPage = 3000
	}
	if c.cfg.MaxAnchorChars <= 0 {
		c.cfg.MaxAnchorChars = 10000
	}
	if c.cfg.Templates.Start == nil || c.cfg.Templates.End == nil {
		d := DefaultTemplates()
		if c.cfg.Templates.Start == nil {
			c.cfg.Templates.Start = d.Start
		}
		if c.cfg.Templates.End == nil {
			c.cfg.Templates.End = d.End
		}
	}
	c.cfg.Vocabulary = c.cfg.Vocabulary.withDefaults()
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Endpoint returns the URL used for phase.
func (c *Client) Endpoint(p scan.Phase) string {
	if p == scan.PhaseSeekingEnd {
		return c.endURL
	}
	return c.startURL
}

type predictionRequest struct {
	Question       string         `json:"question"`
	OverrideConfig overrideConfig `json:"overrideConfig"`
}

type overrideConfig struct {
	SessionID string `json:"sessionId"`
}

// SessionID keeps every batch in its own conversation.
func SessionID(req scan.Request) string {
	prefix := "search_start"
	if req.Phase == scan.PhaseSeekingEnd {
		prefix = "search_end"
	}
	return fmt.Sprintf("%s_%s_batch_%d", prefix, req.JobID, req.Seq)
}

// Classify sends one batch and decodes the verdict.
func (c *Client) Classify(ctx context.Context, req scan.Request) (scan.Verdict, error) {
	if len(req.Pages) == 0 {
		return scan.Verdict{}, &ConfigError{Message: "empty batch"}
	}
	url := c.Endpoint(req.Phase)
	phase := string(req.Phase)
	start := time.Now()

	v, err := c.classify(ctx, url, req)
	var result string
	switch {
	case err == nil && v.Found:
		result = "found"
	case err == nil:
		result = "not_found"
	case scan.IsTransient(err):
		result = "transient"
	default:
		result = "error"
	}
	mpkg.ObserveClassifier(phase, result, time.Since(start))
	return v, err
}

func (c *Client) classify(ctx context.Context, url string, req scan.Request) (scan.Verdict, error) {
	if c.lim != nil {
		if c.lim.IsOpen(ctx, url) {
			return scan.Verdict{}, scan.Transient("breaker", ErrCircuitOpen)
		}
		release, err := c.lim.Acquire(ctx, url)
		if err != nil {
			return scan.Verdict{}, classify(err)
		}
		defer release()
	}

	prompt, err := c.cfg.Templates.Render(req, c.cfg.MaxCharsPerPage, c.cfg.MaxAnchorChars)
	if err != nil {
		return scan.Verdict{}, &ConfigError{Message: err.Error()}
	}

	body, err := c.post(ctx, url, predictionRequest{
		Question:       prompt,
		OverrideConfig: overrideConfig{SessionID: SessionID(req)},
	})
	if err != nil {
		err = classify(err)
		if c.lim != nil && shouldTrip(err) {
			d := c.lim.Open(ctx, url)
			mpkg.BreakerOpened(url)
			log.Warn().Str("endpoint", url).Dur("cooldown", d).Err(err).Msg("classifier breaker opened")
		}
		return scan.Verdict{}, err
	}
	if c.lim != nil {
		c.lim.Close(ctx, url)
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return scan.Verdict{}, scan.Transient("empty response", nil)
	}
	obj, ok := extractObject(body)
	if !ok {
		return scan.Verdict{}, scan.Malformed("no JSON verdict in response: %.200s", body)
	}
	v, err := c.cfg.Vocabulary.decodeVerdict(req, obj)
	if err != nil {
		return scan.Verdict{}, err
	}

	log.Debug().
		Str("job_id", req.JobID).
		Str("phase", string(req.Phase)).
		Int("batch", req.Seq).
		Bool("found", v.Found).
		Int("page", v.Page).
		Str("reason", truncate(v.Reason, 100)).
		Msg("classifier verdict")
	return v, nil
}

func (c *Client) post(ctx context.Context, url string, payload predictionRequest) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, &ConfigError{Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, scan.Transient("read body", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512), Endpoint: url}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
