package statuscheck

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Pinger models the minimal capability we need from Redis and S3.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker aggregates health checks for external dependencies.
type Checker struct {
	redis      Pinger
	s3         Pinger
	httpClient *http.Client
	startURL   string
	endURL     string
	apiKey     string
}

// Options configures the Checker. Nil pingers and empty URLs report as not configured.
type Options struct {
	Redis      Pinger
	S3         Pinger
	HTTPClient *http.Client
	StartURL   string
	EndURL     string
	APIKey     string
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
	Redis           Status `json:"redis"`
	S3              Status `json:"s3"`
	ClassifierStart Status `json:"classifier_start"`
	ClassifierEnd   Status `json:"classifier_end"`
}

func New(opts Options) *Checker {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Checker{
		redis:      opts.Redis,
		s3:         opts.S3,
		httpClient: client,
		startURL:   opts.StartURL,
		endURL:     opts.EndURL,
		apiKey:     opts.APIKey,
	}
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
	return Summary{
		Redis:           ping(ctx, c.redis, 2*time.Second),
		S3:              ping(ctx, c.s3, 5*time.Second),
		ClassifierStart: c.checkEndpoint(ctx, c.startURL),
		ClassifierEnd:   c.checkEndpoint(ctx, c.endURL),
	}
}

func ping(ctx context.Context, p Pinger, timeout time.Duration) Status {
	if p == nil {
		return Status{OK: false, Message: "not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

// checkEndpoint only proves the prediction service answers; a GET on a
// prediction URL normally yields 404 or 405, which still counts as reachable.
func (c *Checker) checkEndpoint(ctx context.Context, url string) Status {
	if url == "" {
		return Status{OK: false, Message: "not configured"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return Status{OK: false, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	return Status{OK: true, Message: "Available"}
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}
