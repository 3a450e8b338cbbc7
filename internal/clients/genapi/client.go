package genapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/envutil"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/httpx"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
)

// Client talks to the generation service that renders images, videos and
// websites asynchronously. Submit starts a job and returns the service's job
// id; Status polls it.
type Client interface {
	Submit(ctx context.Context, kind, prompt string, options map[string]any) (string, error)
	Status(ctx context.Context, jobID string) (*JobStatus, error)
}

// JobStatus mirrors the service's job resource.
type JobStatus struct {
	State     string          `json:"state"` // processing | completed | failed | not_found
	OutputURL string          `json:"output_url,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:    strings.TrimSpace(os.Getenv("GENAPI_BASE_URL")),
		APIKey:     strings.TrimSpace(os.Getenv("GENAPI_API_KEY")),
		Timeout:    envutil.Duration("GENAPI_TIMEOUT", 30*time.Second),
		MaxRetries: envutil.Int("GENAPI_MAX_RETRIES", 3),
	}
}

func NewFromEnv(log *logger.Logger) (Client, error) {
	return New(log, ConfigFromEnv())
}

func New(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("missing GENAPI_BASE_URL")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("missing GENAPI_API_KEY")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &client{
		log:        log.With("client", "GenAPIClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
}

type genHTTPError struct {
	StatusCode int
	Body       string
}

func (e *genHTTPError) Error() string {
	return fmt.Sprintf("genapi http %d: %s", e.StatusCode, e.Body)
}

func (e *genHTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

type submitRequest struct {
	Kind    string         `json:"kind"`
	Prompt  string         `json:"prompt"`
	Options map[string]any `json:"options,omitempty"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

func (c *client) Submit(ctx context.Context, kind, prompt string, options map[string]any) (string, error) {
	var out submitResponse
	err := c.do(ctx, http.MethodPost, "/v1/jobs", submitRequest{Kind: kind, Prompt: prompt, Options: options}, &out)
	if err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", fmt.Errorf("genapi submit returned empty job id")
	}
	return out.JobID, nil
}

// Status maps a 404 to state not_found instead of an error: for the poll
// worker a vanished job is a terminal outcome, not a transient failure.
func (c *client) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	var out JobStatus
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+jobID, nil, &out)
	if err != nil {
		var httpErr *genHTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return &JobStatus{State: "not_found"}, nil
		}
		return nil, err
	}
	return &out, nil
}

func (c *client) doOnce(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &genHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	backoff := time.Second
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resp, raw, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("genapi decode error: %w; raw=%s", uErr, string(raw))
			}
			return nil
		}
		var httpErr *genHTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			// Not retryable and meaningful to the caller.
			return err
		}
		if !httpx.IsRetryableError(err) {
			return err
		}
		if attempt == c.cfg.MaxRetries {
			return err
		}
		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 10*time.Second))
		c.log.Warn("GenAPI request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.cfg.MaxRetries,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		time.Sleep(sleepFor)
		backoff *= 2
	}
	return fmt.Errorf("unreachable retry loop")
}
