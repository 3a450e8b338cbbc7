package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
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

// Client sends outbound messages through the WhatsApp Cloud API.
type Client interface {
	SendText(ctx context.Context, to, body string) (*Message, error)
	SendMediaLink(ctx context.Context, to, mediaType, link, caption string) (*Message, error)
}

type Message struct {
	ID string
}

type Config struct {
	BaseURL       string
	AccessToken   string
	PhoneNumberID string
	Timeout       time.Duration
	MaxRetries    int
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:       strings.TrimSpace(os.Getenv("WHATSAPP_BASE_URL")),
		AccessToken:   strings.TrimSpace(os.Getenv("WHATSAPP_ACCESS_TOKEN")),
		PhoneNumberID: strings.TrimSpace(os.Getenv("WHATSAPP_PHONE_NUMBER_ID")),
		Timeout:       envutil.Duration("WHATSAPP_TIMEOUT", 30*time.Second),
		MaxRetries:    envutil.Int("WHATSAPP_MAX_RETRIES", 4),
	}
}

func NewFromEnv(log *logger.Logger) (Client, error) {
	return New(log, ConfigFromEnv())
}

func New(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("missing WHATSAPP_ACCESS_TOKEN")
	}
	if cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("missing WHATSAPP_PHONE_NUMBER_ID")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://graph.facebook.com/v21.0"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}
	return &client{
		log:        log.With("client", "WhatsAppClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
}

type waHTTPError struct {
	StatusCode int
	Body       string
}

func (e *waHTTPError) Error() string {
	return fmt.Sprintf("whatsapp http %d: %s", e.StatusCode, e.Body)
}

func (e *waHTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (c *client) SendText(ctx context.Context, to, body string) (*Message, error) {
	if strings.TrimSpace(to) == "" {
		return nil, fmt.Errorf("recipient required")
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"body": body},
	}
	return c.send(ctx, payload)
}

func (c *client) SendMediaLink(ctx context.Context, to, mediaType, link, caption string) (*Message, error) {
	if strings.TrimSpace(to) == "" {
		return nil, fmt.Errorf("recipient required")
	}
	switch mediaType {
	case "image", "video", "document":
	default:
		return nil, fmt.Errorf("unsupported media type %q", mediaType)
	}
	media := map[string]any{"link": link}
	if caption != "" {
		media["caption"] = caption
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              mediaType,
		mediaType:           media,
	}
	return c.send(ctx, payload)
}

func (c *client) send(ctx context.Context, payload map[string]any) (*Message, error) {
	var out sendResponse
	if err := c.do(ctx, "/"+c.cfg.PhoneNumberID+"/messages", payload, &out); err != nil {
		return nil, err
	}
	msg := &Message{}
	if len(out.Messages) > 0 {
		msg.ID = out.Messages[0].ID
	}
	return msg, nil
}

func (c *client) doOnce(ctx context.Context, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
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
		return resp, raw, &waHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

func (c *client) do(ctx context.Context, path string, body, out any) error {
	backoff := time.Second
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resp, raw, err := c.doOnce(ctx, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("whatsapp decode error: %w; raw=%s", uErr, string(raw))
			}
			return nil
		}
		if !httpx.IsRetryableError(err) {
			return err
		}
		if attempt == c.cfg.MaxRetries {
			return err
		}
		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 10*time.Second))
		c.log.Warn("WhatsApp request retrying",
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
