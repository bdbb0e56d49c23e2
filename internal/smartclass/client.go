// Package smartclass provides client functionality for the SmartClass video
// platform: the metadata endpoint, play-descriptor resolution, and
// recommend-list discovery.
package smartclass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ZJHSteven/smartclass-downloader/internal/capture"
	"github.com/ZJHSteven/smartclass-downloader/pkg/models"
)

const (
	// DefaultBaseURL is the base URL of the SmartClass platform.
	DefaultBaseURL = "https://tmu.smartclass.cn"

	// DefaultInitialTokenWait bounds how long Resolve waits for a first
	// token.
	DefaultInitialTokenWait = 2500 * time.Millisecond

	// DefaultRetryTokenWait bounds how long Resolve waits for a replacement
	// token after an auth rejection.
	DefaultRetryTokenWait = 6 * time.Second
)

// APIError is a logical failure reported by the metadata endpoint: the HTTP
// exchange succeeded but the envelope carried Success=false.
type APIError struct {
	Message string
}

// Error implements the error interface for APIError.
func (e *APIError) Error() string {
	if e.Message == "" {
		return "metadata request rejected"
	}
	return e.Message
}

// IsAuthError reports whether the server message looks like a token
// rejection rather than some other logical failure.
func (e *APIError) IsAuthError() bool {
	msg := strings.ToLower(e.Message)
	return strings.Contains(e.Message, "验证不通过") ||
		strings.Contains(msg, "verification failed") ||
		strings.Contains(msg, "token")
}

// apiEnvelope is the generic response wrapper of the SmartClass API.
type apiEnvelope struct {
	Success bool            `json:"Success"`
	Message string          `json:"Message"`
	Value   json.RawMessage `json:"Value,omitempty"`
}

// VideoInfoClient defines the interface for metadata resolution.
type VideoInfoClient interface {
	Resolve(ctx context.Context, lectureID string) (*models.LectureMetadata, error)
}

// Client resolves lecture ids against the metadata endpoint. It is built on
// the tapped http.Client so its own requests feed the token cache and the
// media sink like everything else in the process.
type Client struct {
	baseURL    string
	tokens     *capture.TokenCache
	cookie     string
	httpClient *http.Client
	logger     *slog.Logger

	initialTokenWait time.Duration
	retryTokenWait   time.Duration
}

// New creates a metadata client. httpClient should carry the capture tap as
// its transport; nil falls back to a plain client.
func New(baseURL string, tokens *capture.TokenCache, cookie string, httpClient *http.Client, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:          strings.TrimRight(baseURL, "/"),
		tokens:           tokens,
		cookie:           cookie,
		httpClient:       httpClient,
		logger:           logger,
		initialTokenWait: DefaultInitialTokenWait,
		retryTokenWait:   DefaultRetryTokenWait,
	}
}

// SetTokenWaits overrides how long Resolve waits for a first token and for
// a replacement token after an auth rejection. Non-positive values keep the
// defaults.
func (c *Client) SetTokenWaits(initial, retry time.Duration) {
	if initial > 0 {
		c.initialTokenWait = initial
	}
	if retry > 0 {
		c.retryTokenWait = retry
	}
}

// Resolve fetches the metadata for one lecture. An auth-shaped rejection is
// retried exactly once, and only after a different token than the rejected
// one has been captured; every other failure propagates immediately.
func (c *Client) Resolve(ctx context.Context, lectureID string) (*models.LectureMetadata, error) {
	token := c.tokens.Current()
	if token == "" {
		token = c.tokens.WaitFor(ctx, c.initialTokenWait)
	}

	meta, err := c.fetch(ctx, lectureID, token)
	if err == nil {
		return meta, nil
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.IsAuthError() {
		return nil, err
	}

	c.logger.Warn("Metadata request rejected, waiting for a fresh token",
		"lecture_id", lectureID, "message", apiErr.Message)

	fresh := c.tokens.WaitForDifferent(ctx, token, c.retryTokenWait)
	if fresh == "" {
		return nil, fmt.Errorf("no replacement token appeared: %w", apiErr)
	}

	return c.fetch(ctx, lectureID, fresh)
}

func (c *Client) fetch(ctx context.Context, lectureID, token string) (*models.LectureMetadata, error) {
	params := url.Values{}
	params.Set("csrkToken", token)
	params.Set("NewId", lectureID)
	params.Set("isGetLink", "true")
	params.Set("VideoPwd", "")
	params.Set("Answer", "")
	params.Set("isloadstudent", "true")

	endpoint := fmt.Sprintf("%s%s?%s", c.baseURL, capture.MetadataPath, params.Encode())

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata request failed with status %d", resp.StatusCode)
	}

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if !envelope.Success {
		return nil, &APIError{Message: envelope.Message}
	}

	var meta models.LectureMetadata
	if err := json.Unmarshal(envelope.Value, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse lecture metadata: %w", err)
	}

	return &meta, nil
}
