package biometric

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("zkid/biometric")

const (
	embedPath   = "/get-embedding"
	comparePath = "/compare-embeddings"
	healthPath  = "/openapi.json"

	maxResponseBytes = 1 << 20
	defaultTimeout   = 30 * time.Second
)

// Client is an HTTP client for the face embedding service.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("biometric: invalid service URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("biometric: unsupported URL scheme %q", u.Scheme)
	}

	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type embedResponse struct {
	Embedding  []float64 `json:"embedding"`
	Confidence float64   `json:"confidence"`
	Dimension  int       `json:"dimension"`
}

type compareRequest struct {
	FaceLogin []float64 `json:"face_login"`
	FaceReg   []float64 `json:"face_reg"`
}

type errorResponse struct {
	Detail any `json:"detail"`
}

// Embed uploads an image and returns its embedding.
func (c *Client) Embed(ctx context.Context, image []byte) (Embedding, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrRejected)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "face.jpg")
	if err != nil {
		return nil, fmt.Errorf("biometric: build request: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("biometric: build request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("biometric: build request: %w", err)
	}

	var out embedResponse
	if err := c.do(ctx, http.MethodPost, embedPath, mw.FormDataContentType(), &body, &out); err != nil {
		return nil, err
	}

	if out.Dimension != 0 && out.Dimension != len(out.Embedding) {
		return nil, fmt.Errorf("%w: declared dimension %d, got %d", ErrUnavailable, out.Dimension, len(out.Embedding))
	}
	emb := Embedding(out.Embedding)
	if err := emb.Validate(); err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}

	log.Debugf("embedding extracted: dimension=%d confidence=%.3f", len(emb), out.Confidence)
	return emb, nil
}

// Compare asks the service whether live and enrolled belong to the same
// person.
func (c *Client) Compare(ctx context.Context, live, enrolled Embedding) (*Comparison, error) {
	if len(live) != len(enrolled) {
		return nil, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(live), len(enrolled))
	}

	payload, err := json.Marshal(compareRequest{FaceLogin: live, FaceReg: enrolled})
	if err != nil {
		return nil, fmt.Errorf("biometric: encode request: %w", err)
	}

	var out Comparison
	if err := c.do(ctx, http.MethodPost, comparePath, "application/json", bytes.NewReader(payload), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ping checks the service answers HTTP.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, healthPath, "", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return fmt.Errorf("biometric: build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errors.Join(ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s: status %d", ErrUnavailable, method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: %s", ErrRejected, detail(raw, resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return nil
}

func detail(raw []byte, status int) string {
	var e errorResponse
	if err := json.Unmarshal(raw, &e); err == nil && e.Detail != nil {
		return fmt.Sprint(e.Detail)
	}
	return fmt.Sprintf("status %d", status)
}
