// Package backend is the HTTP client for the face analysis API.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kdimtricp/facesync/internal/models"
)

const (
	pathGetVideo     = "/api/get_video"
	pathStartStream  = "/api/start_stream"
	pathProcessVideo = "/api/process_video"
	pathFaceData     = "/api/face_data"
)

// APIError is a non-success response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("API returned status %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	simple     bool
}

type Option func(*Client)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithSimplePlayback acquires videos through /api/start_stream instead of
// /api/get_video.
func WithSimplePlayback() Option {
	return func(cl *Client) { cl.simple = true }
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q: scheme and host required", baseURL)
	}

	c := &Client{
		baseURL: u,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type videoResponse struct {
	VideoURL string `json:"video_url"`
	Error    string `json:"error"`
}

type processResponse struct {
	Cached bool   `json:"cached"`
	Error  string `json:"error"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// AcquireVideo asks the API for a playable stream URL. Relative URLs are
// resolved against the API base URL.
func (c *Client) AcquireVideo(ctx context.Context) (string, error) {
	path := pathGetVideo
	if c.simple {
		path = pathStartStream
	}

	var body videoResponse
	if err := c.do(ctx, http.MethodGet, path, &body); err != nil {
		return "", err
	}
	if body.Error != "" {
		return "", fmt.Errorf("acquiring video: %s", body.Error)
	}
	if body.VideoURL == "" {
		return "", fmt.Errorf("acquiring video: empty video_url")
	}

	ref, err := url.Parse(body.VideoURL)
	if err != nil {
		return "", fmt.Errorf("invalid video_url %q: %w", body.VideoURL, err)
	}
	return c.baseURL.ResolveReference(ref).String(), nil
}

// ProcessVideo starts server-side analysis. cached is true when results
// already exist.
func (c *Client) ProcessVideo(ctx context.Context) (bool, error) {
	var body processResponse
	if err := c.do(ctx, http.MethodPost, pathProcessVideo, &body); err != nil {
		return false, err
	}
	if body.Error != "" {
		return false, fmt.Errorf("processing video: %s", body.Error)
	}
	return body.Cached, nil
}

// FaceData fetches analysis results, returning models.ErrNotReady on 404.
func (c *Client) FaceData(ctx context.Context) (*models.FaceData, error) {
	var data models.FaceData
	if err := c.do(ctx, http.MethodGet, pathFaceData, &data); err != nil {
		return nil, err
	}
	if err := data.Validate(); err != nil {
		return nil, fmt.Errorf("invalid face data: %w", err)
	}
	return &data, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	endpoint := c.baseURL.JoinPath(path)

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && path == pathFaceData {
		io.Copy(io.Discard, resp.Body)
		return models.ErrNotReady
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var body errorResponse
		if json.NewDecoder(resp.Body).Decode(&body) == nil {
			apiErr.Message = body.Error
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
