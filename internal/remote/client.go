package remote

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
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyContent is returned by Export when the stage has no result yet.
var ErrEmptyContent = errors.New("export has no content")

// ErrNoRunID is returned by Upload when the service accepted the request
// but did not hand back a run id.
var ErrNoRunID = errors.New("no run_id received from server")

// maxErrorBody bounds how much of a failed response body is kept in errors.
const maxErrorBody = 4 << 10

// Config holds the configuration for the processing service client
//
// BaseURL: service root, e.g. http://localhost:5001
// Timeout: per-request timeout
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be greater than 0")
	}
	return nil
}

// Client talks to the process-map processing service
// Thread-safe for concurrent use
//
// config: Configuration for the service
// httpClient: HTTP client for API requests
// baseURL: Base URL without trailing slash
type Client struct {
	config     *Config
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a new service client with the given configuration
//
// Returns a new Client instance or an error if configuration is invalid
// Example:
//
//	client, err := remote.NewClient(&remote.Config{
//		BaseURL: "http://localhost:5001",
//		Timeout: 30 * time.Second,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Client{
		config:  config,
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

// Upload sends a process map as multipart field "file" and returns the run id
//
// ctx: Context for the request
// filename: original file name, forwarded to the service
// content: file body
//
// Example:
//
//	f, _ := os.Open("order-to-cash.png")
//	defer f.Close()
//	runID, err := client.Upload(ctx, "order-to-cash.png", f)
func (c *Client) Upload(ctx context.Context, filename string, content io.Reader) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", fmt.Errorf("failed to read upload content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finish multipart body: %w", err)
	}

	var resp UploadResponse
	if err := c.do(ctx, http.MethodPost, "/upload", writer.FormDataContentType(), &body, &resp); err != nil {
		return "", err
	}
	if resp.RunID == "" {
		if resp.Error != "" {
			return "", fmt.Errorf("%w: %s", ErrNoRunID, resp.Error)
		}
		return "", ErrNoRunID
	}
	return string(resp.RunID), nil
}

// FetchRun returns the authoritative state of a run
func (c *Client) FetchRun(ctx context.Context, runID string) (*RunState, error) {
	var state RunState
	if err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID), "", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Advance asks the service to start a pipeline step ("bottlenecks" or
// "improvements") for a run. The call only triggers the work; results show
// up later through FetchRun.
func (c *Client) Advance(ctx context.Context, runID, step string) error {
	path := "/runs/" + url.PathEscape(runID) + "/process/" + url.PathEscape(step)
	return c.do(ctx, http.MethodPost, path, "", nil, nil)
}

// Export fetches the markdown artifact for one stage result
//
// kind: "transcription", "bottlenecks" or "improvements"
//
// Returns ErrEmptyContent when the service has no result for the stage yet
func (c *Client) Export(ctx context.Context, runID, kind string) (*Export, error) {
	path := "/runs/" + url.PathEscape(runID) + "/export/" + url.PathEscape(kind)
	var export Export
	if err := c.do(ctx, http.MethodGet, path, "", nil, &export); err != nil {
		return nil, err
	}
	if export.Content == nil || *export.Content == "" {
		return nil, fmt.Errorf("%s %s: %w", runID, kind, ErrEmptyContent)
	}
	if export.Filename == "" {
		export.Filename = kind + ".md"
	}
	return &export, nil
}

// Chat sends the whole conversation for a run and returns the assistant reply
//
// An "error" field in the response is returned as an error even when the
// HTTP status is 200.
//
// Example:
//
//	reply, err := client.Chat(ctx, remote.ChatRequest{
//		RunID: "12",
//		Conversation: []remote.ChatMessage{{Role: "user", Text: "Where is the bottleneck?"}},
//	})
func (c *Client) Chat(ctx context.Context, req ChatRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp ChatResponse
	if err := c.do(ctx, http.MethodPost, "/chat_response", "application/json", bytes.NewReader(payload), &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", errors.New(resp.Error)
	}
	return resp.Text, nil
}

// do makes a raw HTTP request and decodes a JSON response into out (when non-nil)
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if os.IsTimeout(err) {
			return fmt.Errorf("%s %s: request timed out: %w", method, path, err)
		}
		return fmt.Errorf("%s %s: failed to make request: %w", method, path, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: failed to read response body: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newStatusError(method, path, resp.StatusCode, responseBody)
	}

	if out == nil || len(bytes.TrimSpace(responseBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return fmt.Errorf("%s %s: failed to parse response: %w", method, path, err)
	}
	return nil
}

func newStatusError(method, path string, code int, body []byte) *StatusError {
	var parsed errorBody
	msg := ""
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		msg = parsed.Error
	} else {
		trimmed := bytes.TrimSpace(body)
		if len(trimmed) > maxErrorBody {
			trimmed = trimmed[:maxErrorBody]
		}
		msg = string(trimmed)
	}
	return &StatusError{Method: method, Path: path, Code: code, Message: msg}
}
