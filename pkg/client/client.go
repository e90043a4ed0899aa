package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to a pyker daemon over its HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new pyker API client.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
		// follow streams are bounded by their context, not a timeout
		stream: &http.Client{},
	}
}

// IsReachable checks if the daemon is running and reachable.
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	c.logger.Debug("Daemon reachability check", "reachable", err == nil, "error", err)
	return err == nil
}

func (c *Client) Start(ctx context.Context, req StartRequest) (Process, error) {
	c.logger.Debug("Starting process", "name", req.Name, "script", req.ScriptPath)
	var p Process
	err := c.do(ctx, http.MethodPost, "/processes", req, &p)
	return p, err
}

func (c *Client) List(ctx context.Context) ([]Process, error) {
	var out []Process
	err := c.do(ctx, http.MethodGet, "/processes", nil, &out)
	return out, err
}

// Get fetches one process by id or name.
func (c *Client) Get(ctx context.Context, ref string) (Process, error) {
	var p Process
	err := c.do(ctx, http.MethodGet, "/processes/"+url.PathEscape(ref), nil, &p)
	return p, err
}

func (c *Client) Stop(ctx context.Context, ref string) (Process, error) {
	var p Process
	err := c.do(ctx, http.MethodPost, "/processes/"+url.PathEscape(ref)+"/stop", nil, &p)
	return p, err
}

func (c *Client) Restart(ctx context.Context, ref string) (Process, error) {
	var p Process
	err := c.do(ctx, http.MethodPost, "/processes/"+url.PathEscape(ref)+"/restart", nil, &p)
	return p, err
}

func (c *Client) Delete(ctx context.Context, ref string) error {
	return c.do(ctx, http.MethodDelete, "/processes/"+url.PathEscape(ref), nil, nil)
}

// Logs returns the last lines of a process's output.
func (c *Client) Logs(ctx context.Context, ref string, lines int) ([]string, error) {
	path := "/processes/" + url.PathEscape(ref) + "/logs"
	if lines > 0 {
		path += "?lines=" + strconv.Itoa(lines)
	}
	var resp logsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Lines, nil
}

// FollowLogs streams the last lines and then new output to emit until ctx
// is done or the daemon closes the stream.
func (c *Client) FollowLogs(ctx context.Context, ref string, lines int, emit func(string)) error {
	q := url.Values{"follow": {"true"}}
	if lines > 0 {
		q.Set("lines", strconv.Itoa(lines))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/processes/"+url.PathEscape(ref)+"/logs?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &APIError{Kind: KindUnreachable, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		emit(sc.Text())
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read log stream: %w", err)
	}
	return nil
}

func (c *Client) Info(ctx context.Context) (Info, error) {
	var in Info
	err := c.do(ctx, http.MethodGet, "/info", nil, &in)
	return in, err
}

// do sends body as JSON (when non-nil) and decodes a 2xx response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return &APIError{Kind: KindUnreachable, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError turns a non-2xx response into an *APIError.
func (c *Client) decodeError(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	c.logger.Debug("API request failed", "error", er.Error, "kind", er.Kind, "status", resp.StatusCode)
	return &APIError{Status: resp.StatusCode, Kind: er.Kind, Message: er.Error}
}

// KindOf returns the daemon error kind carried by err, or "" when err did
// not come from the API.
func KindOf(err error) string {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}
