// Package client talks to the course chat HTTP API. It implements the
// history store, generator and exporter the reconciler depends on.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/coursechat/internal/course"
	"github.com/ashureev/coursechat/internal/domain"
	"github.com/ashureev/coursechat/internal/events"
)

// ErrUnauthorized is returned when the server rejects the bearer token.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error: status %d", e.StatusCode)
	}
	return e.Message
}

// ServerMessage returns the error text the server sent.
func (e *APIError) ServerMessage() string {
	return e.Message
}

// Is lets errors.Is(err, ErrUnauthorized) match 401 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// Client is an API client. It holds no identity; history calls take the
// bearer token explicitly.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a client for the API at baseURL.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Generate requests a course outline for prompt.
func (c *Client) Generate(ctx context.Context, prompt string) (*domain.CourseOutline, error) {
	var out struct {
		Success bool                  `json:"success"`
		Course  *domain.CourseOutline `json:"course"`
	}
	err := c.do(ctx, http.MethodPost, "/api/generate-course", "", map[string]string{"prompt": prompt}, &out)
	if err != nil {
		return nil, err
	}
	if !out.Success || out.Course == nil {
		return nil, errors.New("server returned no course")
	}
	return out.Course, nil
}

// Export renders course as a PDF on the server.
func (c *Client) Export(ctx context.Context, outline *domain.CourseOutline) ([]byte, error) {
	resp, err := c.send(ctx, http.MethodPost, "/api/export-course", "", map[string]any{"course": outline})
	if err != nil {
		return nil, err
	}
	defer c.closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	doc, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return doc, nil
}

// Save upserts a session snapshot.
func (c *Client) Save(ctx context.Context, token, sessionID, title string, messages []domain.Message) error {
	if messages == nil {
		messages = []domain.Message{}
	}
	body := map[string]any{"sessionId": sessionID, "title": title, "messages": messages}
	return c.do(ctx, http.MethodPost, "/api/history/save", token, body, nil)
}

// Load returns every session of the caller, most recent first.
func (c *Client) Load(ctx context.Context, token string) ([]domain.SessionSummary, error) {
	var out struct {
		Success bool                    `json:"success"`
		History []domain.SessionSummary `json:"history"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/history/load", token, nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

// Clear deletes every session of the caller.
func (c *Client) Clear(ctx context.Context, token string) (int64, error) {
	var out struct {
		Success      bool   `json:"success"`
		Message      string `json:"message"`
		DeletedCount int64  `json:"deletedCount"`
	}
	if err := c.do(ctx, http.MethodDelete, "/api/history/clear", token, nil, &out); err != nil {
		return 0, err
	}
	c.logger.Debug("History cleared", "message", out.Message, "deleted", out.DeletedCount)
	return out.DeletedCount, nil
}

// Watch subscribes to history change events and calls fn for each until ctx
// is cancelled or the server closes the stream.
func (c *Client) Watch(ctx context.Context, token string, fn func(events.Event)) error {
	url := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws/history"
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return &APIError{StatusCode: resp.StatusCode, Message: "Invalid or expired token."}
		}
		return fmt.Errorf("connection error: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(websocket.StatusNormalClosure, "watch ended"); closeErr != nil {
			c.logger.Debug("Failed to close history websocket", "error", closeErr)
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) != -1 {
				return nil
			}
			return fmt.Errorf("read history event: %w", err)
		}
		var ev events.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("Ignoring malformed history event", "error", err)
			continue
		}
		fn(ev)
	}
}

func (c *Client) send(ctx context.Context, method, path, token string, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection error: %w", err)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	resp, err := c.send(ctx, method, path, token, body)
	if err != nil {
		return err
	}
	defer c.closeBody(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError turns an error response into *APIError, or into
// *course.InvalidJSONError when the server relayed unparsable model output.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var body struct {
		Error       string `json:"error"`
		RawResponse string `json:"raw_response"`
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(data, &body); err == nil {
		apiErr.Message = body.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if body.RawResponse != "" {
		return &course.InvalidJSONError{Raw: body.RawResponse, Err: apiErr}
	}
	return apiErr
}

func (c *Client) closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		c.logger.Debug("Failed to close response body", "error", err)
	}
}
